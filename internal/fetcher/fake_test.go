// SPDX-License-Identifier: MIT

package fetcher

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestFakeFetcherFetchInfo(t *testing.T) {
	f := NewFakeFetcher()
	want := &VideoInfo{ID: "abc", Title: "A Talk"}
	f.Infos["https://example.com/a"] = want

	got, err := f.FetchInfo(context.Background(), "https://example.com/a")
	if err != nil {
		t.Fatalf("FetchInfo: %v", err)
	}
	if got != want {
		t.Fatalf("FetchInfo returned %+v, want %+v", got, want)
	}

	if _, err := f.FetchInfo(context.Background(), "https://example.com/unknown"); err == nil {
		t.Fatalf("FetchInfo on unscripted url: err = nil, want error")
	}
}

func TestFakeFetcherStartEmitsScriptedEventsInOrder(t *testing.T) {
	f := NewFakeFetcher()
	f.StepInterval = time.Millisecond
	info := &VideoInfo{ID: "job1"}
	f.Scripts["job1"] = []Status{
		StatusDownloading{Progress: 0.5},
		StatusFinished{FilePath: "/tmp/job1/video.mp4"},
	}

	var mu sync.Mutex
	var events []Status
	done := make(chan struct{})
	onStatus := func(_ *VideoInfo, s Status) {
		mu.Lock()
		events = append(events, s)
		n := len(events)
		mu.Unlock()
		if n == 2 {
			close(done)
		}
	}

	job, err := f.Start(context.Background(), info, "/tmp/job1", onStatus)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer job.Cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for scripted events")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if _, ok := events[0].(StatusDownloading); !ok {
		t.Fatalf("events[0] = %T, want StatusDownloading", events[0])
	}
	if _, ok := events[1].(StatusFinished); !ok {
		t.Fatalf("events[1] = %T, want StatusFinished", events[1])
	}
}

func TestFakeFetcherCancelStopsFurtherEvents(t *testing.T) {
	f := NewFakeFetcher()
	f.StepInterval = 20 * time.Millisecond
	info := &VideoInfo{ID: "job2"}
	f.Scripts["job2"] = []Status{
		StatusDownloading{Progress: 0.1},
		StatusDownloading{Progress: 0.2},
		StatusFinished{FilePath: "/tmp/job2/video.mp4"},
	}

	var mu sync.Mutex
	var events []Status
	job, err := f.Start(context.Background(), info, "/tmp/job2", func(_ *VideoInfo, s Status) {
		mu.Lock()
		events = append(events, s)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	time.Sleep(25 * time.Millisecond)
	job.Cancel()

	mu.Lock()
	n := len(events)
	last := events[n-1]
	mu.Unlock()

	if _, ok := last.(StatusFinished); ok {
		t.Fatalf("received StatusFinished after cancel; cancellation must suppress terminal events")
	}
	if n >= 3 {
		t.Fatalf("got %d events after early cancel, want fewer than the full 3-event script", n)
	}
}

func TestFakeFetcherStartUnknownIDErrors(t *testing.T) {
	f := NewFakeFetcher()
	_, err := f.Start(context.Background(), &VideoInfo{ID: "nope"}, "/tmp/x", func(*VideoInfo, Status) {})
	if err == nil {
		t.Fatalf("Start with no scripted events: err = nil, want error")
	}
}
