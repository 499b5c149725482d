// SPDX-License-Identifier: MIT

package scheduler

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/MaxDillon/mediabin-go/internal/fetcher"
	"github.com/MaxDillon/mediabin-go/internal/ledger"
)

func newTestLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.sqlite")
	l, err := ledger.Open(context.Background(), path)
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func insert(t *testing.T, l *ledger.Ledger, id, title string) {
	t.Helper()
	item := ledger.MediaItem{
		ID: id, Title: title, OriginURL: "https://example.com/" + id,
		VideoURL: "https://cdn.example.com/" + id, ThumbnailURL: "https://cdn.example.com/" + id + ".jpg",
		ObjectPath: id[0:4] + "/" + id[4:8] + "/" + id, TimestampCreated: time.Now(),
	}
	if err := l.InsertPending(context.Background(), item); err != nil {
		t.Fatalf("InsertPending(%s): %v", id, err)
	}
}

func pollUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func newTestScheduler(l *ledger.Ledger, f *fetcher.FakeFetcher, maxConcurrent int) *Scheduler {
	cfg := Config{
		MaxConcurrentDownloads: maxConcurrent,
		PollInterval:           10 * time.Millisecond,
		Datadir:                "/tmp/mediabin-test-data",
	}
	return New(cfg, l, f, slog.Default())
}

// P2: bounded concurrency — never more than max_concurrent_downloads
// jobs run at once.
func TestBoundedConcurrency(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := newTestLedger(t)
	f := fetcher.NewFakeFetcher()
	f.StepInterval = 50 * time.Millisecond

	for i, id := range []string{"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
		"cccccccccccccccccccccccccccccccc", "dddddddddddddddddddddddddddddddd"} {
		insert(t, l, id, "Item")
		f.Infos[id] = &fetcher.VideoInfo{ID: id}
		f.Scripts[id] = []fetcher.Status{fetcher.StatusFinished{FilePath: "/tmp/x"}}
		_ = i
	}

	sched := newTestScheduler(l, f, 2)
	go sched.Run(ctx)
	defer sched.Stop()

	pollUntil(t, time.Second, func() bool { return sched.activeCount() > 0 })
	if sched.activeCount() > 2 {
		t.Fatalf("activeCount = %d, want <= 2", sched.activeCount())
	}
}

// At-most-once promotion — NextPending never hands out a row twice.
func TestAtMostOncePromotion(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := newTestLedger(t)
	f := fetcher.NewFakeFetcher()
	f.StepInterval = time.Millisecond
	id := "eeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee"
	insert(t, l, id, "Item")
	f.Infos[id] = &fetcher.VideoInfo{ID: id}
	f.Scripts[id] = []fetcher.Status{fetcher.StatusFinished{FilePath: "/tmp/x"}}

	sched := newTestScheduler(l, f, 5)
	go sched.Run(ctx)
	defer sched.Stop()

	pollUntil(t, time.Second, func() bool {
		item, err := l.Get(context.Background(), id)
		return err == nil && item.Status == ledger.StatusComplete
	})

	started := f.Started()
	count := 0
	for _, s := range started {
		if s == id {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("fetcher.Start called %d times for %s, want exactly 1", count, id)
	}
}

// Monotonic completion — terminal status lands in the ledger before
// the job disappears from ListCurrent.
func TestMonotonicCompletion(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := newTestLedger(t)
	f := fetcher.NewFakeFetcher()
	f.StepInterval = time.Millisecond
	id := "ffffffffffffffffffffffffffffffff"
	insert(t, l, id, "Item")
	f.Infos[id] = &fetcher.VideoInfo{ID: id}
	f.Scripts[id] = []fetcher.Status{fetcher.StatusFinished{FilePath: "/tmp/x"}}

	sched := newTestScheduler(l, f, 5)
	go sched.Run(ctx)
	defer sched.Stop()

	pollUntil(t, time.Second, func() bool {
		current, err := sched.ListCurrent(context.Background())
		if err != nil {
			return false
		}
		for _, job := range current {
			if job.ID == id {
				return false
			}
		}
		return true
	})

	item, err := l.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if item.Status != ledger.StatusComplete {
		t.Fatalf("Status = %q, want complete once the job left ListCurrent", item.Status)
	}
}

// P4: crash recovery — rows left downloading are reset to pending at
// startup so they are retried.
func TestCrashRecoveryResetsDownloadingRows(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	id := "11111111111111111111111111111111"[:32]
	insert(t, l, id, "Item")
	if err := l.PromoteToDownloading(ctx, id); err != nil {
		t.Fatalf("PromoteToDownloading: %v", err)
	}

	f := fetcher.NewFakeFetcher()
	f.Infos[id] = &fetcher.VideoInfo{ID: id}
	f.Scripts[id] = []fetcher.Status{fetcher.StatusFinished{FilePath: "/tmp/x"}}
	f.StepInterval = time.Millisecond

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	sched := newTestScheduler(l, f, 5)
	go sched.Run(runCtx)
	defer sched.Stop()

	pollUntil(t, time.Second, func() bool {
		item, err := l.Get(ctx, id)
		return err == nil && item.Status == ledger.StatusComplete
	})
}

// Shutdown cancels in-flight jobs and joins cleanly.
func TestStopCancelsInFlightJobs(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	f := fetcher.NewFakeFetcher()
	f.StepInterval = 100 * time.Millisecond
	id := "22222222222222222222222222222222"
	insert(t, l, id, "Item")
	f.Infos[id] = &fetcher.VideoInfo{ID: id}
	f.Scripts[id] = []fetcher.Status{
		fetcher.StatusDownloading{Progress: 0.1},
		fetcher.StatusDownloading{Progress: 0.2},
		fetcher.StatusFinished{FilePath: "/tmp/x"},
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	sched := newTestScheduler(l, f, 5)
	go sched.Run(runCtx)

	pollUntil(t, time.Second, func() bool { return sched.activeCount() > 0 })

	stopped := make(chan struct{})
	go func() {
		sched.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() did not return; scheduler failed to join cancelled jobs")
	}

	item, err := l.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if item.Status == ledger.StatusComplete {
		t.Fatalf("item reached complete despite Stop cancelling its job mid-flight")
	}
}

func TestEnqueueWakesLoopBeforePollInterval(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := newTestLedger(t)
	f := fetcher.NewFakeFetcher()
	f.StepInterval = time.Millisecond

	cfg := Config{MaxConcurrentDownloads: 5, PollInterval: 10 * time.Second, Datadir: "/tmp/x"}
	sched := New(cfg, l, f, slog.Default())
	go sched.Run(ctx)
	defer sched.Stop()

	id := "33333333333333333333333333333333"
	insert(t, l, id, "Item")
	f.Infos[id] = &fetcher.VideoInfo{ID: id}
	f.Scripts[id] = []fetcher.Status{fetcher.StatusFinished{FilePath: "/tmp/x"}}

	sched.Enqueue()

	pollUntil(t, 500*time.Millisecond, func() bool {
		item, err := l.Get(context.Background(), id)
		return err == nil && item.Status != ledger.StatusPending
	})
}
