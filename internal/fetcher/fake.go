// SPDX-License-Identifier: MIT

package fetcher

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// FakeFetcher is a deterministic, in-memory Fetcher used by scheduler
// tests, grounded on the teacher's fake-FFmpeg pattern in
// stream/manager_unit_test.go: swap the real external-process adapter
// for a scripted one rather than mocking the scheduler's collaborators
// piecemeal.
type FakeFetcher struct {
	mu sync.Mutex

	// Infos maps a URL to the VideoInfo FetchInfo returns for it.
	Infos map[string]*VideoInfo

	// Scripts maps a VideoInfo.ID to the sequence of Status events Start
	// emits for it, one per call to the returned Job's internal ticker.
	// The last entry must be a StatusFinished or StatusError.
	Scripts map[string][]Status

	// StepInterval is the delay between scripted events (default 1ms,
	// fast enough for tests while still exercising goroutine scheduling).
	StepInterval time.Duration

	started []string // job ids started, in order; for test assertions
}

func NewFakeFetcher() *FakeFetcher {
	return &FakeFetcher{
		Infos:   map[string]*VideoInfo{},
		Scripts: map[string][]Status{},
	}
}

func (f *FakeFetcher) FetchInfo(ctx context.Context, url string) (*VideoInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.Infos[url]
	if !ok {
		return nil, fmt.Errorf("fake fetcher: no info scripted for %s", url)
	}
	return info, nil
}

// Started returns the ids of jobs that have been started, in order.
func (f *FakeFetcher) Started() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.started))
	copy(out, f.started)
	return out
}

type fakeJob struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (j *fakeJob) Cancel() {
	j.cancel()
	<-j.done
}

func (f *FakeFetcher) Start(ctx context.Context, info *VideoInfo, dest string, onStatus StatusFunc) (Job, error) {
	f.mu.Lock()
	script, ok := f.Scripts[info.ID]
	interval := f.StepInterval
	f.started = append(f.started, info.ID)
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("fake fetcher: no script for id %s", info.ID)
	}
	if interval <= 0 {
		interval = time.Millisecond
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for _, status := range script {
			select {
			case <-runCtx.Done():
				return
			case <-time.After(interval):
			}
			if runCtx.Err() != nil {
				return
			}
			onStatus(info, status)
		}
	}()

	return &fakeJob{cancel: cancel, done: done}, nil
}
