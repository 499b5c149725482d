// SPDX-License-Identifier: MIT

// Package scheduler implements mediabin's bounded-concurrency download
// scheduler (spec.md §4.7, L7): the heart of the core, turning pending
// ledger rows into in-flight fetcher jobs without ever exceeding the
// configured concurrency limit, and recovering cleanly from a daemon
// crash mid-download.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/MaxDillon/mediabin-go/internal/fetcher"
	"github.com/MaxDillon/mediabin-go/internal/ledger"
	"github.com/MaxDillon/mediabin-go/internal/util"
)

// Config controls scheduler behavior.
type Config struct {
	MaxConcurrentDownloads int
	PollInterval           time.Duration // default 1s, matches spec.md's "1-second timeout" wake
	Datadir                string
}

// logWriter adapts a *slog.Logger to the io.Writer util.SafeGo expects
// for panic reports.
type logWriter struct{ logger *slog.Logger }

func (w logWriter) Write(p []byte) (int, error) {
	w.logger.Error(string(p))
	return len(p), nil
}

// CurrentJob is a snapshot entry for a job still tracked in memory,
// returned by ListCurrent for the list_current_procs handler.
type CurrentJob struct {
	ID     string
	Title  string
	Status fetcher.Status
}

// Scheduler owns the scheduling loop and its two lock-protected maps,
// current_downloads and current_statuses in spec.md's vocabulary.
type Scheduler struct {
	cfg     Config
	ledger  *ledger.Ledger
	fetcher fetcher.Fetcher
	logger  *slog.Logger

	enqueue chan struct{} // buffered 1: the "enqueue event" spec.md describes

	downloadsMu sync.Mutex // protects downloads; acquired before statusesMu
	downloads   map[string]fetcher.Job

	statusesMu sync.Mutex // protects statuses
	statuses   map[string]fetcher.Status

	titlesMu sync.Mutex // protects titles, a side index for ListCurrent
	titles   map[string]string

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New constructs a Scheduler. Call Run to start the scheduling loop.
func New(cfg Config, l *ledger.Ledger, f fetcher.Fetcher, logger *slog.Logger) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:       cfg,
		ledger:    l,
		fetcher:   f,
		logger:    logger,
		enqueue:   make(chan struct{}, 1),
		downloads: map[string]fetcher.Job{},
		statuses:  map[string]fetcher.Status{},
		titles:    map[string]string{},
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Run resets any rows left downloading by a previous crashed daemon
// (spec.md invariant 5), then runs the scheduling loop until ctx is
// cancelled or Stop is called.
func (s *Scheduler) Run(ctx context.Context) error {
	defer close(s.doneCh)

	reset, err := s.ledger.ResetDownloadingToPending(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: crash recovery: %w", err)
	}
	if reset > 0 {
		s.logger.Info("recovered interrupted downloads", "count", reset)
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.cancelAll()
			return nil
		case <-s.stopCh:
			s.cancelAll()
			return nil
		case <-s.enqueue:
			s.tick(ctx)
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// Stop requests the scheduling loop exit, cancelling every in-flight
// job, and blocks until Run has returned.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

// Enqueue signals the scheduling loop to wake immediately rather than
// waiting for the next poll tick (spec.md's "sets the enqueue event").
func (s *Scheduler) Enqueue() {
	select {
	case s.enqueue <- struct{}{}:
	default:
	}
}

func (s *Scheduler) activeCount() int {
	s.downloadsMu.Lock()
	defer s.downloadsMu.Unlock()
	return len(s.downloads)
}

// tick implements one pass of the scheduling loop body (spec.md §4.7).
func (s *Scheduler) tick(ctx context.Context) {
	if s.activeCount() >= s.cfg.MaxConcurrentDownloads {
		return
	}

	id, originURL, ok, err := s.ledger.NextPending(ctx)
	if err != nil {
		s.logger.Error("scheduler: next pending", "error", err)
		return
	}
	if !ok {
		return
	}

	item, err := s.ledger.Get(ctx, id)
	if err != nil {
		s.logger.Error("scheduler: load pending item", "id", id, "error", err)
		return
	}

	info := &fetcher.VideoInfo{
		ID:           item.ID,
		ObjectPath:   item.ObjectPath,
		Title:        item.Title,
		OriginURL:    originURL,
		VideoURL:     item.VideoURL,
		ThumbnailURL: item.ThumbnailURL,
	}
	dest := filepath.Join(s.cfg.Datadir, item.ObjectPath, "video.mp4")

	s.downloadsMu.Lock()
	if err := s.ledger.PromoteToDownloading(ctx, id); err != nil {
		s.downloadsMu.Unlock()
		s.logger.Error("scheduler: promote", "id", id, "error", err)
		return
	}

	job, err := s.fetcher.Start(ctx, info, dest, s.onStatus)
	if err != nil {
		s.downloadsMu.Unlock()
		s.logger.Error("scheduler: start fetcher", "id", id, "error", err)
		if markErr := s.ledger.MarkError(ctx, id); markErr != nil {
			s.logger.Error("scheduler: mark error after start failure", "id", id, "error", markErr)
		}
		return
	}
	s.downloads[id] = job
	s.downloadsMu.Unlock()

	s.statusesMu.Lock()
	s.statuses[id] = fetcher.StatusPending{}
	s.statusesMu.Unlock()

	s.titlesMu.Lock()
	s.titles[id] = item.Title
	s.titlesMu.Unlock()
}

// onStatus is the fetcher's StatusFunc, invoked from any fetcher worker
// goroutine (spec.md §4.6). Lock order is downloads-lock then
// statuses-lock, matching spec.md §4.7's "consistent acquisition order".
func (s *Scheduler) onStatus(info *fetcher.VideoInfo, status fetcher.Status) {
	ctx := context.Background()

	switch status.(type) {
	case fetcher.StatusPending, fetcher.StatusDownloading:
		s.statusesMu.Lock()
		s.statuses[info.ID] = status
		s.statusesMu.Unlock()
		return
	}

	s.downloadsMu.Lock()
	defer s.downloadsMu.Unlock()
	s.statusesMu.Lock()
	defer s.statusesMu.Unlock()

	switch st := status.(type) {
	case fetcher.StatusError:
		if err := s.ledger.MarkError(ctx, info.ID); err != nil {
			s.logger.Error("scheduler: mark error", "id", info.ID, "error", err)
		}
		s.logger.Warn("download failed", "id", info.ID, "message", st.Message, "details", st.Details)
	case fetcher.StatusFinished:
		if err := s.ledger.MarkComplete(ctx, info.ID, time.Now().UTC()); err != nil {
			s.logger.Error("scheduler: mark complete", "id", info.ID, "error", err)
		}
	}

	delete(s.downloads, info.ID)
	delete(s.statuses, info.ID)
}

// ListCurrent returns a snapshot of in-memory jobs plus any rows still
// pending promotion, per spec.md's list_current_procs handler.
func (s *Scheduler) ListCurrent(ctx context.Context) ([]CurrentJob, error) {
	s.statusesMu.Lock()
	s.titlesMu.Lock()
	active := make([]CurrentJob, 0, len(s.statuses))
	for id, status := range s.statuses {
		active = append(active, CurrentJob{ID: id, Title: s.titles[id], Status: status})
	}
	s.titlesMu.Unlock()
	s.statusesMu.Unlock()

	pending, err := s.ledger.ListCurrent(ctx)
	if err != nil {
		return nil, fmt.Errorf("scheduler: list current: %w", err)
	}

	seen := make(map[string]bool, len(active))
	for _, job := range active {
		seen[job.ID] = true
	}
	for _, item := range pending {
		if seen[item.ID] {
			continue
		}
		if item.Status != ledger.StatusPending {
			continue
		}
		active = append(active, CurrentJob{ID: item.ID, Title: item.Title, Status: fetcher.StatusPending{}})
	}

	return active, nil
}

// cancelAll requests cancellation of every in-flight job (spec.md's
// shutdown behavior); ledger rows left downloading are recovered by the
// next daemon startup's crash recovery.
func (s *Scheduler) cancelAll() {
	s.downloadsMu.Lock()
	jobs := make([]fetcher.Job, 0, len(s.downloads))
	for _, job := range s.downloads {
		jobs = append(jobs, job)
	}
	s.downloadsMu.Unlock()

	var wg sync.WaitGroup
	for _, job := range jobs {
		job := job
		wg.Add(1)
		util.SafeGo("scheduler-cancel-job", logWriter{s.logger}, func() {
			defer wg.Done()
			job.Cancel()
		}, nil)
	}
	wg.Wait()
}
