// SPDX-License-Identifier: MIT

// Package fetcher defines the contract between the scheduler and the
// external media-extraction backend (spec.md §4.6, L6), plus concrete
// adapters: CommandFetcher, which shells out to a configured extractor
// binary, and FakeFetcher, a deterministic stand-in for tests.
package fetcher

import (
	"context"
	"time"
)

// VideoInfo is the metadata probe result populated by FetchInfo.
type VideoInfo struct {
	ID           string
	ObjectPath   string
	Title        string
	OriginURL    string
	VideoURL     string
	ThumbnailURL string
	Timestamp    time.Time
}

// Status is a closed sum of the events a Fetcher reports through
// StatusFunc while a download is in flight. Exactly one of Pending,
// Downloading, Finished, Error is ever constructed per event.
type Status interface {
	isStatus()
}

// StatusPending marks a job accepted but not yet making progress.
type StatusPending struct{}

func (StatusPending) isStatus() {}

// StatusDownloading reports progress; rate-limited by the adapter to at
// most one event per 500ms (spec.md §4.6).
type StatusDownloading struct {
	Progress        float64 // 0.0 - 1.0; -1 if unknown
	BytesTotal      int64   // -1 if unknown
	BytesDownloaded int64
	Speed           int64 // bytes/sec, -1 if unknown
	ETA             time.Duration
}

func (StatusDownloading) isStatus() {}

// StatusFinished is the terminal success event.
type StatusFinished struct {
	FilePath string
}

func (StatusFinished) isStatus() {}

// StatusError is the terminal failure event.
type StatusError struct {
	Message string
	Details string
}

func (StatusError) isStatus() {}

// StatusFunc is invoked by a Job for every status transition. It may be
// called concurrently from any extractor worker goroutine; implementations
// must be safe for concurrent use (spec.md §4.6).
type StatusFunc func(info *VideoInfo, status Status)

// Job represents an in-flight download started by Fetcher.Start.
type Job interface {
	// Cancel requests the job stop. After Cancel returns, no further
	// status events — in particular no terminal event — are delivered.
	Cancel()
}

// Fetcher is the adapter contract the scheduler drives.
type Fetcher interface {
	// FetchInfo is a blocking metadata probe; it does not download media
	// bytes. Returns a nil *VideoInfo and a non-nil error if url cannot be
	// probed or does not resolve to a known item.
	FetchInfo(ctx context.Context, url string) (*VideoInfo, error)

	// Start begins a background download into dest, calling onStatus for
	// every progress and terminal event.
	Start(ctx context.Context, info *VideoInfo, dest string, onStatus StatusFunc) (Job, error)
}
