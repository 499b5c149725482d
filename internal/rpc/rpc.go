// SPDX-License-Identifier: MIT

// Package rpc defines the JSON payload shapes carried inside frame.Result
// and frame.Call arguments for mediabin's CLI surface (spec.md §6). The
// CLI itself is explicitly out of core scope (spec.md §1); this package
// exists only so the daemon's handlers (cmd/mediabind) and the CLI client
// (cmd/mediabin) agree on one wire shape instead of each guessing at JSON
// field names independently.
package rpc

import "time"

// EnqueueResult is the Result.Value payload of the "enqueue" command.
type EnqueueResult struct {
	ID        string `json:"id"`
	Duplicate bool   `json:"duplicate"`
}

// ProcEntry is one row of the "list_current_procs" (ps) result.
type ProcEntry struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	State    string  `json:"state"` // "pending" | "downloading" | "error"
	Progress float64 `json:"progress"` // 0..1, or -1 when unknown; meaningless unless State == "downloading"
	Speed    int64   `json:"speed"`    // bytes/sec, downloading only
}

// ListProcsResult is the Result.Value payload of "list_current_procs".
type ListProcsResult struct {
	Procs []ProcEntry `json:"procs"`
}

// CompleteEntry is one row of the "list_complete" (ls) result.
type CompleteEntry struct {
	ID                 string    `json:"id"`
	Title              string    `json:"title"`
	TimestampInstalled time.Time `json:"timestamp_installed"`
}

// ListCompleteResult is the Result.Value payload of "list_complete".
type ListCompleteResult struct {
	Items []CompleteEntry `json:"items"`
}

// DiskUsageResult is the Result.Value payload of "disk_usage" (du).
type DiskUsageResult struct {
	TotalBytes int64  `json:"total_bytes"`
	Datadir    string `json:"datadir"`
}
