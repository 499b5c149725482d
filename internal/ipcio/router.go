// SPDX-License-Identifier: MIT

// Package ipcio is the mediabin output router (spec.md §4.2, L2).
//
// Every write a handler makes to its logical standard output or standard
// error is forwarded to the client that issued the call, as a
// frame.StdoutChunk / frame.StderrChunk, flushed immediately. Writes made
// through Stdout/Stderr outside of any handler — daemon housekeeping, the
// scheduler loop, fetcher background goroutines — have no associated
// connection and are discarded; only text passed to Router.WriteLog is
// appended to the daemon's log file.
//
// Go has no writable process-wide standard streams the way the original
// implementation's source language does, so this package follows the
// reimplementation guidance in spec.md §9 ("Thread-local stream
// redirection"): a handler's output capability is an explicit value
// carried on its context.Context, not a global. Handler code calls
// ipcio.Stdout(ctx) / ipcio.Stderr(ctx) to get an io.Writer that routes
// correctly whether or not a client connection is attached.
package ipcio

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/MaxDillon/mediabin-go/internal/frame"
)

// Sink is the per-call output capability threaded through a handler's
// context. It also exposes the stdout_is_tty / stderr_is_tty booleans
// carried on the originating Call frame so handlers can suppress colour
// for a non-tty client.
type Sink interface {
	Stdout() io.Writer
	Stderr() io.Writer
	StdoutIsTTY() bool
	StderrIsTTY() bool
}

type sinkKey struct{}

// WithSink returns a context carrying sink as the active output capability.
func WithSink(ctx context.Context, sink Sink) context.Context {
	return context.WithValue(ctx, sinkKey{}, sink)
}

// fromContext returns the active sink, or nil if ctx carries none.
func fromContext(ctx context.Context) Sink {
	s, _ := ctx.Value(sinkKey{}).(Sink)
	return s
}

// Router owns the fallback log writer used for output with no attached
// client connection, and constructs per-call Sinks.
type Router struct {
	mu     sync.Mutex
	logOut io.Writer
}

// NewRouter creates a Router that appends unattributed output to logOut.
func NewRouter(logOut io.Writer) *Router {
	return &Router{logOut: logOut}
}

// WriteLog appends s to the fallback log, used for output with no
// attached client connection (daemon housekeeping, scheduler, fetcher
// background work). Safe for concurrent use.
func (rt *Router) WriteLog(s string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.logOut != nil {
		_, _ = io.WriteString(rt.logOut, s)
	}
}

// connSink is the Sink attached to a single in-flight Call: every write
// becomes a frame on fw, flushed immediately (frame.Writer issues one
// logical write per WriteFrame call, so there is no extra buffering to
// flush).
type connSink struct {
	router      *Router
	mu          *sync.Mutex // serializes frame writes on this connection
	fw          *frame.Writer
	stdoutIsTTY bool
	stderrIsTTY bool
}

// NewConnSink returns a Sink that forwards writes as frames on fw. connMu
// must be the same mutex the connection's dispatcher uses to serialize all
// frame writes (Result/ErrorResult included), so that a StdoutChunk can
// never be interleaved with another frame mid-write.
func (rt *Router) NewConnSink(fw *frame.Writer, connMu *sync.Mutex, stdoutIsTTY, stderrIsTTY bool) Sink {
	return &connSink{router: rt, mu: connMu, fw: fw, stdoutIsTTY: stdoutIsTTY, stderrIsTTY: stderrIsTTY}
}

func (s *connSink) Stdout() io.Writer { return chunkWriter{sink: s, stderr: false} }
func (s *connSink) Stderr() io.Writer { return chunkWriter{sink: s, stderr: true} }
func (s *connSink) StdoutIsTTY() bool { return s.stdoutIsTTY }
func (s *connSink) StderrIsTTY() bool { return s.stderrIsTTY }

type chunkWriter struct {
	sink   *connSink
	stderr bool
}

func (w chunkWriter) Write(p []byte) (int, error) {
	text := string(p)
	var frm frame.Value
	if w.stderr {
		frm = frame.StderrChunk{Text: text}
	} else {
		frm = frame.StdoutChunk{Text: text}
	}

	w.sink.mu.Lock()
	err := w.sink.fw.WriteFrame(frm)
	w.sink.mu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("ipcio: forward chunk: %w", err)
	}
	return len(p), nil
}

// Stdout returns the active handler's standard-output writer. Outside of
// a handler it returns io.Discard: that output does not reach the daemon
// log, which receives only what is passed to Router.WriteLog.
func Stdout(ctx context.Context) io.Writer {
	if s := fromContext(ctx); s != nil {
		return s.Stdout()
	}
	return io.Discard
}

// Stderr mirrors Stdout for standard error.
func Stderr(ctx context.Context) io.Writer {
	if s := fromContext(ctx); s != nil {
		return s.Stderr()
	}
	return io.Discard
}

// StdoutIsTTY reports the stdout_is_tty flag carried on the active call,
// or false outside a handler.
func StdoutIsTTY(ctx context.Context) bool {
	if s := fromContext(ctx); s != nil {
		return s.StdoutIsTTY()
	}
	return false
}

// StderrIsTTY mirrors StdoutIsTTY for standard error.
func StderrIsTTY(ctx context.Context) bool {
	if s := fromContext(ctx); s != nil {
		return s.StderrIsTTY()
	}
	return false
}

// Printf writes a formatted line to the active handler's standard output
// (discarded outside a handler).
func Printf(ctx context.Context, format string, args ...any) {
	fmt.Fprintf(Stdout(ctx), format, args...)
}
