// SPDX-License-Identifier: MIT

package frame

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		in   Value
	}{
		{"call", Call{
			Name:        "enqueue",
			Args:        []Arg{StringArg("https://example.test/v1")},
			Kwargs:      map[string]Arg{"tag": StringArg("music")},
			StdoutIsTTY: true,
			StderrIsTTY: false,
		}},
		{"call no args", Call{Name: "ps"}},
		{"stdout chunk", StdoutChunk{Text: "42.00%\n"}},
		{"stderr chunk", StderrChunk{Text: "warning: slow network\n"}},
		{"result", Result{Value: `{"id":"abc"}`}},
		{"error result", ErrorResult{Message: "daemon unreachable", Kind: "DaemonUnreachable"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := NewWriter(&buf).WriteFrame(tc.in); err != nil {
				t.Fatalf("WriteFrame: %v", err)
			}
			got, err := NewReader(&buf).ReadFrame()
			if err != nil {
				t.Fatalf("ReadFrame: %v", err)
			}
			// Call holds a slice and a map, so == on it panics; compare it field by field
			if gc, gok := got.(Call); gok {
				ic, iok := tc.in.(Call)
				if !iok {
					t.Fatalf("got %#v, want %#v", got, tc.in)
				}
				assertCallEqual(t, gc, ic)
				return
			}
			if got != tc.in {
				t.Fatalf("got %#v, want %#v", got, tc.in)
			}
		})
	}
}

func assertCallEqual(t *testing.T, got, want Call) {
	t.Helper()
	if got.Name != want.Name || got.StdoutIsTTY != want.StdoutIsTTY || got.StderrIsTTY != want.StderrIsTTY {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	if len(got.Args) != len(want.Args) {
		t.Fatalf("arg count: got %d, want %d", len(got.Args), len(want.Args))
	}
	for i := range got.Args {
		if got.Args[i] != want.Args[i] {
			t.Fatalf("arg %d: got %+v, want %+v", i, got.Args[i], want.Args[i])
		}
	}
	if len(got.Kwargs) != len(want.Kwargs) {
		t.Fatalf("kwarg count: got %d, want %d", len(got.Kwargs), len(want.Kwargs))
	}
	for k, v := range want.Kwargs {
		if got.Kwargs[k] != v {
			t.Fatalf("kwarg %s: got %+v, want %+v", k, got.Kwargs[k], v)
		}
	}
}

// multiple sequential frames on the same stream must be read back in order.
func TestMultipleFramesOnOneStream(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	frames := []Value{
		StdoutChunk{Text: "line one\n"},
		StdoutChunk{Text: "line two\n"},
		StdoutChunk{Text: "line three\n"},
		Result{Value: "ok"},
	}
	for _, f := range frames {
		if err := w.WriteFrame(f); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}

	r := NewReader(&buf)
	for i, want := range frames {
		got, err := r.ReadFrame()
		if err != nil {
			t.Fatalf("frame %d: ReadFrame: %v", i, err)
		}
		if got != want {
			t.Fatalf("frame %d: got %#v, want %#v", i, got, want)
		}
	}
}

func TestReadFrameTruncatedLength(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte{0, 0, 0}))
	_, err := r.ReadFrame()
	if !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("got %v, want ErrConnectionClosed", err)
	}
}

func TestReadFrameTruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	if err := NewWriter(&buf).WriteFrame(Result{Value: "this is a longer payload"}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	truncated := buf.Bytes()[:buf.Len()-4]
	r := NewReader(bytes.NewReader(truncated))
	_, err := r.ReadFrame()
	if !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("got %v, want ErrConnectionClosed", err)
	}
}

func TestReadFrameUnknownTag(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 0, 0, 0, 0, 1}) // length = 1
	buf.WriteByte(0xFF)                       // unknown tag
	r := NewReader(&buf)
	_, err := r.ReadFrame()
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("got %v, want ErrProtocol", err)
	}
}

func TestReadFrameOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	lenBuf := make([]byte, 8)
	for i := range lenBuf {
		lenBuf[i] = 0xFF
	}
	buf.Write(lenBuf)
	r := NewReader(&buf)
	_, err := r.ReadFrame()
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("got %v, want ErrProtocol", err)
	}
}

// pipeConn lets the writer and reader run concurrently against a real
// io.Pipe, exercising the "read length fully, then payload fully" path
// against a stream that can deliver bytes a few at a time.
func TestReadFrameOverSlowPipe(t *testing.T) {
	pr, pw := io.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer pw.Close()
		w := NewWriter(pw)
		_ = w.WriteFrame(StdoutChunk{Text: "streamed output\n"})
	}()

	got, err := NewReader(pr).ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got != (StdoutChunk{Text: "streamed output\n"}) {
		t.Fatalf("got %#v", got)
	}
	<-done
}
