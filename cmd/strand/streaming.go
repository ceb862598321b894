package main

import (
	"bufio"
	"io"
	"strings"
	"sync"
	"time"
)

type StreamMode string

const (
	StreamInstant StreamMode = "instant"
	StreamSmooth  StreamMode = "smooth"
	StreamQuiet   StreamMode = "quiet"
)

func parseStreamMode(s string) (StreamMode, bool) {
	switch m := StreamMode(s); m {
	case StreamInstant, StreamSmooth, StreamQuiet:
		return m, true
	case "":
		return StreamInstant, true
	default:
		return "", false
	}
}

// StreamWriter prints generated text. An empty token flushes whatever is
// pending. Quiet mode holds a turn back until then.
type StreamWriter struct {
	mode StreamMode
	out  *bufio.Writer

	mu        sync.Mutex
	pending   int
	lastFlush time.Time
	interval  time.Duration
	turn      strings.Builder
	held      strings.Builder
}

func NewStreamWriter(w io.Writer, mode StreamMode) *StreamWriter {
	return &StreamWriter{
		mode:      mode,
		out:       bufio.NewWriterSize(w, 4096),
		lastFlush: time.Now(),
		interval:  50 * time.Millisecond,
	}
}

// Write handles one token. It matches inference.StreamFunc.
func (w *StreamWriter) Write(token string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if token == "" {
		w.flushLocked()
		return
	}
	w.turn.WriteString(token)
	switch w.mode {
	case StreamQuiet:
		w.held.WriteString(token)
	case StreamSmooth:
		_, _ = w.out.WriteString(token)
		w.pending++
		if w.pending >= 5 || time.Since(w.lastFlush) >= w.interval {
			w.flushLocked()
		}
	default:
		_, _ = w.out.WriteString(token)
		_ = w.out.Flush()
	}
}

// Flush writes pending output and returns the text of the current turn,
// starting a new one.
func (w *StreamWriter) Flush() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flushLocked()
	text := w.turn.String()
	w.turn.Reset()
	return text
}

func (w *StreamWriter) flushLocked() {
	if w.held.Len() > 0 {
		_, _ = w.out.WriteString(w.held.String())
		w.held.Reset()
	}
	_ = w.out.Flush()
	w.pending = 0
	w.lastFlush = time.Now()
}

// EndLine terminates the current output line.
func (w *StreamWriter) EndLine() {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.out.WriteByte('\n')
	w.flushLocked()
}
