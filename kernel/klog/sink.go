package klog

import (
	"fmt"
	"io"
	"sync"
)

// earlyEntries is the number of log entries a Sink keeps before an output is
// attached.
const earlyEntries = 64

// entryRing keeps the last earlyEntries writes. zap hands the sink one
// encoded entry per Write, so the ring never splits an entry.
type entryRing struct {
	entries [earlyEntries][]byte
	head, n int
	dropped int
}

func (r *entryRing) push(p []byte) {
	entry := append([]byte(nil), p...)
	if r.n < len(r.entries) {
		r.entries[(r.head+r.n)%len(r.entries)] = entry
		r.n++
		return
	}

	r.entries[r.head] = entry
	r.head = (r.head + 1) % len(r.entries)
	r.dropped++
}

// drain writes the held entries to w oldest first, preceded by a note if
// older entries were overwritten, and empties the ring.
func (r *entryRing) drain(w io.Writer) error {
	defer func() { *r = entryRing{} }()

	if r.dropped > 0 {
		if _, err := fmt.Fprintf(w, "klog: %d early log entries dropped\n", r.dropped); err != nil {
			return err
		}
	}
	for i := 0; i < r.n; i++ {
		if _, err := w.Write(r.entries[(r.head+i)%len(r.entries)]); err != nil {
			return err
		}
	}
	return nil
}

// Sink is a zapcore.WriteSyncer for the early logger. Until an output is
// attached it keeps the most recent entries in memory.
type Sink struct {
	mu    sync.Mutex
	early entryRing
	out   io.Writer
}

// Write sends p to the attached output or holds it until one is attached.
func (s *Sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.out == nil {
		s.early.push(p)
		return len(p), nil
	}
	return s.out.Write(p)
}

// Sync implements zapcore.WriteSyncer.
func (s *Sink) Sync() error {
	return nil
}

// SetOutput sends subsequent writes to w and flushes the held entries into
// it. Passing nil reverts to holding entries.
func (s *Sink) SetOutput(w io.Writer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.out = w
	if w == nil {
		return nil
	}
	return s.early.drain(w)
}
