package telemetry

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Journal appends MessagePack-encoded events to a writer from a single
// background goroutine. Emit never blocks; events are dropped when the
// buffer is full.
type Journal struct {
	w       io.Writer
	logger  *slog.Logger
	queue   chan Event
	done    chan struct{}
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

// NewJournal starts the writer goroutine. buffer <= 0 uses 1024.
func NewJournal(w io.Writer, buffer int, logger *slog.Logger) *Journal {
	if buffer <= 0 {
		buffer = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	j := &Journal{
		w:      w,
		logger: logger,
		queue:  make(chan Event, buffer),
		done:   make(chan struct{}),
	}
	go j.run()
	return j
}

func (j *Journal) run() {
	defer close(j.done)
	var buf []byte
	for ev := range j.queue {
		var err error
		buf, err = ev.MarshalMsg(buf[:0])
		if err != nil {
			j.logger.Error("journal encode failed", slog.Any("error", err))
			continue
		}
		if _, err := j.w.Write(buf); err != nil {
			j.logger.Error("journal write failed", slog.Any("error", err))
		}
	}
}

func (j *Journal) Emit(ev Event) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		j.dropped.Add(1)
		return
	}
	select {
	case j.queue <- ev:
	default:
		j.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded.
func (j *Journal) Dropped() uint64 {
	return j.dropped.Load()
}

// Stop drains queued events and waits for the writer, or until ctx ends.
func (j *Journal) Stop(ctx context.Context) error {
	j.mu.Lock()
	if !j.closed {
		j.closed = true
		close(j.queue)
	}
	j.mu.Unlock()
	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
