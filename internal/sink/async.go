package sink

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Default sink parameters.
const (
	defaultQueueSize     = 256
	defaultPendingCap    = 1000
	defaultMaxRetries    = 3
	defaultFlushInterval = 30 * time.Second
	writeTimeout         = 10 * time.Second
)

// pendingRecord is a record whose write failed and is awaiting retry.
type pendingRecord struct {
	kind         Kind
	payload      map[string]any
	retryCount   int
	firstFailure time.Time
}

// Sink accepts records on the data path without blocking and writes them
// through a [Writer] on a dedicated worker goroutine. Failed writes are
// retried up to maxRetries times from a bounded pending buffer; overflow
// drops the newest record.
type Sink struct {
	writer        Writer
	flushInterval time.Duration
	onDrop        func(Kind)

	queue chan pendingRecord

	mu      sync.Mutex
	pending []pendingRecord
	dropped int64
}

// Config configures a [Sink].
type Config struct {
	// Writer is the record transport. Must not be nil.
	Writer Writer

	// FlushInterval is the retry pulse for the pending buffer.
	// Defaults to 30s if zero.
	FlushInterval time.Duration

	// OnDrop is invoked when a record is abandoned (buffer overflow or retry
	// exhaustion). May be nil.
	OnDrop func(Kind)
}

// New creates a [Sink]. Call [Sink.Run] to start the worker.
func New(cfg Config) *Sink {
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	return &Sink{
		writer:        cfg.Writer,
		flushInterval: interval,
		onDrop:        cfg.OnDrop,
		queue:         make(chan pendingRecord, defaultQueueSize),
		pending:       make([]pendingRecord, 0, 16),
	}
}

// Record enqueues one record for asynchronous persistence. It never blocks:
// when the worker queue is full the record goes straight into the pending
// buffer, and when that is full too the record is dropped.
func (s *Sink) Record(kind Kind, payload map[string]any) {
	rec := pendingRecord{kind: kind, payload: payload}
	select {
	case s.queue <- rec:
	default:
		s.park(rec)
	}
}

// Run drains the worker queue and retries the pending buffer on the flush
// pulse until ctx is cancelled. It performs a final best-effort flush before
// returning.
func (s *Sink) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.finalFlush()
			return ctx.Err()
		case rec := <-s.queue:
			s.write(ctx, rec)
		case <-ticker.C:
			s.retryPending(ctx)
		}
	}
}

// Dropped returns the number of records abandoned so far.
func (s *Sink) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// PendingCount returns the number of records awaiting retry.
func (s *Sink) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// write attempts one write and parks the record on failure.
func (s *Sink) write(ctx context.Context, rec pendingRecord) {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	err := s.writer.Write(wctx, rec.kind, rec.payload)
	cancel()
	if err == nil {
		return
	}

	slog.Warn("sink write failed, parking record for retry",
		"kind", rec.kind,
		"retry_count", rec.retryCount,
		"err", err,
	)
	s.park(rec)
}

// park appends rec to the pending buffer, dropping it when the buffer is
// full or the record has exhausted its retries.
func (s *Sink) park(rec pendingRecord) {
	if rec.firstFailure.IsZero() {
		rec.firstFailure = time.Now()
	}

	s.mu.Lock()
	drop := rec.retryCount >= defaultMaxRetries || len(s.pending) >= defaultPendingCap
	if drop {
		s.dropped++
	} else {
		s.pending = append(s.pending, rec)
	}
	s.mu.Unlock()

	if drop {
		if s.onDrop != nil {
			s.onDrop(rec.kind)
		}
		slog.Error("sink record dropped",
			"kind", rec.kind,
			"retry_count", rec.retryCount,
		)
	}
}

// retryPending re-attempts every parked record once. Records that fail again
// are re-parked with an incremented retry count; exhausted records are dropped
// by park.
func (s *Sink) retryPending(ctx context.Context) {
	s.mu.Lock()
	batch := s.pending
	s.pending = make([]pendingRecord, 0, 16)
	s.mu.Unlock()

	for _, rec := range batch {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := s.writer.Write(wctx, rec.kind, rec.payload)
		cancel()
		if err != nil {
			rec.retryCount++
			s.park(rec)
		}
	}
}

// finalFlush makes one last attempt at queued and pending records during
// shutdown, with a short overall deadline.
func (s *Sink) finalFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	for {
		select {
		case rec := <-s.queue:
			_ = s.writer.Write(ctx, rec.kind, rec.payload)
		default:
			s.mu.Lock()
			batch := s.pending
			s.pending = nil
			s.mu.Unlock()
			for _, rec := range batch {
				_ = s.writer.Write(ctx, rec.kind, rec.payload)
			}
			return
		}
	}
}
