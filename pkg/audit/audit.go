// Package audit is the append-only record of resolutions and operation
// outcomes. Entries live in a capped in-memory ring and are optionally
// copied to a persistent Sink by a background flusher, so Record never
// waits on I/O for longer than the configured enqueue timeout.
package audit

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/itsacoffee/aura-orchestrator/pkg/config"
	"github.com/itsacoffee/aura-orchestrator/pkg/metrics"
	"github.com/itsacoffee/aura-orchestrator/pkg/models"
)

// Sink persists audit entries outside the process.
type Sink interface {
	Write(ctx context.Context, entries []models.AuditEntry) error
	Query(ctx context.Context, opts models.AuditQueryOpts) ([]models.AuditEntry, error)
	Stats(ctx context.Context) ([]models.AuditStat, error)
	SessionTotals(ctx context.Context, sessionID string) (models.SessionTotals, error)
	// Cleanup deletes entries older than before.
	Cleanup(ctx context.Context, before time.Time) (int64, error)
	Close() error
}

// Options configure a Log.
type Options struct {
	Capacity       int
	BufferSize     int
	EnqueueTimeout time.Duration
	BatchSize      int
	FlushInterval  time.Duration
	Sink           Sink
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
}

// OptionsFrom maps configuration onto Options; sink, logger and metrics are
// supplied by the caller.
func OptionsFrom(cfg config.AuditConfig) Options {
	return Options{
		Capacity:       cfg.Capacity,
		BufferSize:     cfg.BufferSize,
		EnqueueTimeout: cfg.EnqueueTimeout,
		BatchSize:      cfg.BatchSize,
	}
}

type record struct {
	seq   uint64
	entry models.AuditEntry
}

type flushRequest struct {
	done chan struct{}
}

// Log is the in-memory audit ring plus optional sink writer.
type Log struct {
	mu   sync.RWMutex
	ring []record
	next int
	full bool
	seq  uint64

	sink           Sink
	queue          chan models.AuditEntry
	flushes        chan flushRequest
	enqueueTimeout time.Duration
	batchSize      int
	flushInterval  time.Duration

	logger  *zap.Logger
	metrics *metrics.Metrics
	dropped atomic.Int64

	// sendMu orders queue sends before Close; closed is set under it.
	sendMu    sync.RWMutex
	closed    bool
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// New creates a Log and, when a sink is configured, starts its flusher.
func New(opts Options) *Log {
	if opts.Capacity <= 0 {
		opts.Capacity = 1000
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 256
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 64
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	l := &Log{
		ring:           make([]record, opts.Capacity),
		sink:           opts.Sink,
		enqueueTimeout: opts.EnqueueTimeout,
		batchSize:      opts.BatchSize,
		flushInterval:  opts.FlushInterval,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		done:           make(chan struct{}),
	}
	if l.sink != nil {
		l.queue = make(chan models.AuditEntry, opts.BufferSize)
		l.flushes = make(chan flushRequest)
		l.wg.Add(1)
		go l.flushLoop()
	}
	return l
}

// Record appends entry. Entries are copied and never mutated afterwards.
func (l *Log) Record(entry models.AuditEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	if entry.Notes != nil {
		entry.Notes = append([]string(nil), entry.Notes...)
	}

	l.mu.Lock()
	l.seq++
	l.ring[l.next] = record{seq: l.seq, entry: entry}
	l.next++
	if l.next == len(l.ring) {
		l.next = 0
		l.full = true
	}
	l.mu.Unlock()

	if l.sink != nil {
		l.enqueue(entry)
	}
}

func (l *Log) enqueue(entry models.AuditEntry) {
	l.sendMu.RLock()
	defer l.sendMu.RUnlock()
	if l.closed {
		l.drop(entry, "audit log closed")
		return
	}

	select {
	case l.queue <- entry:
		return
	default:
	}
	if l.enqueueTimeout <= 0 {
		l.drop(entry, "audit sink queue full")
		return
	}

	timer := time.NewTimer(l.enqueueTimeout)
	defer timer.Stop()
	select {
	case l.queue <- entry:
	case <-timer.C:
		l.drop(entry, "audit sink queue full")
	}
}

func (l *Log) drop(entry models.AuditEntry, reason string) {
	l.dropped.Add(1)
	l.metrics.AuditDropped()
	l.logger.Warn(reason,
		zap.String("operation_id", entry.OperationID),
		zap.String("session_id", entry.SessionID))
}

// Dropped returns how many entries did not reach the sink.
func (l *Log) Dropped() int64 {
	return l.dropped.Load()
}

// Len returns the number of entries held in memory.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.full {
		return len(l.ring)
	}
	return l.next
}

// QueryBySession returns the session's entries ordered by timestamp.
func (l *Log) QueryBySession(sessionID string) []models.AuditEntry {
	return l.Query(models.AuditQueryOpts{SessionID: sessionID})
}

// QueryByJob returns the job's entries ordered by timestamp.
func (l *Log) QueryByJob(jobID string) []models.AuditEntry {
	return l.Query(models.AuditQueryOpts{JobID: jobID})
}

// Get returns the latest entry recorded for operationID.
func (l *Log) Get(operationID string) (models.AuditEntry, bool) {
	entries := l.Query(models.AuditQueryOpts{OperationID: operationID})
	if len(entries) == 0 {
		return models.AuditEntry{}, false
	}
	return entries[len(entries)-1], true
}

// Query filters the in-memory entries. Results are ordered by timestamp,
// ties broken by record order; Limit keeps the most recent entries.
func (l *Log) Query(opts models.AuditQueryOpts) []models.AuditEntry {
	l.mu.RLock()
	var matched []record
	n := l.next
	if l.full {
		n = len(l.ring)
	}
	for i := 0; i < n; i++ {
		r := l.ring[i]
		if Matches(r.entry, opts) {
			matched = append(matched, r)
		}
	}
	l.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.entry.Timestamp.Equal(b.entry.Timestamp) {
			return a.entry.Timestamp.Before(b.entry.Timestamp)
		}
		return a.seq < b.seq
	})
	if opts.Limit > 0 && len(matched) > opts.Limit {
		matched = matched[len(matched)-opts.Limit:]
	}

	out := make([]models.AuditEntry, len(matched))
	for i, r := range matched {
		out[i] = r.entry
		if r.entry.Notes != nil {
			out[i].Notes = append([]string(nil), r.entry.Notes...)
		}
	}
	return out
}

// Matches reports whether e satisfies every filter set in opts.
func Matches(e models.AuditEntry, opts models.AuditQueryOpts) bool {
	switch {
	case opts.SessionID != "" && e.SessionID != opts.SessionID:
		return false
	case opts.JobID != "" && e.JobID != opts.JobID:
		return false
	case opts.OperationID != "" && e.OperationID != opts.OperationID:
		return false
	case opts.ProviderID != "" && e.ProviderID != opts.ProviderID:
		return false
	case opts.Outcome != "" && e.Outcome != opts.Outcome:
		return false
	case !opts.Since.IsZero() && e.Timestamp.Before(opts.Since):
		return false
	}
	return true
}

// Sink returns the persistent sink, or nil.
func (l *Log) Sink() Sink {
	return l.sink
}

// Flush blocks until every entry enqueued before the call has been handed
// to the sink, or ctx is done.
func (l *Log) Flush(ctx context.Context) error {
	if l.sink == nil {
		return nil
	}
	req := flushRequest{done: make(chan struct{})}
	select {
	case l.flushes <- req:
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains pending entries into the sink and closes it.
func (l *Log) Close() error {
	var err error
	l.closeOnce.Do(func() {
		// Waits out in-flight sends; none start afterwards, so the
		// flusher's final drain sees every accepted entry.
		l.sendMu.Lock()
		l.closed = true
		close(l.done)
		l.sendMu.Unlock()
		l.wg.Wait()
		if l.sink != nil {
			err = l.sink.Close()
		}
	})
	return err
}

func (l *Log) flushLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	batch := make([]models.AuditEntry, 0, l.batchSize)
	write := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := l.sink.Write(ctx, batch); err != nil {
			l.logger.Error("audit sink write failed", zap.Int("entries", len(batch)), zap.Error(err))
		}
		cancel()
		batch = batch[:0]
	}
	drain := func() {
		for {
			select {
			case e := <-l.queue:
				batch = append(batch, e)
				if len(batch) >= l.batchSize {
					write()
				}
			default:
				write()
				return
			}
		}
	}

	for {
		select {
		case e := <-l.queue:
			batch = append(batch, e)
			if len(batch) >= l.batchSize {
				write()
			}
		case <-ticker.C:
			write()
		case req := <-l.flushes:
			drain()
			close(req.done)
		case <-l.done:
			drain()
			return
		}
	}
}
