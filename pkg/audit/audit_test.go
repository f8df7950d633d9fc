package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsacoffee/aura-orchestrator/pkg/models"
)

type memSink struct {
	mu      sync.Mutex
	entries []models.AuditEntry
	block   chan struct{}
	err     error
	closed  bool
}

func (s *memSink) Write(_ context.Context, entries []models.AuditEntry) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.entries = append(s.entries, entries...)
	return nil
}

func (s *memSink) Query(_ context.Context, opts models.AuditQueryOpts) ([]models.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.AuditEntry
	for _, e := range s.entries {
		if Matches(e, opts) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memSink) Stats(context.Context) ([]models.AuditStat, error) { return nil, nil }

func (s *memSink) SessionTotals(context.Context, string) (models.SessionTotals, error) {
	return models.SessionTotals{}, nil
}

func (s *memSink) Cleanup(context.Context, time.Time) (int64, error) { return 0, nil }

func (s *memSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *memSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func entry(op, session string, ts time.Time) models.AuditEntry {
	return models.AuditEntry{
		OperationID: op,
		SessionID:   session,
		Stage:       "script",
		Outcome:     models.OutcomeCompleted,
		Timestamp:   ts,
	}
}

func TestRingDropsOldest(t *testing.T) {
	l := New(Options{Capacity: 3})
	defer l.Close()

	base := time.Now()
	for i := 0; i < 5; i++ {
		l.Record(entry(fmt.Sprintf("op-%d", i), "s1", base.Add(time.Duration(i)*time.Second)))
	}

	assert.Equal(t, 3, l.Len())
	got := l.QueryBySession("s1")
	require.Len(t, got, 3)
	assert.Equal(t, "op-2", got[0].OperationID)
	assert.Equal(t, "op-4", got[2].OperationID)
}

func TestQueryOrdersByTimestamp(t *testing.T) {
	l := New(Options{Capacity: 10})
	defer l.Close()

	base := time.Now()
	l.Record(entry("late", "s1", base.Add(2*time.Second)))
	l.Record(entry("early", "s1", base))
	l.Record(entry("tie-a", "s1", base.Add(time.Second)))
	l.Record(entry("tie-b", "s1", base.Add(time.Second)))
	l.Record(entry("other", "s2", base))

	got := l.QueryBySession("s1")
	ids := make([]string, len(got))
	for i, e := range got {
		ids[i] = e.OperationID
	}
	assert.Equal(t, []string{"early", "tie-a", "tie-b", "late"}, ids)

	limited := l.Query(models.AuditQueryOpts{SessionID: "s1", Limit: 2})
	require.Len(t, limited, 2)
	assert.Equal(t, "tie-b", limited[0].OperationID)
	assert.Equal(t, "late", limited[1].OperationID)
}

func TestQueryByJobAndGet(t *testing.T) {
	l := New(Options{Capacity: 10})
	defer l.Close()

	e := entry("op-1", "s1", time.Now())
	e.JobID = "job-7"
	l.Record(e)
	l.Record(entry("op-2", "s1", time.Now()))

	byJob := l.QueryByJob("job-7")
	require.Len(t, byJob, 1)
	assert.Equal(t, "op-1", byJob[0].OperationID)

	got, ok := l.Get("op-2")
	require.True(t, ok)
	assert.Equal(t, "s1", got.SessionID)

	_, ok = l.Get("missing")
	assert.False(t, ok)
}

func TestEntriesAreImmutable(t *testing.T) {
	l := New(Options{Capacity: 10})
	defer l.Close()

	e := entry("op-1", "s1", time.Now())
	e.Notes = []string{models.NoteDeprecated}
	l.Record(e)
	e.Notes[0] = "changed"

	got := l.QueryBySession("s1")
	require.Len(t, got, 1)
	got[0].Notes[0] = "changed again"

	again := l.QueryBySession("s1")
	assert.Equal(t, []string{models.NoteDeprecated}, again[0].Notes)
}

func TestRecordStampsTimestamp(t *testing.T) {
	l := New(Options{Capacity: 10})
	defer l.Close()

	l.Record(models.AuditEntry{OperationID: "op", SessionID: "s"})
	got, ok := l.Get("op")
	require.True(t, ok)
	assert.False(t, got.Timestamp.IsZero())
}

func TestSinkReceivesEntries(t *testing.T) {
	sink := &memSink{}
	l := New(Options{Capacity: 2, BatchSize: 4, Sink: sink})

	for i := 0; i < 10; i++ {
		l.Record(entry(fmt.Sprintf("op-%d", i), "s1", time.Now()))
	}
	require.NoError(t, l.Flush(context.Background()))
	assert.Equal(t, 10, sink.count(), "sink keeps entries evicted from the ring")
	assert.Equal(t, 2, l.Len())

	l.Record(entry("op-last", "s1", time.Now()))
	require.NoError(t, l.Close())
	assert.Equal(t, 11, sink.count())
	assert.True(t, sink.closed)
}

func TestRecordDoesNotBlockOnSlowSink(t *testing.T) {
	sink := &memSink{block: make(chan struct{})}
	l := New(Options{Capacity: 100, BufferSize: 1, BatchSize: 1, EnqueueTimeout: time.Millisecond, Sink: sink})

	start := time.Now()
	for i := 0; i < 20; i++ {
		l.Record(entry(fmt.Sprintf("op-%d", i), "s1", time.Now()))
	}
	assert.Less(t, time.Since(start), time.Second)
	assert.Positive(t, l.Dropped())
	assert.Equal(t, 20, l.Len(), "in-memory entries are kept regardless of sink pressure")

	close(sink.block)
	require.NoError(t, l.Close())
}

func TestSinkWriteErrorIsNotFatal(t *testing.T) {
	sink := &memSink{err: errors.New("disk full")}
	l := New(Options{Capacity: 10, Sink: sink})

	l.Record(entry("op", "s1", time.Now()))
	require.NoError(t, l.Flush(context.Background()))
	assert.Len(t, l.QueryBySession("s1"), 1)
	require.NoError(t, l.Close())
}

func TestCloseRacingRecordLosesNothing(t *testing.T) {
	for round := 0; round < 50; round++ {
		sink := &memSink{}
		l := New(Options{Capacity: 10, BufferSize: 8, BatchSize: 4, Sink: sink})

		var (
			wg       sync.WaitGroup
			recorded atomic.Int64
		)
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 25; i++ {
					l.Record(entry(fmt.Sprintf("op-%d-%d", w, i), "s1", time.Now()))
					recorded.Add(1)
				}
			}()
		}
		time.Sleep(time.Duration(round%5) * 100 * time.Microsecond)
		require.NoError(t, l.Close())
		wg.Wait()

		assert.Equal(t, recorded.Load(), int64(sink.count())+l.Dropped(),
			"every entry reaches the sink or is counted as dropped")
	}
}
