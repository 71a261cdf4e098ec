package audit

import (
	"context"
	"maps"
	"sync"
	"time"
)

// MemorySink keeps the audit trail in process memory.
type MemorySink struct {
	mu      sync.RWMutex
	seq     int64
	records []Record
	byTrace map[string][]int
	buckets []BucketEntry
	now     func() time.Time
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{
		byTrace: make(map[string][]int),
		now:     time.Now,
	}
}

func (m *MemorySink) Append(_ context.Context, r Record) (Record, error) {
	if err := r.validate(); err != nil {
		return Record{}, err
	}
	r.Details = maps.Clone(r.Details)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	r.Seq = m.seq
	if r.Timestamp.IsZero() {
		r.Timestamp = m.now().UTC()
	}
	m.byTrace[r.TraceID] = append(m.byTrace[r.TraceID], len(m.records))
	m.records = append(m.records, r)
	return r, nil
}

func (m *MemorySink) AppendBucket(_ context.Context, b BucketEntry) error {
	if err := b.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if b.Timestamp.IsZero() {
		b.Timestamp = m.now().UTC()
	}
	m.buckets = append(m.buckets, b)
	return nil
}

func (m *MemorySink) ByTrace(_ context.Context, traceID string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx := m.byTrace[traceID]
	out := make([]Record, 0, len(idx))
	for _, i := range idx {
		r := m.records[i]
		r.Details = maps.Clone(r.Details)
		out = append(out, r)
	}
	return out, nil
}

func (m *MemorySink) Buckets(_ context.Context) ([]BucketEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]BucketEntry, len(m.buckets))
	copy(out, m.buckets)
	return out, nil
}

func (m *MemorySink) Count(_ context.Context, stage Stage) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for i := range m.records {
		if stage == "" || m.records[i].Stage == stage {
			n++
		}
	}
	return n, nil
}

var _ Sink = (*MemorySink)(nil)
