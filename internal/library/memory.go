package library

import (
	"context"
	"sync"
	"time"

	"github.com/forPelevin/vidsum/internal/types"
)

// Memory is a process-local Library.
type Memory struct {
	mu      sync.RWMutex
	records map[string]Record
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{records: make(map[string]Record), now: time.Now}
}

func (m *Memory) Load(ctx context.Context, fingerprint string) (Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[fingerprint]
	if !ok {
		return Record{}, false, nil
	}
	c, err := r.clone()
	return c, err == nil, err
}

func (m *Memory) SaveTranscript(ctx context.Context, fingerprint string, src Source, key string, e TranscriptEntry) error {
	return m.update(fingerprint, func(r *Record) {
		r.applySource(src)
		r.Transcripts[key] = e
	})
}

func (m *Memory) SaveSummary(ctx context.Context, fingerprint, key string, s types.Summary) error {
	return m.update(fingerprint, func(r *Record) { r.Summaries[key] = s })
}

func (m *Memory) SaveClips(ctx context.Context, fingerprint, key string, res types.ClipResult) error {
	return m.update(fingerprint, func(r *Record) { r.Clips[key] = res })
}

func (m *Memory) update(fingerprint string, fn func(*Record)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[fingerprint]
	if !ok {
		r = newRecord(fingerprint)
	}
	fn(&r)
	r.UpdatedAt = m.now().UTC()
	// Store a private copy so later caller mutations cannot leak in.
	c, err := r.clone()
	if err != nil {
		return err
	}
	m.records[fingerprint] = c
	return nil
}
