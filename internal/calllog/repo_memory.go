package calllog

import (
	"context"
	"sync"
	"time"
)

// MemoryRepo is an in-memory append-only repository used by default and in tests.
type MemoryRepo struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func (r *MemoryRepo) Append(ctx context.Context, e Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

// Recent returns up to limit entries, newest first.
func (r *MemoryRepo) Recent(ctx context.Context, limit int) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.entries)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Entry, 0, n)
	for i := len(r.entries) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, r.entries[i])
	}
	return out, nil
}

func (r *MemoryRepo) Between(ctx context.Context, from, to time.Time, mailingID string) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Entry
	for _, e := range r.entries {
		if e.EndedAt.Before(from) || !e.EndedAt.Before(to) {
			continue
		}
		if mailingID != "" && e.RelatedMailingID != mailingID {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
