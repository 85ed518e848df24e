package txlog

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryLog struct {
	mu      sync.RWMutex
	records []Record
	now     func() time.Time
}

// NewMemory builds an in-memory log. Ids start at 1.
func NewMemory() Log {
	return &memoryLog{now: time.Now}
}

func (l *memoryLog) Append(_ context.Context, r Record) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r.ID = uint64(len(l.records)) + 1
	if r.Timestamp.IsZero() {
		r.Timestamp = l.now().UTC()
	}
	if r.Status == "" {
		r.Status = StatusPending
	}
	l.records = append(l.records, r)
	return r, nil
}

func (l *memoryLog) SetStatus(_ context.Context, id uint64, status Status, blockIndex *uint64) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if id == 0 || id > uint64(len(l.records)) {
		return Record{}, ErrNotFound
	}
	r := &l.records[id-1]
	if err := checkTransition(r.Status, status); err != nil {
		return Record{}, err
	}
	r.Status = status
	if blockIndex != nil {
		idx := *blockIndex
		r.BlockIndex = &idx
	}
	return *r, nil
}

func (l *memoryLog) Get(_ context.Context, id uint64) (Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if id == 0 || id > uint64(len(l.records)) {
		return Record{}, ErrNotFound
	}
	return l.records[id-1], nil
}

func (l *memoryLog) Recent(_ context.Context, owner string, limit int) ([]Record, error) {
	limit = normalizeLimit(limit)
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Record, 0, limit)
	for i := len(l.records) - 1; i >= 0 && len(out) < limit; i-- {
		if owner != "" && l.records[i].Owner != owner {
			continue
		}
		out = append(out, l.records[i])
	}
	return out, nil
}

func (l *memoryLog) Depositors(_ context.Context) ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, r := range l.records {
		if r.Kind == KindDeposit && r.Status == StatusConfirmed {
			seen[r.Owner] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for owner := range seen {
		out = append(out, owner)
	}
	sort.Strings(out)
	return out, nil
}
