package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// memoryStore keeps everything in maps guarded by one mutex.
// Returned rows are deep copies.
type memoryStore struct {
	mu     sync.Mutex
	rows   map[string]FailedNotification
	audit  []AuditEntry
	dedup  map[string]time.Time
	closed bool
}

func NewMemory() Store {
	return &memoryStore{
		rows:  map[string]FailedNotification{},
		dedup: map[string]time.Time{},
	}
}

func clone(n FailedNotification) FailedNotification {
	n.Payload = append([]byte(nil), n.Payload...)
	n.Metadata = append([]byte(nil), n.Metadata...)
	n.NextRetryAt = cloneTime(n.NextRetryAt)
	n.ResolvedAt = cloneTime(n.ResolvedAt)
	n.ClaimedUntil = cloneTime(n.ClaimedUntil)
	return n
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func (s *memoryStore) Create(_ context.Context, n FailedNotification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrDisabled
	}
	if n.ID == "" {
		return fmt.Errorf("create failed notification: empty id")
	}
	if _, dup := s.rows[n.ID]; dup {
		return fmt.Errorf("create failed notification: duplicate id %s", n.ID)
	}
	if n.LastAttemptAt.IsZero() {
		n.LastAttemptAt = n.CreatedAt
	}
	s.rows[n.ID] = clone(n)
	return nil
}

func (s *memoryStore) Get(_ context.Context, id string) (FailedNotification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.rows[id]
	if !ok {
		return FailedNotification{}, ErrNotFound
	}
	return clone(n), nil
}

func (s *memoryStore) FindMany(_ context.Context, f Filter, order Order, limit int) ([]FailedNotification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.selectLocked(f, order, limit)
	for i := range out {
		out[i] = clone(out[i])
	}
	return out, nil
}

func (s *memoryStore) selectLocked(f Filter, order Order, limit int) []FailedNotification {
	out := make([]FailedNotification, 0)
	for _, n := range s.rows {
		if f.matches(n) {
			out = append(out, n)
		}
	}
	sortRows(out, order)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func sortRows(rows []FailedNotification, order Order) {
	switch order {
	case OrderNextRetryAsc:
		sort.SliceStable(rows, func(i, j int) bool {
			a, b := rows[i].NextRetryAt, rows[j].NextRetryAt
			switch {
			case a == nil && b == nil:
				return rows[i].ID < rows[j].ID
			case a == nil:
				return false
			case b == nil:
				return true
			case a.Equal(*b):
				return rows[i].ID < rows[j].ID
			}
			return a.Before(*b)
		})
	default:
		sort.SliceStable(rows, func(i, j int) bool {
			if rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
				return rows[i].ID > rows[j].ID
			}
			return rows[i].CreatedAt.After(rows[j].CreatedAt)
		})
	}
}

func (s *memoryStore) Update(_ context.Context, id string, ch Changes) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.rows[id]
	if !ok {
		return ErrNotFound
	}
	if ch.Owner != "" && n.ClaimedBy != ch.Owner {
		return ErrClaimLost
	}
	ch.apply(&n)
	s.rows[id] = n
	return nil
}

func (s *memoryStore) Count(_ context.Context, f Filter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := 0
	for _, n := range s.rows {
		if f.matches(n) {
			c++
		}
	}
	return c, nil
}

func (s *memoryStore) DeleteMany(_ context.Context, f Filter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := 0
	for id, n := range s.rows {
		if f.matches(n) {
			delete(s.rows, id)
			c++
		}
	}
	return c, nil
}

func (s *memoryStore) ClaimDue(_ context.Context, req ClaimRequest) ([]FailedNotification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrDisabled
	}
	f := Filter{State: StatePending, DueBy: req.Now, RetryCountBelow: req.RetryCountBelow}
	candidates := s.selectLocked(f, OrderNextRetryAsc, 0)

	until := req.Now.Add(req.Lease)
	out := make([]FailedNotification, 0, len(candidates))
	for _, n := range candidates {
		if req.Limit > 0 && len(out) >= req.Limit {
			break
		}
		if n.ClaimedUntil != nil && n.ClaimedUntil.After(req.Now) {
			continue
		}
		n.ClaimedBy = req.Owner
		n.ClaimedUntil = &until
		s.rows[n.ID] = n
		out = append(out, clone(n))
	}
	return out, nil
}

func (s *memoryStore) AppendAudit(_ context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.audit = append(s.audit, e)
	return nil
}

// Audit returns a copy of the audit log. Memory driver only.
func (s *memoryStore) Audit() []AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AuditEntry(nil), s.audit...)
}

func (s *memoryStore) PutDedup(_ context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dedup[key] = until
	return nil
}

func (s *memoryStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.dedup[key]
	return until, ok, nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
