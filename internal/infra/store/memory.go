package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"herald/internal/common"
	"herald/internal/domain/notification"
)

var (
	_ notification.Store         = (*MemoryStore)(nil)
	_ notification.TemplateStore = (*MemoryTemplateStore)(nil)
)

// MemoryStore keeps notification records in process memory. It backs sandbox
// mode and tests; contents are lost on restart.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*notification.Notification
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*notification.Notification)}
}

func (s *MemoryStore) Create(_ context.Context, n *notification.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[n.ID]; ok {
		return common.NewConflictError("notification", n.ID)
	}
	s.records[n.ID] = n.Clone()
	return nil
}

func (s *MemoryStore) GetByID(_ context.Context, id string) (*notification.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.records[id]
	if !ok {
		return nil, common.NewNotFoundError("notification", id)
	}
	return n.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context, filter notification.ListFilter) ([]*notification.Notification, int, error) {
	filter.Normalize()

	s.mu.RLock()
	var matched []*notification.Notification
	for _, n := range s.records {
		if filter.Matches(n) {
			matched = append(matched, n.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	start := min(filter.Offset(), total)
	end := min(start+filter.PageSize, total)
	return matched[start:end], total, nil
}

func (s *MemoryStore) Update(_ context.Context, n *notification.Notification, expected notification.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[n.ID]
	if !ok {
		return common.NewNotFoundError("notification", n.ID)
	}
	if cur.Status != expected || cur.Version != n.Version {
		return common.NewConflictError("notification", n.ID)
	}
	n.Version++
	s.records[n.ID] = n.Clone()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return common.NewNotFoundError("notification", id)
	}
	delete(s.records, id)
	return nil
}

func (s *MemoryStore) Purge(_ context.Context, olderThan time.Time) ([]*notification.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var purged []*notification.Notification
	for id, n := range s.records {
		if n.CreatedAt.Before(olderThan) {
			purged = append(purged, n)
			delete(s.records, id)
		}
	}
	return purged, nil
}

func (s *MemoryStore) ListStale(_ context.Context, olderThan time.Time, limit int) ([]*notification.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var stale []*notification.Notification
	for _, n := range s.records {
		if isStale(n, olderThan) {
			stale = append(stale, n.Clone())
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].UpdatedAt.Before(stale[j].UpdatedAt) })
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

func isStale(n *notification.Notification, olderThan time.Time) bool {
	if n.Status != notification.StatusPending {
		return false
	}
	switch {
	case n.AttemptStartedAt != nil:
		return n.AttemptStartedAt.Before(olderThan)
	case n.NextAttemptAt != nil:
		return n.NextAttemptAt.Before(olderThan)
	default:
		return n.UpdatedAt.Before(olderThan)
	}
}

// MemoryTemplateStore keeps templates in process memory.
type MemoryTemplateStore struct {
	mu        sync.RWMutex
	templates map[string]*notification.Template
}

// NewMemoryTemplateStore creates an empty in-memory template store.
func NewMemoryTemplateStore() *MemoryTemplateStore {
	return &MemoryTemplateStore{templates: make(map[string]*notification.Template)}
}

func (s *MemoryTemplateStore) Create(_ context.Context, t *notification.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.templates[t.ID]; ok {
		return common.NewConflictError("template", t.ID)
	}
	c := *t
	s.templates[t.ID] = &c
	return nil
}

func (s *MemoryTemplateStore) Get(_ context.Context, id string) (*notification.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[id]
	if !ok {
		return nil, common.NewNotFoundError("template", id)
	}
	c := *t
	return &c, nil
}

func (s *MemoryTemplateStore) List(_ context.Context) ([]*notification.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*notification.Template, 0, len(s.templates))
	for _, t := range s.templates {
		c := *t
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryTemplateStore) Update(_ context.Context, t *notification.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.templates[t.ID]; !ok {
		return common.NewNotFoundError("template", t.ID)
	}
	c := *t
	s.templates[t.ID] = &c
	return nil
}

func (s *MemoryTemplateStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.templates[id]; !ok {
		return common.NewNotFoundError("template", id)
	}
	delete(s.templates, id)
	return nil
}
