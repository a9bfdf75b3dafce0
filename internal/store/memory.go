package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/keanuklestil/nostrrelay/internal/nevent"
)

// MemoryStore is an in-process Store, used by tests and as a drop-in
// backend for small deployments. It follows the same
// mutex-guarded-map shape as the teacher's relay.RelayInfoCache, generalized
// from a single TTL cache into the full store contract.
type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[string]*nevent.Event
	addrOf map[string]string // event id -> address, for addressed events
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]*nevent.Event),
		addrOf: make(map[string]string),
	}
}

func (s *MemoryStore) Init(ctx context.Context) error { return nil }

func (s *MemoryStore) StoreEvent(ctx context.Context, e *nevent.Event) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[e.ID]; exists {
		return false, nil
	}
	cp := *e
	s.byID[e.ID] = &cp
	return true, nil
}

func (s *MemoryStore) Replace(ctx context.Context, e *nevent.Event, address string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, existing := range s.byID {
		if s.addrOf[id] != address {
			continue
		}
		if !nevent.Newer(e, existing) {
			return false, nil
		}
	}

	for id := range s.byID {
		if s.addrOf[id] == address {
			delete(s.byID, id)
			delete(s.addrOf, id)
		}
	}
	cp := *e
	s.byID[e.ID] = &cp
	s.addrOf[e.ID] = address
	return true, nil
}

func (s *MemoryStore) DeleteEvent(ctx context.Context, id, pubkey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, exists := s.byID[id]
	if !exists || ev.PubKey != pubkey {
		return false, nil
	}
	delete(s.byID, id)
	delete(s.addrOf, id)
	return true, nil
}

func (s *MemoryStore) Query(ctx context.Context, q Query) (Cursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*nevent.Event
	for _, e := range s.byID {
		if matches(e, q) {
			cp := *e
			matched = append(matched, &cp)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt != matched[j].CreatedAt {
			return matched[i].CreatedAt > matched[j].CreatedAt
		}
		return matched[i].ID < matched[j].ID
	})
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	return NewSliceCursor(matched), nil
}

func (s *MemoryStore) Count(ctx context.Context, q Query) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, e := range s.byID {
		if matches(e, q) {
			n++
		}
	}
	return n, nil
}

func matches(e *nevent.Event, q Query) bool {
	if len(q.IDs) > 0 && !prefixMatchAny(e.ID, q.IDs) {
		return false
	}
	if len(q.Authors) > 0 && !prefixMatchAny(e.PubKey, q.Authors) {
		return false
	}
	if len(q.Kinds) > 0 {
		found := false
		for _, k := range q.Kinds {
			if e.Kind == k {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q.Since != nil && int64(e.CreatedAt) < *q.Since {
		return false
	}
	if q.Until != nil && int64(e.CreatedAt) > *q.Until {
		return false
	}
	for tagName, accepted := range q.TagFilters {
		if !tagMatches(e, tagName, accepted) {
			return false
		}
	}
	return true
}

func tagMatches(e *nevent.Event, filterKey string, accepted []string) bool {
	letter := strings.TrimPrefix(filterKey, "#")
	for _, t := range e.Tags {
		if len(t) >= 2 && t[0] == letter {
			for _, v := range accepted {
				if t[1] == v {
					return true
				}
			}
		}
	}
	return false
}

func prefixMatchAny(value string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(value, p) {
			return true
		}
	}
	return false
}
