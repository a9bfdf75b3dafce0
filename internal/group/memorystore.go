package group

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-process Store, the default when no relational backend
// is configured. Shape mirrors internal/store.MemoryStore: one mutex guarding
// a handful of plain maps, no background goroutines.
type MemoryStore struct {
	mu      sync.RWMutex
	groups  map[string]Group
	members map[string]map[string]Member // groupID -> pubkey -> Member
	admins  map[string]map[string]Admin  // groupID -> pubkey -> Admin
	roles   map[string][]Role
	invites map[string]map[string]Invite // groupID -> code -> Invite
	refs    map[string]map[string]bool   // groupID -> refHash -> seen
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		groups:  make(map[string]Group),
		members: make(map[string]map[string]Member),
		admins:  make(map[string]map[string]Admin),
		roles:   make(map[string][]Role),
		invites: make(map[string]map[string]Invite),
		refs:    make(map[string]map[string]bool),
	}
}

func (s *MemoryStore) Init(context.Context) error { return nil }

func (s *MemoryStore) GetGroup(_ context.Context, id string) (*Group, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[id]
	if !ok {
		return nil, false, nil
	}
	return &g, true, nil
}

func (s *MemoryStore) PutGroup(_ context.Context, g Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[g.ID] = g
	return nil
}

func (s *MemoryStore) DeleteGroup(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.groups, id)
	delete(s.members, id)
	delete(s.admins, id)
	delete(s.roles, id)
	delete(s.invites, id)
	delete(s.refs, id)
	return nil
}

func (s *MemoryStore) IsMember(_ context.Context, groupID, pubkey string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.members[groupID][pubkey]
	return ok, nil
}

func (s *MemoryStore) AddMember(_ context.Context, m Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.members[m.GroupID] == nil {
		s.members[m.GroupID] = make(map[string]Member)
	}
	s.members[m.GroupID][m.PubKey] = m
	return nil
}

func (s *MemoryStore) RemoveMember(_ context.Context, groupID, pubkey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members[groupID], pubkey)
	delete(s.admins[groupID], pubkey)
	return nil
}

func (s *MemoryStore) ListMembers(_ context.Context, groupID string) ([]Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Member, 0, len(s.members[groupID]))
	for _, m := range s.members[groupID] {
		out = append(out, m)
	}
	return out, nil
}

func (s *MemoryStore) ReplaceMembers(_ context.Context, groupID string, members []Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := make(map[string]Member, len(members))
	for _, m := range members {
		set[m.PubKey] = m
	}
	s.members[groupID] = set
	return nil
}

func (s *MemoryStore) GetAdmin(_ context.Context, groupID, pubkey string) (*Admin, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.admins[groupID][pubkey]
	if !ok {
		return nil, false, nil
	}
	return &a, true, nil
}

func (s *MemoryStore) PutAdmin(_ context.Context, a Admin) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.admins[a.GroupID] == nil {
		s.admins[a.GroupID] = make(map[string]Admin)
	}
	s.admins[a.GroupID][a.PubKey] = a
	return nil
}

func (s *MemoryStore) RemoveAdmin(_ context.Context, groupID, pubkey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.admins[groupID], pubkey)
	return nil
}

func (s *MemoryStore) ListAdmins(_ context.Context, groupID string) ([]Admin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Admin, 0, len(s.admins[groupID]))
	for _, a := range s.admins[groupID] {
		out = append(out, a)
	}
	return out, nil
}

func (s *MemoryStore) ReplaceAdmins(_ context.Context, groupID string, admins []Admin) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := make(map[string]Admin, len(admins))
	for _, a := range admins {
		set[a.PubKey] = a
	}
	s.admins[groupID] = set
	return nil
}

func (s *MemoryStore) ReplaceRoles(_ context.Context, groupID string, roles []Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roles[groupID] = roles
	return nil
}

func (s *MemoryStore) ListRoles(_ context.Context, groupID string) ([]Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.roles[groupID], nil
}

func (s *MemoryStore) CreateInvite(_ context.Context, inv Invite) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.invites[inv.GroupID] == nil {
		s.invites[inv.GroupID] = make(map[string]Invite)
	}
	if _, exists := s.invites[inv.GroupID][inv.Code]; exists {
		return fmt.Errorf("invite code %q already exists for group %q", inv.Code, inv.GroupID)
	}
	s.invites[inv.GroupID][inv.Code] = inv
	return nil
}

func (s *MemoryStore) GetInvite(_ context.Context, groupID, code string) (*Invite, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.invites[groupID][code]
	if !ok {
		return nil, false, nil
	}
	return &inv, true, nil
}

func (s *MemoryStore) IncrementInviteUse(_ context.Context, groupID, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invites[groupID][code]
	if !ok {
		return fmt.Errorf("invite code %q not found for group %q", code, groupID)
	}
	inv.UsedCount++
	s.invites[groupID][code] = inv
	return nil
}

func (s *MemoryStore) AddTimelineRef(_ context.Context, ref TimelineRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs[ref.GroupID] == nil {
		s.refs[ref.GroupID] = make(map[string]bool)
	}
	s.refs[ref.GroupID][ref.RefHash] = true
	return nil
}

func (s *MemoryStore) HasTimelineRef(_ context.Context, groupID, refHash string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refs[groupID][refHash], nil
}
