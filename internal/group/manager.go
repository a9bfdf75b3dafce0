package group

import (
	"context"
	"fmt"
	"log"

	"github.com/nbd-wtf/go-nostr"

	"github.com/keanuklestil/nostrrelay/internal/nevent"
	"github.com/keanuklestil/nostrrelay/internal/policy"
)

// Publisher persists and broadcasts a relay-authored event, bypassing the
// reject pipeline — the relay is always authorized to author the synthetic
// 9000/9001 events join/leave requests trigger (spec §4.H).
type Publisher interface {
	Publish(ctx context.Context, e *nevent.Event) error
}

// Manager implements the group state machine: the rejection handler that
// gates every h-tagged event, and the store/replace hooks that carry out
// membership changes, moderation actions, and relay-authored metadata
// replacement as side effects of event processing.
type Manager struct {
	store     Store
	identity  *RelayIdentity
	publisher Publisher
	cache     *cache
}

// NewManager wires a group state machine against its backing Store, the
// relay's signing identity, and a Publisher used for synthesized events.
func NewManager(st Store, identity *RelayIdentity, publisher Publisher) *Manager {
	return &Manager{store: st, identity: identity, publisher: publisher, cache: newCache()}
}

func (m *Manager) groupExists(ctx context.Context, id string) (exists, public bool, err error) {
	if exists, public, known := m.cache.getGroup(id); known {
		return exists, public, nil
	}
	g, ok, err := m.store.GetGroup(ctx, id)
	if err != nil {
		return false, false, err
	}
	if !ok {
		m.cache.putGroup(id, false, false)
		return false, false, nil
	}
	m.cache.putGroup(id, true, g.Public)
	return true, g.Public, nil
}

func (m *Manager) isMember(ctx context.Context, groupID, pubkey string) (bool, error) {
	if isMember, known := m.cache.getMember(groupID, pubkey); known {
		return isMember, nil
	}
	isMember, err := m.store.IsMember(ctx, groupID, pubkey)
	if err != nil {
		return false, err
	}
	m.cache.putMember(groupID, pubkey, isMember)
	return isMember, nil
}

func (m *Manager) invalidateGroup(id string)              { m.cache.invalidateGroup(id) }
func (m *Manager) invalidateMember(groupID, pubkey string) { m.cache.invalidateMember(groupID, pubkey) }

// RejectEvent is the rejection handler wired into the pipeline's
// OnRejectEvent chain (spec §4.H "Validation (pre-store, via a rejection
// handler)"). The relay-authored metadata kinds (39000..39003) are rejected
// for any pubkey other than the relay's, whatever their tags; apart from
// those, events with no h tag are not group events and always pass.
func (m *Manager) RejectEvent(ctx context.Context, _ *policy.Context, e *nevent.Event) (bool, string) {
	isRelay := e.PubKey == m.identity.PubKeyHex

	// Metadata kinds name their group by d tag, not h tag, so they are gated
	// before the h-tag check below.
	if e.Kind >= KindGroupMetadata && e.Kind <= KindGroupRoles && !isRelay {
		return true, "only the relay may publish group metadata"
	}

	groupID := nevent.TagValue(e, "h")
	if groupID == "" {
		return false, ""
	}

	// create-group: the group doesn't exist yet, so only the relay (or a
	// pre-provisioned deployment operator key, which is the relay's own
	// key in this implementation) may author it.
	if e.Kind == KindCreateGroup {
		if !isRelay {
			return true, "only the relay may create a group"
		}
		return false, ""
	}

	exists, public, err := m.groupExists(ctx, groupID)
	if err != nil {
		log.Printf("[Group] existence lookup failed for %q: %v", groupID, err)
		return true, "internal error"
	}
	if !exists {
		return true, fmt.Sprintf("group %q does not exist", groupID)
	}

	if isModerationKind(e.Kind) {
		if isRelay {
			return false, ""
		}
		role, defined := moderationRoles[e.Kind]
		if !defined {
			return true, fmt.Sprintf("kind %d has no defined moderation action", e.Kind)
		}
		admin, ok, err := m.lookupAdmin(ctx, groupID, e.PubKey)
		if err != nil {
			log.Printf("[Group] admin lookup failed for %q/%q: %v", groupID, e.PubKey, err)
			return true, "internal error"
		}
		if !ok || !admin.hasRole(role) {
			return true, "insufficient permissions for this action"
		}
		return false, ""
	}

	if e.Kind >= KindGroupMetadata && e.Kind <= KindGroupRoles {
		if !isRelay {
			return true, "only the relay may publish group metadata"
		}
		return false, ""
	}

	// 9021 join-request carries its own open/invite validation, rather
	// than the membership check other kinds get — a non-member is
	// exactly who is requesting to join.
	if e.Kind == KindJoinRequest {
		if rejected, reason := m.rejectJoin(ctx, groupID, e); rejected {
			return true, reason
		}
	} else if !public {
		member, err := m.isMember(ctx, groupID, e.PubKey)
		if err != nil {
			log.Printf("[Group] membership lookup failed for %q/%q: %v", groupID, e.PubKey, err)
			return true, "internal error"
		}
		if !member {
			return true, "not a member of this group"
		}
	}

	for _, prev := range nevent.TagValues(e, "previous") {
		ok, err := m.store.HasTimelineRef(ctx, groupID, prev)
		if err != nil {
			log.Printf("[Group] timeline ref lookup failed for %q/%q: %v", groupID, prev, err)
			return true, "internal error"
		}
		if !ok {
			return true, fmt.Sprintf("unknown timeline reference %q", prev)
		}
	}

	return false, ""
}

// rejectJoin validates a 9021 join-request: already-a-member, closed-group-
// without-a-code, and closed-group-with-an-exhausted-or-unknown-code are
// business rejections surfaced verbatim via OK, same as every other reason
// string in RejectEvent — not store errors laundered into "internal error".
func (m *Manager) rejectJoin(ctx context.Context, groupID string, e *nevent.Event) (bool, string) {
	alreadyMember, err := m.isMember(ctx, groupID, e.PubKey)
	if err != nil {
		log.Printf("[Group] membership lookup failed for %q/%q: %v", groupID, e.PubKey, err)
		return true, "internal error"
	}
	if alreadyMember {
		return true, fmt.Sprintf("already a member of group %q", groupID)
	}

	g, ok, err := m.store.GetGroup(ctx, groupID)
	if err != nil {
		log.Printf("[Group] group lookup failed for %q: %v", groupID, err)
		return true, "internal error"
	}
	if !ok {
		return true, fmt.Sprintf("group %q does not exist", groupID)
	}
	if g.Open {
		return false, ""
	}

	code := nevent.TagValue(e, "code")
	if code == "" {
		return true, "group is closed and no invite code provided"
	}
	inv, ok, err := m.store.GetInvite(ctx, groupID, code)
	if err != nil {
		log.Printf("[Group] invite lookup failed for %q/%q: %v", groupID, code, err)
		return true, "internal error"
	}
	if !ok || inv.exhausted() {
		return true, "group is closed and no valid invite code provided"
	}
	return false, ""
}

func (m *Manager) lookupAdmin(ctx context.Context, groupID, pubkey string) (Admin, bool, error) {
	a, ok, err := m.store.GetAdmin(ctx, groupID, pubkey)
	if err != nil || !ok {
		return Admin{}, ok, err
	}
	return *a, true, nil
}

// StoreEvent is wired into the pipeline's OnStoreEvent chain ahead of the
// plain pass-through handler. It performs the side effects group-specific
// kinds carry (membership changes, moderation actions, invite bookkeeping)
// and always returns accepted=false so the underlying event itself is still
// persisted by the next handler in the chain — join/leave requests and
// moderation actions are themselves ordinary queryable events.
func (m *Manager) StoreEvent(ctx context.Context, e *nevent.Event) (bool, error) {
	groupID := nevent.TagValue(e, "h")
	if groupID == "" {
		return false, nil
	}

	switch e.Kind {
	case KindJoinRequest:
		if err := m.handleJoinRequest(ctx, groupID, e); err != nil {
			return false, err
		}
	case KindLeaveRequest:
		if err := m.handleLeaveRequest(ctx, groupID, e); err != nil {
			return false, err
		}
	case KindPutUser:
		if err := m.handlePutUser(ctx, groupID, e); err != nil {
			return false, err
		}
	case KindRemoveUser:
		if err := m.handleRemoveUser(ctx, groupID, e); err != nil {
			return false, err
		}
	case KindEditMetadata:
		if err := m.handleEditMetadata(ctx, groupID, e); err != nil {
			return false, err
		}
	case KindCreateGroup:
		if err := m.handleCreateGroup(ctx, groupID, e); err != nil {
			return false, err
		}
	case KindDeleteGroup:
		if err := m.store.DeleteGroup(ctx, groupID); err != nil {
			return false, err
		}
		m.invalidateGroup(groupID)
	case KindCreateInvite:
		if err := m.handleCreateInvite(ctx, groupID, e); err != nil {
			return false, err
		}
	}

	for _, ref := range timelineRefsFor(e) {
		if err := m.store.AddTimelineRef(ctx, TimelineRef{
			GroupID:   groupID,
			EventID:   e.ID,
			RefHash:   ref,
			CreatedAt: int64(e.CreatedAt),
		}); err != nil {
			log.Printf("[Group] failed to record timeline ref for %s: %v", e.ID, err)
		}
	}

	return false, nil
}

// timelineRefsFor returns the id prefix this event contributes to its
// group's timeline-ref chain: an 8-hex-character prefix of its own id (spec
// §4.H: "ref_hash is a short prefix of an earlier event id"; §9 persisted
// state layout: "8 hex characters").
func timelineRefsFor(e *nevent.Event) []string {
	if len(e.ID) < 8 {
		return nil
	}
	return []string{e.ID[:8]}
}

// handleJoinRequest carries out the membership change RejectEvent's
// rejectJoin has already validated (open group, or closed with a valid,
// unexhausted invite code) — any error returned here is a genuine store
// failure, not a business rejection.
func (m *Manager) handleJoinRequest(ctx context.Context, groupID string, e *nevent.Event) error {
	g, ok, err := m.store.GetGroup(ctx, groupID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("group %q does not exist", groupID)
	}

	if !g.Open {
		if code := nevent.TagValue(e, "code"); code != "" {
			if err := m.store.IncrementInviteUse(ctx, groupID, code); err != nil {
				return err
			}
		}
	}

	if err := m.store.AddMember(ctx, Member{GroupID: groupID, PubKey: e.PubKey, JoinedAt: int64(e.CreatedAt)}); err != nil {
		return err
	}
	m.invalidateMember(groupID, e.PubKey)

	synth := &nevent.Event{
		Kind:      KindPutUser,
		CreatedAt: e.CreatedAt,
		Tags:      nostr.Tags{nostr.Tag{"h", groupID}, nostr.Tag{"p", e.PubKey}},
	}
	return m.signAndPublish(ctx, synth)
}

func (m *Manager) handleLeaveRequest(ctx context.Context, groupID string, e *nevent.Event) error {
	if err := m.store.RemoveMember(ctx, groupID, e.PubKey); err != nil {
		return err
	}
	m.invalidateMember(groupID, e.PubKey)

	synth := &nevent.Event{
		Kind:      KindRemoveUser,
		CreatedAt: e.CreatedAt,
		Tags:      nostr.Tags{nostr.Tag{"h", groupID}, nostr.Tag{"p", e.PubKey}},
	}
	return m.signAndPublish(ctx, synth)
}

func (m *Manager) handlePutUser(ctx context.Context, groupID string, e *nevent.Event) error {
	for _, pk := range nevent.TagValues(e, "p") {
		if err := m.store.AddMember(ctx, Member{GroupID: groupID, PubKey: pk, JoinedAt: int64(e.CreatedAt)}); err != nil {
			return err
		}
		m.invalidateMember(groupID, pk)

		roles := nevent.TagValues(e, "role")
		if len(roles) > 0 {
			if err := m.store.PutAdmin(ctx, Admin{GroupID: groupID, PubKey: pk, Roles: roles}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Manager) handleRemoveUser(ctx context.Context, groupID string, e *nevent.Event) error {
	for _, pk := range nevent.TagValues(e, "p") {
		if err := m.store.RemoveMember(ctx, groupID, pk); err != nil {
			return err
		}
		m.invalidateMember(groupID, pk)
	}
	return nil
}

func (m *Manager) handleEditMetadata(ctx context.Context, groupID string, e *nevent.Event) error {
	g, ok, err := m.store.GetGroup(ctx, groupID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("group %q does not exist", groupID)
	}
	if v := nevent.TagValue(e, "name"); v != "" {
		g.Name = v
	}
	if v := nevent.TagValue(e, "picture"); v != "" {
		g.Picture = v
	}
	if v := nevent.TagValue(e, "about"); v != "" {
		g.About = v
	}
	g.UpdatedAt = int64(e.CreatedAt)
	if err := m.store.PutGroup(ctx, *g); err != nil {
		return err
	}
	m.invalidateGroup(groupID)
	return nil
}

func (m *Manager) handleCreateGroup(ctx context.Context, groupID string, e *nevent.Event) error {
	g := Group{
		ID:        groupID,
		Name:      nevent.TagValue(e, "name"),
		Public:    nevent.HasTag(e, "public"),
		Open:      nevent.HasTag(e, "open"),
		CreatedAt: int64(e.CreatedAt),
		UpdatedAt: int64(e.CreatedAt),
	}
	if err := m.store.PutGroup(ctx, g); err != nil {
		return err
	}
	m.invalidateGroup(groupID)
	return m.store.PutAdmin(ctx, Admin{GroupID: groupID, PubKey: e.PubKey, Roles: []string{"admin"}})
}

func (m *Manager) handleCreateInvite(ctx context.Context, groupID string, e *nevent.Event) error {
	code := nevent.TagValue(e, "code")
	if code == "" && len(e.ID) >= 8 {
		code = e.ID[:8]
	}
	maxUses := 1
	inv := Invite{
		GroupID:    groupID,
		Code:       code,
		CreatorPub: e.PubKey,
		CreatedAt:  int64(e.CreatedAt),
		MaxUses:    maxUses,
	}
	return m.store.CreateInvite(ctx, inv)
}

func (m *Manager) signAndPublish(ctx context.Context, e *nevent.Event) error {
	if err := m.identity.Sign(e); err != nil {
		return fmt.Errorf("signing synthesized event: %w", err)
	}
	return m.publisher.Publish(ctx, e)
}

// ReplaceEvent is wired into the pipeline's OnReplaceEvent chain ahead of
// the default address-based handler. Relay-authored metadata kinds
// (39000..39003) are validated by RejectEvent already; here they only need
// their corresponding state mirrored, and always fall through (returns
// accepted=false) so the event itself still gets persisted via the normal
// "newest wins" address resolution.
func (m *Manager) ReplaceEvent(ctx context.Context, e *nevent.Event, _ string) (bool, error) {
	if e.Kind < KindGroupMetadata || e.Kind > KindGroupRoles {
		return false, nil
	}
	groupID := nevent.TagValue(e, "d")
	if groupID == "" {
		return false, nil
	}

	switch e.Kind {
	case KindGroupMetadata:
		if err := m.handleEditMetadata(ctx, groupID, e); err != nil {
			return false, err
		}
	case KindGroupAdmins:
		if err := m.replaceAdminsFromEvent(ctx, groupID, e); err != nil {
			return false, err
		}
	case KindGroupMembers:
		if err := m.replaceMembersFromEvent(ctx, groupID, e); err != nil {
			return false, err
		}
	case KindGroupRoles:
		if err := m.replaceRolesFromEvent(ctx, groupID, e); err != nil {
			return false, err
		}
	}
	return false, nil
}

func (m *Manager) replaceAdminsFromEvent(ctx context.Context, groupID string, e *nevent.Event) error {
	var admins []Admin
	for _, tag := range e.Tags {
		if len(tag) < 2 || tag[0] != "p" {
			continue
		}
		admins = append(admins, Admin{GroupID: groupID, PubKey: tag[1], Roles: tag[2:]})
	}
	if err := m.store.ReplaceAdmins(ctx, groupID, admins); err != nil {
		return err
	}
	m.invalidateGroup(groupID)
	return nil
}

func (m *Manager) replaceMembersFromEvent(ctx context.Context, groupID string, e *nevent.Event) error {
	var members []Member
	for _, tag := range e.Tags {
		if len(tag) < 2 || tag[0] != "p" {
			continue
		}
		members = append(members, Member{GroupID: groupID, PubKey: tag[1], JoinedAt: int64(e.CreatedAt)})
	}
	if err := m.store.ReplaceMembers(ctx, groupID, members); err != nil {
		return err
	}
	m.invalidateGroup(groupID)
	return nil
}

func (m *Manager) replaceRolesFromEvent(ctx context.Context, groupID string, e *nevent.Event) error {
	var roles []Role
	for _, tag := range e.Tags {
		if len(tag) < 2 || tag[0] != "role" {
			continue
		}
		role := Role{GroupID: groupID, Name: tag[1]}
		if len(tag) > 2 {
			role.Description = tag[2]
		}
		if len(tag) > 3 {
			role.Permissions = tag[3:]
		}
		roles = append(roles, role)
	}
	return m.store.ReplaceRoles(ctx, groupID, roles)
}
