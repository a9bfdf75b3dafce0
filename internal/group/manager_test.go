package group

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"testing"

	"github.com/nbd-wtf/go-nostr"

	"github.com/keanuklestil/nostrrelay/internal/nevent"
	"github.com/keanuklestil/nostrrelay/internal/policy"
)

type capturingPublisher struct {
	published []*nevent.Event
}

func (p *capturingPublisher) Publish(_ context.Context, e *nevent.Event) error {
	p.published = append(p.published, e)
	return nil
}

func testIdentity(t *testing.T) *RelayIdentity {
	t.Helper()
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		t.Fatalf("generating relay key: %v", err)
	}
	identity, err := NewRelayIdentity(hex.EncodeToString(buf))
	if err != nil {
		t.Fatalf("NewRelayIdentity() error = %v", err)
	}
	return identity
}

func newTestManager(t *testing.T) (*Manager, *capturingPublisher, *MemoryStore, *RelayIdentity) {
	t.Helper()
	st := NewMemoryStore()
	pub := &capturingPublisher{}
	identity := testIdentity(t)
	return NewManager(st, identity, pub), pub, st, identity
}

func TestRejectEventPassesNonGroupEvents(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	rejected, _ := m.RejectEvent(context.Background(), &policy.Context{}, &nevent.Event{Kind: 1})
	if rejected {
		t.Error("RejectEvent rejected an event with no h tag")
	}
}

func TestRejectEventGroupMustExist(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	e := &nevent.Event{Kind: 1, Tags: nostr.Tags{{"h", "nosuch"}}}
	rejected, reason := m.RejectEvent(context.Background(), &policy.Context{}, e)
	if !rejected {
		t.Fatal("RejectEvent accepted an event referencing a nonexistent group")
	}
	if reason == "" {
		t.Error("expected a non-empty rejection reason")
	}
}

func TestCreateGroupOnlyByRelay(t *testing.T) {
	m, _, _, identity := newTestManager(t)
	byStranger := &nevent.Event{Kind: KindCreateGroup, PubKey: "stranger", Tags: nostr.Tags{{"h", "g1"}}}
	if rejected, _ := m.RejectEvent(context.Background(), &policy.Context{}, byStranger); !rejected {
		t.Error("a non-relay pubkey was allowed to create a group")
	}

	byRelay := &nevent.Event{Kind: KindCreateGroup, PubKey: identity.PubKeyHex, Tags: nostr.Tags{{"h", "g1"}}}
	if rejected, _ := m.RejectEvent(context.Background(), &policy.Context{}, byRelay); rejected {
		t.Error("the relay's own create-group event was rejected")
	}
}

func TestNonMemberRejectedFromClosedGroup(t *testing.T) {
	m, _, st, _ := newTestManager(t)
	mustPutGroup(t, st, Group{ID: "g1", Public: false, Open: false, CreatedAt: 1})

	e := &nevent.Event{Kind: 1, PubKey: "stranger", Tags: nostr.Tags{{"h", "g1"}}}
	if rejected, _ := m.RejectEvent(context.Background(), &policy.Context{}, e); !rejected {
		t.Error("a non-member was allowed to post into a private group")
	}
}

func TestMemberAllowedInClosedGroup(t *testing.T) {
	m, _, st, _ := newTestManager(t)
	mustPutGroup(t, st, Group{ID: "g1", Public: false, Open: false, CreatedAt: 1})
	if err := st.AddMember(context.Background(), Member{GroupID: "g1", PubKey: "member1"}); err != nil {
		t.Fatalf("AddMember() error = %v", err)
	}

	e := &nevent.Event{Kind: 1, PubKey: "member1", Tags: nostr.Tags{{"h", "g1"}}}
	if rejected, reason := m.RejectEvent(context.Background(), &policy.Context{}, e); rejected {
		t.Errorf("a member was rejected from posting into their own group: %s", reason)
	}
}

func TestJoinOpenGroupSynthesizesPutUser(t *testing.T) {
	m, pub, st, _ := newTestManager(t)
	mustPutGroup(t, st, Group{ID: "g1", Open: true, CreatedAt: 1})

	e := &nevent.Event{Kind: KindJoinRequest, PubKey: "newcomer", CreatedAt: 100, Tags: nostr.Tags{{"h", "g1"}}}
	if _, err := m.StoreEvent(context.Background(), e); err != nil {
		t.Fatalf("StoreEvent(join) error = %v", err)
	}

	isMember, err := st.IsMember(context.Background(), "g1", "newcomer")
	if err != nil || !isMember {
		t.Fatalf("IsMember() = (%v, %v), want (true, nil) after an open-group join", isMember, err)
	}

	if len(pub.published) != 1 || pub.published[0].Kind != KindPutUser {
		t.Fatalf("publisher received %v, want exactly one kind-%d event", pub.published, KindPutUser)
	}
	if ok, err := pub.published[0].CheckSignature(); err != nil || !ok {
		t.Errorf("synthesized put-user event has an invalid signature: ok=%v err=%v", ok, err)
	}
}

func TestJoinClosedGroupRequiresInviteAndRespectsMaxUses(t *testing.T) {
	m, _, st, _ := newTestManager(t)
	mustPutGroup(t, st, Group{ID: "g1", Open: false, CreatedAt: 1})
	if err := st.CreateInvite(context.Background(), Invite{GroupID: "g1", Code: "c1", MaxUses: 1}); err != nil {
		t.Fatalf("CreateInvite() error = %v", err)
	}

	first := &nevent.Event{Kind: KindJoinRequest, PubKey: "alice", CreatedAt: 100, Tags: nostr.Tags{{"h", "g1"}, {"code", "c1"}}}
	if rejected, reason := m.RejectEvent(context.Background(), &policy.Context{}, first); rejected {
		t.Fatalf("first join with a valid invite was rejected: %s", reason)
	}
	if _, err := m.StoreEvent(context.Background(), first); err != nil {
		t.Fatalf("first join with a valid invite failed: %v", err)
	}

	second := &nevent.Event{Kind: KindJoinRequest, PubKey: "bob", CreatedAt: 101, Tags: nostr.Tags{{"h", "g1"}, {"code", "c1"}}}
	rejected, reason := m.RejectEvent(context.Background(), &policy.Context{}, second)
	if !rejected {
		t.Fatal("second join on an exhausted single-use invite should have been rejected")
	}
	wantReason := "group is closed and no valid invite code provided"
	if reason != wantReason {
		t.Errorf("rejection reason = %q, want %q", reason, wantReason)
	}
}

func TestJoinClosedGroupRequiresCode(t *testing.T) {
	m, _, st, _ := newTestManager(t)
	mustPutGroup(t, st, Group{ID: "g1", Open: false, CreatedAt: 1})

	e := &nevent.Event{Kind: KindJoinRequest, PubKey: "alice", CreatedAt: 100, Tags: nostr.Tags{{"h", "g1"}}}
	rejected, reason := m.RejectEvent(context.Background(), &policy.Context{}, e)
	if !rejected {
		t.Fatal("join without a code on a closed group should have been rejected")
	}
	if want := "group is closed and no invite code provided"; reason != want {
		t.Errorf("rejection reason = %q, want %q", reason, want)
	}
}

func TestJoinAlreadyMemberRejected(t *testing.T) {
	m, _, st, _ := newTestManager(t)
	mustPutGroup(t, st, Group{ID: "g1", Open: true, CreatedAt: 1})
	if err := st.AddMember(context.Background(), Member{GroupID: "g1", PubKey: "alice"}); err != nil {
		t.Fatalf("AddMember() error = %v", err)
	}

	e := &nevent.Event{Kind: KindJoinRequest, PubKey: "alice", CreatedAt: 100, Tags: nostr.Tags{{"h", "g1"}}}
	rejected, reason := m.RejectEvent(context.Background(), &policy.Context{}, e)
	if !rejected {
		t.Fatal("a join-request from an existing member should have been rejected")
	}
	if want := `already a member of group "g1"`; reason != want {
		t.Errorf("rejection reason = %q, want %q", reason, want)
	}
}

func TestModerationKindRequiresAdminRole(t *testing.T) {
	m, _, st, identity := newTestManager(t)
	mustPutGroup(t, st, Group{ID: "g1", CreatedAt: 1})

	byNonAdmin := &nevent.Event{Kind: KindPutUser, PubKey: "rando", Tags: nostr.Tags{{"h", "g1"}, {"p", "newmember"}}}
	if rejected, _ := m.RejectEvent(context.Background(), &policy.Context{}, byNonAdmin); !rejected {
		t.Error("a non-admin was allowed to publish a put-user moderation event")
	}

	if err := st.PutAdmin(context.Background(), Admin{GroupID: "g1", PubKey: "admin1", Roles: []string{"admin"}}); err != nil {
		t.Fatalf("PutAdmin() error = %v", err)
	}
	byAdmin := &nevent.Event{Kind: KindPutUser, PubKey: "admin1", Tags: nostr.Tags{{"h", "g1"}, {"p", "newmember"}}}
	if rejected, reason := m.RejectEvent(context.Background(), &policy.Context{}, byAdmin); rejected {
		t.Errorf("an admin with the required role was rejected: %s", reason)
	}

	byRelay := &nevent.Event{Kind: KindPutUser, PubKey: identity.PubKeyHex, Tags: nostr.Tags{{"h", "g1"}, {"p", "newmember"}}}
	if rejected, _ := m.RejectEvent(context.Background(), &policy.Context{}, byRelay); rejected {
		t.Error("the relay's own moderation event was rejected")
	}
}

func TestLeaveRequestRemovesMemberAndSynthesizesRemoveUser(t *testing.T) {
	m, pub, st, _ := newTestManager(t)
	mustPutGroup(t, st, Group{ID: "g1", CreatedAt: 1})
	st.AddMember(context.Background(), Member{GroupID: "g1", PubKey: "leaver"})

	e := &nevent.Event{Kind: KindLeaveRequest, PubKey: "leaver", CreatedAt: 50, Tags: nostr.Tags{{"h", "g1"}}}
	if _, err := m.StoreEvent(context.Background(), e); err != nil {
		t.Fatalf("StoreEvent(leave) error = %v", err)
	}

	if isMember, _ := st.IsMember(context.Background(), "g1", "leaver"); isMember {
		t.Error("member still present after a leave-request")
	}
	if len(pub.published) != 1 || pub.published[0].Kind != KindRemoveUser {
		t.Fatalf("publisher received %v, want exactly one kind-%d event", pub.published, KindRemoveUser)
	}
}

func mustPutGroup(t *testing.T, st *MemoryStore, g Group) {
	t.Helper()
	if err := st.PutGroup(context.Background(), g); err != nil {
		t.Fatalf("PutGroup() error = %v", err)
	}
}
