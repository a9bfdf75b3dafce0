package sqlitestore

import (
	"context"
	"testing"

	"github.com/keanuklestil/nostrrelay/internal/group"
)

func newTestGroupStore(t *testing.T) *GroupStore {
	t.Helper()
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	gs := db.GroupStore()
	if err := gs.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	return gs
}

func TestGroupStorePutAndGetGroup(t *testing.T) {
	s := newTestGroupStore(t)
	ctx := context.Background()

	if _, ok, err := s.GetGroup(ctx, "g1"); err != nil || ok {
		t.Fatalf("GetGroup() on empty store = (_, %v, %v), want (_, false, nil)", ok, err)
	}

	g := group.Group{ID: "g1", Name: "Test", Public: true, Open: false, CreatedAt: 100}
	if err := s.PutGroup(ctx, g); err != nil {
		t.Fatalf("PutGroup() error = %v", err)
	}

	got, ok, err := s.GetGroup(ctx, "g1")
	if err != nil || !ok {
		t.Fatalf("GetGroup() = (_, %v, %v), want (_, true, nil)", ok, err)
	}
	if got.Name != "Test" || !got.Public || got.Open {
		t.Errorf("GetGroup() = %+v, want Name=Test Public=true Open=false", got)
	}

	g.Name = "Renamed"
	if err := s.PutGroup(ctx, g); err != nil {
		t.Fatalf("PutGroup() update error = %v", err)
	}
	got, _, _ = s.GetGroup(ctx, "g1")
	if got.Name != "Renamed" {
		t.Errorf("GetGroup() after update = %+v, want Name=Renamed", got)
	}
}

func TestGroupStoreMembers(t *testing.T) {
	s := newTestGroupStore(t)
	ctx := context.Background()
	s.PutGroup(ctx, group.Group{ID: "g1", CreatedAt: 1})

	if isMember, _ := s.IsMember(ctx, "g1", "pk1"); isMember {
		t.Fatal("IsMember() true before any AddMember call")
	}

	if err := s.AddMember(ctx, group.Member{GroupID: "g1", PubKey: "pk1", JoinedAt: 100}); err != nil {
		t.Fatalf("AddMember() error = %v", err)
	}
	if isMember, err := s.IsMember(ctx, "g1", "pk1"); err != nil || !isMember {
		t.Fatalf("IsMember() = (%v, %v), want (true, nil)", isMember, err)
	}

	if err := s.RemoveMember(ctx, "g1", "pk1"); err != nil {
		t.Fatalf("RemoveMember() error = %v", err)
	}
	if isMember, _ := s.IsMember(ctx, "g1", "pk1"); isMember {
		t.Error("IsMember() true after RemoveMember")
	}
}

func TestGroupStoreReplaceMembers(t *testing.T) {
	s := newTestGroupStore(t)
	ctx := context.Background()
	s.PutGroup(ctx, group.Group{ID: "g1", CreatedAt: 1})
	s.AddMember(ctx, group.Member{GroupID: "g1", PubKey: "stale", JoinedAt: 1})

	err := s.ReplaceMembers(ctx, "g1", []group.Member{
		{GroupID: "g1", PubKey: "a", JoinedAt: 1},
		{GroupID: "g1", PubKey: "b", JoinedAt: 2},
	})
	if err != nil {
		t.Fatalf("ReplaceMembers() error = %v", err)
	}

	members, err := s.ListMembers(ctx, "g1")
	if err != nil {
		t.Fatalf("ListMembers() error = %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("ListMembers() = %v, want exactly 2 members (replace should drop stale)", members)
	}
	if isMember, _ := s.IsMember(ctx, "g1", "stale"); isMember {
		t.Error("stale member survived ReplaceMembers")
	}
}

func TestGroupStoreAdminRoles(t *testing.T) {
	s := newTestGroupStore(t)
	ctx := context.Background()

	a := group.Admin{GroupID: "g1", PubKey: "admin1", Roles: []string{"admin", "moderator"}}
	if err := s.PutAdmin(ctx, a); err != nil {
		t.Fatalf("PutAdmin() error = %v", err)
	}

	got, ok, err := s.GetAdmin(ctx, "g1", "admin1")
	if err != nil || !ok {
		t.Fatalf("GetAdmin() = (_, %v, %v), want (_, true, nil)", ok, err)
	}
	if len(got.Roles) != 2 || got.Roles[0] != "admin" || got.Roles[1] != "moderator" {
		t.Errorf("GetAdmin().Roles = %v, want [admin moderator]", got.Roles)
	}

	if err := s.RemoveAdmin(ctx, "g1", "admin1"); err != nil {
		t.Fatalf("RemoveAdmin() error = %v", err)
	}
	if _, ok, _ := s.GetAdmin(ctx, "g1", "admin1"); ok {
		t.Error("GetAdmin() still found the admin after RemoveAdmin")
	}
}

func TestGroupStoreInvites(t *testing.T) {
	s := newTestGroupStore(t)
	ctx := context.Background()

	inv := group.Invite{GroupID: "g1", Code: "c1", CreatorPub: "admin1", CreatedAt: 100, MaxUses: 3}
	if err := s.CreateInvite(ctx, inv); err != nil {
		t.Fatalf("CreateInvite() error = %v", err)
	}

	got, ok, err := s.GetInvite(ctx, "g1", "c1")
	if err != nil || !ok {
		t.Fatalf("GetInvite() = (_, %v, %v), want (_, true, nil)", ok, err)
	}
	if got.UsedCount != 0 {
		t.Errorf("GetInvite().UsedCount = %d, want 0", got.UsedCount)
	}

	if err := s.IncrementInviteUse(ctx, "g1", "c1"); err != nil {
		t.Fatalf("IncrementInviteUse() error = %v", err)
	}
	got, _, _ = s.GetInvite(ctx, "g1", "c1")
	if got.UsedCount != 1 {
		t.Errorf("GetInvite().UsedCount after increment = %d, want 1", got.UsedCount)
	}
}

func TestGroupStoreTimelineRefs(t *testing.T) {
	s := newTestGroupStore(t)
	ctx := context.Background()

	if has, _ := s.HasTimelineRef(ctx, "g1", "hash1"); has {
		t.Fatal("HasTimelineRef() true before any AddTimelineRef call")
	}

	ref := group.TimelineRef{GroupID: "g1", EventID: "e1", RefHash: "hash1", CreatedAt: 100}
	if err := s.AddTimelineRef(ctx, ref); err != nil {
		t.Fatalf("AddTimelineRef() error = %v", err)
	}
	if has, err := s.HasTimelineRef(ctx, "g1", "hash1"); err != nil || !has {
		t.Fatalf("HasTimelineRef() = (%v, %v), want (true, nil)", has, err)
	}

	// A duplicate insert of the same (group, ref_hash) must not error.
	if err := s.AddTimelineRef(ctx, ref); err != nil {
		t.Fatalf("AddTimelineRef() duplicate error = %v", err)
	}
}
