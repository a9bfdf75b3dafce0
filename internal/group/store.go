package group

import "context"

// Store persists the group-domain entities enumerated in spec §3: groups,
// membership, admin roles, role definitions, invites, and timeline
// references. It is a separate contract from store.Store (the Nostr event
// store) because groups are opaque relay-side bookkeeping, not events.
type Store interface {
	Init(ctx context.Context) error

	GetGroup(ctx context.Context, id string) (*Group, bool, error)
	PutGroup(ctx context.Context, g Group) error
	DeleteGroup(ctx context.Context, id string) error

	IsMember(ctx context.Context, groupID, pubkey string) (bool, error)
	AddMember(ctx context.Context, m Member) error
	RemoveMember(ctx context.Context, groupID, pubkey string) error
	ListMembers(ctx context.Context, groupID string) ([]Member, error)
	ReplaceMembers(ctx context.Context, groupID string, members []Member) error

	GetAdmin(ctx context.Context, groupID, pubkey string) (*Admin, bool, error)
	PutAdmin(ctx context.Context, a Admin) error
	RemoveAdmin(ctx context.Context, groupID, pubkey string) error
	ListAdmins(ctx context.Context, groupID string) ([]Admin, error)
	ReplaceAdmins(ctx context.Context, groupID string, admins []Admin) error

	ReplaceRoles(ctx context.Context, groupID string, roles []Role) error
	ListRoles(ctx context.Context, groupID string) ([]Role, error)

	CreateInvite(ctx context.Context, inv Invite) error
	GetInvite(ctx context.Context, groupID, code string) (*Invite, bool, error)
	IncrementInviteUse(ctx context.Context, groupID, code string) error

	AddTimelineRef(ctx context.Context, ref TimelineRef) error
	HasTimelineRef(ctx context.Context, groupID, refHash string) (bool, error)
}
