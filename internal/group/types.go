// Package group implements the moderated-group state machine (spec §4.H):
// NIP-29-style membership, roles, invites, and timeline linkage layered atop
// the generic event flow via a rejection handler plus store/replace hooks.
package group

// Group is a moderated chat entity identified by its h-tag value.
type Group struct {
	ID        string
	Name      string
	Picture   string
	About     string
	Public    bool
	Open      bool
	CreatedAt int64
	UpdatedAt int64
}

// Member is one (group, pubkey) membership record.
type Member struct {
	GroupID  string
	PubKey   string
	JoinedAt int64
}

// Admin is one (group, pubkey) admin record and the roles it carries.
type Admin struct {
	GroupID string
	PubKey  string
	Roles   []string
}

func (a Admin) hasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Role is a named permission set scoped to a group.
type Role struct {
	GroupID     string
	Name        string
	Description string
	Permissions []string
}

// Invite gates join-requests on closed groups.
type Invite struct {
	GroupID      string
	Code         string
	CreatorPub   string
	CreatedAt    int64
	ExpiresAt    int64 // 0 means no expiry
	MaxUses      int
	UsedCount    int
}

func (i Invite) exhausted() bool { return i.MaxUses > 0 && i.UsedCount >= i.MaxUses }

// TimelineRef chains a group event to an earlier one via a short id prefix,
// for moderation-resistance (spec §3, §4.H).
type TimelineRef struct {
	GroupID   string
	EventID   string
	RefHash   string
	CreatedAt int64
}

// Moderation action kinds (spec §4.H).
const (
	KindPutUser       = 9000
	KindRemoveUser    = 9001
	KindEditMetadata  = 9002
	KindDeleteEvent   = 9005
	KindCreateGroup   = 9007
	KindDeleteGroup   = 9008
	KindCreateInvite  = 9009
	KindJoinRequest   = 9021
	KindLeaveRequest  = 9022
)

// Relay-authored metadata kinds; only the relay's own pubkey may publish
// these (spec §4.H).
const (
	KindGroupMetadata = 39000
	KindGroupAdmins   = 39001
	KindGroupMembers  = 39002
	KindGroupRoles    = 39003
)

// moderationRoles is the static action→required-role map (spec §4.H). A kind
// in 9000..9020 absent from this map has no defined action and is always
// rejected for non-relay publishers.
var moderationRoles = map[int]string{
	KindPutUser:      "admin",
	KindRemoveUser:   "admin",
	KindEditMetadata: "admin",
	KindCreateGroup:  "admin",
	KindDeleteGroup:  "admin",
	KindCreateInvite: "admin",
	KindDeleteEvent:  "moderator",
}

func isModerationKind(kind int) bool { return kind >= 9000 && kind <= 9020 }
