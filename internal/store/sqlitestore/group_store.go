package sqlitestore

import (
	"context"
	"database/sql"
	"strings"

	"github.com/keanuklestil/nostrrelay/internal/group"
)

// GroupStore implements group.Store against the shared database.
type GroupStore struct {
	db *sql.DB
}

var _ group.Store = (*GroupStore)(nil)

func (s *GroupStore) Init(context.Context) error { return migrate(s.db) }

func (s *GroupStore) GetGroup(ctx context.Context, id string) (*group.Group, bool, error) {
	var g group.Group
	var public, open int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, picture, about, public, open, created_at, updated_at FROM groups WHERE id = ?`, id,
	).Scan(&g.ID, &g.Name, &g.Picture, &g.About, &public, &open, &g.CreatedAt, &g.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	g.Public = public != 0
	g.Open = open != 0
	return &g, true, nil
}

func (s *GroupStore) PutGroup(ctx context.Context, g group.Group) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO groups (id, name, picture, about, public, open, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, picture = excluded.picture, about = excluded.about,
			public = excluded.public, open = excluded.open, updated_at = excluded.updated_at`,
		g.ID, g.Name, g.Picture, g.About, boolToInt(g.Public), boolToInt(g.Open), g.CreatedAt, g.UpdatedAt)
	return err
}

func (s *GroupStore) DeleteGroup(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM groups WHERE id = ?`, id); err != nil {
		return err
	}
	for _, table := range []string{"group_members", "group_admins", "group_roles", "group_invites", "group_timeline_refs"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE group_id = ?`, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *GroupStore) IsMember(ctx context.Context, groupID, pubkey string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM group_members WHERE group_id = ? AND pubkey = ?`, groupID, pubkey).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (s *GroupStore) AddMember(ctx context.Context, m group.Member) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO group_members (group_id, pubkey, joined_at) VALUES (?, ?, ?)
		ON CONFLICT(group_id, pubkey) DO UPDATE SET joined_at = excluded.joined_at`,
		m.GroupID, m.PubKey, m.JoinedAt)
	return err
}

func (s *GroupStore) RemoveMember(ctx context.Context, groupID, pubkey string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM group_members WHERE group_id = ? AND pubkey = ?`, groupID, pubkey); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM group_admins WHERE group_id = ? AND pubkey = ?`, groupID, pubkey)
	return err
}

func (s *GroupStore) ListMembers(ctx context.Context, groupID string) ([]group.Member, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT group_id, pubkey, joined_at FROM group_members WHERE group_id = ?`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []group.Member
	for rows.Next() {
		var m group.Member
		if err := rows.Scan(&m.GroupID, &m.PubKey, &m.JoinedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *GroupStore) ReplaceMembers(ctx context.Context, groupID string, members []group.Member) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM group_members WHERE group_id = ?`, groupID); err != nil {
		return err
	}
	for _, m := range members {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO group_members (group_id, pubkey, joined_at) VALUES (?, ?, ?)`,
			m.GroupID, m.PubKey, m.JoinedAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *GroupStore) GetAdmin(ctx context.Context, groupID, pubkey string) (*group.Admin, bool, error) {
	var a group.Admin
	var rolesCSV string
	err := s.db.QueryRowContext(ctx,
		`SELECT group_id, pubkey, roles FROM group_admins WHERE group_id = ? AND pubkey = ?`, groupID, pubkey,
	).Scan(&a.GroupID, &a.PubKey, &rolesCSV)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	a.Roles = splitCSV(rolesCSV)
	return &a, true, nil
}

func (s *GroupStore) PutAdmin(ctx context.Context, a group.Admin) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO group_admins (group_id, pubkey, roles) VALUES (?, ?, ?)
		ON CONFLICT(group_id, pubkey) DO UPDATE SET roles = excluded.roles`,
		a.GroupID, a.PubKey, joinCSV(a.Roles))
	return err
}

func (s *GroupStore) RemoveAdmin(ctx context.Context, groupID, pubkey string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM group_admins WHERE group_id = ? AND pubkey = ?`, groupID, pubkey)
	return err
}

func (s *GroupStore) ListAdmins(ctx context.Context, groupID string) ([]group.Admin, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT group_id, pubkey, roles FROM group_admins WHERE group_id = ?`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []group.Admin
	for rows.Next() {
		var a group.Admin
		var rolesCSV string
		if err := rows.Scan(&a.GroupID, &a.PubKey, &rolesCSV); err != nil {
			return nil, err
		}
		a.Roles = splitCSV(rolesCSV)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *GroupStore) ReplaceAdmins(ctx context.Context, groupID string, admins []group.Admin) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM group_admins WHERE group_id = ?`, groupID); err != nil {
		return err
	}
	for _, a := range admins {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO group_admins (group_id, pubkey, roles) VALUES (?, ?, ?)`,
			a.GroupID, a.PubKey, joinCSV(a.Roles)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *GroupStore) ReplaceRoles(ctx context.Context, groupID string, roles []group.Role) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM group_roles WHERE group_id = ?`, groupID); err != nil {
		return err
	}
	for _, r := range roles {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO group_roles (group_id, name, description, permissions) VALUES (?, ?, ?, ?)`,
			r.GroupID, r.Name, r.Description, joinCSV(r.Permissions)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *GroupStore) ListRoles(ctx context.Context, groupID string) ([]group.Role, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT group_id, name, description, permissions FROM group_roles WHERE group_id = ?`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []group.Role
	for rows.Next() {
		var r group.Role
		var permsCSV string
		if err := rows.Scan(&r.GroupID, &r.Name, &r.Description, &permsCSV); err != nil {
			return nil, err
		}
		r.Permissions = splitCSV(permsCSV)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *GroupStore) CreateInvite(ctx context.Context, inv group.Invite) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO group_invites (group_id, code, creator_pubkey, created_at, expires_at, max_uses, used_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		inv.GroupID, inv.Code, inv.CreatorPub, inv.CreatedAt, inv.ExpiresAt, inv.MaxUses, inv.UsedCount)
	return err
}

func (s *GroupStore) GetInvite(ctx context.Context, groupID, code string) (*group.Invite, bool, error) {
	var inv group.Invite
	err := s.db.QueryRowContext(ctx, `
		SELECT group_id, code, creator_pubkey, created_at, expires_at, max_uses, used_count
		FROM group_invites WHERE group_id = ? AND code = ?`, groupID, code,
	).Scan(&inv.GroupID, &inv.Code, &inv.CreatorPub, &inv.CreatedAt, &inv.ExpiresAt, &inv.MaxUses, &inv.UsedCount)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &inv, true, nil
}

func (s *GroupStore) IncrementInviteUse(ctx context.Context, groupID, code string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE group_invites SET used_count = used_count + 1 WHERE group_id = ? AND code = ?`, groupID, code)
	return err
}

func (s *GroupStore) AddTimelineRef(ctx context.Context, ref group.TimelineRef) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO group_timeline_refs (group_id, event_id, ref_hash, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(group_id, ref_hash) DO NOTHING`,
		ref.GroupID, ref.EventID, ref.RefHash, ref.CreatedAt)
	return err
}

func (s *GroupStore) HasTimelineRef(ctx context.Context, groupID, refHash string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM group_timeline_refs WHERE group_id = ? AND ref_hash = ?`, groupID, refHash).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func joinCSV(vals []string) string { return strings.Join(vals, ",") }

func splitCSV(csv string) []string {
	if csv == "" {
		return nil
	}
	return strings.Split(csv, ",")
}
