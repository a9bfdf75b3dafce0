package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/keanuklestil/nostrrelay/internal/nevent"
	"github.com/keanuklestil/nostrrelay/internal/store"
	"github.com/nbd-wtf/go-nostr"
)

// EventStore implements store.Store (spec §4.C) against the shared
// database.
type EventStore struct {
	db *sql.DB
}

var _ store.Store = (*EventStore)(nil)

func (s *EventStore) Init(context.Context) error { return migrate(s.db) }

// StoreEvent inserts e, rejecting a duplicate id (spec §4.C: "store MUST
// reject a duplicate id").
func (s *EventStore) StoreEvent(ctx context.Context, e *nevent.Event) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM events WHERE id = ?`, e.ID).Scan(&exists); err == nil {
		return false, nil // duplicate
	} else if err != sql.ErrNoRows {
		return false, err
	}

	if err := insertEvent(ctx, tx, e); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func insertEvent(ctx context.Context, tx *sql.Tx, e *nevent.Event) error {
	tagsJSON, err := encodeTags(e.Tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (id, pubkey, created_at, kind, tags, content, sig) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.PubKey, int64(e.CreatedAt), e.Kind, tagsJSON, e.Content, e.Sig)
	if err != nil {
		return err
	}
	for _, row := range tagRowsFor(e.Tags) {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO event_tags (event_id, tag_name, tag_value) VALUES (?, ?, ?)`,
			e.ID, row[0], row[1]); err != nil {
			return err
		}
	}
	return nil
}

// Replace atomically supplants every event at address with e (spec §4.C,
// §4.G). address is derived by the caller (internal/address); this method
// just performs the "am I newest, if so delete-then-insert" check under the
// transaction's isolation.
func (s *EventStore) Replace(ctx context.Context, e *nevent.Event, address string) (bool, error) {
	kind, pubkey, dTag, err := parseAddress(address)
	if err != nil {
		return false, err
	}
	// "kind:pubkey:d" (addressable, d possibly empty) vs "kind:pubkey".
	addressable := strings.Count(address, ":") == 2

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	existing, err := existingAtAddress(ctx, tx, kind, pubkey, dTag, addressable)
	if err != nil {
		return false, err
	}
	for _, old := range existing {
		if !nevent.Newer(e, old) {
			return false, nil
		}
	}
	for _, old := range existing {
		if err := deleteEventTx(ctx, tx, old.ID); err != nil {
			return false, err
		}
	}
	if err := insertEvent(ctx, tx, e); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func parseAddress(address string) (kind int, pubkey, dTag string, err error) {
	parts := strings.SplitN(address, ":", 3)
	if len(parts) < 2 {
		return 0, "", "", fmt.Errorf("malformed address %q", address)
	}
	if _, err := fmt.Sscanf(parts[0], "%d", &kind); err != nil {
		return 0, "", "", fmt.Errorf("malformed address %q: %w", address, err)
	}
	pubkey = parts[1]
	if len(parts) == 3 {
		dTag = parts[2]
	}
	return kind, pubkey, dTag, nil
}

func existingAtAddress(ctx context.Context, tx *sql.Tx, kind int, pubkey, dTag string, addressable bool) ([]*nevent.Event, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT id, pubkey, created_at, kind, tags, content, sig FROM events WHERE kind = ? AND pubkey = ?`,
		kind, pubkey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*nevent.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		if addressable && nevent.TagValue(e, "d") != dTag {
			continue
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func deleteEventTx(ctx context.Context, tx *sql.Tx, id string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, id); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `DELETE FROM event_tags WHERE event_id = ?`, id)
	return err
}

// DeleteEvent removes id, scoped to pubkey.
func (s *EventStore) DeleteEvent(ctx context.Context, id, pubkey string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE id = ? AND pubkey = ?`, id, pubkey)
	if err != nil {
		return false, err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM event_tags WHERE event_id = ?`, id); err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Count returns the number of rows matching q's scalar filters. Tag filters
// are ignored, so when q carries any the result can exceed the number of
// events that actually match — acceptable for the advisory COUNT use case
// the protocol defines.
func (s *EventStore) Count(ctx context.Context, q store.Query) (int64, error) {
	where, args := scalarWhere(q)
	sqlStr := `SELECT COUNT(*) FROM events` + where
	var n int64
	err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&n)
	return n, err
}

// Query streams matching rows as a store.Cursor (spec §4.C: "query SHOULD
// stream; the core ... MUST NOT require buffering all results"). Tag
// filters with a single-letter "#x" key are pushed down via a join against
// event_tags. Tag filters with any other key are not applied at all, and
// no later stage of the relay re-checks query results against the filter,
// so such filters over-match.
func (s *EventStore) Query(ctx context.Context, q store.Query) (store.Cursor, error) {
	sqlStr, args := buildQuery(q)
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	return &rowsCursor{rows: rows}, nil
}

func scalarWhere(q store.Query) (string, []any) {
	var clauses []string
	var args []any

	if len(q.IDs) > 0 {
		var sub []string
		for _, id := range q.IDs {
			sub = append(sub, "id LIKE ?")
			args = append(args, id+"%")
		}
		clauses = append(clauses, "("+strings.Join(sub, " OR ")+")")
	}
	if len(q.Authors) > 0 {
		var sub []string
		for _, a := range q.Authors {
			sub = append(sub, "pubkey LIKE ?")
			args = append(args, a+"%")
		}
		clauses = append(clauses, "("+strings.Join(sub, " OR ")+")")
	}
	if len(q.Kinds) > 0 {
		kindStrs := make([]string, len(q.Kinds))
		for i, k := range q.Kinds {
			kindStrs[i] = fmt.Sprintf("%d", k)
		}
		clauses = append(clauses, "kind IN ("+strings.Join(kindStrs, ",")+")")
	}
	if q.Since != nil {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, *q.Since)
	}
	if q.Until != nil {
		clauses = append(clauses, "created_at <= ?")
		args = append(args, *q.Until)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func buildQuery(q store.Query) (string, []any) {
	where, whereArgs := scalarWhere(q)

	var joinClauses string
	var joinArgs []any
	i := 0
	for tagKey, values := range q.TagFilters {
		if len(tagKey) != 2 || len(values) == 0 {
			continue // only "#x" single-letter keys are pushable
		}
		i++
		alias := fmt.Sprintf("t%d", i)
		joinClauses += fmt.Sprintf(" JOIN event_tags %s ON %s.event_id = events.id AND %s.tag_name = ?", alias, alias, alias)
		joinArgs = append(joinArgs, string(tagKey[1]))
		ph := placeholders(len(values))
		joinClauses += fmt.Sprintf(" AND %s.tag_value IN (%s)", alias, ph)
		joinArgs = append(joinArgs, argsFor(values)...)
	}

	// Placeholders appear in join-clause order, then where-clause order, so
	// the bound args must follow the same order (join clauses precede the
	// WHERE clause in the final SQL string).
	args := append(joinArgs, whereArgs...)

	sqlStr := "SELECT id, pubkey, created_at, kind, tags, content, sig FROM events" + joinClauses + where
	sqlStr += " ORDER BY created_at DESC, id ASC"
	if q.Limit > 0 {
		sqlStr += fmt.Sprintf(" LIMIT %d", q.Limit)
	}
	return sqlStr, args
}

func scanEvent(rows *sql.Rows) (*nevent.Event, error) {
	var e nevent.Event
	var createdAt int64
	var tagsJSON string
	if err := rows.Scan(&e.ID, &e.PubKey, &createdAt, &e.Kind, &tagsJSON, &e.Content, &e.Sig); err != nil {
		return nil, err
	}
	tags, err := decodeTags(tagsJSON)
	if err != nil {
		return nil, fmt.Errorf("decode tags for %s: %w", e.ID, err)
	}
	e.Tags = tags
	e.CreatedAt = nostr.Timestamp(createdAt)
	return &e, nil
}

// rowsCursor adapts *sql.Rows to store.Cursor, streaming one row at a time
// (spec §4.C).
type rowsCursor struct {
	rows *sql.Rows
	cur  *nevent.Event
	err  error
}

func (c *rowsCursor) Next() bool {
	if !c.rows.Next() {
		return false
	}
	e, err := scanEvent(c.rows)
	if err != nil {
		c.err = err
		return false
	}
	c.cur = e
	return true
}

func (c *rowsCursor) Event() *nevent.Event { return c.cur }
func (c *rowsCursor) Err() error {
	if c.err != nil {
		return c.err
	}
	return c.rows.Err()
}
func (c *rowsCursor) Close() error { return c.rows.Close() }
