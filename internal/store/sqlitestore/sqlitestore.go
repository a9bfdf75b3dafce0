// Package sqlitestore is the relational reference backend (spec §4.C): one
// events table keyed by id with the indices the contract names, plus a tag
// index table to push #x filters into SQL instead of relying purely on
// post-filtering, and the group-domain tables enumerated in spec §3.
//
// Grounded on the database/sql + modernc.org/sqlite idiom used throughout
// the pack's nugget-thane-ai-agent store files: sql.Open("sqlite", path),
// a migrate() bootstrap run once at construction, and parameterized `?`
// queries exclusively (spec §4.B: "the contract forbids string
// interpolation of untrusted values").
package sqlitestore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	_ "modernc.org/sqlite"
)

// DB is the shared connection. EventStore and GroupStore are thin views
// over it implementing store.Store and group.Store respectively, since both
// contracts ultimately live in the same SQLite file.
type DB struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite file at path. path may be
// ":memory:" for a throwaway in-process database. Callers must still call
// Init on the EventStore/GroupStore views before use.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// modernc.org/sqlite serializes writers itself, but a single
	// connection avoids SQLITE_BUSY churn against one file under
	// concurrent handler goroutines.
	sqlDB.SetMaxOpenConns(1)
	return &DB{db: sqlDB}, nil
}

// Close closes the underlying connection.
func (d *DB) Close() error { return d.db.Close() }

// EventStore returns the store.Store view over d.
func (d *DB) EventStore() *EventStore { return &EventStore{db: d.db} }

// GroupStore returns the group.Store view over d.
func (d *DB) GroupStore() *GroupStore { return &GroupStore{db: d.db} }

var schema = []string{
	`CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		pubkey TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		kind INTEGER NOT NULL,
		tags TEXT NOT NULL,
		content TEXT NOT NULL,
		sig TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_pubkey ON events(pubkey)`,
	`CREATE INDEX IF NOT EXISTS idx_events_created_at ON events(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind)`,
	`CREATE INDEX IF NOT EXISTS idx_events_pubkey_kind ON events(pubkey, kind)`,
	`CREATE INDEX IF NOT EXISTS idx_events_created_at_kind ON events(created_at, kind)`,

	`CREATE TABLE IF NOT EXISTS event_tags (
		event_id TEXT NOT NULL,
		tag_name TEXT NOT NULL,
		tag_value TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_event_tags_lookup ON event_tags(tag_name, tag_value)`,
	`CREATE INDEX IF NOT EXISTS idx_event_tags_event ON event_tags(event_id)`,

	`CREATE TABLE IF NOT EXISTS groups (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		picture TEXT NOT NULL DEFAULT '',
		about TEXT NOT NULL DEFAULT '',
		public INTEGER NOT NULL DEFAULT 0,
		open INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS group_members (
		group_id TEXT NOT NULL,
		pubkey TEXT NOT NULL,
		joined_at INTEGER NOT NULL,
		PRIMARY KEY (group_id, pubkey)
	)`,
	`CREATE TABLE IF NOT EXISTS group_admins (
		group_id TEXT NOT NULL,
		pubkey TEXT NOT NULL,
		roles TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (group_id, pubkey)
	)`,
	`CREATE TABLE IF NOT EXISTS group_roles (
		group_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		permissions TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (group_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS group_invites (
		group_id TEXT NOT NULL,
		code TEXT NOT NULL,
		creator_pubkey TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL DEFAULT 0,
		max_uses INTEGER NOT NULL DEFAULT 1,
		used_count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (group_id, code)
	)`,
	`CREATE TABLE IF NOT EXISTS group_timeline_refs (
		group_id TEXT NOT NULL,
		event_id TEXT NOT NULL,
		ref_hash TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (group_id, ref_hash)
	)`,
}

func migrate(db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w (statement: %s)", err, stmt)
		}
	}
	return nil
}

func encodeTags(tags nostr.Tags) (string, error) {
	b, err := json.Marshal(tags)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeTags(raw string) (nostr.Tags, error) {
	var tags nostr.Tags
	if err := json.Unmarshal([]byte(raw), &tags); err != nil {
		return nil, err
	}
	return tags, nil
}

func tagRowsFor(tags nostr.Tags) [][2]string {
	var rows [][2]string
	for _, t := range tags {
		if len(t) >= 2 && len(t[0]) == 1 {
			rows = append(rows, [2]string{t[0], t[1]})
		}
	}
	return rows
}

func placeholders(n int) string {
	if n == 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func argsFor(vals []string) []any {
	args := make([]any, len(vals))
	for i, v := range vals {
		args[i] = v
	}
	return args
}
