// Package store defines the abstract persistence contract relay backends
// must satisfy (spec §4.C). It is deliberately storage-agnostic: concrete
// backends live in subpackages (sqlitestore) or may be supplied by a host
// application.
package store

import (
	"context"

	"github.com/keanuklestil/nostrrelay/internal/nevent"
)

// Query is the store-facing translation of a filter (or filter set member).
// Tag constraints are carried as "#<letter>" -> accepted values, matching
// spec §3's filter shape.
type Query struct {
	IDs        []string
	Authors    []string
	Kinds      []int
	Since      *int64
	Until      *int64
	Limit      int
	TagFilters map[string][]string
}

// Cursor is a lazy sequence of events. Callers MUST call Close when done.
// Implementations MUST NOT require buffering the full result set in memory
// (spec §4.C).
type Cursor interface {
	Next() bool
	Event() *nevent.Event
	Err() error
	Close() error
}

// Store is the abstract persistence contract (spec §4.C). Replace MUST be
// atomic: either the incoming event supplants every event at address, or
// the store is left unchanged. Store MUST reject a duplicate id.
type Store interface {
	// Init performs idempotent setup (schema creation, etc).
	Init(ctx context.Context) error

	// StoreEvent persists a regular (non-replaceable) event. It returns
	// false, without error, if the id already exists.
	StoreEvent(ctx context.Context, e *nevent.Event) (bool, error)

	// Query streams events matching q.
	Query(ctx context.Context, q Query) (Cursor, error)

	// Count returns the number of events matching q without materializing
	// them.
	Count(ctx context.Context, q Query) (int64, error)

	// DeleteEvent removes the event with the given id, scoped to pubkey
	// (a pubkey may only delete its own events). Returns whether a row was
	// removed.
	DeleteEvent(ctx context.Context, id, pubkey string) (bool, error)

	// Replace atomically supplants every stored event at address with e.
	// Returns false, without mutating anything, if an existing event at
	// address is newer than e per nevent.Newer (spec §4.G).
	Replace(ctx context.Context, e *nevent.Event, address string) (bool, error)
}

// SliceCursor adapts an in-memory slice to the Cursor interface, for
// backends (or tests) that already have the full result set materialized.
type SliceCursor struct {
	events []*nevent.Event
	pos    int
}

// NewSliceCursor builds a Cursor over an already-materialized slice.
func NewSliceCursor(events []*nevent.Event) *SliceCursor {
	return &SliceCursor{events: events, pos: -1}
}

func (c *SliceCursor) Next() bool {
	c.pos++
	return c.pos < len(c.events)
}

func (c *SliceCursor) Event() *nevent.Event {
	if c.pos < 0 || c.pos >= len(c.events) {
		return nil
	}
	return c.events[c.pos]
}

func (c *SliceCursor) Err() error   { return nil }
func (c *SliceCursor) Close() error { return nil }

// Collect drains a cursor into a slice. Intended for small result sets
// (tests, the in-memory matcher's post-filter step) — the streaming
// contract above is what backends must honor, not what every caller must
// exploit.
func Collect(c Cursor) ([]*nevent.Event, error) {
	defer c.Close()
	var out []*nevent.Event
	for c.Next() {
		out = append(out, c.Event())
	}
	if err := c.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
