// Package nfilter implements the filter engine (spec §4.B): in-memory
// matching used for live broadcast, and translation of a filter set into the
// store's query shape used to serve REQ.
package nfilter

import (
	"sort"
	"strings"

	"github.com/nbd-wtf/go-nostr"

	"github.com/keanuklestil/nostrrelay/internal/nevent"
	"github.com/keanuklestil/nostrrelay/internal/store"
)

// Filter is a single filter: ids/authors/kinds/since/until/limit plus "#x"
// tag constraints. It is go-nostr's own Filter type — the wire shape is
// identical, and its Matches method already implements the constant-time
// scalar checks plus tag-value scan this package's in-memory matcher needs.
type Filter = nostr.Filter

// Set is a disjunction of filters, as carried by a REQ message (spec §3).
type Set []Filter

// Matches reports whether e satisfies at least one filter in the set.
func (s Set) Matches(e *nevent.Event) bool {
	for _, f := range s {
		if f.Matches(e) {
			return true
		}
	}
	return false
}

// ToQuery translates a single filter into the store's query shape (spec
// §4.B). Only scalar keys (ids/authors/kinds/since/until/limit) and tag
// keys are carried; tag keys are normalized to the "#<letter>" form
// store.Query uses (go-nostr keeps them without the "#"). It is up to the
// store whether to push tag filters into the backend query or rely on
// post-filtering.
func ToQuery(f Filter) store.Query {
	q := store.Query{
		IDs:     f.IDs,
		Authors: f.Authors,
		Kinds:   f.Kinds,
		Limit:   f.Limit,
	}
	if f.Since != nil {
		since := int64(*f.Since)
		q.Since = &since
	}
	if f.Until != nil {
		until := int64(*f.Until)
		q.Until = &until
	}
	if len(f.Tags) > 0 {
		q.TagFilters = make(map[string][]string, len(f.Tags))
		for key, values := range f.Tags {
			if !strings.HasPrefix(key, "#") {
				key = "#" + key
			}
			q.TagFilters[key] = values
		}
	}
	return q
}

// Order sorts events by created_at descending, ties broken by id ascending,
// and applies limit (0 means unlimited). This is the ordering spec §4.B and
// §8 property 6 require for REQ results.
func Order(events []*nevent.Event, limit int) []*nevent.Event {
	sort.Slice(events, func(i, j int) bool { return less(events[i], events[j]) })
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events
}

func less(a, b *nevent.Event) bool {
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt > b.CreatedAt
	}
	return a.ID < b.ID
}

// Dedup removes later duplicates by id, preserving the first occurrence's
// position. Used to merge concatenated results from the query handler chain
// (spec §4.D).
func Dedup(events []*nevent.Event) []*nevent.Event {
	seen := make(map[string]bool, len(events))
	out := events[:0]
	for _, e := range events {
		if seen[e.ID] {
			continue
		}
		seen[e.ID] = true
		out = append(out, e)
	}
	return out
}
