// Package policy implements the pluggable handler chains that sit between
// the protocol dispatcher and the store (spec §4.D): rejection, storage,
// query, count, delete and replace chains, plus a per-kind rejection
// mapping.
package policy

import (
	"context"
	"log"

	"github.com/keanuklestil/nostrrelay/internal/nevent"
	"github.com/keanuklestil/nostrrelay/internal/nfilter"
	"github.com/keanuklestil/nostrrelay/internal/store"
)

// Context is the per-connection state passed explicitly to every handler
// invocation (spec §9: "express as a value passed explicitly to every
// handler, do not rely on ambient state").
type Context struct {
	ConnID       uint64
	AuthedPubKey string
	Meta         map[string]any
}

// RejectEventFunc inspects an incoming event and optionally rejects it with
// a human-readable reason. Takes a context.Context because some handlers
// (group membership/existence checks) need to consult a backend.
type RejectEventFunc func(ctx context.Context, pctx *Context, e *nevent.Event) (rejected bool, reason string)

// RejectFilterFunc inspects an incoming filter set and optionally rejects
// the whole REQ with a human-readable reason.
type RejectFilterFunc func(ctx context.Context, pctx *Context, filters nfilter.Set) (rejected bool, reason string)

// StoreFunc attempts to persist a regular (non-replaceable) event. Handlers
// run in order until one reports accepted=true.
type StoreFunc func(ctx context.Context, e *nevent.Event) (accepted bool, err error)

// QueryFunc returns the events a backend holds that match q. Handler outputs
// are concatenated, deduplicated, and ordered by the pipeline.
type QueryFunc func(ctx context.Context, q store.Query) ([]*nevent.Event, error)

// CountFunc returns how many events a backend holds matching q.
type CountFunc func(ctx context.Context, q store.Query) (int64, error)

// DeleteFunc removes an event. All delete handlers run regardless of
// earlier failures; failures are logged, not propagated.
type DeleteFunc func(ctx context.Context, id, pubkey string) error

// ReplaceFunc atomically supplants every event at address with e. Handlers
// run in order until one reports accepted=true.
type ReplaceFunc func(ctx context.Context, e *nevent.Event, address string) (accepted bool, err error)

// RateLimiter is consulted before the reject chains run. The core ships a
// no-op default; a real limiter is out of scope (spec §1 non-goal) but the
// hook point is not.
type RateLimiter interface {
	Allow(ctx *Context, action string) bool
}

type noopRateLimiter struct{}

func (noopRateLimiter) Allow(*Context, string) bool { return true }

// Pipeline holds the ordered handler chains for one relay instance.
type Pipeline struct {
	OnRejectEvent   []RejectEventFunc
	OnRejectFilter  []RejectFilterFunc
	OnStoreEvent    []StoreFunc
	OnQueryEvents   []QueryFunc
	OnCountEvents   []CountFunc
	OnDeleteEvent   []DeleteFunc
	OnReplaceEvent  []ReplaceFunc
	KindRejectEvent map[int][]RejectEventFunc

	RateLimiter RateLimiter
}

// New returns an empty pipeline with a no-op rate limiter.
func New() *Pipeline {
	return &Pipeline{
		KindRejectEvent: make(map[int][]RejectEventFunc),
		RateLimiter:     noopRateLimiter{},
	}
}

// RejectEvent runs the general reject chain followed by e.Kind's
// kind-specific chain, short-circuiting on the first rejection (spec §4.D).
func (p *Pipeline) RejectEvent(ctx context.Context, pctx *Context, e *nevent.Event) (bool, string) {
	if p.RateLimiter != nil && !p.RateLimiter.Allow(pctx, "event") {
		return true, "rate limited"
	}
	for _, h := range p.OnRejectEvent {
		if rejected, reason := h(ctx, pctx, e); rejected {
			return true, reason
		}
	}
	for _, h := range p.KindRejectEvent[e.Kind] {
		if rejected, reason := h(ctx, pctx, e); rejected {
			return true, reason
		}
	}
	return false, ""
}

// RejectFilter runs the filter reject chain, short-circuiting on the first
// rejection.
func (p *Pipeline) RejectFilter(ctx context.Context, pctx *Context, filters nfilter.Set) (bool, string) {
	if p.RateLimiter != nil && !p.RateLimiter.Allow(pctx, "filter") {
		return true, "rate limited"
	}
	for _, h := range p.OnRejectFilter {
		if rejected, reason := h(ctx, pctx, filters); rejected {
			return true, reason
		}
	}
	return false, ""
}

// StoreEvent runs the store chain in order until a handler accepts (spec
// §4.D: "primary store wins; later handlers may be archivers registered
// separately", so a false,nil result just falls through to the next
// handler).
func (p *Pipeline) StoreEvent(ctx context.Context, e *nevent.Event) (bool, error) {
	for _, h := range p.OnStoreEvent {
		accepted, err := h(ctx, e)
		if err != nil {
			return false, err
		}
		if accepted {
			return true, nil
		}
	}
	return false, nil
}

// QueryEvents runs every query handler, concatenates and deduplicates their
// output by id, then applies the canonical ordering and q.Limit.
func (p *Pipeline) QueryEvents(ctx context.Context, q store.Query) ([]*nevent.Event, error) {
	var all []*nevent.Event
	for _, h := range p.OnQueryEvents {
		events, err := h(ctx, q)
		if err != nil {
			return nil, err
		}
		all = append(all, events...)
	}
	all = nfilter.Dedup(all)
	return nfilter.Order(all, q.Limit), nil
}

// CountEvents sums every count handler's result.
func (p *Pipeline) CountEvents(ctx context.Context, q store.Query) (int64, error) {
	var total int64
	for _, h := range p.OnCountEvents {
		n, err := h(ctx, q)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// DeleteEvent runs every delete handler. Failures are logged, never
// propagated (spec §4.D: "any failure is logged but does not block").
func (p *Pipeline) DeleteEvent(ctx context.Context, id, pubkey string) {
	for _, h := range p.OnDeleteEvent {
		if err := h(ctx, id, pubkey); err != nil {
			log.Printf("[Policy] delete handler failed for %s: %v", id, err)
		}
	}
}

// ReplaceEvent runs the replace chain in order until a handler accepts.
func (p *Pipeline) ReplaceEvent(ctx context.Context, e *nevent.Event, address string) (bool, error) {
	for _, h := range p.OnReplaceEvent {
		accepted, err := h(ctx, e, address)
		if err != nil {
			return false, err
		}
		if accepted {
			return true, nil
		}
	}
	return false, nil
}

// AddKindReject registers a kind-specific rejection handler (spec §4.D:
// "kind-specific chains become a mapping from kind to a handler list").
func (p *Pipeline) AddKindReject(kind int, h RejectEventFunc) {
	p.KindRejectEvent[kind] = append(p.KindRejectEvent[kind], h)
}
