package relayserver

import (
	"context"

	"github.com/keanuklestil/nostrrelay/internal/address"
	"github.com/keanuklestil/nostrrelay/internal/group"
	"github.com/keanuklestil/nostrrelay/internal/hub"
	"github.com/keanuklestil/nostrrelay/internal/nevent"
	"github.com/keanuklestil/nostrrelay/internal/policy"
	"github.com/keanuklestil/nostrrelay/internal/store"
)

// eventPublisher implements group.Publisher directly against the hub and
// store, ahead of the pipeline existing — the group manager needs a
// publisher before BuildPipeline can run, since its handlers are wired into
// the very pipeline being built.
type eventPublisher struct {
	hub   *hub.Hub
	store store.Store
}

// NewPublisher returns the group.Publisher used to persist and broadcast
// relay-authored synthetic events (spec §4.H join/leave synthesis).
func NewPublisher(h *hub.Hub, st store.Store) group.Publisher {
	return &eventPublisher{hub: h, store: st}
}

func (p *eventPublisher) Publish(ctx context.Context, e *nevent.Event) error {
	if _, err := p.store.StoreEvent(ctx, e); err != nil {
		return err
	}
	p.hub.Broadcast(e)
	return nil
}

// BuildPipeline composes the standard pipeline: the caller's standard
// policies run first in the reject chain, then the group manager's
// validation (if groups is non-nil), followed by the plain store/query/
// count/delete handlers and, ahead of those, the group manager's store/
// replace side-effect hooks. This is the wiring spec §2's component table
// describes as component F's job ("WebSocket server wiring hub+policy+
// store").
func BuildPipeline(st store.Store, resolver *address.Resolver, groups *group.Manager, standardPolicies ...policy.RejectEventFunc) *policy.Pipeline {
	p := policy.New()
	p.OnRejectEvent = append(p.OnRejectEvent, standardPolicies...)
	if groups != nil {
		p.OnRejectEvent = append(p.OnRejectEvent, groups.RejectEvent)
		p.OnStoreEvent = append(p.OnStoreEvent, groups.StoreEvent)
		p.OnReplaceEvent = append(p.OnReplaceEvent, groups.ReplaceEvent)
	}

	p.OnStoreEvent = append(p.OnStoreEvent, defaultStoreHandler(st))
	p.OnQueryEvents = append(p.OnQueryEvents, defaultQueryHandler(st))
	p.OnCountEvents = append(p.OnCountEvents, defaultCountHandler(st))
	p.OnDeleteEvent = append(p.OnDeleteEvent, defaultDeleteHandler(st))
	p.OnReplaceEvent = append(p.OnReplaceEvent, defaultReplaceHandler(resolver, st))

	return p
}

func defaultStoreHandler(st store.Store) policy.StoreFunc {
	return func(ctx context.Context, e *nevent.Event) (bool, error) {
		return st.StoreEvent(ctx, e)
	}
}

func defaultQueryHandler(st store.Store) policy.QueryFunc {
	return func(ctx context.Context, q store.Query) ([]*nevent.Event, error) {
		cur, err := st.Query(ctx, q)
		if err != nil {
			return nil, err
		}
		return store.Collect(cur)
	}
}

func defaultCountHandler(st store.Store) policy.CountFunc {
	return func(ctx context.Context, q store.Query) (int64, error) {
		return st.Count(ctx, q)
	}
}

func defaultDeleteHandler(st store.Store) policy.DeleteFunc {
	return func(ctx context.Context, id, pubkey string) error {
		_, err := st.DeleteEvent(ctx, id, pubkey)
		return err
	}
}

func defaultReplaceHandler(resolver *address.Resolver, st store.Store) policy.ReplaceFunc {
	return func(ctx context.Context, e *nevent.Event, address string) (bool, error) {
		return resolver.Resolve(ctx, st, e, address)
	}
}
