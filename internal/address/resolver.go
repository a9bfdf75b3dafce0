// Package address implements the replaceable/addressable resolver (spec
// §4.G): deriving an event's address and applying "newest wins" replacement
// atomically against a store.
package address

import (
	"context"
	"sync"

	"github.com/keanuklestil/nostrrelay/internal/nevent"
	"github.com/keanuklestil/nostrrelay/internal/store"
)

// Resolver serializes concurrent replacements of the same address (spec §5
// ordering guarantee 3: "concurrent replacements of the same address are
// serialized"). The store's Replace method provides atomicity against its
// own backend; the per-address lock here additionally orders concurrent
// in-process callers so two writers racing for the same address don't both
// observe "I'm newest" against a stale read.
type Resolver struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewResolver creates an empty resolver.
func NewResolver() *Resolver {
	return &Resolver{locks: make(map[string]*sync.Mutex)}
}

func (r *Resolver) lockFor(address string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[address]
	if !ok {
		l = &sync.Mutex{}
		r.locks[address] = l
	}
	return l
}

// Resolve applies e against st at the given address, the caller having
// already derived it (nevent.Address) under the deployment's classify mode.
// accepted is false with a nil error when e lost to an existing, newer event
// at the same address — the caller (the protocol dispatcher) must translate
// that into OK <id> false "replaced by newer", not a protocol error (spec
// §4.G, §7).
func (r *Resolver) Resolve(ctx context.Context, st store.Store, e *nevent.Event, address string) (accepted bool, err error) {
	lock := r.lockFor(address)
	lock.Lock()
	defer lock.Unlock()

	return st.Replace(ctx, e, address)
}
