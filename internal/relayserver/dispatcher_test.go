package relayserver

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/keanuklestil/nostrrelay/internal/address"
	"github.com/keanuklestil/nostrrelay/internal/group"
	"github.com/keanuklestil/nostrrelay/internal/hub"
	"github.com/keanuklestil/nostrrelay/internal/nevent"
	"github.com/keanuklestil/nostrrelay/internal/policy"
	"github.com/keanuklestil/nostrrelay/internal/store"
)

func newTestServer(t *testing.T) (*Server, *hub.Hub) {
	t.Helper()
	h := hub.New()
	go h.Run()
	t.Cleanup(h.Stop)

	st := store.NewMemoryStore()
	resolver := address.NewResolver()
	p := policy.New()
	p.OnStoreEvent = append(p.OnStoreEvent, func(ctx context.Context, e *nevent.Event) (bool, error) {
		return st.StoreEvent(ctx, e)
	})
	p.OnQueryEvents = append(p.OnQueryEvents, func(ctx context.Context, q store.Query) ([]*nevent.Event, error) {
		cur, err := st.Query(ctx, q)
		if err != nil {
			return nil, err
		}
		return store.Collect(cur)
	})
	p.OnReplaceEvent = append(p.OnReplaceEvent, func(ctx context.Context, e *nevent.Event, addr string) (bool, error) {
		return resolver.Resolve(ctx, st, e, addr)
	})
	return New(h, p, st, resolver, nevent.Broad, "ws://relay.test"), h
}

// newTestServerWithGroups wires the group state machine into the pipeline
// the way cmd/relayd does, so tests can drive 9000-series events through
// the real dispatcher instead of calling the group manager directly.
func newTestServerWithGroups(t *testing.T) (*Server, *hub.Hub, *group.MemoryStore) {
	t.Helper()
	h := hub.New()
	go h.Run()
	t.Cleanup(h.Stop)

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		t.Fatalf("rand: %v", err)
	}
	identity, err := group.NewRelayIdentity(hex.EncodeToString(buf))
	if err != nil {
		t.Fatalf("NewRelayIdentity() error = %v", err)
	}

	st := store.NewMemoryStore()
	gst := group.NewMemoryStore()
	resolver := address.NewResolver()
	manager := group.NewManager(gst, identity, NewPublisher(h, st))
	p := BuildPipeline(st, resolver, manager)
	return New(h, p, st, resolver, nevent.Broad, "ws://relay.test"), h, gst
}

func signedEvent(t *testing.T, kind int, createdAt int64, content string, tags [][]string) *nevent.Event {
	t.Helper()
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		t.Fatalf("rand: %v", err)
	}
	e := &nevent.Event{Kind: kind, CreatedAt: nostr.Timestamp(createdAt), Content: content}
	for _, tag := range tags {
		e.Tags = append(e.Tags, tag)
	}
	if err := nevent.Sign(e, hex.EncodeToString(buf)); err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	return e
}

func recvFrame(t *testing.T, c *hub.Connection) []any {
	t.Helper()
	select {
	case raw := <-c.Outbox():
		var frame []any
		if err := json.Unmarshal(raw, &frame); err != nil {
			t.Fatalf("unmarshal frame %s: %v", raw, err)
		}
		return frame
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a frame")
		return nil
	}
}

func TestEventRoundTripThenReq(t *testing.T) {
	s, h := newTestServer(t)
	publisher := h.NewConnection(nil)
	s.OnOpen(publisher)
	recvFrame(t, publisher) // initial AUTH challenge

	e := signedEvent(t, 1, 1000, "hi", nil)
	eventJSON, _ := json.Marshal(e)
	frame, _ := json.Marshal([]any{"EVENT", json.RawMessage(eventJSON)})
	s.Dispatch(publisher, frame)

	ok := recvFrame(t, publisher)
	if ok[0] != "OK" || ok[1] != e.ID || ok[2] != true {
		t.Fatalf("OK frame = %v, want [OK %s true ...]", ok, e.ID)
	}

	subscriber := h.NewConnection(nil)
	s.OnOpen(subscriber)
	recvFrame(t, subscriber)

	reqFrame, _ := json.Marshal([]any{"REQ", "sub1", map[string]any{"kinds": []int{1}}})
	s.Dispatch(subscriber, reqFrame)

	got := recvFrame(t, subscriber)
	if got[0] != "EVENT" || got[1] != "sub1" {
		t.Fatalf("first subscriber frame = %v, want an EVENT for sub1", got)
	}
	eose := recvFrame(t, subscriber)
	if eose[0] != "EOSE" || eose[1] != "sub1" {
		t.Fatalf("second subscriber frame = %v, want EOSE for sub1", eose)
	}
}

func TestOKPrecedesBroadcast(t *testing.T) {
	s, h := newTestServer(t)
	live := h.NewConnection(nil)
	s.OnOpen(live)
	recvFrame(t, live) // challenge

	// An empty filter object matches every event.
	reqFrame, _ := json.Marshal([]any{"REQ", "sub1", map[string]any{}})
	s.Dispatch(live, reqFrame)
	recvFrame(t, live) // EOSE from the REQ above

	publisher := h.NewConnection(nil)
	s.OnOpen(publisher)
	recvFrame(t, publisher)

	e := signedEvent(t, 1, 1000, "hi", nil)
	eventJSON, _ := json.Marshal(e)
	frame, _ := json.Marshal([]any{"EVENT", json.RawMessage(eventJSON)})
	s.Dispatch(publisher, frame)

	okFrame := recvFrame(t, publisher)
	if okFrame[0] != "OK" {
		t.Fatalf("publisher's first frame = %v, want OK", okFrame)
	}

	broadcastFrame := recvFrame(t, live)
	if broadcastFrame[0] != "EVENT" {
		t.Fatalf("live subscriber's frame = %v, want EVENT", broadcastFrame)
	}
}

func TestCloseStopsFurtherDelivery(t *testing.T) {
	s, h := newTestServer(t)
	c := h.NewConnection(nil)
	s.OnOpen(c)
	recvFrame(t, c)

	reqFrame, _ := json.Marshal([]any{"REQ", "sub1", map[string]any{"kinds": []int{1}}})
	s.Dispatch(c, reqFrame)
	recvFrame(t, c) // EOSE

	closeFrame, _ := json.Marshal([]any{"CLOSE", "sub1"})
	s.Dispatch(c, closeFrame)

	e := signedEvent(t, 1, 2000, "after close", nil)
	eventJSON, _ := json.Marshal(e)
	pub := h.NewConnection(nil)
	s.OnOpen(pub)
	recvFrame(t, pub)
	frame, _ := json.Marshal([]any{"EVENT", json.RawMessage(eventJSON)})
	s.Dispatch(pub, frame)
	recvFrame(t, pub) // OK

	select {
	case got := <-c.Outbox():
		t.Fatalf("received %s after CLOSE, want nothing", got)
	case <-time.After(100 * time.Millisecond):
	}
}

// TestJoinClosedGroupRejectionReachesClient drives a 9021 join-request
// against a closed group with no invite code all the way through the real
// dispatcher and pipeline wiring, asserting the client sees the specific
// business reason rather than a generic "internal error" (spec §8
// scenario 6, §7's policy-vs-store-error distinction).
func TestJoinClosedGroupRejectionReachesClient(t *testing.T) {
	s, h, gst := newTestServerWithGroups(t)
	if err := gst.PutGroup(context.Background(), group.Group{ID: "g1", Open: false, CreatedAt: 1}); err != nil {
		t.Fatalf("PutGroup() error = %v", err)
	}

	c := h.NewConnection(nil)
	s.OnOpen(c)
	recvFrame(t, c) // challenge

	e := signedEvent(t, 9021, 100, "", [][]string{{"h", "g1"}})
	eventJSON, _ := json.Marshal(e)
	frame, _ := json.Marshal([]any{"EVENT", json.RawMessage(eventJSON)})
	s.Dispatch(c, frame)

	ok := recvFrame(t, c)
	wantReason := "group is closed and no invite code provided"
	if ok[0] != "OK" || ok[1] != e.ID || ok[2] != false || ok[3] != wantReason {
		t.Fatalf("OK frame = %v, want [OK %s false %q]", ok, e.ID, wantReason)
	}
}
