// Package relayserver implements the protocol dispatcher (spec §4.F): it
// parses inbound WebSocket frames, routes EVENT/REQ/CLOSE/AUTH to the policy
// pipeline, replacement resolver, store, and group state machine, and emits
// OK/NOTICE/EVENT/EOSE/AUTH frames back to the client. It is the integration
// point that wires internal/hub (transport) to everything else.
package relayserver

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/keanuklestil/nostrrelay/internal/address"
	"github.com/keanuklestil/nostrrelay/internal/hub"
	"github.com/keanuklestil/nostrrelay/internal/nevent"
	"github.com/keanuklestil/nostrrelay/internal/nfilter"
	"github.com/keanuklestil/nostrrelay/internal/policy"
	"github.com/keanuklestil/nostrrelay/internal/store"
)

// kindClientAuth is the NIP-42 signed-challenge response kind.
const kindClientAuth = 22242

// authSkew bounds how stale/futuristic an AUTH event's created_at may be
// relative to wall clock (spec §9: "a correct implementation ... verifying a
// kind-22242 signed response").
const authSkew = 10 * time.Minute

// Server is the relay's protocol dispatcher, implementing hub.Dispatcher.
type Server struct {
	Hub      *hub.Hub
	Pipeline *policy.Pipeline
	Store    store.Store
	Resolver *address.Resolver
	Mode     nevent.ClassifyMode
	RelayURL string

	challenges sync.Map // connID (uint64) -> challenge string
}

// New builds a Server from its required collaborators.
func New(h *hub.Hub, p *policy.Pipeline, st store.Store, r *address.Resolver, mode nevent.ClassifyMode, relayURL string) *Server {
	return &Server{Hub: h, Pipeline: p, Store: st, Resolver: r, Mode: mode, RelayURL: relayURL}
}

// OnOpen issues a fresh AUTH challenge, satisfying NIP-42's "issue a
// challenge on connection open" requirement (spec §9).
func (s *Server) OnOpen(c *hub.Connection) {
	challenge, err := randomChallenge()
	if err != nil {
		log.Printf("[Relay] failed to generate AUTH challenge for conn %d: %v", c.ID, err)
		return
	}
	s.challenges.Store(c.ID, challenge)
	frame, _ := json.Marshal([]any{"AUTH", challenge})
	c.Send(frame)
}

// OnClose releases the connection's pending challenge.
func (s *Server) OnClose(c *hub.Connection) {
	s.challenges.Delete(c.ID)
}

func randomChallenge() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Dispatch parses one inbound frame and routes it by command (spec §4.F).
func (s *Server) Dispatch(c *hub.Connection, frame []byte) {
	var raw []json.RawMessage
	if err := json.Unmarshal(frame, &raw); err != nil || len(raw) == 0 {
		c.SendNotice("invalid message: expected a non-empty JSON array")
		return
	}

	var cmd string
	if err := json.Unmarshal(raw[0], &cmd); err != nil {
		c.SendNotice("invalid message: first element must be a command string")
		return
	}

	ctx := context.Background()
	pctx := s.contextFor(c)

	switch cmd {
	case "EVENT":
		s.handleEvent(ctx, pctx, c, raw)
	case "REQ":
		s.handleReq(ctx, pctx, c, raw)
	case "CLOSE":
		s.handleClose(c, raw)
	case "AUTH":
		s.handleAuth(c, raw)
	default:
		c.SendNotice(fmt.Sprintf("unknown command %q", cmd))
	}
}

func (s *Server) contextFor(c *hub.Connection) *policy.Context {
	return &policy.Context{ConnID: c.ID, AuthedPubKey: c.AuthedPubKey(), Meta: c.Meta()}
}

func (s *Server) handleEvent(ctx context.Context, pctx *policy.Context, c *hub.Connection, raw []json.RawMessage) {
	if len(raw) < 2 {
		c.SendNotice("EVENT requires an event object")
		return
	}

	e, err := nevent.Parse(raw[1])
	if err != nil {
		c.SendNotice(fmt.Sprintf("invalid event: %v", err))
		return
	}

	if rejected, reason := s.Pipeline.RejectEvent(ctx, pctx, e); rejected {
		s.sendOK(c, e.ID, false, reason)
		return
	}

	switch nevent.Classify(e.Kind, s.Mode) {
	case nevent.ClassEphemeral:
		// Never persisted, never queryable (spec §3 invariant 3).
		s.sendOK(c, e.ID, true, "")
		s.Hub.Broadcast(e)
		return

	case nevent.ClassReplaceable, nevent.ClassAddressable:
		addr := nevent.Address(e, s.Mode)
		accepted, err := s.Pipeline.ReplaceEvent(ctx, e, addr)
		if err != nil {
			log.Printf("[Relay] replace failed for %s: %v", e.ID, err)
			s.sendOK(c, e.ID, false, "internal error")
			return
		}
		if !accepted {
			s.sendOK(c, e.ID, false, "replaced by newer")
			return
		}

	default:
		accepted, err := s.Pipeline.StoreEvent(ctx, e)
		if err != nil {
			log.Printf("[Relay] store failed for %s: %v", e.ID, err)
			s.sendOK(c, e.ID, false, "internal error")
			return
		}
		if !accepted {
			s.sendOK(c, e.ID, false, "duplicate: already have this event")
			return
		}
	}

	// OK MUST precede the broadcast frame for this event (spec §3
	// invariant 5, §8 scenario 5).
	s.sendOK(c, e.ID, true, "")
	s.Hub.Broadcast(e)
}

func (s *Server) handleReq(ctx context.Context, pctx *policy.Context, c *hub.Connection, raw []json.RawMessage) {
	if len(raw) < 2 {
		c.SendNotice("REQ requires a subscription id")
		return
	}
	var subID string
	if err := json.Unmarshal(raw[1], &subID); err != nil {
		c.SendNotice("REQ subscription id must be a string")
		return
	}

	filters := make(nfilter.Set, 0, len(raw)-2)
	for _, fr := range raw[2:] {
		var f nfilter.Filter
		if err := json.Unmarshal(fr, &f); err != nil {
			c.SendNotice(fmt.Sprintf("invalid filter: %v", err))
			return
		}
		filters = append(filters, f)
	}

	if rejected, reason := s.Pipeline.RejectFilter(ctx, pctx, filters); rejected {
		c.SendNotice(reason)
		return
	}

	// Subscription is recorded before the initial query runs, so any event
	// accepted concurrently with this REQ is still delivered live (spec §3
	// invariant 4).
	c.Subscribe(subID, filters)

	var matched []*nevent.Event
	for _, f := range filters {
		events, err := s.Pipeline.QueryEvents(ctx, nfilter.ToQuery(f))
		if err != nil {
			log.Printf("[Relay] query failed for sub %s: %v", subID, err)
			continue
		}
		matched = append(matched, events...)
	}
	matched = nfilter.Order(nfilter.Dedup(matched), 0)

	for _, e := range matched {
		frame, err := json.Marshal([]any{"EVENT", subID, e})
		if err != nil {
			log.Printf("[Relay] failed to marshal stored event %s: %v", e.ID, err)
			continue
		}
		c.Send(frame)
	}

	eose, _ := json.Marshal([]any{"EOSE", subID})
	c.Send(eose)
}

func (s *Server) handleClose(c *hub.Connection, raw []json.RawMessage) {
	if len(raw) < 2 {
		return
	}
	var subID string
	if err := json.Unmarshal(raw[1], &subID); err != nil {
		return
	}
	c.Unsubscribe(subID)
}

func (s *Server) handleAuth(c *hub.Connection, raw []json.RawMessage) {
	if len(raw) < 2 {
		s.sendAuthResult(c, false, "AUTH requires a signed event")
		return
	}

	e, err := nevent.Parse(raw[1])
	if err != nil {
		s.sendAuthResult(c, false, fmt.Sprintf("invalid auth event: %v", err))
		return
	}

	if e.Kind != kindClientAuth {
		s.sendAuthResult(c, false, fmt.Sprintf("auth event must be kind %d", kindClientAuth))
		return
	}

	challengeAny, ok := s.challenges.Load(c.ID)
	if !ok {
		s.sendAuthResult(c, false, "no challenge issued for this connection")
		return
	}
	challenge := challengeAny.(string)
	if nevent.TagValue(e, "challenge") != challenge {
		s.sendAuthResult(c, false, "challenge mismatch")
		return
	}

	if s.RelayURL != "" && nevent.TagValue(e, "relay") != s.RelayURL {
		s.sendAuthResult(c, false, "relay tag does not match this relay")
		return
	}

	skew := time.Since(time.Unix(int64(e.CreatedAt), 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > authSkew {
		s.sendAuthResult(c, false, "auth event created_at too far from wall clock")
		return
	}

	c.SetAuthedPubKey(e.PubKey)
	s.challenges.Delete(c.ID)
	s.sendAuthResult(c, true, "")
}

func (s *Server) sendOK(c *hub.Connection, id string, ok bool, reason string) {
	frame, err := json.Marshal([]any{"OK", id, ok, reason})
	if err != nil {
		log.Printf("[Relay] failed to marshal OK for %s: %v", id, err)
		return
	}
	c.Send(frame)
}

func (s *Server) sendAuthResult(c *hub.Connection, ok bool, reason string) {
	frame, err := json.Marshal([]any{"AUTH", ok, reason})
	if err != nil {
		log.Printf("[Relay] failed to marshal AUTH result: %v", err)
		return
	}
	c.Send(frame)
}
