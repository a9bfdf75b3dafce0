package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/keanuklestil/nostrrelay/internal/nevent"
)

// Standard policies (spec §4.D). Each is a constructor returning a
// RejectEventFunc so a deployment can enable the subset its config.Policies
// section turns on.

// ForbidKinds rejects events whose kind is in the given set.
func ForbidKinds(kinds ...int) RejectEventFunc {
	set := toIntSet(kinds)
	return func(_ context.Context, _ *Context, e *nevent.Event) (bool, string) {
		if set[e.Kind] {
			return true, fmt.Sprintf("kind %d is not accepted", e.Kind)
		}
		return false, ""
	}
}

// MaxTags rejects events with more than n tags.
func MaxTags(n int) RejectEventFunc {
	return func(_ context.Context, _ *Context, e *nevent.Event) (bool, string) {
		if len(e.Tags) > n {
			return true, fmt.Sprintf("too many tags (max %d)", n)
		}
		return false, ""
	}
}

// MaxContentBytes rejects events whose content exceeds n bytes.
func MaxContentBytes(n int) RejectEventFunc {
	return func(_ context.Context, _ *Context, e *nevent.Event) (bool, string) {
		if len(e.Content) > n {
			return true, fmt.Sprintf("content too large (max %d bytes)", n)
		}
		return false, ""
	}
}

// MaxFutureSkew rejects events whose created_at is more than d ahead of wall
// clock.
func MaxFutureSkew(d time.Duration) RejectEventFunc {
	return func(_ context.Context, _ *Context, e *nevent.Event) (bool, string) {
		limit := time.Now().Add(d).Unix()
		if int64(e.CreatedAt) > limit {
			return true, "created_at too far in the future"
		}
		return false, ""
	}
}

// MaxPast rejects events older than d.
func MaxPast(d time.Duration) RejectEventFunc {
	return func(_ context.Context, _ *Context, e *nevent.Event) (bool, string) {
		limit := time.Now().Add(-d).Unix()
		if int64(e.CreatedAt) < limit {
			return true, "event too old"
		}
		return false, ""
	}
}

// BlockPubkeys rejects events authored by any of the given pubkeys.
func BlockPubkeys(pubkeys ...string) RejectEventFunc {
	set := toStrSet(pubkeys)
	return func(_ context.Context, _ *Context, e *nevent.Event) (bool, string) {
		if set[e.PubKey] {
			return true, "pubkey is blocked"
		}
		return false, ""
	}
}

// AllowPubkeys rejects events from any pubkey not in the given allow-list.
// An empty allow-list disables the check (treated as "allow everyone").
func AllowPubkeys(pubkeys ...string) RejectEventFunc {
	set := toStrSet(pubkeys)
	return func(_ context.Context, _ *Context, e *nevent.Event) (bool, string) {
		if len(set) == 0 {
			return false, ""
		}
		if !set[e.PubKey] {
			return true, "pubkey is not allow-listed"
		}
		return false, ""
	}
}

// RequireAuth rejects events of the given kinds unless the connection has
// authenticated (spec §4.F AUTH, §9).
func RequireAuth(kinds ...int) RejectEventFunc {
	set := toIntSet(kinds)
	return func(_ context.Context, ctx *Context, e *nevent.Event) (bool, string) {
		if !set[e.Kind] {
			return false, ""
		}
		if ctx == nil || ctx.AuthedPubKey == "" {
			return true, "authentication required for this kind"
		}
		return false, ""
	}
}

// RequireTags rejects events of kind that lack any of the required tag
// names.
func RequireTags(kind int, tagNames ...string) RejectEventFunc {
	return func(_ context.Context, _ *Context, e *nevent.Event) (bool, string) {
		if e.Kind != kind {
			return false, ""
		}
		for _, name := range tagNames {
			if !nevent.HasTag(e, name) {
				return true, fmt.Sprintf("kind %d requires a %q tag", kind, name)
			}
		}
		return false, ""
	}
}

// RequireNonEmptyContent rejects events of the given kinds whose content is
// empty.
func RequireNonEmptyContent(kinds ...int) RejectEventFunc {
	set := toIntSet(kinds)
	return func(_ context.Context, _ *Context, e *nevent.Event) (bool, string) {
		if set[e.Kind] && e.Content == "" {
			return true, fmt.Sprintf("kind %d requires non-empty content", e.Kind)
		}
		return false, ""
	}
}

// BlockTagValues rejects events carrying a tag named tagName whose value is
// in the given blocked set.
func BlockTagValues(tagName string, blocked ...string) RejectEventFunc {
	set := toStrSet(blocked)
	return func(_ context.Context, _ *Context, e *nevent.Event) (bool, string) {
		for _, v := range nevent.TagValues(e, tagName) {
			if set[v] {
				return true, fmt.Sprintf("tag %q value %q is blocked", tagName, v)
			}
		}
		return false, ""
	}
}

// SignatureLengthSanity is a cheap first-pass check ahead of the full
// cryptographic verification nevent.Validate already performed during
// parsing; kept as its own policy per spec §4.D's enumeration of standard
// policies.
func SignatureLengthSanity() RejectEventFunc {
	return func(_ context.Context, _ *Context, e *nevent.Event) (bool, string) {
		if len(e.Sig) != 128 {
			return true, "signature has the wrong length"
		}
		return false, ""
	}
}

// Kind0Valid rejects kind-0 (metadata) events whose content isn't a JSON
// object.
func Kind0Valid() RejectEventFunc {
	return func(_ context.Context, _ *Context, e *nevent.Event) (bool, string) {
		if e.Kind != 0 {
			return false, ""
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(e.Content), &obj); err != nil || obj == nil {
			return true, "kind 0 content must be a JSON object"
		}
		return false, ""
	}
}

func toIntSet(vals []int) map[int]bool {
	set := make(map[int]bool, len(vals))
	for _, v := range vals {
		set[v] = true
	}
	return set
}

func toStrSet(vals []string) map[string]bool {
	set := make(map[string]bool, len(vals))
	for _, v := range vals {
		set[v] = true
	}
	return set
}
