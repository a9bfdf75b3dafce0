package nevent

import (
	"crypto/rand"
	"encoding/hex"
	"testing"

	"github.com/nbd-wtf/go-nostr"
)

func randomSecretKeyHex(t *testing.T) string {
	t.Helper()
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		t.Fatalf("generating secret key: %v", err)
	}
	return hex.EncodeToString(buf)
}

func TestSignThenValidateRoundTrips(t *testing.T) {
	e := &Event{
		CreatedAt: nostr.Timestamp(1000),
		Kind:      1,
		Tags:      nostr.Tags{},
		Content:   "hello",
	}
	if err := Sign(e, randomSecretKeyHex(t)); err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if err := Validate(e); err != nil {
		t.Fatalf("Validate() error = %v, want nil for a freshly signed event", err)
	}
}

func TestValidateRejectsTamperedID(t *testing.T) {
	e := &Event{CreatedAt: nostr.Timestamp(1000), Kind: 1, Tags: nostr.Tags{}, Content: "hello"}
	if err := Sign(e, randomSecretKeyHex(t)); err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	e.Content = "tampered"
	if err := Validate(e); err == nil {
		t.Fatal("Validate() = nil, want an id-mismatch error after mutating content post-sign")
	}
}

func TestValidateRejectsWrongHexLengths(t *testing.T) {
	e := &Event{ID: "abc", PubKey: "abc", Sig: "abc", Tags: nostr.Tags{}}
	if err := Validate(e); err == nil {
		t.Fatal("Validate() = nil, want an error for short id/pubkey/sig")
	}
}

func TestValidateRejectsEmptyTag(t *testing.T) {
	e := &Event{
		ID:     hex.EncodeToString(make([]byte, 32)),
		PubKey: hex.EncodeToString(make([]byte, 32)),
		Sig:    hex.EncodeToString(make([]byte, 64)),
		Tags:   nostr.Tags{nostr.Tag{}},
	}
	if err := Validate(e); err == nil {
		t.Fatal("Validate() = nil, want an error for an empty tag")
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		kind int
		mode ClassifyMode
		want Classification
	}{
		{"text note is regular", 1, Broad, ClassRegular},
		{"kind 0 metadata is always replaceable", 0, Strict, ClassReplaceable},
		{"kind 3 contacts is replaceable in broad mode", 3, Broad, ClassReplaceable},
		{"kind 3 contacts is regular in strict mode", 3, Strict, ClassRegular},
		{"kind 10002 relay list replaceable in broad mode", 10002, Broad, ClassReplaceable},
		{"kind 10002 relay list regular in strict mode", 10002, Strict, ClassRegular},
		{"kind 20000 is ephemeral regardless of mode", 20000, Broad, ClassEphemeral},
		{"kind 29999 is ephemeral regardless of mode", 29999, Strict, ClassEphemeral},
		{"kind 30000 is addressable regardless of mode", 30000, Strict, ClassAddressable},
		{"kind 39999 is addressable regardless of mode", 39999, Broad, ClassAddressable},
		{"kind 1000 is regular", 1000, Broad, ClassRegular},
		{"kind 9999 is regular", 9999, Broad, ClassRegular},
		{"kind 4 dm is regular", 4, Broad, ClassRegular},
		{"kind 44 is regular", 44, Broad, ClassRegular},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.kind, tc.mode); got != tc.want {
				t.Errorf("Classify(%d, %v) = %v, want %v", tc.kind, tc.mode, got, tc.want)
			}
		})
	}
}

func TestAddress(t *testing.T) {
	e := &Event{Kind: 30000, PubKey: "pk", Tags: nostr.Tags{nostr.Tag{"d", "x"}}}
	if got, want := Address(e, Broad), "30000:pk:x"; got != want {
		t.Errorf("Address() = %q, want %q", got, want)
	}

	eNoD := &Event{Kind: 30000, PubKey: "pk", Tags: nostr.Tags{}}
	if got, want := Address(eNoD, Broad), "30000:pk:"; got != want {
		t.Errorf("Address() with no d tag = %q, want %q (d coerces to empty string)", got, want)
	}

	eReplaceable := &Event{Kind: 0, PubKey: "pk"}
	if got, want := Address(eReplaceable, Broad), "0:pk"; got != want {
		t.Errorf("Address() = %q, want %q", got, want)
	}

	eRegular := &Event{Kind: 1, PubKey: "pk"}
	if got := Address(eRegular, Broad); got != "" {
		t.Errorf("Address() of a regular event = %q, want empty string", got)
	}
}

func TestTagHelpers(t *testing.T) {
	e := &Event{Tags: nostr.Tags{
		nostr.Tag{"e", "id1"},
		nostr.Tag{"e", "id2"},
		nostr.Tag{"p", "pk1"},
		nostr.Tag{"nonce"},
	}}

	if got, want := TagValue(e, "e"), "id1"; got != want {
		t.Errorf("TagValue(e) = %q, want %q (first match)", got, want)
	}
	if got, want := TagValues(e, "e"), []string{"id1", "id2"}; !equalStrings(got, want) {
		t.Errorf("TagValues(e) = %v, want %v", got, want)
	}
	if !HasTag(e, "nonce") {
		t.Error("HasTag(nonce) = false, want true even for a tag with no value")
	}
	if HasTag(e, "missing") {
		t.Error("HasTag(missing) = true, want false")
	}
	if got := TagValue(e, "missing"); got != "" {
		t.Errorf("TagValue(missing) = %q, want empty string", got)
	}
}

func TestNewer(t *testing.T) {
	older := &Event{ID: "aa", CreatedAt: 100}
	newer := &Event{ID: "bb", CreatedAt: 200}
	if !Newer(newer, older) {
		t.Error("Newer(newer, older) = false, want true")
	}
	if Newer(older, newer) {
		t.Error("Newer(older, newer) = true, want false")
	}

	tieLowID := &Event{ID: "aa", CreatedAt: 100}
	tieHighID := &Event{ID: "bb", CreatedAt: 100}
	if !Newer(tieLowID, tieHighID) {
		t.Error("Newer() on a created_at tie should prefer the lexicographically smaller id")
	}
	if Newer(tieHighID, tieLowID) {
		t.Error("Newer() on a created_at tie should not prefer the lexicographically larger id")
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
