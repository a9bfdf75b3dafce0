package webinfo

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/nbd-wtf/go-nostr/nip11"

	"github.com/keanuklestil/nostrrelay/internal/config"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Info.Name = "test-relay"
	cfg.Info.Description = "a relay for tests"
	cfg.Info.PubKey = "deadbeef"
	cfg.Info.SupportedNIPs = []int{1, 11, 29, 42}
	return cfg
}

func TestHandlerServesNostrJSON(t *testing.T) {
	h := Handler(testConfig())

	req := httptest.NewRequest("GET", "/nostr.json", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("GET /nostr.json status = %d, want 200", w.Code)
	}
	if got := w.Header().Get("Content-Type"); got != "application/nostr+json" {
		t.Errorf("Content-Type = %q, want application/nostr+json", got)
	}

	var doc nip11.RelayInformationDocument
	if err := json.NewDecoder(w.Body).Decode(&doc); err != nil {
		t.Fatalf("decode response body: %v", err)
	}
	if doc.Name != "test-relay" || doc.PubKey != "deadbeef" {
		t.Errorf("decoded document = %+v, want Name=test-relay PubKey=deadbeef", doc)
	}
}

func TestHandlerRootRequiresNostrAccept(t *testing.T) {
	h := Handler(testConfig())

	req := httptest.NewRequest("GET", "/", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != 404 {
		t.Errorf("GET / without Accept header status = %d, want 404", w.Code)
	}

	req = httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Accept", "application/nostr+json")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != 200 {
		t.Errorf("GET / with nostr+json Accept status = %d, want 200", w.Code)
	}
}
