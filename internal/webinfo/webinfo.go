// Package webinfo serves the relay's NIP-11 metadata document over HTTP
// (spec §1: "a small metadata document over HTTP", out of the core's scope
// but wired here as the supporting surface around it). It reuses go-nostr's
// own nip11.RelayInformationDocument wire type rather than hand-rolling one,
// the inverse of the teacher's internal/relay/pool.go use of the same
// package to fetch another relay's document.
package webinfo

import (
	"encoding/json"
	"net/http"

	"github.com/nbd-wtf/go-nostr/nip11"

	"github.com/keanuklestil/nostrrelay/internal/config"
)

// Handler returns an http.Handler serving cfg.Info as NIP-11 JSON on "/" when
// the request carries "Accept: application/nostr+json", and unconditionally
// on "/nostr.json". Any other path/accept combination is 404.
func Handler(cfg *config.Config) http.Handler {
	doc := nip11.RelayInformationDocument{
		Name:          cfg.Info.Name,
		Description:   cfg.Info.Description,
		PubKey:        cfg.Info.PubKey,
		Contact:       cfg.Info.Contact,
		SupportedNIPs: cfg.Info.SupportedNIPs,
		Software:      cfg.Info.Software,
		Version:       cfg.Info.Version,
		Icon:          cfg.Info.Icon,
		PaymentsURL:   cfg.Info.PaymentsURL,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/nostr.json", func(w http.ResponseWriter, r *http.Request) {
		writeDocument(w, doc)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" || r.Header.Get("Accept") != "application/nostr+json" {
			http.NotFound(w, r)
			return
		}
		writeDocument(w, doc)
	})
	return mux
}

func writeDocument(w http.ResponseWriter, doc nip11.RelayInformationDocument) {
	w.Header().Set("Content-Type", "application/nostr+json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	json.NewEncoder(w).Encode(doc)
}
