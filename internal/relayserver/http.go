package relayserver

import (
	"log"
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Mux builds the relay's HTTP surface: the WebSocket endpoint at "/" (or
// "/ws" for clients that don't speak NIP-11 content negotiation on "/") and
// the NIP-11 info document, content-negotiated per spec §1.
func (s *Server) Mux(info http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) {
			s.handleWebSocket(w, r)
			return
		}
		info.ServeHTTP(w, r)
	})
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.Handle("/nostr.json", info)
	return mux
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[relayserver] websocket upgrade failed: %v", err)
		return
	}
	s.Hub.Serve(ws, s)
}
