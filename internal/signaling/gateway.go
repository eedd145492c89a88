package signaling

import (
	"net/http"
	"os"

	"github.com/gorilla/websocket"

	"github.com/n0remac/meetcore/internal/config"
	"github.com/n0remac/meetcore/internal/logging"
	"github.com/n0remac/meetcore/internal/meeting"
)

// upgrader mirrors n0remac-robot-webrtc's websocket.Upgrader: permissive
// origin check outside production, a fixed buffer size, otherwise
// defaults. The conferencing core has no per-room query-string routing
// left in the upgrade step -- join-room now carries the meeting id on
// the wire instead of in the URL.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if os.Getenv("ENVIRONMENT") != "production" {
			return true
		}
		return origin == os.Getenv("ALLOWED_ORIGIN")
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Gateway wires the WebSocket signaling endpoint onto an http.ServeMux
// and owns the Hub that backs it.
type Gateway struct {
	hub *Hub
	log *logging.Logger
}

func NewGateway(cfg *config.Config, log *logging.Logger, mgr *meeting.Manager) *Gateway {
	return &Gateway{hub: NewHub(cfg, log, mgr), log: log.With("gateway")}
}

// Mount registers the WebSocket upgrade endpoint on mux, grounded on the
// teacher's WithWS helper.
func (g *Gateway) Mount(mux *http.ServeMux, path string) {
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			g.log.Warn("websocket upgrade failed", map[string]any{"err": err.Error()})
			return
		}
		g.log.Info("connection established", map[string]any{"remote": r.RemoteAddr})
		g.hub.Serve(conn)
	})
}
