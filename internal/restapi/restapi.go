// Package restapi implements the ancillary REST surface from spec.md
// section 6: room creation/lookup/deletion/listing and a health check,
// sitting next to the WebSocket signaling gateway on the same mux.
// Grounded on the teacher's plain net/http handler functions
// (main.go's handleWebSocket/handleTurnCredentials) — generalized from
// one-off handlers into a small struct of methods over the Manager.
package restapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/n0remac/meetcore/internal/apierr"
	"github.com/n0remac/meetcore/internal/logging"
	"github.com/n0remac/meetcore/internal/meeting"
)

// API wires spec.md section 6's `/rooms` REST surface onto an
// http.ServeMux.
type API struct {
	mgr       *meeting.Manager
	log       *logging.Logger
	startedAt time.Time
}

func New(mgr *meeting.Manager, log *logging.Logger) *API {
	return &API{mgr: mgr, log: log.With("rest"), startedAt: time.Now()}
}

// Mount registers every REST endpoint on mux.
func (a *API) Mount(mux *http.ServeMux) {
	mux.HandleFunc("POST /rooms", a.createRoom)
	mux.HandleFunc("GET /rooms", a.listRooms)
	mux.HandleFunc("GET /rooms/{id}", a.getRoom)
	mux.HandleFunc("DELETE /rooms/{id}", a.deleteRoom)
	mux.HandleFunc("GET /health", a.health)
}

type createRoomRequest struct {
	HostPeerID      string `json:"hostPeerId"`
	MaxParticipants int    `json:"maxParticipants"`
	Encryption      bool   `json:"encryption"`
}

type createRoomResponse struct {
	RoomID   string `json:"roomId"`
	JoinLink string `json:"joinLink"`
}

// createRoom implements `POST /rooms`.
func (a *API) createRoom(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.New(apierr.Validation, "BadRequest", "malformed body: %v", err))
		return
	}
	if req.HostPeerID == "" {
		writeError(w, apierr.New(apierr.Validation, "BadRequest", "hostPeerId is required"))
		return
	}
	m, err := a.mgr.Create("", req.HostPeerID, meeting.Options{
		MaxParticipants: req.MaxParticipants,
		Encryption:      req.Encryption,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 201, createRoomResponse{
		RoomID:   m.ID,
		JoinLink: "/rooms/" + m.ID,
	})
}

// roomView is the wire shape for a single-meeting lookup.
type roomView struct {
	ID           string                    `json:"id"`
	HostPeerID   string                    `json:"hostPeerId"`
	Mode         string                    `json:"mode"`
	CreatedAt    time.Time                 `json:"createdAt"`
	Participants []participantView         `json:"participants"`
}

type participantView struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	Host        bool   `json:"host"`
	Suspended   bool   `json:"suspended"`
	Audio       bool   `json:"audio"`
	Video       bool   `json:"video"`
	Screen      bool   `json:"screen"`
	JoinedAt    time.Time `json:"joinedAt"`
}

func toRoomView(info meeting.Info) roomView {
	out := roomView{ID: info.ID, HostPeerID: info.HostID, Mode: info.Mode, CreatedAt: info.CreatedAt}
	for _, p := range info.Participants {
		out.Participants = append(out.Participants, participantView{
			ID: p.ID, DisplayName: p.DisplayName, Host: p.Host, Suspended: p.Suspended,
			Audio: p.MediaState.Audio, Video: p.MediaState.Video, Screen: p.MediaState.Screen,
			JoinedAt: p.JoinedAt,
		})
	}
	return out
}

// getRoom implements `GET /rooms/{id}`.
func (a *API) getRoom(w http.ResponseWriter, r *http.Request) {
	id := roomID(r)
	m, ok := a.mgr.Get(id)
	if !ok {
		writeError(w, apierr.NotFoundErr("RoomNotFound", "room %s not found", id))
		return
	}
	writeJSON(w, 200, toRoomView(m.Snapshot()))
}

// deleteRoom implements `DELETE /rooms/{id}`.
func (a *API) deleteRoom(w http.ResponseWriter, r *http.Request) {
	id := roomID(r)
	if err := a.mgr.Destroy(id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(204)
}

// listRooms implements `GET /rooms` (admin listing).
func (a *API) listRooms(w http.ResponseWriter, r *http.Request) {
	all := a.mgr.List()
	out := make([]roomView, 0, len(all))
	for _, m := range all {
		out = append(out, toRoomView(m.Snapshot()))
	}
	writeJSON(w, 200, out)
}

type healthResponse struct {
	Status string         `json:"status"`
	Uptime string         `json:"uptime"`
	Stats  map[string]any `json:"stats"`
}

// health implements `GET /health`.
func (a *API) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, healthResponse{
		Status: "ok",
		Uptime: time.Since(a.startedAt).String(),
		Stats: map[string]any{
			"meetings": len(a.mgr.List()),
		},
	})
}

func roomID(r *http.Request) string {
	if id := r.PathValue("id"); id != "" {
		return id
	}
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) >= 2 {
		return parts[1]
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Reason  string `json:"reason"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	apiErr, ok := apierr.As(err)
	if !ok {
		apiErr = apierr.New(apierr.Unavailable, "Internal", "%v", err)
	}
	var resp errorResponse
	resp.Error.Code = string(apiErr.Code)
	resp.Error.Reason = apiErr.Reason
	resp.Error.Message = apiErr.Message
	writeJSON(w, apiErr.Code.HTTPStatus(), resp)
}
