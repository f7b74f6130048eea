package server

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleWebsocket)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/rooms", s.handleRooms).Methods(http.MethodGet)
	r.HandleFunc("/rooms/{roomId}", s.handleRoom).Methods(http.MethodGet)
	r.HandleFunc("/rooms/{roomId}/text/{field}", s.handleText).Methods(http.MethodGet)
	return r
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	client := NewClient(s.cfg.Session.SendBuffer)
	if !s.hub.Register(client) {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		conn.Close()
		return
	}
	s.logger.Debug("client connected", "client", client.ID, "remote", r.RemoteAddr)
	sess := &session{hub: s.hub, conn: conn, client: client, cfg: s.cfg.Session, logger: s.logger}
	go sess.writePump()
	go sess.readPump()
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status      string `json:"status"`
	Node        string `json:"node"`
	Rooms       int    `json:"rooms"`
	Connections int    `json:"connections"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Node: s.hub.Node()}
	rooms, err := s.hub.Rooms(r.Context())
	if err == nil {
		resp.Rooms = len(rooms)
		resp.Connections, err = s.hub.Connections(r.Context())
	}
	if err != nil {
		resp.Status = "unavailable"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := s.hub.Rooms(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rooms)
}

func (s *Server) handleRoom(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["roomId"]
	stats, ok, err := s.hub.Room(r.Context(), id)
	switch {
	case err != nil:
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case !ok:
		writeError(w, http.StatusNotFound, "room not found")
	default:
		writeJSON(w, http.StatusOK, stats)
	}
}

// TextResponse is returned by GET /rooms/{roomId}/text/{field}.
type TextResponse struct {
	RoomID string `json:"roomId"`
	Field  string `json:"field"`
	Text   string `json:"text"`
}

func (s *Server) handleText(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	text, ok, err := s.hub.Text(r.Context(), vars["roomId"], vars["field"])
	switch {
	case err != nil:
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case !ok:
		writeError(w, http.StatusNotFound, "text field not found")
	default:
		writeJSON(w, http.StatusOK, TextResponse{RoomID: vars["roomId"], Field: vars["field"], Text: text})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
