package httpapi

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"codecollab/server/internal/authority"
)

type jsonResponse map[string]any

type errorResponse struct {
	Error string `json:"error"`
}

type Server struct {
	registry *authority.Registry
	upgrader websocket.Upgrader
}

func NewServer(registry *authority.Registry) *Server {
	return &Server{
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// RegisterRoutes mounts the room endpoints on router.
func (s *Server) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/rooms/{roomID}/ws", s.handleSocket).Methods(http.MethodGet)
	router.HandleFunc("/rooms/{roomID}/snapshot", s.handleSnapshot).Methods(http.MethodGet)
	router.HandleFunc("/healthz", handleHealthz).Methods(http.MethodGet)
	router.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)
	router.NotFoundHandler = http.HandlerFunc(notFound)
}

func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	s.RegisterRoutes(router)
	return router
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	roomID, ok := roomFromPath(w, r)
	if !ok {
		return
	}
	content, version, err := s.registry.Snapshot(r.Context(), roomID)
	if err != nil {
		log.Printf("snapshot error room=%s: %v", roomID, err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	payload := jsonResponse{
		"roomId":  roomID,
		"content": content,
		"version": version,
	}
	// A reconnecting client can tell whether its last batch landed.
	if clientID := strings.TrimSpace(r.URL.Query().Get("clientId")); clientID != "" {
		acked, err := s.registry.AckedVersion(r.Context(), roomID, clientID)
		if err != nil {
			log.Printf("acked version error room=%s client=%s: %v", roomID, clientID, err)
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		payload["ackedVersion"] = acked
	}
	writeJSON(w, http.StatusOK, payload)
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, jsonResponse{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func roomFromPath(w http.ResponseWriter, r *http.Request) (string, bool) {
	roomID := strings.TrimSpace(mux.Vars(r)["roomID"])
	if roomID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "roomId is required"})
		return "", false
	}
	return roomID, true
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
}

func notFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	_ = encoder.Encode(payload)
}
