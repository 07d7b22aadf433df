package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"plume-collab/internal/middleware"
	"plume-collab/internal/models"
	"plume-collab/internal/repository"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// userHeader names the caller. Authentication happens in front of this service.
const userHeader = "X-User-ID"

// Handler handles HTTP requests
type Handler struct {
	scenes   SceneStore
	versions VersionService
	rooms    RelayRooms
	logger   zerolog.Logger
}

// NewHandler builds the handler. rooms may be nil when no relay runs in this process.
func NewHandler(scenes SceneStore, versions VersionService, rooms RelayRooms, logger zerolog.Logger) *Handler {
	return &Handler{
		scenes:   scenes,
		versions: versions,
		rooms:    rooms,
		logger:   logger,
	}
}

// Health reports liveness and the relay rooms currently open.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	rooms := []models.RoomInfo{}
	if h.rooms != nil {
		rooms = h.rooms.Rooms()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"rooms":  rooms,
	})
}

// Relay room handlers. Without a relay in this process rooms are simply empty.

func (h *Handler) ListRoomSessions(w http.ResponseWriter, r *http.Request) {
	room := mux.Vars(r)["room"]

	sessions := []models.Session{}
	if h.rooms != nil {
		sessions = h.rooms.GetSessions(room)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"room":     room,
		"sessions": sessions,
	})
}

// DisconnectRoom drops every connection to a room; editors reconnect and resync.
func (h *Handler) DisconnectRoom(w http.ResponseWriter, r *http.Request) {
	room := mux.Vars(r)["room"]

	closed := 0
	if h.rooms != nil {
		closed = h.rooms.DisconnectRoom(room)
	}
	h.logger.Info().
		Str("room", room).
		Int("closed", closed).
		Str("by", r.Header.Get(userHeader)).
		Msg("room disconnected")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"room":   room,
		"closed": closed,
	})
}

// Scene content handlers

func (h *Handler) GetSceneContent(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	sc, err := h.scenes.GetSceneContent(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

func (h *Handler) SaveSceneContent(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var update models.SceneContentUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.scenes.SaveSceneContent(r.Context(), id, update.Content); err != nil {
		h.writeError(w, r, err)
		return
	}
	sc, err := h.scenes.GetSceneContent(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

// Version handlers

func (h *Handler) ListVersions(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	versions, err := h.versions.List(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if versions == nil {
		versions = []*models.SceneVersion{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"versions": versions,
	})
}

func (h *Handler) CreateVersion(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req models.VersionCreate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.ProjectID == "" {
		http.Error(w, "project_id is required", http.StatusBadRequest)
		return
	}
	if req.CreatedBy == "" {
		req.CreatedBy = r.Header.Get(userHeader)
	}

	v, err := h.versions.Create(r.Context(), id, &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (h *Handler) DeleteVersion(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := h.versions.Delete(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) RestoreVersion(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	sc, err := h.versions.Restore(r.Context(), id, r.Header.Get(userHeader))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

// writeError maps repository errors to status codes. Anything unexpected is a 500
// and gets logged with the request id.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, repository.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	middleware.AddSpanError(r.Context(), err)
	h.logger.Error().
		Err(err).
		Str("request_id", middleware.GetRequestID(r.Context())).
		Str("path", r.URL.Path).
		Msg("request failed")
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
