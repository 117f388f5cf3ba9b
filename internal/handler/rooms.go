package handler

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"jobchat/internal/model"
	"jobchat/internal/protocol"
	"jobchat/internal/store"
)

// UpdateProfile handles PUT /users/me
func (h *Handler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	viewer := UserFrom(r.Context())
	log.Printf("[PUT /users/me] Request received from %s (%s)", r.RemoteAddr, viewer)

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)

	var req struct {
		DisplayName string `json:"displayName"`
		AvatarURL   string `json:"avatarUrl"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("[PUT /users/me] ❌ Bad Request: %v", err)
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	user := model.Participant{
		ID:          viewer,
		DisplayName: h.plainText(req.DisplayName),
		AvatarURL:   h.plainText(req.AvatarURL),
	}
	if user.DisplayName == "" {
		user.DisplayName = viewer
	}

	if err := h.Store.UpsertUser(r.Context(), user); err != nil {
		log.Printf("[PUT /users/me] ❌ Database error: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to update profile")
		return
	}

	log.Printf("[PUT /users/me] ✅ Updated profile for %s", viewer)
	writeJSON(w, http.StatusOK, user)
}

// ListRooms handles GET /rooms
func (h *Handler) ListRooms(w http.ResponseWriter, r *http.Request) {
	viewer := UserFrom(r.Context())
	log.Printf("[GET /rooms] Request received from %s (%s)", r.RemoteAddr, viewer)

	rooms, err := h.Store.ListRooms(r.Context(), viewer)
	if err != nil {
		log.Printf("[GET /rooms] ❌ Database error: %v", err)
		writeError(w, http.StatusInternalServerError, "Database error")
		return
	}
	if rooms == nil {
		rooms = []model.Room{}
	}

	log.Printf("[GET /rooms] ✅ Returned %d rooms", len(rooms))
	writeJSON(w, http.StatusOK, rooms)
}

// CreateRoom handles POST /rooms
func (h *Handler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	viewer := UserFrom(r.Context())
	log.Printf("[POST /rooms] Request received from %s (%s)", r.RemoteAddr, viewer)

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)

	var req struct {
		OtherUserID string `json:"otherUserId"`
		JobID       string `json:"jobId"`
		JobTitle    string `json:"jobTitle"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("[POST /rooms] ❌ Bad Request: %v", err)
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	req.OtherUserID = strings.TrimSpace(req.OtherUserID)
	if req.OtherUserID == "" {
		log.Printf("[POST /rooms] ❌ Bad Request: missing otherUserId")
		writeError(w, http.StatusBadRequest, "otherUserId is required")
		return
	}
	if req.OtherUserID == viewer {
		log.Printf("[POST /rooms] ❌ Bad Request: room with self")
		writeError(w, http.StatusBadRequest, "cannot start a conversation with yourself")
		return
	}

	var job *model.JobRef
	if req.JobID = strings.TrimSpace(req.JobID); req.JobID != "" {
		job = &model.JobRef{ID: req.JobID, Title: h.plainText(req.JobTitle)}
	}

	room, created, err := h.Store.CreateRoom(r.Context(), viewer, req.OtherUserID, job, h.Now())
	if err != nil {
		log.Printf("[POST /rooms] ❌ Database error: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to create room")
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		log.Printf("[POST /rooms] ✅ Created room: ID=%s (%s, %s)", room.ID, viewer, req.OtherUserID)
	} else {
		log.Printf("[POST /rooms] ✅ Reused room: ID=%s", room.ID)
	}
	writeJSON(w, status, room)
}

// UpdateRoom handles PATCH /rooms/{id}
func (h *Handler) UpdateRoom(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	viewer := UserFrom(r.Context())
	log.Printf("[PATCH /rooms/%s] Request received from %s (%s)", id, r.RemoteAddr, viewer)

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)

	var req struct {
		JobTitle *string `json:"jobTitle"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("[PATCH /rooms/%s] ❌ Bad Request: %v", id, err)
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.JobTitle == nil {
		log.Printf("[PATCH /rooms/%s] ❌ Bad Request: nothing to update", id)
		writeError(w, http.StatusBadRequest, "jobTitle is required")
		return
	}

	room, ok := h.participantRoom(w, r, id, viewer)
	if !ok {
		return
	}

	title := h.plainText(*req.JobTitle)
	jobID, err := h.Store.SetJobTitle(r.Context(), id, title)
	if err != nil {
		log.Printf("[PATCH /rooms/%s] ❌ Database error: %v", id, err)
		writeError(w, http.StatusInternalServerError, "Failed to update room")
		return
	}

	log.Printf("[PATCH /rooms/%s] ✅ Job title set to %q", id, title)

	patch := map[string]interface{}{protocol.PatchJobTitle: title}
	h.pushEntity(room, protocol.EntityRoom, id, patch)
	if jobID != "" {
		h.pushEntity(room, protocol.EntityJob, jobID, patch)
	}

	w.WriteHeader(http.StatusNoContent)
}

// DeleteRoom handles DELETE /rooms/{id}
func (h *Handler) DeleteRoom(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	viewer := UserFrom(r.Context())
	log.Printf("[DELETE /rooms/%s] Request received from %s (%s)", id, r.RemoteAddr, viewer)

	room, err := h.Store.Room(r.Context(), id, viewer)
	if errors.Is(err, store.ErrNotFound) {
		log.Printf("[DELETE /rooms/%s] ❌ Not Found", id)
		writeError(w, http.StatusNotFound, "Room not found")
		return
	}
	if err != nil {
		log.Printf("[DELETE /rooms/%s] ❌ Database error: %v", id, err)
		writeError(w, http.StatusInternalServerError, "Database error")
		return
	}
	if !room.HasParticipant(viewer) && !h.isAdmin(viewer) {
		log.Printf("[DELETE /rooms/%s] ❌ Forbidden for %s", id, viewer)
		writeError(w, http.StatusForbidden, "Forbidden")
		return
	}

	// deleted_at を設定する論理削除
	if err := h.Store.DeleteRoom(r.Context(), id, h.Now()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Room not found")
			return
		}
		log.Printf("[DELETE /rooms/%s] ❌ Database error: %v", id, err)
		writeError(w, http.StatusInternalServerError, "Failed to delete room")
		return
	}

	log.Printf("[DELETE /rooms/%s] ✅ Deleted successfully", id)

	// WebSocket経由で参加者に削除を通知
	h.pushEntity(room, protocol.EntityRoom, id, map[string]interface{}{protocol.PatchDeleted: true})
	log.Printf("[WebSocket] 📢 Broadcasting delete event for room: %s", id)

	w.WriteHeader(http.StatusNoContent)
}

// participantRoom loads roomID and writes 404/403 unless viewer is a participant
func (h *Handler) participantRoom(w http.ResponseWriter, r *http.Request, roomID, viewer string) (model.Room, bool) {
	tag := "[" + r.Method + " " + r.URL.Path + "]"

	room, err := h.Store.Room(r.Context(), roomID, viewer)
	if errors.Is(err, store.ErrNotFound) {
		log.Printf("%s ❌ Not Found", tag)
		writeError(w, http.StatusNotFound, "Room not found")
		return model.Room{}, false
	}
	if err != nil {
		log.Printf("%s ❌ Database error: %v", tag, err)
		writeError(w, http.StatusInternalServerError, "Database error")
		return model.Room{}, false
	}
	if !room.HasParticipant(viewer) {
		log.Printf("%s ❌ Forbidden for %s", tag, viewer)
		writeError(w, http.StatusForbidden, "Forbidden")
		return model.Room{}, false
	}
	return room, true
}

func (h *Handler) pushEntity(room model.Room, entityType, entityID string, patch map[string]interface{}) {
	raw := make(map[string]json.RawMessage, len(patch))
	for key, value := range patch {
		b, err := json.Marshal(value)
		if err != nil {
			continue
		}
		raw[key] = b
	}
	h.Hub.ToUsers(protocol.EventEntityUpdated, protocol.EntityUpdated{
		EntityType: entityType,
		EntityID:   entityID,
		Patch:      raw,
	}, room.Participants[0].ID, room.Participants[1].ID)
}
