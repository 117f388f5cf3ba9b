package handler

import (
	"encoding/json"
	"log"
	"net/http"
	"unicode/utf8"

	"github.com/gorilla/mux"

	"jobchat/internal/model"
	"jobchat/internal/protocol"
)

// maxBodyRunes は1メッセージの最大文字数
const maxBodyRunes = 5000

// GetMessages handles GET /rooms/{id}/messages
func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	viewer := UserFrom(r.Context())
	log.Printf("[GET /rooms/%s/messages] Request received from %s (%s)", id, r.RemoteAddr, viewer)

	if _, ok := h.participantRoom(w, r, id, viewer); !ok {
		return
	}

	msgList, err := h.Store.ListMessages(r.Context(), id)
	if err != nil {
		log.Printf("[GET /rooms/%s/messages] ❌ Database error: %v", id, err)
		writeError(w, http.StatusInternalServerError, "Database error")
		return
	}
	if msgList == nil {
		msgList = []model.Message{}
	}

	log.Printf("[GET /rooms/%s/messages] ✅ Returned %d messages", id, len(msgList))
	writeJSON(w, http.StatusOK, msgList)
}

// CreateMessage handles POST /rooms/{id}/messages
func (h *Handler) CreateMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	viewer := UserFrom(r.Context())
	log.Printf("[POST /rooms/%s/messages] Request received from %s (%s)", id, r.RemoteAddr, viewer)

	// リクエストボディサイズを1MBに制限
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)

	var req struct {
		Body string `json:"body"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("[POST /rooms/%s/messages] ❌ Bad Request: %v", id, err)
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	// HTMLを除去してから空チェック
	body := h.plainText(req.Body)
	if body == "" {
		log.Printf("[POST /rooms/%s/messages] ❌ Bad Request: missing or empty body", id)
		writeError(w, http.StatusBadRequest, "body is required")
		return
	}
	if utf8.RuneCountInString(body) > maxBodyRunes {
		log.Printf("[POST /rooms/%s/messages] ❌ Bad Request: body too long", id)
		writeError(w, http.StatusBadRequest, "body is too long")
		return
	}

	room, ok := h.participantRoom(w, r, id, viewer)
	if !ok {
		return
	}

	msg, err := h.Store.CreateMessage(r.Context(), id, viewer, body, h.Now())
	if err != nil {
		log.Printf("[POST /rooms/%s/messages] ❌ Database error: %v", id, err)
		writeError(w, http.StatusInternalServerError, "Failed to create message")
		return
	}

	log.Printf("[POST /rooms/%s/messages] ✅ Created message: ID=%s", id, msg.ID)

	h.Hub.ToUsers(protocol.EventMessageCreated, msg, room.Participants[0].ID, room.Participants[1].ID)

	writeJSON(w, http.StatusCreated, msg)
}

// MarkRead handles POST /rooms/{id}/read
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	viewer := UserFrom(r.Context())
	log.Printf("[POST /rooms/%s/read] Request received from %s (%s)", id, r.RemoteAddr, viewer)

	room, ok := h.participantRoom(w, r, id, viewer)
	if !ok {
		return
	}

	changed, err := h.Store.MarkRead(r.Context(), id, viewer, h.Now())
	if err != nil {
		log.Printf("[POST /rooms/%s/read] ❌ Database error: %v", id, err)
		writeError(w, http.StatusInternalServerError, "Failed to mark messages read")
		return
	}

	log.Printf("[POST /rooms/%s/read] ✅ Marked %d messages read", id, changed)

	if changed > 0 {
		h.Hub.ToUsers(protocol.EventMessageRead, protocol.MessageRead{RoomID: id, ReaderID: viewer}, room.Participants[0].ID, room.Participants[1].ID)
	}

	w.WriteHeader(http.StatusNoContent)
}
