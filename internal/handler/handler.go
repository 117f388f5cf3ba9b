package handler

import (
	"encoding/json"
	"html"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/microcosm-cc/bluemonday"

	"jobchat/internal/config"
	"jobchat/internal/store"
)

// Handler holds application dependencies
type Handler struct {
	Store     store.Store
	Config    config.Config
	Hub       *Hub
	Sanitizer *bluemonday.Policy
	Now       func() time.Time
}

// New creates a new Handler with the given dependencies
func New(st store.Store, cfg config.Config) *Handler {
	return &Handler{
		Store:     st,
		Config:    cfg,
		Hub:       NewHub(),
		Sanitizer: bluemonday.StrictPolicy(),
		Now:       time.Now,
	}
}

// SetupRouter configures and returns the HTTP router
func (h *Handler) SetupRouter() *mux.Router {
	r := mux.NewRouter()

	// REST API
	api := r.NewRoute().Subrouter()
	api.Use(h.requireUser)
	api.HandleFunc("/users/me", h.UpdateProfile).Methods("PUT")
	api.HandleFunc("/rooms", h.ListRooms).Methods("GET")
	api.HandleFunc("/rooms", h.CreateRoom).Methods("POST")
	api.HandleFunc("/rooms/{id}", h.UpdateRoom).Methods("PATCH")
	api.HandleFunc("/rooms/{id}", h.DeleteRoom).Methods("DELETE")
	api.HandleFunc("/rooms/{id}/messages", h.GetMessages).Methods("GET")
	api.HandleFunc("/rooms/{id}/messages", h.CreateMessage).Methods("POST")
	api.HandleFunc("/rooms/{id}/read", h.MarkRead).Methods("POST")

	// WebSocket
	r.HandleFunc("/ws", h.HandleWebSocket).Methods("GET")

	return r
}

type contextKey struct{}

// requireUser resolves the bearer token to a user ID
func (h *Handler) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := h.authenticate(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(withUser(r.Context(), userID)))
	})
}

// authenticate accepts "Authorization: Bearer <token>" or ?token=<token>.
// Without configured tokens in development, the token is the user ID.
func (h *Handler) authenticate(r *http.Request) (string, bool) {
	token := ""
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		token = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return "", false
	}
	if userID, ok := h.Config.AuthTokens[token]; ok {
		return userID, true
	}
	if len(h.Config.AuthTokens) == 0 && h.Config.IsDevelopment() {
		return token, true
	}
	return "", false
}

func (h *Handler) isAdmin(userID string) bool {
	for _, admin := range h.Config.AdminUsers {
		if admin == userID {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// plainText strips markup from user input. The policy escapes what it
// keeps, so entities are decoded again: clients get the text as typed.
func (h *Handler) plainText(s string) string {
	return strings.TrimSpace(html.UnescapeString(h.Sanitizer.Sanitize(s)))
}
