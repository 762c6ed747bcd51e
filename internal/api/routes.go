package api

import (
	"net/http"

	"github.com/gorilla/mux"
)

// NewRouter wires the endpoint surface. The completion endpoints take no
// principal; every store route runs behind the auth middleware.
func NewRouter(h *Handler, authMW func(http.Handler) http.Handler) *mux.Router {
	r := mux.NewRouter()

	ai := r.PathPrefix("/api/ai").Subrouter()
	ai.HandleFunc("/chat", h.Chat).Methods(http.MethodPost)
	ai.HandleFunc("/stream", h.Stream).Methods(http.MethodPost)

	store := r.PathPrefix("/api").Subrouter()
	store.Use(authMW)
	store.HandleFunc("/messages", h.AppendMessage).Methods(http.MethodPost)
	store.HandleFunc("/messages", h.GetMessages).Methods(http.MethodGet)
	store.HandleFunc("/conversations", h.GetConversations).Methods(http.MethodGet)
	store.HandleFunc("/conversations", h.DeleteConversation).Methods(http.MethodDelete)
	store.HandleFunc("/conversations/title", h.RegenerateTitle).Methods(http.MethodPost)
	store.HandleFunc("/conversations/new", h.NewConversation).Methods(http.MethodPost)

	return r
}
