package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/CodeWithBehnam/parley/internal/auth"
	"github.com/CodeWithBehnam/parley/internal/db"
	"github.com/CodeWithBehnam/parley/internal/llm"
	"github.com/CodeWithBehnam/parley/internal/models"
)

// completer is the slice of the completion client the handlers need; tests
// stub it to assert on provider call counts.
type completer interface {
	Complete(ctx context.Context, input string) llm.Result
	CompleteStream(ctx context.Context, input string, send func(chunk []byte) error) error
	Model() string
}

type Handler struct {
	db     *db.Database
	llm    completer
	logger *zap.Logger
}

func NewHandler(database *db.Database, completions completer, logger *zap.Logger) *Handler {
	return &Handler{
		db:     database,
		llm:    completions,
		logger: logger,
	}
}

type ChatRequest struct {
	Input          string `json:"input"`
	ConversationID string `json:"conversationId"`
}

type ChatResponse struct {
	Text           string    `json:"text"`
	ConversationID string    `json:"conversationId"`
	Timestamp      time.Time `json:"timestamp"`
	Model          string    `json:"model"`
	TokensUsed     int       `json:"tokensUsed"`
	InputTokens    int       `json:"inputTokens"`
	OutputTokens   int       `json:"outputTokens"`
	ResponseTime   int64     `json:"responseTime"`
	FinishReason   string    `json:"finishReason"`
}

type ChatErrorResponse struct {
	Error          string    `json:"error"`
	ConversationID string    `json:"conversationId"`
	Timestamp      time.Time `json:"timestamp"`
	TokensUsed     int       `json:"tokensUsed"`
	InputTokens    int       `json:"inputTokens"`
	OutputTokens   int       `json:"outputTokens"`
	ResponseTime   int64     `json:"responseTime"`
	FinishReason   string    `json:"finishReason"`
}

// Chat handles the synchronous completion endpoint. An upstream failure
// surfaces as a 500 with zeroed usage fields and finishReason "error"; the
// raw provider error never reaches the client.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeChatRequest(w, r)
	if !ok {
		return
	}

	result := h.llm.Complete(r.Context(), req.Input)

	if result.FinishReason == "error" {
		h.writeJSON(w, http.StatusInternalServerError, ChatErrorResponse{
			Error:          result.Text,
			ConversationID: req.ConversationID,
			Timestamp:      time.Now().UTC(),
			FinishReason:   "error",
		})
		return
	}

	h.writeJSON(w, http.StatusOK, ChatResponse{
		Text:           result.Text,
		ConversationID: req.ConversationID,
		Timestamp:      time.Now().UTC(),
		Model:          h.llm.Model(),
		TokensUsed:     result.TokensUsed,
		InputTokens:    result.InputTokens,
		OutputTokens:   result.OutputTokens,
		ResponseTime:   result.ResponseTimeMs,
		FinishReason:   result.FinishReason,
	})
}

// Stream handles the chunked completion endpoint. Chunks are flushed as they
// arrive; an upstream failure after the stream has started aborts the
// connection rather than ending the stream cleanly. No usage or timing
// metadata is available on this path.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeChatRequest(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, _ := w.(http.Flusher)

	err := h.llm.CompleteStream(r.Context(), req.Input, func(chunk []byte) error {
		if _, err := w.Write(chunk); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})
	if err != nil {
		h.logger.Error("streaming completion failed", zap.Error(err))
		panic(http.ErrAbortHandler)
	}
}

type AppendMessageRequest struct {
	Role           string     `json:"role"`
	Content        string     `json:"content"`
	ConversationID string     `json:"conversationId"`
	Model          string     `json:"model"`
	TokensUsed     int        `json:"tokensUsed"`
	ResponseTimeMs int64      `json:"responseTimeMs"`
	SessionID      string     `json:"sessionId"`
	ClientTime     *time.Time `json:"clientTimestamp"`
}

func (h *Handler) AppendMessage(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}

	var req AppendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Content) == "" || req.ConversationID == "" {
		http.Error(w, "content and conversationId are required", http.StatusBadRequest)
		return
	}
	if !models.Role(req.Role).Valid() {
		http.Error(w, "role must be user or assistant", http.StatusBadRequest)
		return
	}

	msg := &models.ChatMessage{
		ConversationID: req.ConversationID,
		Role:           models.Role(req.Role),
		Content:        req.Content,
		Model:          req.Model,
		TokensUsed:     req.TokensUsed,
		ResponseTimeMs: req.ResponseTimeMs,
		UserAgent:      r.UserAgent(),
		IPAddress:      clientIP(r),
		SessionID:      req.SessionID,
		ClientTime:     req.ClientTime,
	}

	if err := h.db.SaveMessage(r.Context(), principal.UserID, msg); err != nil {
		h.storeError(w, r, err, "failed to save message")
		return
	}

	h.writeJSON(w, http.StatusOK, msg)
}

func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}

	conversationID := r.URL.Query().Get("conversation_id")
	if conversationID == "" {
		http.Error(w, "conversation_id is required", http.StatusBadRequest)
		return
	}

	messages, err := h.db.ListConversationMessages(r.Context(), principal.UserID, conversationID)
	if err != nil {
		h.storeError(w, r, err, "failed to list messages")
		return
	}

	h.writeJSON(w, http.StatusOK, messages)
}

func (h *Handler) GetConversations(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}

	conversations, err := h.db.ListUserConversations(r.Context(), principal.UserID)
	if err != nil {
		h.storeError(w, r, err, "failed to list conversations")
		return
	}

	h.logger.Debug("retrieved conversations",
		zap.Int("count", len(conversations)),
		zap.Int64("user_id", principal.UserID))

	h.writeJSON(w, http.StatusOK, conversations)
}

func (h *Handler) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}

	conversationID := r.URL.Query().Get("conversation_id")
	if conversationID == "" {
		http.Error(w, "conversation_id is required", http.StatusBadRequest)
		return
	}

	deleted, err := h.db.DeleteConversation(r.Context(), principal.UserID, conversationID)
	if err != nil {
		h.storeError(w, r, err, "failed to delete conversation")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
}

func (h *Handler) RegenerateTitle(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}

	conversationID := r.URL.Query().Get("conversation_id")
	if conversationID == "" {
		http.Error(w, "conversation_id is required", http.StatusBadRequest)
		return
	}

	title, err := h.db.RegenerateTitle(r.Context(), principal.UserID, conversationID)
	if err != nil {
		h.storeError(w, r, err, "failed to regenerate title")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"title": title})
}

func (h *Handler) NewConversation(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.principal(w, r); !ok {
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"conversationId": db.GenerateConversationID()})
}

func (h *Handler) decodeChatRequest(w http.ResponseWriter, r *http.Request) (ChatRequest, bool) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return req, false
	}
	if strings.TrimSpace(req.Input) == "" {
		http.Error(w, "input is required", http.StatusBadRequest)
		return req, false
	}
	return req, true
}

func (h *Handler) principal(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	principal, ok := auth.FromContext(r.Context())
	if !ok {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return auth.Principal{}, false
	}
	return principal, true
}

func (h *Handler) storeError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	switch {
	case errors.Is(err, db.ErrUnauthenticated):
		http.Error(w, "authentication required", http.StatusUnauthorized)
	case errors.Is(err, db.ErrConversationNotFound):
		http.Error(w, "conversation not found", http.StatusNotFound)
	case errors.Is(err, db.ErrNoUserMessages):
		http.Error(w, "conversation has no user messages", http.StatusBadRequest)
	default:
		h.logger.Error(msg, zap.Error(err), zap.String("path", r.URL.Path))
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
