package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/CodeWithBehnam/parley/internal/auth"
	"github.com/CodeWithBehnam/parley/internal/db"
	"github.com/CodeWithBehnam/parley/internal/llm"
	"github.com/CodeWithBehnam/parley/internal/models"
)

type stubCompleter struct {
	result        llm.Result
	streamChunks  []string
	streamErr     error
	completeCalls int
	streamCalls   int
}

func (s *stubCompleter) Complete(_ context.Context, _ string) llm.Result {
	s.completeCalls++
	return s.result
}

func (s *stubCompleter) CompleteStream(_ context.Context, _ string, send func(chunk []byte) error) error {
	s.streamCalls++
	for _, chunk := range s.streamChunks {
		if err := send([]byte(chunk)); err != nil {
			return err
		}
	}
	return s.streamErr
}

func (s *stubCompleter) Model() string {
	return "test-model"
}

func newTestHandler(t *testing.T, completions *stubCompleter) (*Handler, *db.Database) {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return NewHandler(database, completions, zap.NewNop()), database
}

func postJSON(target, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestChatSuccess(t *testing.T) {
	stub := &stubCompleter{result: llm.Result{
		Text:           "hello back",
		TokensUsed:     46,
		InputTokens:    12,
		OutputTokens:   34,
		ResponseTimeMs: 250,
		FinishReason:   "stop",
	}}
	h, _ := newTestHandler(t, stub)

	w := httptest.NewRecorder()
	h.Chat(w, postJSON("/api/ai/chat", `{"input":"hi","conversationId":"conv-1"}`))

	require.Equal(t, http.StatusOK, w.Code)
	var resp ChatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "hello back", resp.Text)
	assert.Equal(t, "conv-1", resp.ConversationID)
	assert.Equal(t, "test-model", resp.Model)
	assert.Equal(t, 46, resp.TokensUsed)
	assert.Equal(t, 12, resp.InputTokens)
	assert.Equal(t, 34, resp.OutputTokens)
	assert.Equal(t, int64(250), resp.ResponseTime)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.False(t, resp.Timestamp.IsZero())
	assert.Equal(t, 1, stub.completeCalls)
}

func TestChatEmptyInputMakesNoProviderCall(t *testing.T) {
	stub := &stubCompleter{}
	h, _ := newTestHandler(t, stub)

	for _, body := range []string{
		`{"input":""}`,
		`{"input":"   "}`,
		`{"conversationId":"conv-1"}`,
		`{"input":5}`,
		`not json`,
	} {
		w := httptest.NewRecorder()
		h.Chat(w, postJSON("/api/ai/chat", body))
		assert.Equal(t, http.StatusBadRequest, w.Code, "body: %s", body)
	}
	assert.Equal(t, 0, stub.completeCalls)
}

func TestChatUpstreamFailureReturns500(t *testing.T) {
	stub := &stubCompleter{result: llm.Result{
		Text:           "The request timed out. Please try again.",
		ResponseTimeMs: 30000,
		FinishReason:   "error",
	}}
	h, _ := newTestHandler(t, stub)

	w := httptest.NewRecorder()
	h.Chat(w, postJSON("/api/ai/chat", `{"input":"hi","conversationId":"conv-1"}`))

	require.Equal(t, http.StatusInternalServerError, w.Code)
	var resp ChatErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "The request timed out. Please try again.", resp.Error)
	assert.Equal(t, "conv-1", resp.ConversationID)
	assert.Equal(t, "error", resp.FinishReason)
	assert.Zero(t, resp.TokensUsed)
	assert.Zero(t, resp.InputTokens)
	assert.Zero(t, resp.OutputTokens)
	assert.Zero(t, resp.ResponseTime)
}

func TestStreamSuccess(t *testing.T) {
	stub := &stubCompleter{streamChunks: []string{"Hel", "lo ", "world"}}
	h, _ := newTestHandler(t, stub)

	w := httptest.NewRecorder()
	h.Stream(w, postJSON("/api/ai/stream", `{"input":"hi"}`))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Hello world", w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Type"), "text/plain")
	assert.Contains(t, w.Header().Get("Cache-Control"), "no-cache")
	assert.Equal(t, 1, stub.streamCalls)
}

func TestStreamEmptyInputMakesNoProviderCall(t *testing.T) {
	stub := &stubCompleter{}
	h, _ := newTestHandler(t, stub)

	w := httptest.NewRecorder()
	h.Stream(w, postJSON("/api/ai/stream", `{"input":""}`))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 0, stub.streamCalls)
}

func TestStreamUpstreamFailureAbortsConnection(t *testing.T) {
	stub := &stubCompleter{
		streamChunks: []string{"partial "},
		streamErr:    errors.New("stream cut"),
	}
	h, _ := newTestHandler(t, stub)

	w := httptest.NewRecorder()
	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		h.Stream(w, postJSON("/api/ai/stream", `{"input":"hi"}`))
	})
	assert.Equal(t, "partial ", w.Body.String())
}

func newTestServer(t *testing.T) (http.Handler, *stubCompleter) {
	t.Helper()
	stub := &stubCompleter{}
	h, database := newTestHandler(t, stub)
	authMW := auth.Middleware(database, "X-Auth-Subject", zap.NewNop())
	return NewRouter(h, authMW), stub
}

func doStore(router http.Handler, req *http.Request, subject string) *httptest.ResponseRecorder {
	if subject != "" {
		req.Header.Set("X-Auth-Subject", subject)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func appendMessage(t *testing.T, router http.Handler, subject string, body map[string]any) models.ChatMessage {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/messages", bytes.NewReader(raw))
	w := doStore(router, req, subject)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var msg models.ChatMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &msg))
	return msg
}

func TestStoreRoutesRequireAuthentication(t *testing.T) {
	router, _ := newTestServer(t)

	for _, route := range []struct {
		method string
		target string
	}{
		{http.MethodPost, "/api/messages"},
		{http.MethodGet, "/api/messages?conversation_id=conv-1"},
		{http.MethodGet, "/api/conversations"},
		{http.MethodDelete, "/api/conversations?conversation_id=conv-1"},
		{http.MethodPost, "/api/conversations/title?conversation_id=conv-1"},
		{http.MethodPost, "/api/conversations/new"},
	} {
		req := httptest.NewRequest(route.method, route.target, nil)
		w := doStore(router, req, "")
		assert.Equal(t, http.StatusUnauthorized, w.Code, "%s %s", route.method, route.target)
	}
}

func TestMessageLifecycle(t *testing.T) {
	router, _ := newTestServer(t)

	saved := appendMessage(t, router, "sub-1", map[string]any{
		"role":           "user",
		"content":        "help me fix a bug",
		"conversationId": "conv-1",
		"model":          "test-model",
		"tokensUsed":     46,
		"responseTimeMs": 250,
		"sessionId":      "sess-9",
	})
	assert.Equal(t, "Help Discussion", saved.Title)
	assert.NotZero(t, saved.ID)

	reply := appendMessage(t, router, "sub-1", map[string]any{
		"role":           "assistant",
		"content":        "sure, show me the stack trace",
		"conversationId": "conv-1",
		"model":          "test-model",
	})
	assert.Equal(t, saved.Title, reply.Title)

	req := httptest.NewRequest(http.MethodGet, "/api/messages?conversation_id=conv-1", nil)
	w := doStore(router, req, "sub-1")
	require.Equal(t, http.StatusOK, w.Code)
	var messages []models.ChatMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &messages))
	require.Len(t, messages, 2)
	assert.Equal(t, models.RoleUser, messages[0].Role)
	assert.Equal(t, models.RoleAssistant, messages[1].Role)

	req = httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	w = doStore(router, req, "sub-1")
	require.Equal(t, http.StatusOK, w.Code)
	var summaries []models.ConversationSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summaries))
	require.Len(t, summaries, 1)
	assert.Equal(t, "conv-1", summaries[0].ConversationID)
	assert.Equal(t, 2, summaries[0].MessageCount)

	req = httptest.NewRequest(http.MethodPost, "/api/conversations/title?conversation_id=conv-1", nil)
	w = doStore(router, req, "sub-1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"title":"Help Discussion"}`, w.Body.String())

	req = httptest.NewRequest(http.MethodDelete, "/api/conversations?conversation_id=conv-1", nil)
	w = doStore(router, req, "sub-1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"deleted":2}`, w.Body.String())
}

func TestDeleteForeignConversationReturns404(t *testing.T) {
	router, _ := newTestServer(t)

	appendMessage(t, router, "owner", map[string]any{
		"role":           "user",
		"content":        "hello",
		"conversationId": "conv-1",
	})

	req := httptest.NewRequest(http.MethodDelete, "/api/conversations?conversation_id=conv-1", nil)
	w := doStore(router, req, "intruder")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRegenerateTitleWithoutUserMessagesReturns400(t *testing.T) {
	router, _ := newTestServer(t)

	appendMessage(t, router, "sub-1", map[string]any{
		"role":           "assistant",
		"content":        "unprompted reply",
		"conversationId": "conv-1",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/conversations/title?conversation_id=conv-1", nil)
	w := doStore(router, req, "sub-1")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestNewConversationAllocatesUniqueIDs(t *testing.T) {
	router, _ := newTestServer(t)

	seen := make(map[string]bool)
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/conversations/new", nil)
		w := doStore(router, req, "sub-1")
		require.Equal(t, http.StatusOK, w.Code)
		var resp map[string]string
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		id := resp["conversationId"]
		require.True(t, strings.HasPrefix(id, "conv_"), fmt.Sprintf("unexpected id %q", id))
		assert.False(t, seen[id])
		seen[id] = true
	}
}
