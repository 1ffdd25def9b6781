// ABOUTME: Tests for the conversation HTTP API handlers
// ABOUTME: Verifies request validation, sync and streamed replies, deletes, sweeps and the log endpoint

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/thread-gateway/internal/config"
	"github.com/2389/thread-gateway/internal/logbuffer"
	"github.com/2389/thread-gateway/internal/store"
)

func do(t *testing.T, gw *Gateway, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHandleConversation_Sync(t *testing.T) {
	gw, links, _ := newTestGateway(t)

	rec := do(t, gw, http.MethodPost, "/conversation", `{"conversation_id":"c1","message":"hi"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, map[string]any{"response": "Hello!"}, decode(t, rec))
	assert.Equal(t, 1, links.Len())
}

func TestHandleConversation_NoAssistantMessage(t *testing.T) {
	gw, _, remote := newTestGateway(t)
	remote.reply = ""

	rec := do(t, gw, http.MethodPost, "/conversation", `{"conversation_id":"c1","message":"hi"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"response": nil}, decode(t, rec))
}

func TestHandleConversation_Validation(t *testing.T) {
	gw, links, _ := newTestGateway(t)

	tests := []struct {
		name   string
		body   string
		detail string
	}{
		{"invalid json", `{"conversation_id":`, "invalid JSON body"},
		{"missing conversation id", `{"message":"hi"}`, "conversation_id is required"},
		{"blank conversation id", `{"conversation_id":"  ","message":"hi"}`, "conversation_id is required"},
		{"missing message", `{"conversation_id":"c1"}`, "message is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, gw, http.MethodPost, "/conversation", tt.body)
			assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
			assert.Equal(t, tt.detail, decode(t, rec)["detail"])
		})
	}
	assert.Equal(t, 0, links.Len())
}

func TestHandleConversation_EmptyMessageAllowed(t *testing.T) {
	gw, _, _ := newTestGateway(t)

	rec := do(t, gw, http.MethodPost, "/conversation", `{"conversation_id":"c1","message":""}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleConversation_RemoteFailure(t *testing.T) {
	gw, _, remote := newTestGateway(t)
	remote.waitErr = errors.New("graph exploded")

	rec := do(t, gw, http.MethodPost, "/conversation", `{"conversation_id":"c1","message":"hi"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "graph exploded", decode(t, rec)["detail"])
}

func TestHandleConversation_Stream(t *testing.T) {
	gw, links, remote := newTestGateway(t)
	remote.sse = "event: metadata\ndata: {\"run_id\":\"r1\"}\n\n" +
		"event: values\ndata: {\"messages\":[{\"type\":\"human\",\"content\":\"hi\"}]}\n\n" +
		"event: values\ndata: {\"messages\":[{\"type\":\"human\",\"content\":\"hi\"},{\"type\":\"ai\",\"id\":\"a\",\"content\":\"Hel\"}]}\n\n" +
		"event: debug\ndata: {}\n\n" +
		"event: values\ndata: {\"messages\":[{\"type\":\"human\",\"content\":\"hi\"},{\"type\":\"ai\",\"id\":\"a\",\"content\":\"Hello\"}]}\n\n" +
		"event: end\ndata: null\n\n"

	rec := do(t, gw, http.MethodPost, "/conversation", `{"conversation_id":"c1","message":"hi","stream":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "Hello", rec.Body.String())
	assert.True(t, rec.Flushed)
	assert.Equal(t, 1, links.Len())
}

func TestHandleConversation_StreamOpenFailure(t *testing.T) {
	gw, _, remote := newTestGateway(t)
	remote.streamErr = errors.New("deployment unreachable")

	rec := do(t, gw, http.MethodPost, "/conversation", `{"conversation_id":"c1","message":"hi","stream":true}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "deployment unreachable", decode(t, rec)["detail"])
}

func TestHandleGetConversation(t *testing.T) {
	gw, _, _ := newTestGateway(t)

	rec := do(t, gw, http.MethodGet, "/conversation/c1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Conversation not found", decode(t, rec)["detail"])

	do(t, gw, http.MethodPost, "/conversation", `{"conversation_id":"c1","message":"hi"}`)

	rec = do(t, gw, http.MethodGet, "/conversation/c1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "c1", body["conversation_id"])
	assert.True(t, strings.HasPrefix(body["thread_id"].(string), "thread-"))
	_, err := time.Parse(time.RFC3339Nano, body["last_used"].(string))
	assert.NoError(t, err)
}

func TestHandleDeleteConversation(t *testing.T) {
	gw, links, remote := newTestGateway(t)

	do(t, gw, http.MethodPost, "/conversation", `{"conversation_id":"c1","message":"hi"}`)

	rec := do(t, gw, http.MethodDelete, "/conversation/c1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"deleted": true}, decode(t, rec))
	assert.Equal(t, 0, links.Len())
	assert.Len(t, remote.deleted, 1)

	rec = do(t, gw, http.MethodDelete, "/conversation/c1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleDeleteInactive(t *testing.T) {
	gw, links, _ := newTestGateway(t)
	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	links.SetClock(func() time.Time { return clock })

	do(t, gw, http.MethodPost, "/conversation", `{"conversation_id":"old","message":"hi"}`)
	clock = clock.Add(48 * time.Hour)
	do(t, gw, http.MethodPost, "/conversation", `{"conversation_id":"new","message":"hi"}`)

	rec := do(t, gw, http.MethodDelete, "/conversation/inactive?unused_from=2025-01-02T00:00:00", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, map[string]any{"deleted_count": float64(1)}, decode(t, rec))
	assert.Equal(t, 1, links.Len())

	rec = do(t, gw, http.MethodDelete, "/conversation/inactive?unused_from=2025-01-02T00:00:00Z", "")
	assert.Equal(t, map[string]any{"deleted_count": float64(0)}, decode(t, rec))
}

func TestHandleDeleteInactive_Validation(t *testing.T) {
	gw, _, _ := newTestGateway(t)

	rec := do(t, gw, http.MethodDelete, "/conversation/inactive", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "unused_from is required", decode(t, rec)["detail"])

	rec = do(t, gw, http.MethodDelete, "/conversation/inactive?unused_from=yesterday", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestHandleLogs(t *testing.T) {
	t.Run("disabled without debug", func(t *testing.T) {
		gw, _, _ := newTestGateway(t)
		rec := do(t, gw, http.MethodGet, "/logs", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("pages through buffered lines", func(t *testing.T) {
		buf := logbuffer.New(0)
		logger := slog.New(logbuffer.NewHandler(buf, slog.LevelDebug))
		for i := range 5 {
			logger.Info("line", "n", i)
		}

		cfg := testConfig(t)
		cfg.Debug = true
		gw := newGateway(cfg, store.NewMockStore(), &fakeRemote{}, testLogger(), buf)

		rec := do(t, gw, http.MethodGet, "/logs?offset=1&limit=2", "")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp LogsResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, 1, resp.Offset)
		assert.Equal(t, 2, resp.Limit)
		assert.Equal(t, 5, resp.Total)
		require.Len(t, resp.Logs, 2)
		assert.Contains(t, resp.Logs[0], "INFO - line n=1")
		assert.Contains(t, resp.Logs[1], "INFO - line n=2")

		rec = do(t, gw, http.MethodGet, "/logs", "")
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, 100, resp.Limit)
		assert.Len(t, resp.Logs, 5)

		rec = do(t, gw, http.MethodGet, "/logs?limit=-1", "")
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})
}

func TestRoutes_PathPrefix(t *testing.T) {
	gw, _, _ := newTestGateway(t, func(c *config.Config) { c.Server.PathPrefix = "/api" })

	rec := do(t, gw, http.MethodPost, "/api/conversation", `{"conversation_id":"c1","message":"hi"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, gw, http.MethodPost, "/conversation", `{"conversation_id":"c1","message":"hi"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, gw, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRoutes_CORSWildcardOmitsCredentials(t *testing.T) {
	gw, _, _ := newTestGateway(t)
	require.Equal(t, []string{"*"}, gw.config.Server.AllowedOrigins)

	req := httptest.NewRequest(http.MethodOptions, "/conversation", nil)
	req.Header.Set("Origin", "https://anywhere.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Credentials"))
}

func TestRoutes_CORSAndRequestID(t *testing.T) {
	gw, _, _ := newTestGateway(t, func(c *config.Config) {
		c.Server.AllowedOrigins = []string{"https://app.example.com"}
	})

	req := httptest.NewRequest(http.MethodOptions, "/conversation", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(requestIDHeader, "req-123")
	rec = httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "req-123", rec.Header().Get(requestIDHeader))

	rec = do(t, gw, http.MethodGet, "/health", "")
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))
}

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)

	tests := []struct {
		input string
		want  time.Time
	}{
		{"2025-03-04T05:06:07Z", want},
		{"2025-03-04T07:06:07+02:00", want},
		{"2025-03-04T05:06:07", want},
		{"2025-03-04 05:06:07", want},
		{"2025-03-04T05:06:07.250", want.Add(250 * time.Millisecond)},
		{"2025-03-04", time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseTimestamp(tt.input)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %v", got)
			assert.Equal(t, time.UTC, got.Location())
		})
	}

	_, err := ParseTimestamp("03/04/2025")
	assert.Error(t, err)
}

func TestSendServiceError_Internal(t *testing.T) {
	gw, _, _ := newTestGateway(t)

	rec := httptest.NewRecorder()
	gw.sendServiceError(rec, context.DeadlineExceeded)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal server error", decode(t, rec)["detail"])
}
