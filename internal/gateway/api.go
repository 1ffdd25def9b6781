// ABOUTME: HTTP API handlers for conversation dispatch, deletion, sweeps and debug logs
// ABOUTME: Routes are served by chi under an optional path prefix with CORS applied

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/2389/thread-gateway/internal/conversation"
)

const (
	defaultLogLimit = 100
	maxRequestBody  = 32 << 20
)

// ConversationRequest is the JSON request body for POST /conversation.
type ConversationRequest struct {
	ConversationID string            `json:"conversation_id"`
	Message        *string           `json:"message"`
	Stream         bool              `json:"stream,omitempty"`
	Images         []json.RawMessage `json:"images,omitempty"`
}

// ConversationTextResponse is the JSON response for a synchronous dispatch.
// Response is null when the run produced no assistant message.
type ConversationTextResponse struct {
	Response *string `json:"response"`
}

// ConversationResponse is the JSON response for GET /conversation/{id}.
type ConversationResponse struct {
	ConversationID string `json:"conversation_id"`
	ThreadID       string `json:"thread_id"`
	LastUsed       string `json:"last_used"`
}

// DeleteResponse is the JSON response for DELETE /conversation/{id}.
type DeleteResponse struct {
	Deleted bool `json:"deleted"`
}

// DeleteInactiveResponse is the JSON response for DELETE /conversation/inactive.
type DeleteInactiveResponse struct {
	DeletedCount int `json:"deleted_count"`
}

// LogsResponse is the JSON response for GET /logs.
type LogsResponse struct {
	Logs   []string `json:"logs"`
	Offset int      `json:"offset"`
	Limit  int      `json:"limit"`
	Total  int      `json:"total"`
}

// routes builds the HTTP handler.
func (g *Gateway) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(requestID)
	r.Use(g.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(corsOptions(g.config.Server.AllowedOrigins)))

	// Health endpoints stay at the root regardless of prefix
	r.Get("/health", g.handleHealth)
	r.Get("/health/ready", g.handleReady)

	api := func(r chi.Router) {
		r.Post("/conversation", g.handleConversation)
		r.Delete("/conversation/inactive", g.handleDeleteInactive)
		r.Get("/conversation/{conversationID}", g.handleGetConversation)
		r.Delete("/conversation/{conversationID}", g.handleDeleteConversation)
		r.Get("/logs", g.handleLogs)
	}

	if prefix := g.config.Server.PathPrefix; prefix != "" {
		r.Route(prefix, api)
	} else {
		api(r)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		sendJSONError(w, http.StatusNotFound, "Not Found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		sendJSONError(w, http.StatusMethodNotAllowed, "Method Not Allowed")
	})

	return r
}

// corsOptions allows credentials only for an explicit origin list; browsers
// reject credentialed responses that carry a wildcard origin.
func corsOptions(origins []string) cors.Options {
	wildcard := len(origins) == 0
	for _, o := range origins {
		if o == "*" {
			wildcard = true
		}
	}
	return cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{requestIDHeader},
		AllowCredentials: !wildcard,
	}
}

// handleConversation handles POST /conversation.
// It replies with {"response": ...} or, when stream is set, a chunked text body.
func (g *Gateway) handleConversation(w http.ResponseWriter, r *http.Request) {
	body, err := parseConversationRequest(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		sendJSONError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	req := &conversation.Request{
		ConversationID: body.ConversationID,
		Message:        *body.Message,
		Images:         body.Images,
	}

	if body.Stream {
		g.streamConversation(w, r, req)
		return
	}

	reply, err := g.conversation.Send(r.Context(), req)
	if err != nil {
		g.sendServiceError(w, err)
		return
	}

	resp := ConversationTextResponse{}
	if reply.Found {
		resp.Response = &reply.Text
	}
	writeJSON(w, http.StatusOK, resp)
}

// streamConversation writes assistant text fragments as they arrive.
func (g *Gateway) streamConversation(w http.ResponseWriter, r *http.Request, req *conversation.Request) {
	// Check streaming support before dispatching (fail fast)
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	chunks, err := g.conversation.Stream(r.Context(), req)
	if err != nil {
		g.sendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for chunk := range chunks {
		if chunk.Err != nil {
			// Headers are already sent; ending the body early is all that is left
			g.logger.Error("stream aborted",
				"conversation_id", req.ConversationID,
				"error", chunk.Err)
			return
		}
		if _, err := io.WriteString(w, chunk.Text); err != nil {
			g.logger.Debug("client went away during stream", "conversation_id", req.ConversationID, "error", err)
			return
		}
		flusher.Flush()
	}
}

// handleGetConversation handles GET /conversation/{conversationID}.
func (g *Gateway) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	link, err := g.conversation.Get(r.Context(), chi.URLParam(r, "conversationID"))
	if err != nil {
		g.sendServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ConversationResponse{
		ConversationID: link.ConversationID,
		ThreadID:       link.ThreadID,
		LastUsed:       link.LastUsed.UTC().Format(time.RFC3339Nano),
	})
}

// handleDeleteConversation handles DELETE /conversation/{conversationID}.
func (g *Gateway) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	deleted, err := g.conversation.Delete(r.Context(), chi.URLParam(r, "conversationID"))
	if err != nil {
		g.sendServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, DeleteResponse{Deleted: deleted})
}

// handleDeleteInactive handles DELETE /conversation/inactive?unused_from=<timestamp>.
func (g *Gateway) handleDeleteInactive(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("unused_from")
	if raw == "" {
		sendJSONError(w, http.StatusUnprocessableEntity, "unused_from is required")
		return
	}
	cutoff, err := ParseTimestamp(raw)
	if err != nil {
		sendJSONError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	count, err := g.conversation.DeleteInactive(r.Context(), cutoff)
	if err != nil {
		g.sendServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, DeleteInactiveResponse{DeletedCount: count})
}

// handleLogs handles GET /logs?offset=&limit=. It only exists in debug mode.
func (g *Gateway) handleLogs(w http.ResponseWriter, r *http.Request) {
	if !g.config.Debug {
		sendJSONError(w, http.StatusNotFound, "Not Found")
		return
	}

	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		sendJSONError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	limit, err := queryInt(r, "limit", defaultLogLimit)
	if err != nil {
		sendJSONError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	lines, total := []string{}, g.logs.Len()
	if limit > 0 {
		lines, total = g.logs.Lines(offset, limit)
	}
	writeJSON(w, http.StatusOK, LogsResponse{
		Logs:   lines,
		Offset: offset,
		Limit:  limit,
		Total:  total,
	})
}

// sendServiceError maps conversation errors onto HTTP statuses.
func (g *Gateway) sendServiceError(w http.ResponseWriter, err error) {
	var remoteErr *conversation.RemoteError
	switch {
	case errors.Is(err, conversation.ErrNotFound):
		sendJSONError(w, http.StatusNotFound, "Conversation not found")
	case errors.Is(err, conversation.ErrInvalidRequest):
		sendJSONError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &remoteErr):
		sendJSONError(w, http.StatusInternalServerError, remoteErr.Error())
	default:
		g.logger.Error("request failed", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// parseConversationRequest decodes and validates a ConversationRequest.
func parseConversationRequest(r io.Reader) (*ConversationRequest, error) {
	var req ConversationRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}

	if strings.TrimSpace(req.ConversationID) == "" {
		return nil, errors.New("conversation_id is required")
	}
	if req.Message == nil {
		return nil, errors.New("message is required")
	}

	return &req, nil
}

// timestampLayouts are tried in order by ParseTimestamp.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// ParseTimestamp accepts RFC 3339, naive ISO 8601 (interpreted as UTC) or a
// bare date.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return v, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sendJSONError writes a JSON error response.
func sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"detail": message})
}
