// ABOUTME: Service maps conversations to remote threads and dispatches messages to them
// ABOUTME: Owns the link lifecycle: provision on first message, touch on success, clean up on delete

package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/2389/thread-gateway/internal/langgraph"
	"github.com/2389/thread-gateway/internal/store"
)

const (
	defaultMaxTokens          = 10000
	defaultCleanupConcurrency = 4
	defaultCleanupTimeout     = 30 * time.Second
	streamBuffer              = 16
)

var (
	// ErrNotFound is returned when a conversation has no link.
	ErrNotFound = errors.New("conversation not found")

	// ErrInvalidRequest is returned for requests missing required fields.
	ErrInvalidRequest = errors.New("invalid request")
)

// RemoteError wraps a failure from the orchestration deployment during thread
// provisioning or message dispatch. Its message is the underlying error text.
type RemoteError struct {
	Op  string
	Err error
}

func (e *RemoteError) Error() string {
	return e.Err.Error()
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// LinkStore defines what the service needs from storage
type LinkStore interface {
	Find(ctx context.Context, conversationID string) (*store.Link, error)
	Create(ctx context.Context, conversationID, threadID string) (*store.Link, error)
	Touch(ctx context.Context, conversationID string) (*store.Link, error)
	Delete(ctx context.Context, conversationID string) (bool, error)
	DeleteInactive(ctx context.Context, before time.Time) ([]*store.Link, error)
}

// Orchestrator defines what the service needs from the remote deployment
type Orchestrator interface {
	CreateThread(ctx context.Context, metadata map[string]any) (*langgraph.Thread, error)
	DeleteThread(ctx context.Context, threadID string) error
	Wait(ctx context.Context, threadID string, req *langgraph.RunRequest) (json.RawMessage, error)
	StreamRun(ctx context.Context, threadID string, req *langgraph.RunRequest) (*langgraph.EventStream, error)
}

// Config holds the run parameters applied to every dispatch.
type Config struct {
	AssistantID string
	MaxTokens   int

	// CleanupConcurrency bounds parallel remote deletes during a sweep.
	CleanupConcurrency int
	// CleanupTimeout bounds each best-effort remote delete.
	CleanupTimeout time.Duration
}

// Service is the conversation layer between the HTTP surface, the link
// store and the orchestration deployment.
type Service struct {
	store  LinkStore
	remote Orchestrator
	cfg    Config
	logger *slog.Logger
}

// New creates a new conversation Service
func New(links LinkStore, remote Orchestrator, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.CleanupConcurrency <= 0 {
		cfg.CleanupConcurrency = defaultCleanupConcurrency
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = defaultCleanupTimeout
	}
	return &Service{
		store:  links,
		remote: remote,
		cfg:    cfg,
		logger: logger.With("component", "conversation"),
	}
}

// Request is one inbound user message.
type Request struct {
	ConversationID string
	Message        string
	Images         []json.RawMessage
}

func (r *Request) validate() error {
	if r == nil || strings.TrimSpace(r.ConversationID) == "" {
		return fmt.Errorf("%w: conversation_id is required", ErrInvalidRequest)
	}
	return nil
}

// Reply is the result of a synchronous dispatch. Found is false when the run
// finished without any assistant message.
type Reply struct {
	ThreadID string
	Text     string
	Found    bool
}

// Chunk is one streamed fragment. A chunk with Err set is the last one sent.
type Chunk struct {
	Text string
	Err  error
}

// Send dispatches a message and waits for the run to complete.
func (s *Service) Send(ctx context.Context, req *Request) (*Reply, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	link, err := s.ensureLink(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}

	state, err := s.remote.Wait(ctx, link.ThreadID, s.runRequest(req, false))
	if err != nil {
		s.logger.Error("run failed",
			"conversation_id", req.ConversationID,
			"thread_id", link.ThreadID,
			"error", err)
		return nil, &RemoteError{Op: "run", Err: err}
	}

	text, found := LastAIMessage(state)
	if !found {
		s.logger.Warn("no assistant message in thread state",
			"conversation_id", req.ConversationID,
			"thread_id", link.ThreadID)
	}

	if _, err := s.store.Touch(ctx, req.ConversationID); err != nil {
		return nil, fmt.Errorf("touching link: %w", err)
	}

	return &Reply{ThreadID: link.ThreadID, Text: text, Found: found}, nil
}

// Stream dispatches a message and returns a channel of text fragments in the
// order the deployment produced them. The channel closes when the run ends or
// ctx is canceled. The link is touched only after a clean, uncanceled finish.
func (s *Service) Stream(ctx context.Context, req *Request) (<-chan Chunk, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	link, err := s.ensureLink(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}

	events, err := s.remote.StreamRun(ctx, link.ThreadID, s.runRequest(req, true))
	if err != nil {
		s.logger.Error("opening run stream failed",
			"conversation_id", req.ConversationID,
			"thread_id", link.ThreadID,
			"error", err)
		return nil, &RemoteError{Op: "stream", Err: err}
	}

	out := make(chan Chunk, streamBuffer)
	go s.forward(ctx, req.ConversationID, link.ThreadID, events, out)
	return out, nil
}

// forward relays assistant deltas from the event stream to out.
func (s *Service) forward(ctx context.Context, conversationID, threadID string, events *langgraph.EventStream, out chan<- Chunk) {
	defer close(out)
	defer events.Close()

	var tracker deltaTracker
	fragments := 0

	for {
		ev, err := events.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				s.logger.Debug("stream canceled by caller", "conversation_id", conversationID)
				return
			}
			s.logger.Error("run stream failed",
				"conversation_id", conversationID,
				"thread_id", threadID,
				"error", err)
			select {
			case out <- Chunk{Err: &RemoteError{Op: "stream", Err: err}}:
			case <-ctx.Done():
			}
			return
		}

		if ev.Event != langgraph.EventValues {
			continue
		}
		delta := tracker.Next(ev.Data)
		if delta == "" {
			continue
		}

		select {
		case out <- Chunk{Text: delta}:
			fragments++
		case <-ctx.Done():
			s.logger.Debug("stream canceled by caller", "conversation_id", conversationID)
			return
		}
	}

	if ctx.Err() != nil {
		return
	}

	if _, err := s.store.Touch(ctx, conversationID); err != nil {
		s.logger.Error("failed to touch link after stream",
			"conversation_id", conversationID,
			"error", err)
		return
	}
	s.logger.Debug("stream completed", "conversation_id", conversationID, "fragments", fragments)
}

// Get returns the link for a conversation.
func (s *Service) Get(ctx context.Context, conversationID string) (*store.Link, error) {
	link, err := s.store.Find(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding link: %w", err)
	}
	return link, nil
}

// Delete removes a conversation's link. The remote thread is deleted first on
// a best-effort basis; its failure never blocks the local delete.
func (s *Service) Delete(ctx context.Context, conversationID string) (bool, error) {
	link, err := s.Get(ctx, conversationID)
	if err != nil {
		return false, err
	}

	s.discardThread(ctx, link.ThreadID, "delete")

	deleted, err := s.store.Delete(ctx, conversationID)
	if err != nil {
		return false, fmt.Errorf("deleting link: %w", err)
	}

	s.logger.Info("conversation deleted",
		"conversation_id", conversationID,
		"thread_id", link.ThreadID,
		"deleted", deleted)
	return deleted, nil
}

// DeleteInactive removes every link last used before the cutoff and then
// deletes the remote threads behind them. It returns the number of links
// removed, which may be non-zero alongside an error.
func (s *Service) DeleteInactive(ctx context.Context, before time.Time) (int, error) {
	// A failing backend may still report links it removed before the error;
	// their threads are cleaned up like any others.
	links, sweepErr := s.store.DeleteInactive(ctx, before)

	var g errgroup.Group
	g.SetLimit(s.cfg.CleanupConcurrency)
	for _, link := range links {
		g.Go(func() error {
			s.discardThread(ctx, link.ThreadID, "sweep")
			return nil
		})
	}
	_ = g.Wait()

	if sweepErr != nil {
		s.logger.Error("inactive sweep incomplete", "before", before, "deleted_count", len(links), "error", sweepErr)
		return len(links), fmt.Errorf("deleting inactive links: %w", sweepErr)
	}

	s.logger.Info("inactive conversations swept", "before", before, "deleted_count", len(links))
	return len(links), nil
}

// ensureLink returns the existing link or provisions a thread and links it.
func (s *Service) ensureLink(ctx context.Context, conversationID string) (*store.Link, error) {
	link, err := s.store.Find(ctx, conversationID)
	if err == nil {
		return link, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("finding link: %w", err)
	}

	thread, err := s.remote.CreateThread(ctx, map[string]any{"conversation_id": conversationID})
	if err != nil {
		s.logger.Error("thread provisioning failed", "conversation_id", conversationID, "error", err)
		return nil, &RemoteError{Op: "create thread", Err: err}
	}

	link, err = s.store.Create(ctx, conversationID, thread.ThreadID)
	if err == nil {
		s.logger.Info("conversation linked", "conversation_id", conversationID, "thread_id", thread.ThreadID)
		return link, nil
	}

	// Either way the thread we just provisioned has no link pointing at it
	s.discardThread(ctx, thread.ThreadID, "orphan")

	if !errors.Is(err, store.ErrConflict) {
		return nil, fmt.Errorf("creating link: %w", err)
	}

	// A concurrent request linked this conversation first
	existing, lookupErr := s.store.Find(ctx, conversationID)
	if lookupErr != nil {
		s.logger.Error("lookup after duplicate link failed",
			"conversation_id", conversationID,
			"error", lookupErr)
		return nil, fmt.Errorf("finding link after conflict: %w", lookupErr)
	}
	s.logger.Debug("adopted concurrently created link",
		"conversation_id", conversationID,
		"thread_id", existing.ThreadID,
		"discarded_thread_id", thread.ThreadID)
	return existing, nil
}

// discardThread deletes a remote thread. Failures are logged and swallowed;
// the caller's local change proceeds regardless.
func (s *Service) discardThread(ctx context.Context, threadID, reason string) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.CleanupTimeout)
	defer cancel()

	err := s.remote.DeleteThread(cleanupCtx, threadID)
	switch {
	case err == nil:
		s.logger.Debug("remote thread deleted", "thread_id", threadID, "reason", reason)
	case langgraph.IsNotFound(err):
		s.logger.Debug("remote thread already gone", "thread_id", threadID, "reason", reason)
	default:
		s.logger.Warn("remote thread cleanup failed",
			"thread_id", threadID,
			"reason", reason,
			"error", err)
	}
}

func (s *Service) runRequest(req *Request, stream bool) *langgraph.RunRequest {
	run := &langgraph.RunRequest{
		AssistantID: s.cfg.AssistantID,
		Input: langgraph.RunInput{
			Messages: []langgraph.InputMessage{{Role: "user", Content: req.Message}},
			Images:   req.Images,
		},
		Config: &langgraph.RunConfig{Configurable: map[string]any{
			"response_model_kwargs": map[string]any{"max_tokens": s.cfg.MaxTokens},
		}},
	}
	if stream {
		run.StreamMode = []string{langgraph.EventValues, langgraph.EventDebug}
	}
	return run
}
