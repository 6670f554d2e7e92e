// Package api exposes a comparison session over HTTP: JSON endpoints for
// the conversation operations and an SSE stream of session events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/duelchat/internal/arbiter"
	"github.com/ashureev/duelchat/internal/domain"
	"github.com/ashureev/duelchat/internal/identity"
	"github.com/ashureev/duelchat/internal/readiness"
	"github.com/ashureev/duelchat/internal/session"
	"github.com/containerd/errdefs"
	"github.com/go-chi/chi/v5"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20

// Controller is the session surface the API drives.
type Controller interface {
	Submit(ctx context.Context, prompt string) (domain.Conversation, error)
	Redispatch(ctx context.Context) error
	NewConversation(ctx context.Context) (domain.Conversation, error)
	Describe(ctx context.Context, id string) (domain.Conversation, error)
	Delete(ctx context.Context, id string) error
	Select(ctx context.Context, producer domain.Producer) (domain.Conversation, error)
	Conversations() []domain.Conversation
	Active() string
	Producers() []domain.Producer
	Tally() map[domain.Producer]int
	Texts() map[domain.Producer]string
	Stream(ctx context.Context, producer domain.Producer) iter.Seq[string]
	ConnectionState() domain.ConnectionState
	IsReady() bool
	Missing() []readiness.Fact
	Profile() domain.Profile
}

// Options configures a Handler.
type Options struct {
	KeepaliveInterval  time.Duration
	ClientRetry        time.Duration
	MaxRequestBodySize int64
	Logger             *slog.Logger
}

// Handler serves the session API.
type Handler struct {
	ctrl   Controller
	events *Broadcaster
	opts   Options
	logger *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(ctrl Controller, events *Broadcaster, opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = 10 * time.Second
	}
	if opts.ClientRetry <= 0 {
		opts.ClientRetry = 5 * time.Second
	}
	if opts.MaxRequestBodySize <= 0 {
		opts.MaxRequestBodySize = defaultMaxRequestBodySize
	}
	return &Handler{ctrl: ctrl, events: events, opts: opts, logger: opts.Logger}
}

// RegisterRoutes registers the session routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/state", h.GetState)
		r.Get("/events", h.HandleStream)
		r.Get("/stream/{producer}", h.HandleProducerStream)

		r.Group(func(r chi.Router) {
			r.Use(h.requireReady)
			r.Get("/conversations", h.ListConversations)
			r.Post("/conversations", h.CreateConversation)
			r.Get("/conversations/{id}", h.DescribeConversation)
			r.Delete("/conversations/{id}", h.DeleteConversation)
			r.Post("/prompt", h.SubmitPrompt)
			r.Post("/redispatch", h.Redispatch)
			r.Post("/select/{producer}", h.SelectProducer)
		})
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

func (h *Handler) requireReady(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.ctrl.IsReady() {
			Error(w, http.StatusServiceUnavailable, "session initializing")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// errorStatus maps controller errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrEmptyPrompt), errdefs.IsInvalidArgument(err):
		return http.StatusBadRequest
	case errdefs.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, arbiter.ErrSelectionInFlight), errdefs.IsConflict(err),
		errors.Is(err, session.ErrNoActiveConversation):
		return http.StatusConflict
	case errors.Is(err, arbiter.ErrNothingToSelect):
		return http.StatusUnprocessableEntity
	case errors.Is(err, session.ErrNotStarted), errdefs.IsUnavailable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		attrs := []any{"op", op, "error", err, "path", r.URL.Path, "ip", identity.IPFromRequest(r)}
		if id, ok := identity.FromContext(r.Context()); ok {
			attrs = append(attrs, "identity_id", id.IdentityID)
		}
		h.logger.Error("Request failed", attrs...)
	}
	Error(w, status, err.Error())
}

// producerParam reads the {producer} path parameter. Roles are matched
// case-insensitively, as fragments are.
func producerParam(r *http.Request) domain.Producer {
	return domain.Producer(strings.ToLower(strings.TrimSpace(chi.URLParam(r, "producer"))))
}

type stateResponse struct {
	Ready          bool                       `json:"ready"`
	Missing        []readiness.Fact           `json:"missing,omitempty"`
	IdentityID     string                     `json:"identity_id,omitempty"`
	Anonymous      bool                       `json:"anonymous"`
	Email          string                     `json:"email,omitempty"`
	Connection     string                     `json:"connection"`
	Reconnecting   bool                       `json:"reconnecting"`
	Active         string                     `json:"active_conversation,omitempty"`
	Producers      []domain.Producer          `json:"producers"`
	Texts          map[domain.Producer]string `json:"texts"`
	Tally          map[domain.Producer]int    `json:"tally"`
	LastEventID    int64                      `json:"last_event_id"`
	SSEConnections int                        `json:"sse_connections"`
}

// GetState returns a snapshot of the session.
func (h *Handler) GetState(w http.ResponseWriter, r *http.Request) {
	ready := h.ctrl.IsReady()
	conn := h.ctrl.ConnectionState()
	var identityID string
	if id, ok := identity.FromContext(r.Context()); ok {
		identityID = id.IdentityID
	}
	JSON(w, http.StatusOK, stateResponse{
		IdentityID:     identityID,
		Anonymous:      identityID != "" && identity.IsAnonymous(identityID),
		Ready:          ready,
		Missing:        h.ctrl.Missing(),
		Email:          h.ctrl.Profile().Email,
		Connection:     conn.String(),
		Reconnecting:   ready && conn != domain.ConnectionConnected,
		Active:         h.ctrl.Active(),
		Producers:      h.ctrl.Producers(),
		Texts:          h.ctrl.Texts(),
		Tally:          h.ctrl.Tally(),
		LastEventID:    h.events.LastEventID(),
		SSEConnections: h.events.Connections(),
	})
}

// ListConversations returns the history, newest first.
func (h *Handler) ListConversations(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]any{
		"active":        h.ctrl.Active(),
		"conversations": summarize(h.ctrl.Conversations()),
	})
}

// CreateConversation starts an empty conversation.
func (h *Handler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := h.ctrl.NewConversation(r.Context())
	if err != nil {
		h.fail(w, r, "new_conversation", err)
		return
	}
	JSON(w, http.StatusCreated, conv)
}

// DescribeConversation loads a conversation and makes it active.
func (h *Handler) DescribeConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := h.ctrl.Describe(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "describe", err)
		return
	}
	JSON(w, http.StatusOK, conv)
}

// DeleteConversation removes a conversation.
func (h *Handler) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, "delete", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type promptRequest struct {
	Message string `json:"message"`
}

// SubmitPrompt starts a new turn. On failure the prompt is echoed back so
// the client can restore it.
func (h *Handler) SubmitPrompt(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxRequestBodySize)

	var req promptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	conv, err := h.ctrl.Submit(r.Context(), req.Message)
	if err != nil {
		status := errorStatus(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("Prompt submission failed", "error", err)
		}
		body := map[string]string{"error": err.Error()}
		var perr *session.PromptError
		if errors.As(err, &perr) {
			body["prompt"] = perr.Prompt
		}
		if conv.ID != "" {
			body["conversation_id"] = conv.ID
		}
		JSON(w, status, body)
		return
	}
	JSON(w, http.StatusAccepted, conv)
}

// Redispatch re-sends the active conversation to the producers.
func (h *Handler) Redispatch(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.Redispatch(r.Context()); err != nil {
		h.fail(w, r, "redispatch", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// SelectProducer commits a producer's reply to the active conversation.
func (h *Handler) SelectProducer(w http.ResponseWriter, r *http.Request) {
	conv, err := h.ctrl.Select(r.Context(), producerParam(r))
	if err != nil {
		h.fail(w, r, "select", err)
		return
	}
	JSON(w, http.StatusOK, conv)
}
