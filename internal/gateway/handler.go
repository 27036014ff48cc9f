package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/Vovarama1992/wa-gateway/internal/chatid"
)

type Outbound interface {
	Dispatch(ctx context.Context, req SendRequest) (*Message, error)
}

type SessionControl interface {
	State() State
	Ready() bool
	ClearSession(ctx context.Context) error
}

type MessageLog interface {
	Recent(ctx context.Context, limit int) ([]Message, error)
	Clear(ctx context.Context) error
}

type Handler struct {
	outbound Outbound
	session  SessionControl
	history  MessageLog
	logger   *slog.Logger
}

func NewHandler(outbound Outbound, session SessionControl, history MessageLog, logger *slog.Logger) *Handler {
	return &Handler{
		outbound: outbound,
		session:  session,
		history:  history,
		logger:   logger,
	}
}

type sendPayload struct {
	Number  string  `json:"number"`
	Message string  `json:"message"`
	Token   *string `json:"token"`
}

// HandleWebhookSend sends on behalf of the production automation.
func (h *Handler) HandleWebhookSend(w http.ResponseWriter, r *http.Request) {
	h.webhookSend(w, r, SourceWebhookProd)
}

// HandleWebhookTest is HandleWebhookSend tagged as test traffic.
func (h *Handler) HandleWebhookTest(w http.ResponseWriter, r *http.Request) {
	h.webhookSend(w, r, SourceWebhookTest)
}

func (h *Handler) webhookSend(w http.ResponseWriter, r *http.Request, source Source) {
	var p sendPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	msg, err := h.outbound.Dispatch(r.Context(), SendRequest{
		Number: p.Number,
		Body:   p.Message,
		Source: source,
		Token:  p.Token,
	})
	if err != nil {
		h.fail(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Message sent successfully",
		"data":    msg,
	})
}

// HandleSend sends from the operator web page. No token is checked.
func (h *Handler) HandleSend(w http.ResponseWriter, r *http.Request) {
	var p sendPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	if _, err := h.outbound.Dispatch(r.Context(), SendRequest{
		Number: p.Number,
		Body:   p.Message,
		Source: SourceWebUI,
	}); err != nil {
		h.fail(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *Handler) HandleClearLogs(w http.ResponseWriter, r *http.Request) {
	if err := h.history.Clear(r.Context()); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// HandleClearSession answers once the old session is gone; the new one comes
// up in the background and announces itself with SESSION_RESET.
func (h *Handler) HandleClearSession(w http.ResponseWriter, r *http.Request) {
	if err := h.session.ClearSession(r.Context()); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *Handler) HandleRecent(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "limit must be a number")
			return
		}
		limit = n
	}

	msgs, err := h.history.Recent(r.Context(), limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"state": h.session.State(),
		"ready": h.session.Ready(),
	})
}

// fail maps gateway errors to HTTP status codes.
func (h *Handler) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, chatid.ErrInvalidNumber):
		status = http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, ErrNotReady):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "err", err)
	}
	h.writeError(w, status, err.Error())
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"success": false,
		"error":   msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
