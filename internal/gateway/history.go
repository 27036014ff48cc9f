package gateway

import (
	"context"
	"log/slog"
)

const MaxRecent = 100

// History exposes the message log to the UI.
type History struct {
	repo   Repo
	live   Broadcaster
	limit  int
	logger *slog.Logger
}

func NewHistory(repo Repo, live Broadcaster, limit int, logger *slog.Logger) *History {
	if limit <= 0 || limit > MaxRecent {
		limit = MaxRecent
	}
	return &History{repo: repo, live: live, limit: limit, logger: logger}
}

// Recent returns up to limit messages, newest first. A non-positive limit
// means the configured default.
func (h *History) Recent(ctx context.Context, limit int) ([]Message, error) {
	if limit <= 0 || limit > h.limit {
		limit = h.limit
	}
	msgs, err := h.repo.ListRecent(ctx, limit)
	if err != nil {
		return nil, &StoreError{Op: "list recent", Err: err}
	}
	return msgs, nil
}

func (h *History) Clear(ctx context.Context) error {
	if err := h.repo.ClearMessages(ctx); err != nil {
		return &StoreError{Op: "clear messages", Err: err}
	}
	h.logger.Info("message log cleared")
	h.live.Publish(LiveEvent{Event: EventStatus, Data: StatusLogsCleared})
	return nil
}
