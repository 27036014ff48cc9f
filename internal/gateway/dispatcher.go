package gateway

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"strings"
	"time"

	"github.com/Vovarama1992/wa-gateway/internal/chatid"
	"github.com/Vovarama1992/wa-gateway/internal/config"
)

// OwnAddress is the From value recorded on outgoing messages.
const OwnAddress = "me"

// Sender is the part of Session the dispatcher needs.
type Sender interface {
	Ready() bool
	Send(ctx context.Context, to chatid.ChatID, body string) (SendResult, error)
}

// SendRequest is an outbound send as received from HTTP. Token is nil when
// the caller did not supply one.
type SendRequest struct {
	Number string
	Body   string
	Source Source
	Token  *string
}

type Dispatcher struct {
	sender     Sender
	repo       Repo
	live       Broadcaster
	normalizer chatid.Normalizer
	secret     string
	policy     config.TokenPolicy
	logger     *slog.Logger
	now        func() time.Time
}

func NewDispatcher(
	sender Sender,
	repo Repo,
	live Broadcaster,
	normalizer chatid.Normalizer,
	secret string,
	policy config.TokenPolicy,
	logger *slog.Logger,
) *Dispatcher {
	return &Dispatcher{
		sender:     sender,
		repo:       repo,
		live:       live,
		normalizer: normalizer,
		secret:     secret,
		policy:     policy,
		logger:     logger,
		now:        time.Now,
	}
}

// Dispatch sends one outbound message. Nothing is sent unless the token,
// the request and the session all check out; a message that was sent is
// reported as sent even if it could not be stored.
func (d *Dispatcher) Dispatch(ctx context.Context, req SendRequest) (*Message, error) {
	if err := d.checkToken(req); err != nil {
		return nil, err
	}

	number := strings.TrimSpace(req.Number)
	if number == "" || strings.TrimSpace(req.Body) == "" {
		return nil, ErrValidation
	}

	if !d.sender.Ready() {
		return nil, ErrNotReady
	}

	to, err := d.normalizer.Normalize(number)
	if err != nil {
		return nil, err
	}

	res, err := d.sender.Send(ctx, to, req.Body)
	if err != nil {
		d.logger.Error("send failed", "to", chatid.DisplayForm(to), "source", req.Source, "err", err)
		return nil, err
	}

	ts := res.Timestamp
	if ts == 0 {
		ts = d.now().UnixMilli()
	}

	msg := &Message{
		Direction:  DirectionOutgoing,
		From:       OwnAddress,
		To:         string(to),
		Body:       req.Body,
		ExternalID: res.ExternalID,
		IsGroup:    chatid.IsGroup(to),
		Source:     req.Source,
		Timestamp:  ts,
	}

	if err := d.repo.SaveMessage(ctx, msg); err != nil {
		d.logger.Error("save outgoing message failed",
			"err", &StoreError{Op: "save message", Err: err},
			"id", msg.ExternalID,
		)
	}

	d.live.Publish(LiveEvent{Event: EventMessage, Data: msg})
	d.logger.Info("message sent",
		"to", chatid.DisplayForm(to),
		"id", msg.ExternalID,
		"source", req.Source,
	)

	return msg, nil
}

func (d *Dispatcher) checkToken(req SendRequest) error {
	if d.secret == "" {
		return nil
	}
	if req.Source != SourceWebhookTest && req.Source != SourceWebhookProd {
		return nil
	}

	var got string
	if req.Token != nil {
		got = *req.Token
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(d.secret)) == 1 {
		return nil
	}

	if d.policy == config.TokenPermissive {
		d.logger.Warn("webhook token missing or invalid, continuing", "source", req.Source, "provided", req.Token != nil)
		return nil
	}
	d.logger.Warn("webhook token rejected", "source", req.Source, "provided", req.Token != nil)
	return ErrUnauthorized
}
