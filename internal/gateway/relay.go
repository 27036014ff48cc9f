package gateway

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/Vovarama1992/wa-gateway/internal/chatid"
)

// DeliveryOutcome is the result of one webhook delivery attempt.
type DeliveryOutcome struct {
	Target string
	Err    error
}

// Relay handles messages received by the session: persist, show live, and
// forward to every configured webhook target.
type Relay struct {
	repo      Repo
	live      Broadcaster
	forwarder Forwarder
	targets   []WebhookTarget
	logger    *slog.Logger

	// in-flight background deliveries
	wg sync.WaitGroup
}

func NewRelay(repo Repo, live Broadcaster, forwarder Forwarder, targets []WebhookTarget, logger *slog.Logger) *Relay {
	return &Relay{
		repo:      repo,
		live:      live,
		forwarder: forwarder,
		targets:   targets,
		logger:    logger,
	}
}

type webhookPayload struct {
	From       string    `json:"from"`
	To         string    `json:"to"`
	Body       string    `json:"body"`
	ID         string    `json:"id"`
	IsGroupMsg bool      `json:"isGroupMsg"`
	Author     string    `json:"author,omitempty"`
	PushName   string    `json:"pushName,omitempty"`
	Direction  Direction `json:"direction"`
	Timestamp  int64     `json:"timestamp"`
	Source     Source    `json:"source"`
}

// Handle stores and broadcasts the message, then forwards it to the webhook
// targets in the background. It returns as soon as the message is recorded;
// Wait drains the deliveries still in flight.
func (r *Relay) Handle(ctx context.Context, in InboundMessage) {
	msg := r.Record(ctx, in)
	if len(r.targets) == 0 {
		return
	}

	ctx = context.WithoutCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.Deliver(ctx, in, msg)
	}()
}

// Record persists the message and publishes it to live viewers. Storage
// errors are logged; the broadcast happens regardless.
func (r *Relay) Record(ctx context.Context, in InboundMessage) *Message {
	msg := &Message{
		Direction:  DirectionIncoming,
		From:       string(in.From),
		To:         string(in.To),
		Body:       in.Body,
		ExternalID: in.ExternalID,
		IsGroup:    in.IsGroup,
		Source:     SourceInbound,
		Timestamp:  in.Timestamp,
		Raw:        in.Raw,
	}

	if err := r.repo.SaveMessage(ctx, msg); err != nil {
		r.logger.Error("save inbound message failed",
			"err", &StoreError{Op: "save message", Err: err},
			"id", msg.ExternalID,
		)
	}

	r.live.Publish(LiveEvent{Event: EventMessage, Data: msg})
	r.logger.Info("incoming message",
		"from", chatid.DisplayForm(in.From),
		"id", msg.ExternalID,
		"group", msg.IsGroup,
		"body_len", len(msg.Body),
	)
	return msg
}

// Deliver forwards msg to every target and blocks until each attempt is
// done. A failing target never affects the others.
func (r *Relay) Deliver(ctx context.Context, in InboundMessage, msg *Message) []DeliveryOutcome {
	if len(r.targets) == 0 {
		return nil
	}

	outcomes := r.fanOut(ctx, in, msg)

	delivered := 0
	for _, o := range outcomes {
		if o.Err == nil {
			delivered++
		}
	}
	r.logger.Info("forwarded incoming message",
		"id", msg.ExternalID,
		"targets", len(outcomes),
		"delivered", delivered,
	)

	return outcomes
}

// Wait blocks until background deliveries finish or ctx is done.
func (r *Relay) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fanOut makes exactly one attempt per target, concurrently.
func (r *Relay) fanOut(ctx context.Context, in InboundMessage, msg *Message) []DeliveryOutcome {
	outcomes := make([]DeliveryOutcome, len(r.targets))

	var g errgroup.Group
	for i, target := range r.targets {
		payload := webhookPayload{
			From:       chatid.DisplayForm(in.From),
			To:         chatid.DisplayForm(in.To),
			Body:       msg.Body,
			ID:         msg.ExternalID,
			IsGroupMsg: msg.IsGroup,
			Author:     in.Author,
			PushName:   in.PushName,
			Direction:  msg.Direction,
			Timestamp:  msg.Timestamp,
			Source:     target.Source,
		}
		g.Go(func() error {
			outcomes[i] = DeliveryOutcome{Target: target.Label}
			if err := r.forwarder.Forward(ctx, target, payload); err != nil {
				outcomes[i].Err = &TransportError{Target: target.Label, Err: err}
				r.logger.Warn("webhook delivery failed",
					"target", target.Label,
					"id", msg.ExternalID,
					"err", err,
				)
			}
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}
