package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/qmuntal/stateless"

	"github.com/Vovarama1992/wa-gateway/internal/chatid"
)

// State of the single client connection.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateAwaitingQR    State = "awaiting_qr"
	StateAuthenticated State = "authenticated"
	StateReady         State = "ready"
	StateAuthFailed    State = "auth_failed"
	StateResetting     State = "resetting"
)

type trigger string

const (
	triggerInitialize    trigger = "initialize"
	triggerQR            trigger = "qr"
	triggerAuthenticated trigger = "authenticated"
	triggerReady         trigger = "ready"
	triggerAuthFailed    trigger = "auth_failed"
	triggerReset         trigger = "reset"
)

var errSessionClosed = errors.New("session closed")

// InboundHandler receives every message reported by the live client. Handle
// runs on the client's event reader and must not block on slow work.
type InboundHandler interface {
	Handle(ctx context.Context, in InboundMessage)
}

// SessionOption configures optional behavior on a Session.
type SessionOption func(*Session)

// WithResetDelay sets the settle time between tearing a session down and
// initializing its replacement.
func WithResetDelay(d time.Duration) SessionOption {
	return func(s *Session) { s.resetDelay = d }
}

func WithInboundHandler(h InboundHandler) SessionOption {
	return func(s *Session) { s.inbound = h }
}

// WithQRRenderer replaces the PNG data URL renderer.
func WithQRRenderer(fn func(code string) (string, error)) SessionOption {
	return func(s *Session) { s.renderQR = fn }
}

// Session owns the lifecycle of the one messaging client connection. Only
// Session constructs or destroys clients.
type Session struct {
	connector  Connector
	repo       Repo
	live       Broadcaster
	inbound    InboundHandler
	logger     *slog.Logger
	resetDelay time.Duration
	renderQR   func(code string) (string, error)

	// lifecycle serializes teardown-then-create sequences.
	lifecycle sync.Mutex

	mu         sync.RWMutex
	fsm        *stateless.StateMachine
	current    *instance
	lastQR     string
	resetTimer *time.Timer
	closed     bool

	pending sync.WaitGroup
}

type instance struct {
	client Client
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSession(connector Connector, repo Repo, live Broadcaster, logger *slog.Logger, opts ...SessionOption) *Session {
	s := &Session{
		connector:  connector,
		repo:       repo,
		live:       live,
		logger:     logger,
		resetDelay: 2 * time.Second,
		renderQR:   RenderQR,
		fsm:        newSessionFSM(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func newSessionFSM() *stateless.StateMachine {
	fsm := stateless.NewStateMachine(StateUninitialized)

	fsm.Configure(StateUninitialized).
		PermitReentry(triggerInitialize).
		Permit(triggerQR, StateAwaitingQR).
		Permit(triggerAuthenticated, StateAuthenticated).
		Permit(triggerReady, StateReady).
		Permit(triggerAuthFailed, StateAuthFailed).
		Permit(triggerReset, StateResetting)

	fsm.Configure(StateAwaitingQR).
		PermitReentry(triggerQR).
		Permit(triggerInitialize, StateUninitialized).
		Permit(triggerAuthenticated, StateAuthenticated).
		Permit(triggerReady, StateReady).
		Permit(triggerAuthFailed, StateAuthFailed).
		Permit(triggerReset, StateResetting)

	fsm.Configure(StateAuthenticated).
		Permit(triggerInitialize, StateUninitialized).
		Permit(triggerQR, StateAwaitingQR).
		Permit(triggerReady, StateReady).
		Permit(triggerAuthFailed, StateAuthFailed).
		Permit(triggerReset, StateResetting)

	// Reconnects report ready again.
	fsm.Configure(StateReady).
		PermitReentry(triggerReady).
		Permit(triggerInitialize, StateUninitialized).
		Permit(triggerQR, StateAwaitingQR).
		Permit(triggerAuthFailed, StateAuthFailed).
		Permit(triggerReset, StateResetting)

	// No automatic retry: only events from the same client or an operator
	// action leave this state.
	fsm.Configure(StateAuthFailed).
		Permit(triggerInitialize, StateUninitialized).
		Permit(triggerQR, StateAwaitingQR).
		Permit(triggerAuthenticated, StateAuthenticated).
		Permit(triggerReady, StateReady).
		Permit(triggerReset, StateResetting)

	fsm.Configure(StateResetting).
		PermitReentry(triggerReset).
		Permit(triggerInitialize, StateUninitialized)

	return fsm
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fsm.MustState().(State)
}

func (s *Session) Ready() bool {
	return s.State() == StateReady
}

// Greeting is what a newly connected UI needs to catch up: the current
// status, and the pending QR code while pairing.
func (s *Session) Greeting() []LiveEvent {
	s.mu.RLock()
	state := s.fsm.MustState().(State)
	qr := s.lastQR
	s.mu.RUnlock()

	switch state {
	case StateAwaitingQR:
		out := []LiveEvent{{Event: EventStatus, Data: StatusQRReceived}}
		if qr != "" {
			out = append(out, LiveEvent{Event: EventQR, Data: qr})
		}
		return out
	case StateAuthenticated:
		return []LiveEvent{{Event: EventStatus, Data: StatusAuthenticated}}
	case StateReady:
		return []LiveEvent{{Event: EventStatus, Data: StatusReady}}
	case StateAuthFailed:
		return []LiveEvent{{Event: EventStatus, Data: StatusAuthFailure}}
	}
	return nil
}

// Initialize tears down any existing client, then opens a new one and starts
// its handshake. It returns once the handshake has been started.
func (s *Session) Initialize(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return errSessionClosed
	}

	s.teardown(ctx)
	s.fire(ctx, triggerInitialize)

	s.logger.Info("initializing whatsapp client")
	client, err := s.connector.Open(ctx)
	if err != nil {
		s.authFailed(ctx, fmt.Sprintf("open client: %v", err))
		return fmt.Errorf("open client: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	inst := &instance{
		client: client,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	s.current = inst
	s.mu.Unlock()

	go s.consume(runCtx, inst)

	if err := client.Start(runCtx); err != nil {
		s.authFailed(ctx, fmt.Sprintf("start client: %v", err))
		return fmt.Errorf("start client: %w", err)
	}
	return nil
}

// Send delivers body to the chat through the live client.
func (s *Session) Send(ctx context.Context, to chatid.ChatID, body string) (SendResult, error) {
	s.mu.RLock()
	inst := s.current
	state := s.fsm.MustState().(State)
	s.mu.RUnlock()

	if state != StateReady || inst == nil {
		return SendResult{}, ErrNotReady
	}

	res, err := inst.client.Send(ctx, to, body)
	if err != nil {
		return SendResult{}, &TransportError{Target: "whatsapp", Err: err}
	}
	return res, nil
}

// ClearSession drops readiness, destroys the client and its credentials and
// schedules a fresh Initialize after the reset delay.
func (s *Session) ClearSession(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.logger.Info("clearing whatsapp session")
	s.fire(ctx, triggerReset)
	s.teardown(ctx)

	var clearErr error
	if err := s.connector.ClearCredentials(ctx); err != nil {
		clearErr = fmt.Errorf("clear credentials: %w", err)
		s.logger.Error("failed to clear session credentials", "err", err)
	} else {
		s.logger.Info("session credentials deleted")
	}

	if err := s.repo.DeleteSession(ctx); err != nil {
		s.logger.Warn("failed to delete session record", "err", &StoreError{Op: "delete session", Err: err})
	}

	s.scheduleReinit()
	return clearErr
}

// Close tears the client down for process shutdown.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	if s.resetTimer != nil && s.resetTimer.Stop() {
		s.pending.Done()
	}
	s.mu.Unlock()

	s.pending.Wait()

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	s.teardown(ctx)
	return nil
}

func (s *Session) scheduleReinit() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if s.resetTimer != nil && s.resetTimer.Stop() {
		s.pending.Done()
	}

	s.pending.Add(1)
	s.resetTimer = time.AfterFunc(s.resetDelay, func() {
		defer s.pending.Done()
		if err := s.Initialize(context.Background()); err != nil {
			if errors.Is(err, errSessionClosed) {
				return
			}
			s.logger.Error("reinitialize after session reset failed", "err", err)
		}
		s.live.Publish(LiveEvent{Event: EventStatus, Data: StatusSessionReset})
	})
}

// teardown detaches the current client's event reader, closes the client and
// waits for the reader to exit. Errors are logged and swallowed.
func (s *Session) teardown(ctx context.Context) {
	s.mu.Lock()
	inst := s.current
	s.current = nil
	s.lastQR = ""
	s.mu.Unlock()

	if inst == nil {
		return
	}

	inst.cancel()
	if err := inst.client.Close(ctx); err != nil {
		s.logger.Warn("error destroying old client", "err", err)
	}

	select {
	case <-inst.done:
		s.logger.Info("old client destroyed")
	case <-ctx.Done():
		s.logger.Warn("gave up waiting for old client event reader", "err", ctx.Err())
	}
}

func (s *Session) consume(ctx context.Context, inst *instance) {
	defer close(inst.done)

	events := inst.client.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ctx.Err() != nil || !s.isCurrent(inst) {
				return
			}
			s.handle(ctx, ev)
		}
	}
}

func (s *Session) isCurrent(inst *instance) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current == inst
}

func (s *Session) handle(ctx context.Context, ev ClientEvent) {
	switch ev.Kind {
	case ClientQR:
		img, err := s.renderQR(ev.QRCode)
		if err != nil {
			s.logger.Error("render qr failed", "err", err)
			return
		}
		if !s.fire(ctx, triggerQR) {
			return
		}
		s.setQR(img)
		s.live.Publish(LiveEvent{Event: EventQR, Data: img})
		s.live.Publish(LiveEvent{Event: EventStatus, Data: StatusQRReceived})
		s.logger.Info("qr code emitted to ui")

	case ClientAuthenticated:
		if !s.fire(ctx, triggerAuthenticated) {
			return
		}
		s.logger.Info("authenticated")
		s.live.Publish(LiveEvent{Event: EventStatus, Data: StatusAuthenticated})
		if ev.Identity != nil {
			if err := s.repo.SaveSession(ctx, *ev.Identity); err != nil {
				s.logger.Warn("failed to save session record", "err", &StoreError{Op: "save session", Err: err})
			}
		}

	case ClientReady:
		if !s.fire(ctx, triggerReady) {
			return
		}
		s.setQR("")
		s.logger.Info("whatsapp client ready")
		s.live.Publish(LiveEvent{Event: EventStatus, Data: StatusReady})
		s.live.Publish(LiveEvent{Event: EventQR, Data: ""})

	case ClientAuthFailed:
		s.authFailed(ctx, ev.Failure)

	case ClientMessage:
		if ev.Message == nil || s.inbound == nil {
			return
		}
		s.inbound.Handle(ctx, *ev.Message)

	default:
		s.logger.Debug("unknown client event", "kind", ev.Kind)
	}
}

func (s *Session) authFailed(ctx context.Context, detail string) {
	if !s.fire(ctx, triggerAuthFailed) {
		return
	}
	s.logger.Error("authentication failure", "detail", detail)
	s.live.Publish(LiveEvent{Event: EventStatus, Data: StatusAuthFailure, Detail: detail})
}

func (s *Session) setQR(img string) {
	s.mu.Lock()
	s.lastQR = img
	s.mu.Unlock()
}

// fire reports whether the transition happened.
func (s *Session) fire(ctx context.Context, t trigger) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	from := s.fsm.MustState()
	if err := s.fsm.FireCtx(ctx, t); err != nil {
		s.logger.Debug("transition rejected", "state", from, "trigger", t, "err", err)
		return false
	}
	s.logger.Debug("session transition", "from", from, "trigger", t, "to", s.fsm.MustState())
	return true
}
