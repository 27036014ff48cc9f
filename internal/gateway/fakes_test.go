package gateway

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/Vovarama1992/wa-gateway/internal/chatid"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memRepo is an in-memory Repo. Hooks let tests observe or slow down calls.
type memRepo struct {
	mu       sync.Mutex
	messages []Message
	session  *SessionRecord
	nextID   int64

	saveErr  error
	listErr  error
	clearErr error
	onSave   func(*Message)

	sessionDeletes int
}

func (r *memRepo) SaveMessage(ctx context.Context, msg *Message) error {
	if r.onSave != nil {
		r.onSave(msg)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveErr != nil {
		return r.saveErr
	}
	r.nextID++
	msg.ID = r.nextID
	r.messages = append(r.messages, *msg)
	return nil
}

func (r *memRepo) ListRecent(ctx context.Context, limit int) ([]Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listErr != nil {
		return nil, r.listErr
	}
	out := make([]Message, 0, limit)
	for i := len(r.messages) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, r.messages[i])
	}
	return out, nil
}

func (r *memRepo) ClearMessages(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.clearErr != nil {
		return r.clearErr
	}
	r.messages = nil
	return nil
}

func (r *memRepo) SaveSession(ctx context.Context, rec SessionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.session = &rec
	return nil
}

func (r *memRepo) GetSession(ctx context.Context) (*SessionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session, nil
}

func (r *memRepo) DeleteSession(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.session = nil
	r.sessionDeletes++
	return nil
}

func (r *memRepo) stored() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}

type recorder struct {
	mu     sync.Mutex
	events []LiveEvent
}

func (b *recorder) Publish(ev LiveEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
}

func (b *recorder) all() []LiveEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]LiveEvent(nil), b.events...)
}

func (b *recorder) has(event string, data any) bool {
	for _, ev := range b.all() {
		if ev.Event == event && ev.Data == data {
			return true
		}
	}
	return false
}

func (b *recorder) statuses() []any {
	var out []any
	for _, ev := range b.all() {
		if ev.Event == EventStatus {
			out = append(out, ev.Data)
		}
	}
	return out
}

// fakeClient is a Client driven by the test through emit.
type fakeClient struct {
	id     int
	events chan ClientEvent
	// leaky clients keep their event channel open after Close, like a
	// transport that still delivers a few late callbacks.
	leaky bool

	mu       sync.Mutex
	started  bool
	closed   bool
	sent     []chatid.ChatID
	sendErr  error
	startErr error
}

func newFakeClient(id int) *fakeClient {
	return &fakeClient{id: id, events: make(chan ClientEvent, 16)}
}

func (c *fakeClient) Events() <-chan ClientEvent { return c.events }

func (c *fakeClient) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = true
	return c.startErr
}

func (c *fakeClient) Send(ctx context.Context, to chatid.ChatID, body string) (SendResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return SendResult{}, c.sendErr
	}
	c.sent = append(c.sent, to)
	return SendResult{ExternalID: "wamid-1", Timestamp: 1700000000000}, nil
}

func (c *fakeClient) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		if !c.leaky {
			close(c.events)
		}
	}
	return nil
}

// emit is a no-op once a non-leaky client is closed.
func (c *fakeClient) emit(ev ClientEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed && !c.leaky {
		return
	}
	c.events <- ev
}

func (c *fakeClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeClient) sentTo() []chatid.ChatID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]chatid.ChatID(nil), c.sent...)
}

type fakeConnector struct {
	mu       sync.Mutex
	clients  []*fakeClient
	openErr  error
	cleared  int
	clearErr error
	leaky    bool

	// openedWhileLive records whether any earlier client was still open when
	// a new one was requested.
	openedWhileLive bool
}

func (c *fakeConnector) Open(ctx context.Context) (Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.openErr != nil {
		return nil, c.openErr
	}
	for _, old := range c.clients {
		if !old.isClosed() {
			c.openedWhileLive = true
		}
	}
	cl := newFakeClient(len(c.clients) + 1)
	cl.leaky = c.leaky
	c.clients = append(c.clients, cl)
	return cl, nil
}

func (c *fakeConnector) ClearCredentials(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleared++
	return c.clearErr
}

func (c *fakeConnector) opened() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.clients)
}

func (c *fakeConnector) client(i int) *fakeClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clients[i]
}

func (c *fakeConnector) clearedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cleared
}
