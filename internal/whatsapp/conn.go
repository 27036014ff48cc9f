package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/Vovarama1992/wa-gateway/internal/chatid"
	"github.com/Vovarama1992/wa-gateway/internal/gateway"
)

const eventBuffer = 32

// Conn wraps one whatsmeow client and reports its lifecycle as
// gateway.ClientEvents.
type Conn struct {
	client *whatsmeow.Client
	logger *slog.Logger

	events    chan gateway.ClientEvent
	done      chan struct{}
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
	handlerID uint32

	// restored is set when the store already held a paired device, in which
	// case no QR handshake reports authentication.
	restored  atomic.Bool
	announced atomic.Bool
}

func newConn(client *whatsmeow.Client, logger *slog.Logger) *Conn {
	c := &Conn{
		client: client,
		logger: logger,
		events: make(chan gateway.ClientEvent, eventBuffer),
		done:   make(chan struct{}),
	}
	c.handlerID = client.AddEventHandler(c.handleEvent)
	return c
}

func (c *Conn) Events() <-chan gateway.ClientEvent { return c.events }

// Start begins the handshake: a QR pairing when the store holds no device,
// otherwise a plain reconnect with the stored credentials.
func (c *Conn) Start(ctx context.Context) error {
	if c.client.Store.ID == nil {
		qrCh, err := c.client.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("qr channel: %w", err)
		}
		go c.pumpQR(qrCh)
	} else {
		c.restored.Store(true)
	}

	if err := c.client.Connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

func (c *Conn) Send(ctx context.Context, to chatid.ChatID, body string) (gateway.SendResult, error) {
	jid, err := FromChatID(to)
	if err != nil {
		return gateway.SendResult{}, err
	}

	resp, err := c.client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(body),
	})
	if err != nil {
		return gateway.SendResult{}, err
	}

	return gateway.SendResult{
		ExternalID: string(resp.ID),
		Timestamp:  resp.Timestamp.UnixMilli(),
	}, nil
}

// Close disconnects without logging out; the stored device stays paired.
func (c *Conn) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.client.RemoveEventHandler(c.handlerID)
		c.client.Disconnect()

		c.mu.Lock()
		c.closed = true
		close(c.events)
		c.mu.Unlock()
	})
	return nil
}

func (c *Conn) emit(ev gateway.ClientEvent) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Conn) pumpQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		ev, ok := qrEvent(item)
		if !ok {
			continue
		}
		if ev.Kind == gateway.ClientAuthenticated {
			ev.Identity = c.identity()
			c.announced.Store(true)
		}
		c.emit(ev)
	}
}

func (c *Conn) handleEvent(evt any) {
	switch v := evt.(type) {
	case *events.Connected:
		if c.restored.Load() && !c.announced.Swap(true) {
			c.emit(gateway.ClientEvent{Kind: gateway.ClientAuthenticated, Identity: c.identity()})
		}
		c.emit(gateway.ClientEvent{Kind: gateway.ClientReady})

	case *events.LoggedOut:
		c.emit(gateway.ClientEvent{Kind: gateway.ClientAuthFailed, Failure: fmt.Sprintf("logged out: %v", v.Reason)})

	case *events.ConnectFailure:
		c.emit(gateway.ClientEvent{Kind: gateway.ClientAuthFailed, Failure: fmt.Sprintf("connect failure: %v %s", v.Reason, v.Message)})

	case *events.ClientOutdated:
		c.emit(gateway.ClientEvent{Kind: gateway.ClientAuthFailed, Failure: "client outdated"})

	case *events.TemporaryBan:
		c.emit(gateway.ClientEvent{Kind: gateway.ClientAuthFailed, Failure: v.String()})

	case *events.Message:
		in, ok := inboundFromEvent(v, c.client.Store.ID)
		if !ok {
			return
		}
		c.emit(gateway.ClientEvent{Kind: gateway.ClientMessage, Message: &in})
	}
}

func (c *Conn) identity() *gateway.SessionRecord {
	st := c.client.Store
	if st == nil || st.ID == nil {
		return nil
	}
	return &gateway.SessionRecord{
		JID:      st.ID.String(),
		PushName: st.PushName,
		Platform: st.Platform,
	}
}

// qrEvent maps a QR channel item. Items that carry nothing for the session
// report ok=false.
func qrEvent(item whatsmeow.QRChannelItem) (gateway.ClientEvent, bool) {
	switch item.Event {
	case "code":
		return gateway.ClientEvent{Kind: gateway.ClientQR, QRCode: item.Code}, true
	case "success":
		return gateway.ClientEvent{Kind: gateway.ClientAuthenticated}, true
	case "timeout":
		return gateway.ClientEvent{Kind: gateway.ClientAuthFailed, Failure: "qr code timed out"}, true
	case "error":
		failure := "pairing error"
		if item.Error != nil {
			failure = "pairing error: " + item.Error.Error()
		}
		return gateway.ClientEvent{Kind: gateway.ClientAuthFailed, Failure: failure}, true
	}
	if strings.HasPrefix(item.Event, "err") {
		return gateway.ClientEvent{Kind: gateway.ClientAuthFailed, Failure: item.Event}, true
	}
	return gateway.ClientEvent{}, false
}

type rawMessage struct {
	ID        string `json:"id"`
	Chat      string `json:"chat"`
	Sender    string `json:"sender"`
	PushName  string `json:"pushName,omitempty"`
	IsGroup   bool   `json:"isGroup"`
	Type      string `json:"type,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Body      string `json:"body"`
}

// inboundFromEvent keeps text messages sent by others.
func inboundFromEvent(evt *events.Message, self *types.JID) (gateway.InboundMessage, bool) {
	if evt == nil || evt.Info.IsFromMe {
		return gateway.InboundMessage{}, false
	}

	body := evt.Message.GetConversation()
	if body == "" {
		body = evt.Message.GetExtendedTextMessage().GetText()
	}
	if body == "" {
		return gateway.InboundMessage{}, false
	}

	in := gateway.InboundMessage{
		ExternalID: string(evt.Info.ID),
		From:       ToChatID(evt.Info.Chat),
		PushName:   evt.Info.PushName,
		Body:       body,
		IsGroup:    evt.Info.IsGroup,
		Timestamp:  evt.Info.Timestamp.UnixMilli(),
	}
	if self != nil {
		in.To = ToChatID(*self)
	}
	if evt.Info.IsGroup {
		in.Author = chatid.DisplayForm(ToChatID(evt.Info.Sender))
	}

	raw, err := json.Marshal(rawMessage{
		ID:        in.ExternalID,
		Chat:      evt.Info.Chat.String(),
		Sender:    evt.Info.Sender.String(),
		PushName:  evt.Info.PushName,
		IsGroup:   evt.Info.IsGroup,
		Type:      evt.Info.Type,
		Timestamp: in.Timestamp,
		Body:      body,
	})
	if err == nil {
		in.Raw = raw
	}
	return in, true
}

// ToChatID maps a whatsmeow JID to the gateway's chat id form.
func ToChatID(jid types.JID) chatid.ChatID {
	jid = jid.ToNonAD()
	switch jid.Server {
	case types.DefaultUserServer:
		return chatid.ChatID(jid.User + chatid.UserSuffix)
	case types.GroupServer:
		return chatid.ChatID(jid.User + chatid.GroupSuffix)
	}
	return chatid.ChatID(jid.String())
}

// FromChatID is the inverse of ToChatID.
func FromChatID(id chatid.ChatID) (types.JID, error) {
	s := string(id)
	if user, ok := strings.CutSuffix(s, chatid.UserSuffix); ok {
		return types.NewJID(user, types.DefaultUserServer), nil
	}
	if user, ok := strings.CutSuffix(s, chatid.GroupSuffix); ok {
		return types.NewJID(user, types.GroupServer), nil
	}
	jid, err := types.ParseJID(s)
	if err != nil {
		return types.JID{}, fmt.Errorf("parse chat id %q: %w", s, err)
	}
	return jid, nil
}
