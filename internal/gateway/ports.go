package gateway

import (
	"context"
	"encoding/json"

	"github.com/Vovarama1992/wa-gateway/internal/chatid"
)

type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// Source tags where a message came from.
type Source string

const (
	SourceWebUI       Source = "WEB_UI"
	SourceWebhookTest Source = "WEBHOOK_TEST"
	SourceWebhookProd Source = "WEBHOOK_PROD"
	SourceInbound     Source = "inbound"
)

// Message is one relayed or sent chat message. Timestamp is in
// milliseconds since epoch.
type Message struct {
	ID         int64           `json:"dbId,omitempty"`
	Direction  Direction       `json:"direction"`
	From       string          `json:"from"`
	To         string          `json:"to"`
	Body       string          `json:"body"`
	ExternalID string          `json:"id"`
	IsGroup    bool            `json:"isGroupMsg"`
	Source     Source          `json:"source,omitempty"`
	Timestamp  int64           `json:"timestamp"`
	Raw        json.RawMessage `json:"-"`
}

// SessionRecord is the singleton row describing the authenticated identity.
type SessionRecord struct {
	JID       string `json:"jid"`
	PushName  string `json:"pushName,omitempty"`
	Platform  string `json:"platform,omitempty"`
	UpdatedAt int64  `json:"updatedAt"`
}

// Repo is the message and session store.
type Repo interface {
	SaveMessage(ctx context.Context, msg *Message) error
	ListRecent(ctx context.Context, limit int) ([]Message, error)
	ClearMessages(ctx context.Context) error

	SaveSession(ctx context.Context, rec SessionRecord) error
	GetSession(ctx context.Context) (*SessionRecord, error)
	DeleteSession(ctx context.Context) error
}

// Broadcaster pushes live events to connected UI clients.
type Broadcaster interface {
	Publish(ev LiveEvent)
}

// LiveEvent names
const (
	EventQR      = "qr"
	EventStatus  = "status"
	EventMessage = "message"
)

// Status values carried by EventStatus.
const (
	StatusQRReceived    = "QR_RECEIVED"
	StatusAuthenticated = "AUTHENTICATED"
	StatusReady         = "READY"
	StatusAuthFailure   = "AUTH_FAILURE"
	StatusSessionReset  = "SESSION_RESET"
	StatusLogsCleared   = "LOGS_CLEARED"
)

type LiveEvent struct {
	Event  string `json:"event"`
	Data   any    `json:"data"`
	Detail string `json:"detail,omitempty"`
}

// ClientEventKind tags a ClientEvent.
type ClientEventKind int

const (
	ClientQR ClientEventKind = iota + 1
	ClientAuthenticated
	ClientReady
	ClientAuthFailed
	ClientMessage
)

func (k ClientEventKind) String() string {
	switch k {
	case ClientQR:
		return "qr"
	case ClientAuthenticated:
		return "authenticated"
	case ClientReady:
		return "ready"
	case ClientAuthFailed:
		return "auth_failed"
	case ClientMessage:
		return "message"
	}
	return "unknown"
}

// ClientEvent is one notification from the messaging client. Only the field
// matching Kind is set.
type ClientEvent struct {
	Kind     ClientEventKind
	QRCode   string
	Identity *SessionRecord
	Failure  string
	Message  *InboundMessage
}

// InboundMessage is a received chat message as reported by the client.
type InboundMessage struct {
	ExternalID string
	From       chatid.ChatID
	To         chatid.ChatID
	Author     string
	PushName   string
	Body       string
	IsGroup    bool
	Timestamp  int64
	Raw        json.RawMessage
}

type SendResult struct {
	ExternalID string
	Timestamp  int64
}

// Client is one live connection to the messaging backend. Events are
// delivered on a single channel that is closed once the client is closed.
type Client interface {
	Events() <-chan ClientEvent
	Start(ctx context.Context) error
	Send(ctx context.Context, to chatid.ChatID, body string) (SendResult, error)
	Close(ctx context.Context) error
}

// Connector constructs clients bound to the persisted credential slot.
type Connector interface {
	Open(ctx context.Context) (Client, error)
	ClearCredentials(ctx context.Context) error
}
