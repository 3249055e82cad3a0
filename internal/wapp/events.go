package wapp

import "time"

// Event is a lifecycle or traffic event emitted by a client. Each session
// owns one event channel; the supervisor consumes it in order, so per-tenant
// event ordering follows whatever the underlying client emits.
type Event interface {
	isEvent()
}

// QREvent carries a fresh login QR payload. Emitted repeatedly while the
// login window is open (the code rotates).
type QREvent struct {
	Code string
}

// ReadyEvent signals a completed login with an established connection.
type ReadyEvent struct{}

// MessageEvent carries a single inbound or echoed outbound message.
type MessageEvent struct {
	Message IncomingMessage
}

// DisconnectedEvent signals transient connectivity loss. The supervisor
// decides whether to schedule a reconnect.
type DisconnectedEvent struct {
	Reason string
}

// AuthFailureEvent signals credential rejection (logout, stream takeover).
// Terminal: never retried automatically.
type AuthFailureEvent struct {
	Reason string
}

func (QREvent) isEvent()           {}
func (ReadyEvent) isEvent()        {}
func (MessageEvent) isEvent()      {}
func (DisconnectedEvent) isEvent() {}
func (AuthFailureEvent) isEvent()  {}

// IncomingMessage is a live message observed on the session.
type IncomingMessage struct {
	ID          string
	FromMe      bool
	Counterpart string // peer phone number, digits only
	PushName    string // contact display name, may be empty
	Body        string
	Timestamp   time.Time
	MediaType   string // "", "image", "video", "audio", "document"
	MimeType    string

	raw interface{} // transport payload for Download, nil on fakes
}

// Conversation is a chat snapshot used by the history sync engine.
type Conversation struct {
	Counterpart string
	Name        string
	UnreadCount int
	Messages    []HistoryMessage // ascending by timestamp
}

// HistoryMessage is one archived message inside a conversation.
type HistoryMessage struct {
	FromMe    bool
	Body      string
	Timestamp time.Time
	MediaType string
}
