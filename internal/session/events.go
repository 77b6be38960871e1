package session

// EventKind names an outbound notification emitted by the session layer.
type EventKind string

const (
	// EventChallenge carries a freshly issued pairing challenge payload.
	EventChallenge EventKind = "qr"

	// EventReady signals the session finished connecting. Emitted on the
	// transition only, never repeated while the session stays ready.
	EventReady EventKind = "ready"

	// EventDisconnected signals a previously ready session closed.
	EventDisconnected EventKind = "disconnected"

	// EventLoggedOut signals a terminal logout; no reconnect will follow.
	EventLoggedOut EventKind = "logged_out"

	// EventMessageObserved carries an inbound group message.
	EventMessageObserved EventKind = "message"

	// EventMessageSent confirms an outbound broadcast to one conversation.
	EventMessageSent EventKind = "message_sent"
)

// Event is an outbound notification scoped to one session. The delivery
// layer forwards it only to that session's subscribers.
type Event struct {
	Kind EventKind

	// Challenge is the raw pairing payload (EventChallenge).
	Challenge string

	// Message fields (EventMessageObserved, EventMessageSent).
	ConversationID string
	Sender         string
	Text           string
	Timestamp      int64
	MessageID      string
	WasReply       bool
}

// Notifier receives outbound session events. Implementations must not call
// back into the session layer from Notify.
type Notifier interface {
	Notify(sessionID string, evt Event)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(sessionID string, evt Event)

// Notify implements Notifier.
func (f NotifierFunc) Notify(sessionID string, evt Event) {
	f(sessionID, evt)
}

// NopNotifier discards all events.
var NopNotifier Notifier = NotifierFunc(func(string, Event) {})
