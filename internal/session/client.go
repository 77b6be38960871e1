package session

import (
	"context"

	"github.com/nlsoarez/whatsapp-group-broadcaster/internal/msgcache"
)

// CloseReason classifies why a connection closed. The supervisor's reconnect
// decision hangs off this classification.
type CloseReason int

const (
	// ReasonUnknown covers closes with no recognizable cause. Transient.
	ReasonUnknown CloseReason = iota

	// ReasonLoggedOut means the account unlinked this device. Terminal.
	ReasonLoggedOut

	// ReasonBadSession means the stored session state is corrupt and can not
	// be resumed. Credentials are wiped before reconnecting.
	ReasonBadSession

	// ReasonVersionMismatch means the client build was rejected as outdated.
	// Also unresumable.
	ReasonVersionMismatch

	// ReasonTimedOut means the connection or pairing attempt timed out.
	// Retried on a shorter backoff.
	ReasonTimedOut

	// ReasonConnectionLost covers ordinary network drops.
	ReasonConnectionLost
)

// Terminal reports whether the close must not trigger an automatic reconnect.
func (r CloseReason) Terminal() bool {
	return r == ReasonLoggedOut
}

// CorruptsCredentials reports whether stored credentials must be wiped before
// the next connection attempt.
func (r CloseReason) CorruptsCredentials() bool {
	return r == ReasonBadSession || r == ReasonVersionMismatch
}

func (r CloseReason) String() string {
	switch r {
	case ReasonLoggedOut:
		return "logged-out"
	case ReasonBadSession:
		return "bad-session"
	case ReasonVersionMismatch:
		return "version-mismatch"
	case ReasonTimedOut:
		return "timed-out"
	case ReasonConnectionLost:
		return "connection-lost"
	default:
		return "unknown"
	}
}

// ClientEventKind names an inbound event from the protocol client.
type ClientEventKind int

const (
	// ClientChallenge carries a pairing challenge payload.
	ClientChallenge ClientEventKind = iota

	// ClientReady signals the connection is established and usable.
	ClientReady

	// ClientClosed signals the connection ended, with a classified reason.
	// It is the last meaningful event before the event channel closes.
	ClientClosed

	// ClientCredentials carries updated credential material to persist.
	ClientCredentials

	// ClientMessage carries an observed conversation message.
	ClientMessage

	// ClientContacts carries a batch of participant-id to display-name pairs.
	ClientContacts
)

// ClientEvent is one inbound event from the protocol client.
type ClientEvent struct {
	Kind        ClientEventKind
	Challenge   string
	Reason      CloseReason
	Credentials []byte
	Message     *msgcache.Message
	Contacts    map[string]string
}

// Participant is one member of a conversation as reported by the protocol.
type Participant struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Conversation summarizes a group the session participates in.
type Conversation struct {
	ID           string        `json:"id"`
	Name         string        `json:"subject"`
	Participants []Participant `json:"-"`
}

// Client is one live connection to the external messaging capability. All
// methods may block on network I/O. The event channel closes once the
// connection is fully torn down.
type Client interface {
	// SendText sends a text message, optionally quoting a cached original.
	// Returns the protocol-assigned message id when available.
	SendText(ctx context.Context, conversationID, body string, quoted *msgcache.Message) (string, error)

	// ListConversations returns the groups this session participates in.
	ListConversations(ctx context.Context) ([]Conversation, error)

	// AvatarURL returns a conversation's picture URL, or "" when none.
	AvatarURL(ctx context.Context, conversationID string) (string, error)

	// Logout unlinks the session's device on the remote side. Best effort.
	Logout(ctx context.Context) error

	// Disconnect tears the connection down without logging out.
	Disconnect()

	// Events exposes the inbound event stream.
	Events() <-chan ClientEvent
}

// Dialer creates one Client per connection attempt. creds is the stored
// credential blob, or nil for a fresh login requiring a pairing challenge.
type Dialer interface {
	Dial(ctx context.Context, sessionID string, creds []byte) (Client, error)
}
