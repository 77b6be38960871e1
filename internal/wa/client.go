// Package wa binds the session layer to WhatsApp through whatsmeow. Each
// dialed client owns one device store under the session's credential
// directory and translates whatsmeow events into the session event stream.
package wa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for whatsmeow

	"github.com/nlsoarez/whatsapp-group-broadcaster/internal/credentials"
	"github.com/nlsoarez/whatsapp-group-broadcaster/internal/msgcache"
	"github.com/nlsoarez/whatsapp-group-broadcaster/internal/session"
)

const deviceDB = "session.db"

// Dialer creates WhatsApp clients with per-session device stores.
type Dialer struct {
	store  credentials.Store
	logger *slog.Logger
}

// NewDialer creates a Dialer rooted at the credential store.
func NewDialer(store credentials.Store, logger *slog.Logger) *Dialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dialer{store: store, logger: logger}
}

// Dial opens a connection for one session. A nil credential blob means no
// prior pairing is expected; either way the device store under the session
// directory decides whether a pairing challenge is needed.
func (d *Dialer) Dial(ctx context.Context, sessionID string, creds []byte) (session.Client, error) {
	dir, err := d.store.SessionDir(sessionID)
	if err != nil {
		return nil, err
	}

	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", filepath.Join(dir, deviceDB)),
		waLog.Noop)
	if err != nil {
		return nil, fmt.Errorf("open device store: %w", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		container.Close()
		return nil, fmt.Errorf("load device: %w", err)
	}

	wc := whatsmeow.NewClient(device, waLog.Noop)
	// Reconnection is owned by the supervisor; whatsmeow must not race it.
	wc.EnableAutoReconnect = false

	c := &Client{
		sessionID: sessionID,
		client:    wc,
		container: container,
		events:    make(chan session.ClientEvent, 64),
		logger:    d.logger.With("session", sessionID),
	}
	wc.AddEventHandler(c.handleEvent)

	if wc.Store.ID == nil {
		if creds != nil {
			c.logger.Warn("credential blob present but device store is empty, pairing again")
		}
		// GetQRChannel must be called before Connect.
		qrChan, err := wc.GetQRChannel(ctx)
		if err != nil {
			container.Close()
			return nil, fmt.Errorf("open pairing channel: %w", err)
		}
		if err := wc.Connect(); err != nil {
			container.Close()
			return nil, fmt.Errorf("connect: %w", err)
		}
		go c.forwardPairing(qrChan)
		return c, nil
	}

	if err := wc.Connect(); err != nil {
		container.Close()
		return nil, fmt.Errorf("connect: %w", err)
	}
	return c, nil
}

// Client is one live WhatsApp connection implementing session.Client.
type Client struct {
	sessionID string
	client    *whatsmeow.Client
	container *sqlstore.Container
	events    chan session.ClientEvent
	logger    *slog.Logger

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

// Events returns the translated event stream. The channel closes when the
// client disconnects.
func (c *Client) Events() <-chan session.ClientEvent {
	return c.events
}

func (c *Client) emit(evt session.ClientEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- evt:
	default:
		c.logger.Warn("event dropped, stream backlogged", "kind", evt.Kind)
	}
}

func (c *Client) forwardPairing(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			c.emit(session.ClientEvent{Kind: session.ClientChallenge, Challenge: item.Code})
		case whatsmeow.QRChannelSuccess.Event:
			c.logger.Info("pairing completed")
		case whatsmeow.QRChannelTimeout.Event:
			c.emit(session.ClientEvent{Kind: session.ClientClosed, Reason: session.ReasonTimedOut})
		case whatsmeow.QRChannelEventError:
			c.logger.Warn("pairing failed", "error", item.Error)
			c.emit(session.ClientEvent{Kind: session.ClientClosed, Reason: session.ReasonConnectionLost})
		}
	}
}

func (c *Client) handleEvent(raw interface{}) {
	switch evt := raw.(type) {
	case *events.Connected:
		c.logger.Info("connected to WhatsApp")
		if id := c.client.Store.ID; id != nil {
			c.emit(session.ClientEvent{Kind: session.ClientCredentials, Credentials: []byte(id.String())})
		}
		c.emit(session.ClientEvent{Kind: session.ClientReady})

	case *events.Disconnected:
		c.logger.Warn("disconnected from WhatsApp")
		c.emit(session.ClientEvent{Kind: session.ClientClosed, Reason: session.ReasonConnectionLost})

	case *events.LoggedOut:
		c.logger.Warn("logged out from WhatsApp", "reason", evt.Reason)
		c.emit(session.ClientEvent{Kind: session.ClientClosed, Reason: session.ReasonLoggedOut})

	case *events.StreamReplaced:
		c.logger.Warn("stream replaced by another connection")
		c.emit(session.ClientEvent{Kind: session.ClientClosed, Reason: session.ReasonBadSession})

	case *events.ClientOutdated:
		c.logger.Warn("client version rejected by server")
		c.emit(session.ClientEvent{Kind: session.ClientClosed, Reason: session.ReasonVersionMismatch})

	case *events.Message:
		c.handleMessage(evt)

	case *events.PushName:
		c.emit(session.ClientEvent{Kind: session.ClientContacts, Contacts: map[string]string{
			evt.JID.String(): evt.NewPushName,
		}})
	}
}

func (c *Client) handleMessage(evt *events.Message) {
	// Only group traffic matters for broadcasting; status broadcasts and
	// direct chats are ignored.
	if !evt.Info.IsGroup || evt.Info.Chat.Server == "broadcast" {
		return
	}
	if evt.Message == nil {
		return
	}

	var text string
	switch {
	case evt.Message.Conversation != nil:
		text = evt.Message.GetConversation()
	case evt.Message.ExtendedTextMessage != nil:
		text = evt.Message.ExtendedTextMessage.GetText()
	case evt.Message.ImageMessage != nil:
		text = evt.Message.ImageMessage.GetCaption()
	case evt.Message.VideoMessage != nil:
		text = evt.Message.VideoMessage.GetCaption()
	case evt.Message.DocumentMessage != nil:
		text = evt.Message.DocumentMessage.GetCaption()
	}

	c.emit(session.ClientEvent{Kind: session.ClientMessage, Message: &msgcache.Message{
		ID:             evt.Info.ID,
		ConversationID: evt.Info.Chat.String(),
		SenderID:       evt.Info.Sender.String(),
		Sender:         evt.Info.PushName,
		Text:           text,
		Timestamp:      evt.Info.Timestamp.UnixMilli(),
		FromSelf:       evt.Info.IsFromMe,
	}})
}

// SendText sends a text message, quoting the original natively when one is
// given. Returns the server-assigned message id.
func (c *Client) SendText(ctx context.Context, conversationID, body string, quoted *msgcache.Message) (string, error) {
	jid, err := types.ParseJID(conversationID)
	if err != nil {
		return "", fmt.Errorf("invalid conversation id %q: %w", conversationID, err)
	}

	var msg *waE2E.Message
	if quoted != nil {
		participant := quoted.SenderID
		if participant == "" {
			if id := c.client.Store.ID; id != nil {
				participant = id.String()
			}
		}
		msg = &waE2E.Message{
			ExtendedTextMessage: &waE2E.ExtendedTextMessage{
				Text: proto.String(body),
				ContextInfo: &waE2E.ContextInfo{
					StanzaID:      proto.String(quoted.ID),
					Participant:   proto.String(participant),
					QuotedMessage: &waE2E.Message{Conversation: proto.String(quoted.Text)},
				},
			},
		}
	} else {
		msg = &waE2E.Message{Conversation: proto.String(body)}
	}

	resp, err := c.client.SendMessage(ctx, jid, msg)
	if err != nil {
		return "", fmt.Errorf("send to %s: %w", conversationID, err)
	}
	return resp.ID, nil
}

// ListConversations returns the joined groups sorted by name.
func (c *Client) ListConversations(ctx context.Context) ([]session.Conversation, error) {
	groups, err := c.client.GetJoinedGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}

	convs := make([]session.Conversation, 0, len(groups))
	for _, g := range groups {
		conv := session.Conversation{ID: g.JID.String(), Name: g.Name}
		for _, p := range g.Participants {
			conv.Participants = append(conv.Participants, session.Participant{
				ID:   p.JID.String(),
				Name: p.DisplayName,
			})
		}
		convs = append(convs, conv)
	}
	sort.Slice(convs, func(i, j int) bool { return convs[i].Name < convs[j].Name })
	return convs, nil
}

// AvatarURL returns a conversation's picture URL, or "" when none is set or
// the picture is not visible to this account.
func (c *Client) AvatarURL(ctx context.Context, conversationID string) (string, error) {
	jid, err := types.ParseJID(conversationID)
	if err != nil {
		return "", fmt.Errorf("invalid conversation id %q: %w", conversationID, err)
	}

	info, err := c.client.GetProfilePictureInfo(ctx, jid, &whatsmeow.GetProfilePictureParams{Preview: true})
	if err != nil {
		if errors.Is(err, whatsmeow.ErrProfilePictureNotSet) || errors.Is(err, whatsmeow.ErrProfilePictureUnauthorized) {
			return "", nil
		}
		return "", fmt.Errorf("fetch picture: %w", err)
	}
	if info == nil {
		return "", nil
	}
	return info.URL, nil
}

// Logout removes the device link on the server.
func (c *Client) Logout(ctx context.Context) error {
	if err := c.client.Logout(ctx); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

// Disconnect tears the connection down and closes the event stream. Safe to
// call more than once.
func (c *Client) Disconnect() {
	c.closeOnce.Do(func() {
		c.client.Disconnect()
		if err := c.container.Close(); err != nil {
			c.logger.Warn("close device store", "error", err)
		}
		c.mu.Lock()
		c.closed = true
		close(c.events)
		c.mu.Unlock()
	})
}
