package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nlsoarez/whatsapp-group-broadcaster/internal/credentials"
	"github.com/nlsoarez/whatsapp-group-broadcaster/internal/msgcache"
)

// Supervisor owns one session's connection to the messaging service: it
// dials, tracks the pairing-challenge flow, classifies closes, and schedules
// reconnects. All state mutation is serialized through one mutex; inbound
// client events and caller operations for the same session never interleave.
type Supervisor struct {
	id       string
	cfg      Config
	dialer   Dialer
	store    credentials.Store
	notifier Notifier
	cache    *msgcache.Cache
	names    *msgcache.Names
	logger   *slog.Logger

	mu    sync.Mutex
	state State
	// client is the live connection, nil otherwise. At most one exists per
	// session at any time.
	client Client
	// gen increments whenever the client is replaced or dropped, so events
	// from a superseded connection are ignored.
	gen uint64
	// retryCount counts pairing challenges issued since the last reset.
	retryCount int
	// connectAttempts counts consecutive failed connections, feeding backoff.
	connectAttempts int
	lastChallenge   string
	lastChallengeAt time.Time
	// timer is the pending scheduled reconnect, if any. timerGen invalidates
	// callbacks from cancelled timers that already fired.
	timer    *time.Timer
	timerGen uint64
	shutdown bool
}

func newSupervisor(id string, cfg Config, dialer Dialer, store credentials.Store, notifier Notifier, cache *msgcache.Cache, names *msgcache.Names, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		id:       id,
		cfg:      cfg,
		dialer:   dialer,
		store:    store,
		notifier: notifier,
		cache:    cache,
		names:    names,
		logger:   logger.With("session", id),
	}
}

// Start connects the session. A no-op when a connection already exists
// (connecting, awaiting a challenge, or ready), so duplicate starts can not
// produce duplicate connections. forceNew wipes stored credentials first.
func (s *Supervisor) Start(ctx context.Context, forceNew bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked(ctx, forceNew)
}

func (s *Supervisor) startLocked(ctx context.Context, forceNew bool) error {
	if s.shutdown {
		return ErrNotFound
	}
	if s.client != nil {
		s.logger.Debug("start ignored, connection already exists", "state", s.state.String())
		return nil
	}
	s.cancelTimerLocked()

	if forceNew || s.retryCount > s.cfg.ChallengeBudget {
		if err := s.store.Clear(s.id); err != nil {
			return NewError(ErrCodeStorage, "clear credentials", err)
		}
		s.resetChallengeLocked()
	}

	creds, err := s.store.Load(s.id)
	if err != nil && !errors.Is(err, credentials.ErrNotFound) {
		return NewError(ErrCodeStorage, "load credentials", err)
	}

	s.state = StateConnecting
	s.logger.Info("connecting", "fresh_login", creds == nil)

	client, err := s.dialer.Dial(ctx, s.id, creds)
	if err != nil {
		s.state = StateClosed
		s.connectAttempts++
		s.scheduleStartLocked(s.cfg.dialRetryDelay(), false)
		return NewError(ErrCodeConnection, "connect", err)
	}

	s.client = client
	s.gen++
	go s.consume(s.gen, client)
	return nil
}

// consume drains one connection's event stream. The stream closing without a
// close event is treated as a network drop.
func (s *Supervisor) consume(gen uint64, client Client) {
	sawClose := false
	for evt := range client.Events() {
		if evt.Kind == ClientClosed {
			sawClose = true
		}
		s.handleEvent(gen, evt)
	}
	if !sawClose {
		s.handleEvent(gen, ClientEvent{Kind: ClientClosed, Reason: ReasonConnectionLost})
	}
}

func (s *Supervisor) handleEvent(gen uint64, evt ClientEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown || gen != s.gen {
		return
	}

	switch evt.Kind {
	case ClientChallenge:
		s.handleChallengeLocked(evt.Challenge)
	case ClientReady:
		s.handleReadyLocked()
	case ClientClosed:
		s.handleClosedLocked(evt.Reason)
	case ClientCredentials:
		if err := s.store.Save(s.id, evt.Credentials); err != nil {
			s.logger.Error("persist credentials", "error", err)
		}
	case ClientMessage:
		s.handleMessageLocked(evt.Message)
	case ClientContacts:
		for id, name := range evt.Contacts {
			s.names.Put(id, name)
		}
	}
}

func (s *Supervisor) handleChallengeLocked(challenge string) {
	if s.state == StateReady || challenge == "" {
		return
	}
	now := time.Now()
	if challenge == s.lastChallenge {
		s.logger.Debug("duplicate challenge suppressed")
		return
	}
	if !s.lastChallengeAt.IsZero() && now.Sub(s.lastChallengeAt) < s.cfg.challengeWindow() {
		s.logger.Debug("challenge throttled")
		return
	}

	s.retryCount++
	if s.retryCount > s.cfg.ChallengeBudget {
		// Stuck pairing flow. Wipe credentials and restart clean rather than
		// issuing challenges forever.
		s.logger.Warn("challenge budget exhausted, resetting credentials",
			"budget", s.cfg.ChallengeBudget)
		if err := s.store.Clear(s.id); err != nil {
			s.logger.Error("clear credentials", "error", err)
		}
		s.resetChallengeLocked()
		s.dropClientLocked()
		s.state = StateClosed
		s.scheduleStartLocked(s.cfg.resetDelay(), true)
		return
	}

	s.lastChallenge = challenge
	s.lastChallengeAt = now
	s.state = StateAwaitingChallenge
	s.logger.Info("pairing challenge issued", "attempt", s.retryCount, "budget", s.cfg.ChallengeBudget)
	s.notifier.Notify(s.id, Event{Kind: EventChallenge, Challenge: challenge})
}

func (s *Supervisor) handleReadyLocked() {
	if s.state == StateReady {
		// The service can re-announce an open connection; notify only on the
		// actual transition.
		return
	}
	s.state = StateReady
	s.retryCount = 0
	s.connectAttempts = 0
	s.lastChallenge = ""
	s.lastChallengeAt = time.Time{}
	s.cancelTimerLocked()
	s.logger.Info("session ready")
	s.notifier.Notify(s.id, Event{Kind: EventReady})
}

func (s *Supervisor) handleClosedLocked(reason CloseReason) {
	wasReady := s.state == StateReady
	s.client = nil
	s.gen++
	s.logger.Info("connection closed", "reason", reason.String(), "was_ready", wasReady)

	if reason.Terminal() {
		// The account unlinked this device. No automatic reconnect; a fresh
		// start must be requested explicitly.
		s.state = StateDisconnected
		s.cancelTimerLocked()
		if err := s.store.Clear(s.id); err != nil {
			s.logger.Error("clear credentials", "error", err)
		}
		s.resetChallengeLocked()
		s.notifier.Notify(s.id, Event{Kind: EventLoggedOut})
		return
	}

	s.state = StateClosed
	force := reason.CorruptsCredentials()
	if force {
		if err := s.store.Clear(s.id); err != nil {
			s.logger.Error("clear credentials", "error", err)
		}
		s.resetChallengeLocked()
	}
	if wasReady {
		s.notifier.Notify(s.id, Event{Kind: EventDisconnected})
	}

	s.connectAttempts++
	delay := s.cfg.reconnectPolicy(reason).Delay(s.connectAttempts)
	s.logger.Info("reconnect scheduled", "delay", delay, "attempt", s.connectAttempts)
	s.scheduleStartLocked(delay, force)
}

func (s *Supervisor) handleMessageLocked(msg *msgcache.Message) {
	if msg == nil {
		return
	}
	recorded := *msg
	s.names.Put(recorded.SenderID, recorded.Sender)
	recorded.Sender = s.names.Resolve(recorded.SenderID, recorded.Sender)
	if !s.cache.Record(recorded) {
		return // redelivered event
	}
	if recorded.FromSelf {
		return
	}
	text := recorded.Text
	if text == "" {
		text = "(media)"
	}
	s.notifier.Notify(s.id, Event{
		Kind:           EventMessageObserved,
		ConversationID: recorded.ConversationID,
		Sender:         recorded.Sender,
		Text:           text,
		Timestamp:      msgcache.NormalizeTimestamp(recorded.Timestamp),
		MessageID:      recorded.ID,
	})
}

// scheduleStartLocked arms the reconnect timer, replacing any pending one. A
// fired callback from a replaced timer finds its generation stale and does
// nothing, so a deleted session can not be revived by a leftover timer.
func (s *Supervisor) scheduleStartLocked(delay time.Duration, forceNew bool) {
	s.cancelTimerLocked()
	myGen := s.timerGen
	s.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.shutdown || myGen != s.timerGen {
			s.mu.Unlock()
			return
		}
		s.timer = nil
		err := s.startLocked(context.Background(), forceNew)
		s.mu.Unlock()
		if err != nil {
			s.logger.Warn("scheduled reconnect failed", "error", err)
		}
	})
}

func (s *Supervisor) cancelTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerGen++
}

// dropClientLocked discards the live connection without close-event
// processing; the connection's remaining events are stale by generation.
func (s *Supervisor) dropClientLocked() {
	client := s.client
	s.client = nil
	s.gen++
	if client != nil {
		go client.Disconnect()
	}
}

func (s *Supervisor) resetChallengeLocked() {
	s.retryCount = 0
	s.lastChallenge = ""
	s.lastChallengeAt = time.Time{}
}

// SendText sends through the live connection. The session lock is not held
// across the network call, so inbound events keep flowing during slow sends.
func (s *Supervisor) SendText(ctx context.Context, conversationID, body string, quoted *msgcache.Message) (string, error) {
	client, err := s.readyClient()
	if err != nil {
		return "", err
	}
	return client.SendText(ctx, conversationID, body, quoted)
}

// ListConversations lists the groups the session participates in.
func (s *Supervisor) ListConversations(ctx context.Context) ([]Conversation, error) {
	client, err := s.readyClient()
	if err != nil {
		return nil, err
	}
	return client.ListConversations(ctx)
}

// AvatarURL fetches a conversation's picture URL, or "" when none is set.
func (s *Supervisor) AvatarURL(ctx context.Context, conversationID string) (string, error) {
	client, err := s.readyClient()
	if err != nil {
		return "", err
	}
	return client.AvatarURL(ctx, conversationID)
}

func (s *Supervisor) readyClient() (Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady || s.client == nil {
		return nil, ErrNotConnected
	}
	return s.client, nil
}

// Logout unlinks the device (best effort), wipes credentials, and schedules
// a fresh start so a new pairing challenge becomes available.
func (s *Supervisor) Logout(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return ErrNotFound
	}
	client := s.client
	wasReady := s.state == StateReady
	s.client = nil
	s.gen++
	s.state = StateDisconnected
	s.cancelTimerLocked()
	s.resetChallengeLocked()
	s.mu.Unlock()

	if client != nil {
		if wasReady {
			if err := client.Logout(ctx); err != nil {
				s.logger.Warn("remote logout failed", "error", err)
			}
		}
		client.Disconnect()
	}
	if err := s.store.Clear(s.id); err != nil {
		return NewError(ErrCodeStorage, "clear credentials", err)
	}
	s.notifier.Notify(s.id, Event{Kind: EventDisconnected})

	s.mu.Lock()
	if !s.shutdown {
		s.scheduleStartLocked(s.cfg.logoutRestartDelay(), true)
	}
	s.mu.Unlock()
	return nil
}

// Close tears the supervisor down permanently: pending reconnects are
// invalidated and the live connection, if any, is dropped. With logout set
// the remote device link is also removed, best effort.
func (s *Supervisor) Close(ctx context.Context, logout bool) {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return
	}
	s.shutdown = true
	s.cancelTimerLocked()
	client := s.client
	s.client = nil
	s.gen++
	s.state = StateDisconnected
	s.mu.Unlock()

	if client != nil {
		if logout {
			if err := client.Logout(ctx); err != nil {
				s.logger.Debug("logout on close failed", "error", err)
			}
		}
		client.Disconnect()
	}
}

// State returns the current connection state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Ready reports whether the connection is established and usable.
func (s *Supervisor) Ready() bool {
	return s.State() == StateReady
}

// Active reports whether a connection object currently exists.
func (s *Supervisor) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client != nil
}

// PendingReconnect reports whether a reconnect timer is armed.
func (s *Supervisor) PendingReconnect() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}
