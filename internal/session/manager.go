package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nlsoarez/whatsapp-group-broadcaster/internal/credentials"
	"github.com/nlsoarez/whatsapp-group-broadcaster/internal/msgcache"
	"github.com/nlsoarez/whatsapp-group-broadcaster/internal/ratelimit"
	"github.com/nlsoarez/whatsapp-group-broadcaster/internal/reply"
)

// Manager is the top-level orchestrator mapping session ids to live
// sessions. It enforces the session limit, routes caller operations to the
// right supervisor, and runs reply resolution for quoted broadcasts.
type Manager struct {
	cfg      Config
	dialer   Dialer
	store    credentials.Store
	notifier Notifier
	resolver *reply.Resolver
	logger   *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a Manager. A nil notifier discards events; a nil
// resolver gets default matching windows.
func NewManager(cfg Config, dialer Dialer, store credentials.Store, notifier Notifier, resolver *reply.Resolver, logger *slog.Logger) *Manager {
	if notifier == nil {
		notifier = NopNotifier
	}
	if resolver == nil {
		resolver = reply.New(reply.DefaultConfig())
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		dialer:   dialer,
		store:    store,
		notifier: notifier,
		resolver: resolver,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

func (m *Manager) newSession(id string) *Session {
	cache := msgcache.New(m.cfg.CacheCap)
	names := msgcache.NewNames()
	return &Session{
		id:           id,
		cache:        cache,
		names:        names,
		limiter:      ratelimit.NewBucket(m.cfg.SendRate, m.cfg.SendBurst),
		sup:          newSupervisor(id, m.cfg, m.dialer, m.store, m.notifier, cache, names, m.logger),
		lastActivity: time.Now(),
	}
}

// RegisterExisting registers a dormant session for every credential
// directory found on disk. Nothing is connected; a start must be requested
// per session. Sessions loaded this way bypass the capacity check since
// their state already exists.
func (m *Manager) RegisterExisting() error {
	ids, err := m.store.List()
	if err != nil {
		return NewError(ErrCodeStorage, "list persisted sessions", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if _, ok := m.sessions[id]; ok {
			continue
		}
		m.sessions[id] = m.newSession(id)
	}
	m.logger.Info("persisted sessions registered", "count", len(ids))
	if len(m.sessions) > m.cfg.MaxSessions {
		m.logger.Warn("registered sessions exceed the configured limit",
			"sessions", len(m.sessions), "max", m.cfg.MaxSessions)
	}
	return nil
}

// GetOrCreate returns the session for id, creating it when absent. Creation
// fails with ErrCapacityExceeded once the session limit is reached; existing
// sessions are always returned.
func (m *Manager) GetOrCreate(id string) (*Session, error) {
	if err := credentials.ValidateID(id); err != nil {
		return nil, NewError(ErrCodeInvalidInput, "session id", err)
	}

	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		s.touch()
		return s, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.touch()
		return s, nil
	}
	if len(m.sessions) >= m.cfg.MaxSessions {
		return nil, ErrCapacityExceeded
	}
	s = m.newSession(id)
	m.sessions[id] = s
	m.logger.Info("session created", "session", id)
	return s, nil
}

// Get returns the session for id, or ErrNotFound.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	s.touch()
	return s, nil
}

// Start connects a session, creating it first when needed. forceNew wipes
// stored credentials so a fresh pairing challenge is issued.
func (m *Manager) Start(ctx context.Context, id string, forceNew bool) error {
	s, err := m.GetOrCreate(id)
	if err != nil {
		return err
	}
	return s.sup.Start(ctx, forceNew)
}

// SendResult is the outcome of one conversation in a broadcast batch.
type SendResult struct {
	ConversationID string `json:"groupId"`
	Success        bool   `json:"success"`
	MessageID      string `json:"messageId,omitempty"`
	WasReply       bool   `json:"replyFound"`
	Error          string `json:"error,omitempty"`
}

// Send broadcasts body to each conversation in turn. One result is returned
// per conversation; a failure in one conversation never aborts the rest.
// When a reply hint is given, each conversation's cache is searched for the
// original to quote natively, degrading to an inline textual quote on a
// miss. Consecutive sends are paced to respect the service's rate tolerance.
func (m *Manager) Send(ctx context.Context, id string, conversationIDs []string, body string, hint *reply.Hint) ([]SendResult, error) {
	if len(conversationIDs) == 0 || body == "" {
		return nil, NewError(ErrCodeInvalidInput, "conversation ids and message body are required", nil)
	}
	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if !s.sup.Ready() {
		return nil, ErrNotConnected
	}

	results := make([]SendResult, 0, len(conversationIDs))
	for _, gid := range conversationIDs {
		if err := s.limiter.Wait(ctx); err != nil {
			results = append(results, SendResult{ConversationID: gid, Error: err.Error()})
			continue
		}
		results = append(results, m.sendOne(ctx, s, gid, body, hint))
	}
	return results, nil
}

func (m *Manager) sendOne(ctx context.Context, s *Session, conversationID, body string, hint *reply.Hint) SendResult {
	res := SendResult{ConversationID: conversationID}

	finalBody := body
	var quoted *msgcache.Message
	if hint != nil && !hint.Empty() {
		h := *hint
		h.ConversationID = conversationID
		var tier reply.Tier
		quoted, tier = m.resolver.Resolve(s.cache, h)
		if quoted != nil {
			m.logger.Debug("reply target resolved",
				"session", s.id, "group", conversationID, "tier", tier.String())
		} else {
			// Original not in cache; degrade to an inline quote.
			finalBody = reply.FallbackText(h, body)
		}
	}

	msgID, err := s.sup.SendText(ctx, conversationID, finalBody, quoted)
	if err != nil && quoted != nil {
		// The native quote was rejected; fall back to plain text.
		m.logger.Warn("quoted send failed, retrying inline",
			"session", s.id, "group", conversationID, "error", err)
		h := *hint
		h.ConversationID = conversationID
		finalBody = reply.FallbackText(h, body)
		quoted = nil
		msgID, err = s.sup.SendText(ctx, conversationID, finalBody, nil)
	}
	if err != nil {
		m.logger.Warn("send failed", "session", s.id, "group", conversationID, "error", err)
		res.Error = err.Error()
		return res
	}

	if msgID == "" {
		msgID = uuid.NewString()
	}
	now := time.Now().UnixMilli()
	res.Success = true
	res.MessageID = msgID
	res.WasReply = quoted != nil

	s.cache.Record(msgcache.Message{
		ID:             msgID,
		ConversationID: conversationID,
		Sender:         "You",
		Text:           body,
		Timestamp:      now,
		FromSelf:       true,
	})
	m.notifier.Notify(s.id, Event{
		Kind:           EventMessageSent,
		ConversationID: conversationID,
		Text:           body,
		Timestamp:      now,
		MessageID:      msgID,
		WasReply:       res.WasReply,
	})
	return res
}

// ListConversations lists a session's groups, opportunistically harvesting
// participant names into the contact map.
func (m *Manager) ListConversations(ctx context.Context, id string) ([]Conversation, error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	convs, err := s.sup.ListConversations(ctx)
	if err != nil {
		return nil, err
	}
	for _, conv := range convs {
		for _, p := range conv.Participants {
			s.names.PutWeak(p.ID, p.Name)
		}
	}
	return convs, nil
}

// AvatarURL fetches a conversation's picture URL for a session.
func (m *Manager) AvatarURL(ctx context.Context, id, conversationID string) (string, error) {
	s, err := m.Get(id)
	if err != nil {
		return "", err
	}
	return s.sup.AvatarURL(ctx, conversationID)
}

// Messages returns a session's cached messages for one conversation, oldest
// first, with sender names re-resolved against the latest contact data.
func (m *Manager) Messages(id, conversationID string) ([]msgcache.Message, error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	msgs := s.cache.All(conversationID)
	for i := range msgs {
		if msgs[i].FromSelf || msgs[i].SenderID == "" {
			continue
		}
		// Real push names were fed into the contact map at record time, so
		// resolving by id alone upgrades placeholders once contacts arrive.
		msgs[i].Sender = s.names.Resolve(msgs[i].SenderID, "")
	}
	return msgs, nil
}

// Logout unlinks a session's device and wipes its state; a fresh start is
// scheduled so a new pairing challenge becomes available.
func (m *Manager) Logout(ctx context.Context, id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	s.cache.Reset()
	return s.sup.Logout(ctx)
}

// Delete removes a session entirely: connection terminated, credentials
// cleared, all in-memory state dropped. Any pending reconnect is invalidated
// so the session can not come back by itself.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	s.sup.Close(ctx, true)
	if err := m.store.Clear(id); err != nil {
		return NewError(ErrCodeStorage, "clear credentials", err)
	}
	m.logger.Info("session deleted", "session", id)
	return nil
}

// EvictIdle removes sessions idle longer than maxIdle. Ready sessions are
// never evicted regardless of idle time. Returns the number removed.
func (m *Manager) EvictIdle(maxIdle time.Duration) int {
	now := time.Now()

	m.mu.Lock()
	var victims []*Session
	for id, s := range m.sessions {
		if s.Ready() {
			continue
		}
		if now.Sub(s.LastActivity()) > maxIdle {
			victims = append(victims, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range victims {
		s.sup.Close(context.Background(), false)
		if err := m.store.Clear(s.id); err != nil {
			m.logger.Error("clear credentials for evicted session", "session", s.id, "error", err)
		}
		m.logger.Info("idle session evicted", "session", s.id)
	}
	return len(victims)
}

// Info summarizes one session for listings.
type Info struct {
	ID           string `json:"sessionId"`
	State        string `json:"state"`
	Ready        bool   `json:"ready"`
	Active       bool   `json:"active"`
	LastActivity int64  `json:"lastActivity"`
}

// List returns a summary of every session.
func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, Info{
			ID:           s.id,
			State:        s.State().String(),
			Ready:        s.Ready(),
			Active:       s.sup.Active(),
			LastActivity: s.LastActivity().UnixMilli(),
		})
	}
	return out
}

// Stats aggregates session counts.
type Stats struct {
	Total       int `json:"total"`
	Active      int `json:"active"`
	Connected   int `json:"connected"`
	MaxSessions int `json:"maxSessions"`
}

// Stats returns aggregate session counts.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{Total: len(m.sessions), MaxSessions: m.cfg.MaxSessions}
	for _, s := range m.sessions {
		if s.sup.Active() {
			stats.Active++
		}
		if s.Ready() {
			stats.Connected++
		}
	}
	return stats
}

// Close tears down every session without logging out or clearing
// credentials, for process shutdown.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.sup.Close(ctx, false)
	}
}
