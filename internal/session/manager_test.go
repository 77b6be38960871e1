package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nlsoarez/whatsapp-group-broadcaster/internal/credentials"
	"github.com/nlsoarez/whatsapp-group-broadcaster/internal/msgcache"
	"github.com/nlsoarez/whatsapp-group-broadcaster/internal/reply"
)

type mgrFixture struct {
	mgr    *Manager
	dialer *fakeDialer
	store  credentials.Store
	rec    *eventRecorder
}

func newMgrFixture(t *testing.T, cfg Config) *mgrFixture {
	t.Helper()
	f := &mgrFixture{
		dialer: &fakeDialer{},
		store:  newTestStore(t),
		rec:    &eventRecorder{},
	}
	f.mgr = NewManager(cfg, f.dialer, f.store, f.rec, nil, discardLogger())
	t.Cleanup(func() { f.mgr.Close(context.Background()) })
	return f
}

func (f *mgrFixture) readySession(t *testing.T, id string) (*Session, *fakeClient) {
	t.Helper()
	if err := f.mgr.Start(context.Background(), id, false); err != nil {
		t.Fatalf("Start(%s): %v", id, err)
	}
	client := f.dialer.client(f.dialer.count() - 1)
	client.emit(ClientEvent{Kind: ClientReady})
	s, err := f.mgr.Get(id)
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	waitUntil(t, s.Ready, "session never became ready")
	return s, client
}

func (f *mgrFixture) seedMessage(t *testing.T, s *Session, client *fakeClient, msg msgcache.Message) {
	t.Helper()
	client.emit(ClientEvent{Kind: ClientMessage, Message: &msg})
	waitUntil(t, func() bool { return s.cache.FindByID(msg.ConversationID, msg.ID) != nil }, "seed message not cached")
}

func TestSessionCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSessions = 2
	f := newMgrFixture(t, cfg)

	for _, id := range []string{"a", "b"} {
		if _, err := f.mgr.GetOrCreate(id); err != nil {
			t.Fatalf("GetOrCreate(%s): %v", id, err)
		}
	}
	if _, err := f.mgr.GetOrCreate("c"); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("GetOrCreate over limit = %v, want ErrCapacityExceeded", err)
	}
	// Existing sessions stay reachable at the limit.
	if _, err := f.mgr.GetOrCreate("a"); err != nil {
		t.Fatalf("GetOrCreate existing at limit: %v", err)
	}
}

func TestSessionIDValidation(t *testing.T) {
	f := newMgrFixture(t, testConfig())
	for _, id := range []string{"", ".", "..", "a/b", "a\\b"} {
		if _, err := f.mgr.GetOrCreate(id); CodeOf(err) != ErrCodeInvalidInput {
			t.Errorf("GetOrCreate(%q) = %v, want invalid input", id, err)
		}
	}
}

func TestGetMissingSession(t *testing.T) {
	f := newMgrFixture(t, testConfig())
	if _, err := f.mgr.Get("ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get = %v, want ErrNotFound", err)
	}
}

func TestRegisterExisting(t *testing.T) {
	f := newMgrFixture(t, testConfig())
	for _, id := range []string{"old-a", "old-b"} {
		if err := f.store.Save(id, []byte("creds")); err != nil {
			t.Fatalf("Save(%s): %v", id, err)
		}
	}

	if err := f.mgr.RegisterExisting(); err != nil {
		t.Fatalf("RegisterExisting: %v", err)
	}
	infos := f.mgr.List()
	if len(infos) != 2 {
		t.Fatalf("registered %d sessions, want 2", len(infos))
	}
	for _, info := range infos {
		if info.State != "disconnected" {
			t.Errorf("session %s state = %s, want disconnected", info.ID, info.State)
		}
	}
	// Nothing dials until a start is requested.
	if got := f.dialer.attemptCount(); got != 0 {
		t.Fatalf("dialed %d times at registration, want 0", got)
	}
}

func TestSendValidation(t *testing.T) {
	f := newMgrFixture(t, testConfig())
	ctx := context.Background()

	if _, err := f.mgr.Send(ctx, "a", nil, "hi", nil); CodeOf(err) != ErrCodeInvalidInput {
		t.Fatalf("Send without groups = %v, want invalid input", err)
	}
	if _, err := f.mgr.Send(ctx, "a", []string{"g1"}, "", nil); CodeOf(err) != ErrCodeInvalidInput {
		t.Fatalf("Send without body = %v, want invalid input", err)
	}
	if _, err := f.mgr.Send(ctx, "a", []string{"g1"}, "hi", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Send to missing session = %v, want ErrNotFound", err)
	}

	if _, err := f.mgr.GetOrCreate("a"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if _, err := f.mgr.Send(ctx, "a", []string{"g1"}, "hi", nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send while disconnected = %v, want ErrNotConnected", err)
	}
}

func TestBroadcastPartialFailure(t *testing.T) {
	f := newMgrFixture(t, testConfig())
	s, client := f.readySession(t, "a")
	client.mu.Lock()
	client.failConv = "g-bad@g.us"
	client.mu.Unlock()

	results, err := f.mgr.Send(context.Background(), "a",
		[]string{"g1@g.us", "g-bad@g.us", "g2@g.us"}, "promo text", nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	for i, want := range []bool{true, false, true} {
		if results[i].Success != want {
			t.Errorf("results[%d].Success = %v, want %v (%+v)", i, results[i].Success, want, results[i])
		}
	}
	if results[1].Error == "" {
		t.Error("failed result carries no error text")
	}
	if results[0].MessageID == "" {
		t.Error("successful result carries no message id")
	}

	// Successful sends land in the cache attributed to the session itself.
	own := s.cache.All("g1@g.us")
	if len(own) != 1 || !own[0].FromSelf || own[0].Sender != "You" {
		t.Fatalf("cached own message = %+v", own)
	}
	if got := f.rec.count(EventMessageSent); got != 2 {
		t.Fatalf("emitted %d message_sent events, want 2", got)
	}
}

func TestBroadcastQuotesCachedOriginal(t *testing.T) {
	f := newMgrFixture(t, testConfig())
	s, client := f.readySession(t, "a")
	f.seedMessage(t, s, client, msgcache.Message{
		ID:             "orig-1",
		ConversationID: "g1@g.us",
		SenderID:       "5511999998888@s.whatsapp.net",
		Sender:         "Ana",
		Text:           "lunch at noon",
		Timestamp:      time.Now().UnixMilli(),
	})

	hint := &reply.Hint{MessageID: "orig-1", QuotedText: "lunch at noon", SenderName: "Ana"}
	results, err := f.mgr.Send(context.Background(), "a",
		[]string{"g1@g.us", "g2@g.us"}, "sounds good", hint)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	// g1 holds the original: quoted natively, body untouched.
	if !results[0].WasReply {
		t.Fatal("g1 send not marked as reply")
	}
	sent := client.sentTo("g1@g.us")
	if len(sent) != 1 || sent[0].quoted == nil || sent[0].quoted.ID != "orig-1" {
		t.Fatalf("g1 send = %+v, want native quote of orig-1", sent)
	}
	if sent[0].body != "sounds good" {
		t.Fatalf("g1 body = %q, want original body", sent[0].body)
	}

	// g2 has no trace of the original: inline textual quote instead.
	if results[1].WasReply {
		t.Fatal("g2 send marked as reply despite cache miss")
	}
	sent = client.sentTo("g2@g.us")
	if len(sent) != 1 || sent[0].quoted != nil {
		t.Fatalf("g2 send = %+v, want plain send", sent)
	}
	if !strings.HasPrefix(sent[0].body, "↩ @Ana:") || !strings.Contains(sent[0].body, "sounds good") {
		t.Fatalf("g2 body = %q, want inline quote plus body", sent[0].body)
	}
}

func TestQuotedSendFallsBackInline(t *testing.T) {
	f := newMgrFixture(t, testConfig())
	s, client := f.readySession(t, "a")
	f.seedMessage(t, s, client, msgcache.Message{
		ID:             "orig-1",
		ConversationID: "g1@g.us",
		Sender:         "Ana",
		Text:           "lunch at noon",
		Timestamp:      time.Now().UnixMilli(),
	})
	client.mu.Lock()
	client.failQuoted = true
	client.mu.Unlock()

	hint := &reply.Hint{MessageID: "orig-1", QuotedText: "lunch at noon", SenderName: "Ana"}
	results, err := f.mgr.Send(context.Background(), "a", []string{"g1@g.us"}, "works for me", hint)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !results[0].Success || results[0].WasReply {
		t.Fatalf("result = %+v, want plain-text success", results[0])
	}
	sent := client.sentTo("g1@g.us")
	if len(sent) != 1 || sent[0].quoted != nil {
		t.Fatalf("delivered sends = %+v, want one plain retry", sent)
	}
	if !strings.HasPrefix(sent[0].body, "↩ @Ana:") {
		t.Fatalf("retry body = %q, want inline quote", sent[0].body)
	}
}

func TestMessagesReresolvesSenders(t *testing.T) {
	f := newMgrFixture(t, testConfig())
	s, client := f.readySession(t, "a")
	f.seedMessage(t, s, client, msgcache.Message{
		ID:             "m1",
		ConversationID: "g1@g.us",
		SenderID:       "5511988887777@s.whatsapp.net",
		Text:           "oi",
		Timestamp:      time.Now().UnixMilli(),
	})

	msgs, err := f.mgr.Messages("a", "g1@g.us")
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if msgs[0].Sender != "User ~7777" {
		t.Fatalf("sender before contact sync = %q, want obfuscated number", msgs[0].Sender)
	}

	// A late contact push upgrades the name on the next read.
	client.emit(ClientEvent{Kind: ClientContacts, Contacts: map[string]string{
		"5511988887777@s.whatsapp.net": "Bruna",
	}})
	waitUntil(t, func() bool {
		msgs, _ := f.mgr.Messages("a", "g1@g.us")
		return len(msgs) == 1 && msgs[0].Sender == "Bruna"
	}, "sender never re-resolved")
}

func TestListConversationsHarvestsParticipants(t *testing.T) {
	f := newMgrFixture(t, testConfig())
	s, client := f.readySession(t, "a")
	client.mu.Lock()
	client.convs = []Conversation{{
		ID:   "g1@g.us",
		Name: "Futebol",
		Participants: []Participant{
			{ID: "5511900001111@s.whatsapp.net", Name: "Carlos"},
		},
	}}
	client.mu.Unlock()

	convs, err := f.mgr.ListConversations(context.Background(), "a")
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(convs) != 1 || convs[0].Name != "Futebol" {
		t.Fatalf("conversations = %+v", convs)
	}
	if got := s.names.Resolve("5511900001111@s.whatsapp.net", ""); got != "Carlos" {
		t.Fatalf("participant name = %q, want harvested name", got)
	}
}

func TestLogoutClearsCache(t *testing.T) {
	f := newMgrFixture(t, testConfig())
	s, client := f.readySession(t, "a")
	f.seedMessage(t, s, client, msgcache.Message{
		ID: "m1", ConversationID: "g1@g.us", Text: "oi", Timestamp: time.Now().UnixMilli(),
	})

	if err := f.mgr.Logout(context.Background(), "a"); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if got := s.cache.Len("g1@g.us"); got != 0 {
		t.Fatalf("cache holds %d messages after logout, want 0", got)
	}
	// A fresh start follows so a new pairing challenge becomes available.
	waitUntil(t, func() bool { return f.dialer.count() == 2 }, "no fresh start after logout")
}

func TestDeleteRemovesEverything(t *testing.T) {
	f := newMgrFixture(t, testConfig())
	_, client := f.readySession(t, "a")
	client.emit(ClientEvent{Kind: ClientCredentials, Credentials: []byte("creds")})
	waitUntil(t, func() bool {
		_, err := f.store.Load("a")
		return err == nil
	}, "credentials never persisted")

	if err := f.mgr.Delete(context.Background(), "a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := f.mgr.Get("a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after delete = %v, want ErrNotFound", err)
	}
	if _, err := f.store.Load("a"); !errors.Is(err, credentials.ErrNotFound) {
		t.Fatalf("Load after delete = %v, want ErrNotFound", err)
	}
	waitUntil(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return client.disconnected
	}, "connection not torn down")
	if err := f.mgr.Delete(context.Background(), "a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Delete = %v, want ErrNotFound", err)
	}
}

func TestEvictIdleSparesReadySessions(t *testing.T) {
	f := newMgrFixture(t, testConfig())
	f.readySession(t, "live")
	if _, err := f.mgr.GetOrCreate("stale"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if err := f.store.Save("stale", []byte("creds")); err != nil {
		t.Fatalf("Save: %v", err)
	}

	past := time.Now().Add(-2 * time.Hour)
	for _, id := range []string{"live", "stale"} {
		s, _ := f.mgr.Get(id)
		s.mu.Lock()
		s.lastActivity = past
		s.mu.Unlock()
	}

	if got := f.mgr.EvictIdle(time.Hour); got != 1 {
		t.Fatalf("evicted %d sessions, want 1", got)
	}
	if _, err := f.mgr.Get("live"); err != nil {
		t.Fatalf("ready session evicted: %v", err)
	}
	if _, err := f.mgr.Get("stale"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(stale) = %v, want ErrNotFound", err)
	}
	if _, err := f.store.Load("stale"); !errors.Is(err, credentials.ErrNotFound) {
		t.Fatalf("evicted session kept credentials: %v", err)
	}
}

func TestStats(t *testing.T) {
	f := newMgrFixture(t, testConfig())
	f.readySession(t, "a")
	if _, err := f.mgr.GetOrCreate("b"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	stats := f.mgr.Stats()
	if stats.Total != 2 || stats.Connected != 1 || stats.Active != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.MaxSessions != testConfig().MaxSessions {
		t.Fatalf("max sessions = %d", stats.MaxSessions)
	}
}
