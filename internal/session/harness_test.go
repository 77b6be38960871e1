package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nlsoarez/whatsapp-group-broadcaster/internal/backoff"
	"github.com/nlsoarez/whatsapp-group-broadcaster/internal/credentials"
	"github.com/nlsoarez/whatsapp-group-broadcaster/internal/msgcache"
)

// fakeClient is a scriptable Client: tests feed events through emit and
// inspect recorded sends.
type fakeClient struct {
	events    chan ClientEvent
	closeOnce sync.Once

	mu           sync.Mutex
	sends        []fakeSend
	nextID       int
	failConv     string
	failQuoted   bool
	convs        []Conversation
	avatar       string
	loggedOut    bool
	disconnected bool
}

type fakeSend struct {
	conversationID string
	body           string
	quoted         *msgcache.Message
}

func newFakeClient() *fakeClient {
	return &fakeClient{events: make(chan ClientEvent, 32)}
}

func (c *fakeClient) emit(evt ClientEvent) { c.events <- evt }

func (c *fakeClient) SendText(ctx context.Context, conversationID, body string, quoted *msgcache.Message) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failConv != "" && conversationID == c.failConv {
		return "", fmt.Errorf("send rejected for %s", conversationID)
	}
	if c.failQuoted && quoted != nil {
		return "", fmt.Errorf("quoted send rejected")
	}
	c.sends = append(c.sends, fakeSend{conversationID, body, quoted})
	c.nextID++
	return fmt.Sprintf("MSG-%d", c.nextID), nil
}

func (c *fakeClient) ListConversations(ctx context.Context) ([]Conversation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.convs, nil
}

func (c *fakeClient) AvatarURL(ctx context.Context, conversationID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.avatar, nil
}

func (c *fakeClient) Logout(ctx context.Context) error {
	c.mu.Lock()
	c.loggedOut = true
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) Disconnect() {
	c.mu.Lock()
	c.disconnected = true
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.events) })
}

func (c *fakeClient) Events() <-chan ClientEvent { return c.events }

func (c *fakeClient) sentTo(conversationID string) []fakeSend {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []fakeSend
	for _, s := range c.sends {
		if s.conversationID == conversationID {
			out = append(out, s)
		}
	}
	return out
}

// fakeDialer hands out a fresh fakeClient per dial and records the
// credential blob each dial received.
type fakeDialer struct {
	mu       sync.Mutex
	err      error
	attempts int
	clients  []*fakeClient
	creds    [][]byte
}

func (d *fakeDialer) Dial(ctx context.Context, sessionID string, creds []byte) (Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts++
	if d.err != nil {
		return nil, d.err
	}
	c := newFakeClient()
	d.clients = append(d.clients, c)
	d.creds = append(d.creds, creds)
	return c, nil
}

func (d *fakeDialer) setErr(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.clients)
}

func (d *fakeDialer) attemptCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

func (d *fakeDialer) client(i int) *fakeClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clients[i]
}

func (d *fakeDialer) lastCreds() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.creds[len(d.creds)-1]
}

// eventRecorder collects emitted session events.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) Notify(sessionID string, evt Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *eventRecorder) count(kind EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, evt := range r.events {
		if evt.Kind == kind {
			n++
		}
	}
	return n
}

func (r *eventRecorder) last(kind EventKind) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Kind == kind {
			return r.events[i], true
		}
	}
	return Event{}, false
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig shrinks every delay so lifecycle transitions complete within a
// test run.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ChallengeWindowMs = 40
	cfg.ResetDelayMs = 10
	cfg.LogoutRestartDelayMs = 10
	cfg.DialRetryDelayMs = 10
	cfg.Reconnect = backoff.Policy{InitialMs: 10, MaxMs: 20, Factor: 1, Jitter: 0}
	cfg.ReconnectTimedOut = backoff.Policy{InitialMs: 10, MaxMs: 20, Factor: 1, Jitter: 0}
	cfg.SendRate = 1000
	cfg.SendBurst = 10
	return cfg
}

func newTestStore(t *testing.T) credentials.Store {
	t.Helper()
	store, err := credentials.NewDirStore(t.TempDir(), discardLogger())
	if err != nil {
		t.Fatalf("NewDirStore: %v", err)
	}
	return store
}

func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}
