// Package session supervises the lifecycle of every WhatsApp account this
// service broadcasts through: one isolated session per account, each with its
// own connection state machine, credential persistence, pairing-challenge
// flow, message cache, and reconnect schedule.
package session

import (
	"sync"
	"time"

	"github.com/nlsoarez/whatsapp-group-broadcaster/internal/msgcache"
	"github.com/nlsoarez/whatsapp-group-broadcaster/internal/ratelimit"
)

// State is a session's connection state.
type State int

const (
	// StateDisconnected means no connection exists and none is scheduled.
	StateDisconnected State = iota

	// StateConnecting means a connection attempt is in flight.
	StateConnecting

	// StateAwaitingChallenge means the service is waiting for the user to
	// scan a pairing challenge.
	StateAwaitingChallenge

	// StateReady means the connection is established and usable.
	StateReady

	// StateClosed means the connection dropped; a reconnect may be pending.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingChallenge:
		return "awaiting_challenge"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "disconnected"
	}
}

// Session bundles everything one account owns: its connection supervisor,
// message cache, contact names, send pacing, and activity tracking. Sessions
// are created lazily on first reference or registered dormant at startup from
// persisted credential directories.
type Session struct {
	id      string
	sup     *Supervisor
	cache   *msgcache.Cache
	names   *msgcache.Names
	limiter *ratelimit.Bucket

	mu           sync.Mutex
	lastActivity time.Time
}

// ID returns the session's identifier.
func (s *Session) ID() string { return s.id }

// State returns the current connection state.
func (s *Session) State() State { return s.sup.State() }

// Ready reports whether the session can send right now.
func (s *Session) Ready() bool { return s.sup.Ready() }

// LastActivity returns when the session was last referenced by a caller.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}
