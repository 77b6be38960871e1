package msgcache

import (
	"regexp"
	"strings"
	"sync"
)

// numericName matches "names" that are really phone numbers or raw ids.
var numericName = regexp.MustCompile(`^\d{8,}$`)

// Names maps participant identifiers to their best-known display names.
// It is an opportunistic cache: entries are written whenever contact or
// participant metadata arrives and are never invalidated. Stale names are
// acceptable.
type Names struct {
	mu    sync.RWMutex
	names map[string]string
}

// NewNames creates an empty contact name map.
func NewNames() *Names {
	return &Names{names: make(map[string]string)}
}

// Put records a display name for a participant id. Numeric-looking names are
// ignored, and an existing real name is never downgraded. The bare number is
// indexed alongside the full id so either form resolves.
func (n *Names) Put(participantID, name string) {
	if participantID == "" || name == "" || numericName.MatchString(name) {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.names[participantID] = name
	if number := bareNumber(participantID); number != "" {
		n.names[number] = name
	}
}

// PutWeak records a name only when no usable name is already known for the
// id. Used when harvesting group participant lists, whose names are lower
// quality than contact sync data.
func (n *Names) PutWeak(participantID, name string) {
	if participantID == "" || name == "" || numericName.MatchString(name) {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if existing, ok := n.names[participantID]; ok && !numericName.MatchString(existing) {
		return
	}
	n.names[participantID] = name
	if number := bareNumber(participantID); number != "" {
		if existing, ok := n.names[number]; !ok || numericName.MatchString(existing) {
			n.names[number] = name
		}
	}
}

// Resolve returns the best display name for a participant. pushName wins when
// it is a real name; then the map is consulted under the full id, the bare
// number, and the number with the default user server suffix; finally the id
// is obfuscated rather than exposed.
func (n *Names) Resolve(participantID, pushName string) string {
	if pushName != "" && !numericName.MatchString(pushName) {
		return pushName
	}
	if participantID == "" {
		if pushName != "" {
			return pushName
		}
		return "Unknown"
	}

	n.mu.RLock()
	defer n.mu.RUnlock()

	if name, ok := n.names[participantID]; ok && !numericName.MatchString(name) {
		return name
	}
	if number := bareNumber(participantID); number != "" {
		if name, ok := n.names[number]; ok && !numericName.MatchString(name) {
			return name
		}
		if name, ok := n.names[number+"@s.whatsapp.net"]; ok && !numericName.MatchString(name) {
			return name
		}
	}
	return ObfuscatedID(participantID)
}

// Len returns the number of known name entries.
func (n *Names) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.names)
}

// ObfuscatedID renders a participant id as a friendly placeholder showing
// only the last four digits of the number.
func ObfuscatedID(participantID string) string {
	number := bareNumber(participantID)
	if number == "" {
		return "Unknown"
	}
	last := number
	if len(last) > 4 {
		last = last[len(last)-4:]
	}
	return "User ~" + last
}

func bareNumber(participantID string) string {
	number, _, _ := strings.Cut(participantID, "@")
	return number
}
