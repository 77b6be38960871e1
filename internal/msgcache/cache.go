// Package msgcache keeps a bounded, per-conversation log of observed messages
// along with a normalized-text index used to locate quote targets.
package msgcache

import (
	"regexp"
	"strings"
	"sync"
)

// DefaultCap is the per-conversation message limit when none is configured.
const DefaultCap = 200

// Message is one observed message in a conversation.
type Message struct {
	// ID is the protocol-assigned message id, unique within a conversation.
	ID string `json:"id"`
	// ConversationID identifies the group the message belongs to.
	ConversationID string `json:"groupId"`
	// Sender is the best-known display name at the time of recording.
	Sender string `json:"from"`
	// SenderID is the participant identifier, kept for later name resolution.
	SenderID string `json:"participant,omitempty"`
	// Text is the extracted plain text; empty for pure-media messages.
	Text string `json:"text"`
	// Timestamp is milliseconds since epoch.
	Timestamp int64 `json:"timestamp"`
	// FromSelf marks messages sent by this session's own account.
	FromSelf bool `json:"fromMe"`
}

type textRef struct {
	conversationID string
	messageID      string
}

type conversationLog struct {
	messages []Message            // oldest first
	byID     map[string]struct{} // dedupe set
}

// Cache holds bounded message logs for every conversation a session observes.
// Insertion order is preserved; eviction is strict FIFO per conversation.
type Cache struct {
	mu            sync.Mutex
	cap           int
	conversations map[string]*conversationLog
	byText        map[string][]textRef // normalized text -> message refs
}

// New creates a cache keeping at most cap messages per conversation.
func New(cap int) *Cache {
	if cap <= 0 {
		cap = DefaultCap
	}
	return &Cache{
		cap:           cap,
		conversations: make(map[string]*conversationLog),
		byText:        make(map[string][]textRef),
	}
}

// Record appends a message to its conversation's log. Recording a message id
// already present is a no-op, since the protocol can redeliver the same
// event. Returns false for such duplicates. Timestamps are normalized to
// milliseconds.
func (c *Cache) Record(msg Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	log := c.conversations[msg.ConversationID]
	if log == nil {
		log = &conversationLog{byID: make(map[string]struct{})}
		c.conversations[msg.ConversationID] = log
	}

	if msg.ID != "" {
		if _, dup := log.byID[msg.ID]; dup {
			return false
		}
		log.byID[msg.ID] = struct{}{}
	}

	msg.Timestamp = NormalizeTimestamp(msg.Timestamp)
	log.messages = append(log.messages, msg)

	if norm := Normalize(msg.Text); norm != "" {
		c.byText[norm] = append(c.byText[norm], textRef{msg.ConversationID, msg.ID})
	}

	for len(log.messages) > c.cap {
		c.evictOldest(msg.ConversationID, log)
	}
	return true
}

// evictOldest drops the head of a conversation log and unindexes it.
// Must be called with the lock held.
func (c *Cache) evictOldest(conversationID string, log *conversationLog) {
	oldest := log.messages[0]
	log.messages = log.messages[1:]
	delete(log.byID, oldest.ID)

	norm := Normalize(oldest.Text)
	if norm == "" {
		return
	}
	refs := c.byText[norm]
	for i, ref := range refs {
		if ref.conversationID == conversationID && ref.messageID == oldest.ID {
			c.byText[norm] = append(refs[:i:i], refs[i+1:]...)
			break
		}
	}
	if len(c.byText[norm]) == 0 {
		delete(c.byText, norm)
	}
}

// FindByID returns the message with the given id in a conversation, or nil.
func (c *Cache) FindByID(conversationID, messageID string) *Message {
	if messageID == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	log := c.conversations[conversationID]
	if log == nil {
		return nil
	}
	if _, ok := log.byID[messageID]; !ok {
		return nil
	}
	for i := len(log.messages) - 1; i >= 0; i-- {
		if log.messages[i].ID == messageID {
			msg := log.messages[i]
			return &msg
		}
	}
	return nil
}

// FindByNormalizedText looks up the text index for an exact normalized match,
// restricted to the given conversation. Newest match wins.
func (c *Cache) FindByNormalizedText(conversationID, normalized string) *Message {
	if normalized == "" {
		return nil
	}
	c.mu.Lock()
	refs := c.byText[normalized]
	var id string
	for i := len(refs) - 1; i >= 0; i-- {
		if refs[i].conversationID == conversationID {
			id = refs[i].messageID
			break
		}
	}
	c.mu.Unlock()
	if id == "" {
		return nil
	}
	return c.FindByID(conversationID, id)
}

// RecentBySender returns the most recent message in a conversation whose
// sender name overlaps the given name (case-insensitive, substring in either
// direction), or nil.
func (c *Cache) RecentBySender(conversationID, senderName string) *Message {
	if senderName == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	log := c.conversations[conversationID]
	if log == nil {
		return nil
	}
	want := strings.ToLower(strings.TrimSpace(senderName))
	for i := len(log.messages) - 1; i >= 0; i-- {
		have := strings.ToLower(strings.TrimSpace(log.messages[i].Sender))
		if have == "" {
			continue
		}
		if strings.Contains(have, want) || strings.Contains(want, have) {
			msg := log.messages[i]
			return &msg
		}
	}
	return nil
}

// All returns a copy of a conversation's messages, oldest first.
func (c *Cache) All(conversationID string) []Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	log := c.conversations[conversationID]
	if log == nil {
		return nil
	}
	out := make([]Message, len(log.messages))
	copy(out, log.messages)
	return out
}

// Len returns the number of cached messages for a conversation.
func (c *Cache) Len(conversationID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	log := c.conversations[conversationID]
	if log == nil {
		return 0
	}
	return len(log.messages)
}

// Reset drops all cached messages and index entries.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conversations = make(map[string]*conversationLog)
	c.byText = make(map[string][]textRef)
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// Normalize lowercases, trims, and collapses runs of whitespace. Messages are
// indexed and matched on this form.
func Normalize(s string) string {
	return whitespaceRun.ReplaceAllString(strings.TrimSpace(strings.ToLower(s)), " ")
}

// NormalizeTimestamp converts second-resolution timestamps to milliseconds.
// The protocol reports either, depending on the event source.
func NormalizeTimestamp(ts int64) int64 {
	if ts > 0 && ts < 1_000_000_000_000 {
		return ts * 1000
	}
	return ts
}
