// Package reply locates the original message a caller wants to quote.
//
// The protocol's native quote feature needs the exact original message, but
// the cache may have evicted it or never seen it (a session that reconnected
// mid-conversation, for example). Resolution is therefore a tiered best-effort
// search that degrades to an inline textual quote instead of failing the send.
package reply

import (
	"fmt"
	"strings"

	"github.com/nlsoarez/whatsapp-group-broadcaster/internal/msgcache"
)

// Hint carries whatever the caller knows about the message to quote.
type Hint struct {
	// ConversationID is the group the reply targets.
	ConversationID string `json:"groupId,omitempty"`
	// MessageID is the protocol id of the original, when known.
	MessageID string `json:"messageId,omitempty"`
	// QuotedText is the original's text as the caller saw it.
	QuotedText string `json:"text,omitempty"`
	// SenderName is the display name of the original's sender.
	SenderName string `json:"from,omitempty"`
}

// Empty reports whether the hint carries nothing to search on.
func (h Hint) Empty() bool {
	return h.MessageID == "" && h.QuotedText == "" && h.SenderName == ""
}

// Tier identifies which matching strategy produced a resolution.
type Tier int

const (
	TierNone Tier = iota
	TierMessageID
	TierExactText
	TierSimilarText
	TierSenderText
	TierTextIndex
	TierSenderRecent
)

func (t Tier) String() string {
	switch t {
	case TierMessageID:
		return "message-id"
	case TierExactText:
		return "exact-text"
	case TierSimilarText:
		return "similar-text"
	case TierSenderText:
		return "sender-text"
	case TierTextIndex:
		return "text-index"
	case TierSenderRecent:
		return "sender-recent"
	default:
		return "none"
	}
}

// Config bounds the fuzzy-matching windows. The values are tuning knobs, not
// contract; defaults mirror observed production behavior.
type Config struct {
	// PrefixWindow is how many normalized characters of the hint must prefix
	// a candidate (or vice versa) in the similarity tier.
	PrefixWindow int `yaml:"prefix_window"`
	// ContainsWindow is the leading-text slice checked with substring
	// containment in the similarity tier.
	ContainsWindow int `yaml:"contains_window"`
	// SenderOverlap is how many leading characters of the sender names must
	// overlap in the sender+text tier.
	SenderOverlap int `yaml:"sender_overlap"`
	// SenderTextWindow is the leading-text slice matched in the sender+text
	// tier.
	SenderTextWindow int `yaml:"sender_text_window"`
}

// DefaultConfig returns the standard matching windows.
func DefaultConfig() Config {
	return Config{
		PrefixWindow:     50,
		ContainsWindow:   30,
		SenderOverlap:    8,
		SenderTextWindow: 20,
	}
}

// Resolver searches a session's message cache for quote targets.
type Resolver struct {
	cfg Config
}

// New creates a Resolver. Zero config fields fall back to defaults.
func New(cfg Config) *Resolver {
	def := DefaultConfig()
	if cfg.PrefixWindow <= 0 {
		cfg.PrefixWindow = def.PrefixWindow
	}
	if cfg.ContainsWindow <= 0 {
		cfg.ContainsWindow = def.ContainsWindow
	}
	if cfg.SenderOverlap <= 0 {
		cfg.SenderOverlap = def.SenderOverlap
	}
	if cfg.SenderTextWindow <= 0 {
		cfg.SenderTextWindow = def.SenderTextWindow
	}
	return &Resolver{cfg: cfg}
}

// Resolve tries each matching tier in priority order and returns the first
// hit along with the tier that produced it. A miss returns (nil, TierNone);
// the caller falls back to an inline quote via FallbackText.
func (r *Resolver) Resolve(cache *msgcache.Cache, hint Hint) (*msgcache.Message, Tier) {
	if cache == nil || hint.Empty() {
		return nil, TierNone
	}
	conv := hint.ConversationID

	// Tier 1: exact message id.
	if msg := cache.FindByID(conv, hint.MessageID); msg != nil {
		return msg, TierMessageID
	}

	if hint.QuotedText != "" {
		messages := cache.All(conv)

		// Tier 2: exact text.
		for i := len(messages) - 1; i >= 0; i-- {
			if messages[i].Text != "" && messages[i].Text == hint.QuotedText {
				return &messages[i], TierExactText
			}
		}

		// Tier 3: prefix/leading-window similarity on normalized text.
		norm := msgcache.Normalize(hint.QuotedText)
		prefix := head(norm, r.cfg.PrefixWindow)
		lead := head(norm, r.cfg.ContainsWindow)
		for i := len(messages) - 1; i >= 0; i-- {
			candidate := msgcache.Normalize(messages[i].Text)
			if candidate == "" {
				continue
			}
			if strings.HasPrefix(candidate, prefix) || strings.HasPrefix(norm, head(candidate, r.cfg.PrefixWindow)) {
				return &messages[i], TierSimilarText
			}
			if lead != "" && strings.Contains(candidate, lead) {
				return &messages[i], TierSimilarText
			}
		}

		// Tier 4: sender overlap plus leading-text overlap.
		if hint.SenderName != "" {
			wantSender := strings.ToLower(strings.TrimSpace(hint.SenderName))
			textWindow := head(norm, r.cfg.SenderTextWindow)
			for i := len(messages) - 1; i >= 0; i-- {
				haveSender := strings.ToLower(strings.TrimSpace(messages[i].Sender))
				if haveSender == "" || textWindow == "" {
					continue
				}
				if !sendersOverlap(haveSender, wantSender, r.cfg.SenderOverlap) {
					continue
				}
				if strings.Contains(msgcache.Normalize(messages[i].Text), textWindow) {
					return &messages[i], TierSenderText
				}
			}
		}

		// Tier 5: normalized-text index, restricted to the conversation.
		if msg := cache.FindByNormalizedText(conv, norm); msg != nil {
			return msg, TierTextIndex
		}
	}

	// Tier 6: most recent message from the hinted sender, any text.
	if msg := cache.RecentBySender(conv, hint.SenderName); msg != nil {
		return msg, TierSenderRecent
	}

	return nil, TierNone
}

// FallbackText composes the inline-quoted form of a message when no cached
// original could be resolved for a native quote.
func FallbackText(hint Hint, body string) string {
	sender := strings.TrimSpace(hint.SenderName)
	if sender == "" {
		sender = "user"
	}
	quoted := strings.TrimSpace(hint.QuotedText)
	if len(quoted) > 50 {
		quoted = head(quoted, 50) + "..."
	}
	return fmt.Sprintf("↩ @%s: \"%s\"\n\n%s", sender, quoted, body)
}

// sendersOverlap reports whether one sender name contains the leading overlap
// characters of the other, in either direction.
func sendersOverlap(a, b string, overlap int) bool {
	return strings.Contains(a, head(b, overlap)) || strings.Contains(b, head(a, overlap))
}

// head returns the first n bytes of s, or all of s when shorter. Operates on
// normalized ASCII-heavy text, so byte slicing is acceptable.
func head(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Avoid splitting a multibyte rune at the cut point.
	for n > 0 && s[n]&0xC0 == 0x80 {
		n--
	}
	return s[:n]
}
