package session

import (
	"fmt"
	"time"

	"github.com/nlsoarez/whatsapp-group-broadcaster/internal/backoff"
)

// Config controls session lifecycle behavior. Every numeric threshold here is
// tuning, not contract.
type Config struct {
	// MaxSessions caps the number of live sessions.
	MaxSessions int `yaml:"max_sessions"`

	// CacheCap is the per-conversation message cache limit.
	CacheCap int `yaml:"cache_cap"`

	// ChallengeBudget is how many pairing challenges may be issued before the
	// flow is considered stuck and credentials are reset.
	ChallengeBudget int `yaml:"challenge_budget"`

	// ChallengeWindowMs suppresses challenge re-emission within this window.
	ChallengeWindowMs int `yaml:"challenge_window_ms"`

	// ResetDelayMs is the pause before restarting after a forced credential
	// reset (stuck pairing flow).
	ResetDelayMs int `yaml:"reset_delay_ms"`

	// LogoutRestartDelayMs is the pause before restarting after a logout, so
	// a fresh challenge becomes available.
	LogoutRestartDelayMs int `yaml:"logout_restart_delay_ms"`

	// DialRetryDelayMs is the pause before retrying after a failed dial.
	DialRetryDelayMs int `yaml:"dial_retry_delay_ms"`

	// Reconnect is the backoff policy for ordinary transient closes.
	Reconnect backoff.Policy `yaml:"reconnect"`

	// ReconnectTimedOut is the backoff policy for timed-out closes.
	ReconnectTimedOut backoff.Policy `yaml:"reconnect_timed_out"`

	// SendRate and SendBurst pace consecutive sends within a broadcast batch.
	SendRate  float64 `yaml:"send_rate"`
	SendBurst int     `yaml:"send_burst"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxSessions:          5,
		CacheCap:             200,
		ChallengeBudget:      5,
		ChallengeWindowMs:    3000,
		ResetDelayMs:         5000,
		LogoutRestartDelayMs: 2000,
		DialRetryDelayMs:     15000,
		Reconnect:            backoff.DefaultPolicy(),
		ReconnectTimedOut:    backoff.QuickPolicy(),
		SendRate:             2.0, // 500ms between batch sends
		SendBurst:            1,
	}
}

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	if c.MaxSessions <= 0 {
		return fmt.Errorf("sessions: max_sessions must be positive")
	}
	if c.CacheCap <= 0 {
		return fmt.Errorf("sessions: cache_cap must be positive")
	}
	if c.ChallengeBudget <= 0 {
		return fmt.Errorf("sessions: challenge_budget must be positive")
	}
	return nil
}

func (c Config) challengeWindow() time.Duration {
	return time.Duration(c.ChallengeWindowMs) * time.Millisecond
}

func (c Config) resetDelay() time.Duration {
	return time.Duration(c.ResetDelayMs) * time.Millisecond
}

func (c Config) logoutRestartDelay() time.Duration {
	return time.Duration(c.LogoutRestartDelayMs) * time.Millisecond
}

func (c Config) dialRetryDelay() time.Duration {
	return time.Duration(c.DialRetryDelayMs) * time.Millisecond
}

// reconnectPolicy selects the backoff policy for a close reason class.
func (c Config) reconnectPolicy(reason CloseReason) backoff.Policy {
	if reason == ReasonTimedOut {
		return c.ReconnectTimedOut.Normalized()
	}
	return c.Reconnect.Normalized()
}
