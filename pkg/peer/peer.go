// Package peer tracks the lifecycle of the connection to each remote peer:
// discovery, transport handshake, channel negotiation, liveness and
// reconnection.
package peer

import (
	"errors"
	"time"
)

// State is the position of a peer in its connection lifecycle.
type State string

const (
	Discovering    State = "discovering"
	Connecting     State = "connecting"
	ChannelNeeded  State = "channel_needed"
	ChannelOpening State = "channel_opening"
	Connected      State = "connected"
	Disconnected   State = "disconnected"
	Failed         State = "failed"
)

// States lists every state in lifecycle order.
var States = []State{Discovering, Connecting, ChannelNeeded, ChannelOpening,
	Connected, Disconnected, Failed}

// Down reports whether s is a state the peer task must not survive.
func (s State) Down() bool { return s == Disconnected || s == Failed }

const (
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5
)

// Connection is the record kept for every remote peer. It is never deleted;
// a peer that cannot be recovered ends in Failed.
type Connection struct {
	Pubkey              string    `json:"pubkey"`
	ILPAddress          string    `json:"ilpAddress,omitempty"`
	Endpoint            string    `json:"endpoint,omitempty"`
	ChannelID           string    `json:"channelId,omitempty"`
	State               State     `json:"state"`
	Priority            int       `json:"priority"`
	LastHeartbeatAt     time.Time `json:"lastHeartbeatAt"`
	ReconnectAttempts   int       `json:"reconnectAttempts"`
	ChannelOpenAttempts int       `json:"channelOpenAttempts"`
	NextAttemptAt       time.Time `json:"nextAttemptAt"`
	// Subscriptions is kept sorted.
	Subscriptions []string  `json:"activeSubscriptionIds"`
	LastError     string    `json:"lastError,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// New returns the initial record for a freshly discovered peer.
func New(pubkey string, priority int, now time.Time) Connection {
	return Connection{
		Pubkey:    pubkey,
		State:     Discovering,
		Priority:  ClampPriority(priority),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// ClampPriority forces p into [MinPriority, MaxPriority], mapping zero to
// DefaultPriority.
func ClampPriority(p int) int {
	switch {
	case p == 0:
		return DefaultPriority
	case p < MinPriority:
		return MinPriority
	case p > MaxPriority:
		return MaxPriority
	}
	return p
}

// Active reports whether the peer is connected and heard from within the
// active window. A connected peer outside the window is still established.
func (c Connection) Active(now time.Time, cfg Config) bool {
	return c.State == Connected && now.Sub(c.LastHeartbeatAt) < cfg.ActiveWindow
}

// Subscribed reports whether subID is among the active subscriptions.
func (c Connection) Subscribed(subID string) bool {
	for _, s := range c.Subscriptions {
		if s == subID {
			return true
		}
	}
	return false
}

// Config holds the liveness and retry limits.
type Config struct {
	// ActiveWindow is how recent a heartbeat must be for a peer to count as
	// active. It does not disconnect anything.
	ActiveWindow time.Duration `json:"activeWindow"`
	// HardTimeout is how long a connected peer may go without a heartbeat
	// before it is disconnected.
	HardTimeout            time.Duration `json:"hardTimeout"`
	MaxReconnectAttempts   int           `json:"maxReconnectAttempts"`
	MaxChannelOpenAttempts int           `json:"maxChannelOpenAttempts"`
	// Jitter, if set, is subtracted from each backoff delay.
	Jitter func(d time.Duration) time.Duration `json:"-"`
}

const (
	DefaultActiveWindow           = 30 * time.Second
	DefaultHardTimeout            = 3 * DefaultActiveWindow
	DefaultMaxReconnectAttempts   = 10
	DefaultMaxChannelOpenAttempts = 3
)

// DefaultConfig returns the standard limits with jittered backoff.
func DefaultConfig() Config {
	return Config{
		ActiveWindow:           DefaultActiveWindow,
		HardTimeout:            DefaultHardTimeout,
		MaxReconnectAttempts:   DefaultMaxReconnectAttempts,
		MaxChannelOpenAttempts: DefaultMaxChannelOpenAttempts,
		Jitter:                 Jitter,
	}
}

var (
	ErrIllegalTransition = errors.New("illegal transition")
	ErrUnknownEvent      = errors.New("unknown event")
)
