package peer

import "time"

// Event is a transition request. The set of variants is closed.
type Event interface{ event() }

type (
	// Resolved carries the transport details found by discovery.
	Resolved struct {
		ILPAddress string
		Endpoint   string
		Priority   int
	}
	// HandshakeSucceeded ends the transport handshake. ChannelID names an
	// open channel already known for the pair, if any.
	HandshakeSucceeded struct {
		ChannelID string
	}
	HandshakeFailed struct {
		Err error
	}
	ChannelOpenRequested struct{}
	ChannelOpened        struct {
		ChannelID string
	}
	ChannelOpenFailed struct {
		Err error
	}
	Heartbeat struct{}
	// Tick asks the machine to check liveness against the hard timeout.
	Tick           struct{}
	ConnectionLost struct {
		Err error
	}
	// Reconnect starts a new attempt from Disconnected.
	Reconnect struct{}
	Fail      struct {
		Err error
	}
	// Reset is the operator action returning a failed or disconnected peer to
	// discovery with its counters cleared.
	Reset       struct{}
	Subscribe   struct{ SubID string }
	Unsubscribe struct{ SubID string }
)

func (Resolved) event()             {}
func (HandshakeSucceeded) event()   {}
func (HandshakeFailed) event()      {}
func (ChannelOpenRequested) event() {}
func (ChannelOpened) event()        {}
func (ChannelOpenFailed) event()    {}
func (Heartbeat) event()            {}
func (Tick) event()                 {}
func (ConnectionLost) event()       {}
func (Reconnect) event()            {}
func (Fail) event()                 {}
func (Reset) event()                {}
func (Subscribe) event()            {}
func (Unsubscribe) event()          {}

// Name is a short label for an event, used in logs and metrics.
func Name(ev Event) string {
	switch ev.(type) {
	case Resolved:
		return "resolved"
	case HandshakeSucceeded:
		return "handshake_succeeded"
	case HandshakeFailed:
		return "handshake_failed"
	case ChannelOpenRequested:
		return "channel_open_requested"
	case ChannelOpened:
		return "channel_opened"
	case ChannelOpenFailed:
		return "channel_open_failed"
	case Heartbeat:
		return "heartbeat"
	case Tick:
		return "tick"
	case ConnectionLost:
		return "connection_lost"
	case Reconnect:
		return "reconnect"
	case Fail:
		return "fail"
	case Reset:
		return "reset"
	case Subscribe:
		return "subscribe"
	case Unsubscribe:
		return "unsubscribe"
	}
	return "unknown"
}

// Backoff is the delay before reconnect attempt number attempts, doubling
// from one second and capped at five minutes.
func Backoff(attempts int) time.Duration {
	const (
		base = time.Second
		max  = 5 * time.Minute
	)
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 16 {
		return max
	}
	d := base << uint(attempts)
	if d > max {
		d = max
	}
	return d
}
