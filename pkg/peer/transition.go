package peer

import (
	"fmt"
	"time"

	"golang.org/x/exp/slices"
	"lukechampine.com/frand"
)

// Jitter returns a random duration up to a fifth of d.
func Jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(frand.Intn(int(d/5) + 1))
}

func illegal(c Connection, ev Event) error {
	return fmt.Errorf("%w: %s in state %s", ErrIllegalTransition, Name(ev),
		c.State)
}

func errString(err error, fallback string) string {
	if err != nil {
		return err.Error()
	}
	return fallback
}

// disconnect moves c to Disconnected and schedules the next attempt, or to
// Failed once the reconnect budget is spent.
func disconnect(c Connection, reason string, now time.Time,
	cfg Config) Connection {

	c.LastError = reason
	// subscriptions belong to the session that made them
	c.Subscriptions = nil
	if cfg.MaxReconnectAttempts > 0 &&
		c.ReconnectAttempts >= cfg.MaxReconnectAttempts {
		c.State = Failed
		c.LastError = fmt.Sprintf("%s (gave up after %d reconnect attempts)",
			reason, c.ReconnectAttempts)
		return c
	}
	c.State = Disconnected
	delay := Backoff(c.ReconnectAttempts)
	if cfg.Jitter != nil {
		delay -= cfg.Jitter(delay)
	}
	c.NextAttemptAt = now.Add(delay)
	return c
}

// Transition computes the record that results from applying ev to c. It does
// not modify c; an illegal event returns c unchanged with an
// ErrIllegalTransition.
func Transition(c Connection, ev Event, now time.Time,
	cfg Config) (next Connection, err error) {

	next = c
	next.Subscriptions = slices.Clone(c.Subscriptions)
	switch e := ev.(type) {
	case Resolved:
		switch c.State {
		case Discovering:
			next.State = Connecting
		case Connecting, Disconnected:
		default:
			return c, illegal(c, ev)
		}
		next.ILPAddress, next.Endpoint = e.ILPAddress, e.Endpoint
		if e.Priority != 0 {
			next.Priority = ClampPriority(e.Priority)
		}
	case HandshakeSucceeded:
		if c.State != Connecting {
			return c, illegal(c, ev)
		}
		next.ReconnectAttempts = 0
		next.LastHeartbeatAt = now
		next.LastError = ""
		if e.ChannelID != "" {
			next.ChannelID = e.ChannelID
			next.State = Connected
		} else {
			next.State = ChannelNeeded
		}
	case HandshakeFailed:
		if c.State != Connecting {
			return c, illegal(c, ev)
		}
		next = disconnect(next, errString(e.Err, "handshake failed"), now,
			cfg)
	case ChannelOpenRequested:
		if c.State != ChannelNeeded {
			return c, illegal(c, ev)
		}
		next.State = ChannelOpening
		next.ChannelOpenAttempts++
	case ChannelOpened:
		if c.State != ChannelOpening {
			return c, illegal(c, ev)
		}
		next.State = Connected
		next.ChannelID = e.ChannelID
		next.ChannelOpenAttempts = 0
		next.LastError = ""
	case ChannelOpenFailed:
		if c.State != ChannelOpening {
			return c, illegal(c, ev)
		}
		next.LastError = errString(e.Err, "channel open failed")
		if next.ChannelOpenAttempts >= cfg.MaxChannelOpenAttempts {
			next.State = Failed
			next.LastError = fmt.Sprintf("%s (gave up after %d channel open "+
				"attempts)", next.LastError, next.ChannelOpenAttempts)
		} else {
			next.State = ChannelNeeded
		}
	case Heartbeat:
		switch c.State {
		case ChannelNeeded, ChannelOpening, Connected:
		default:
			return c, illegal(c, ev)
		}
		next.LastHeartbeatAt = now
	case Tick:
		switch c.State {
		case ChannelNeeded, ChannelOpening, Connected:
			if cfg.HardTimeout > 0 &&
				now.Sub(c.LastHeartbeatAt) >= cfg.HardTimeout {
				next = disconnect(next, "heartbeat timeout", now, cfg)
			}
		}
		if next.State == c.State {
			// nothing changed, leave UpdatedAt alone
			return c, nil
		}
	case ConnectionLost:
		switch c.State {
		case Connecting, ChannelNeeded, ChannelOpening, Connected:
			next = disconnect(next, errString(e.Err, "connection lost"), now,
				cfg)
		case Disconnected, Failed:
			return c, nil
		default:
			return c, illegal(c, ev)
		}
	case Reconnect:
		if c.State != Disconnected {
			return c, illegal(c, ev)
		}
		next.State = Connecting
		next.ReconnectAttempts++
	case Fail:
		if c.State == Failed {
			return c, nil
		}
		next.State = Failed
		next.Subscriptions = nil
		next.LastError = errString(e.Err, "failed")
	case Reset:
		if !c.State.Down() {
			return c, illegal(c, ev)
		}
		next.State = Discovering
		next.ReconnectAttempts = 0
		next.ChannelOpenAttempts = 0
		next.NextAttemptAt = time.Time{}
		next.LastError = ""
	case Subscribe:
		if c.State.Down() {
			return c, illegal(c, ev)
		}
		if i, found := slices.BinarySearch(next.Subscriptions,
			e.SubID); !found {
			next.Subscriptions = slices.Insert(next.Subscriptions, i, e.SubID)
		}
	case Unsubscribe:
		if i, found := slices.BinarySearch(next.Subscriptions,
			e.SubID); found {
			next.Subscriptions = slices.Delete(next.Subscriptions, i, i+1)
		}
	default:
		return c, fmt.Errorf("%w: %T", ErrUnknownEvent, ev)
	}
	next.UpdatedAt = now
	return
}
