package channel

import "time"

// Policy configures when a channel's accumulated claims must be settled.
type Policy struct {
	// Threshold triggers settlement once this much is unsettled. Zero
	// disables the trigger.
	Threshold uint64 `json:"threshold"`
	// Interval triggers settlement when unsettled claims exist and the last
	// claim is at least this old. Zero disables the trigger.
	Interval time.Duration `json:"interval"`
	// ExpiryWindow triggers settlement when the channel expires within it.
	ExpiryWindow time.Duration `json:"expiryWindow"`
	// MaxClaims triggers settlement once this many claims are unsettled.
	MaxClaims uint64 `json:"maxClaims"`
}

const (
	DefaultExpiryWindow = 24 * time.Hour
	DefaultMaxClaims    = 100
)

// DefaultPolicy returns the operational defaults.
func DefaultPolicy() Policy {
	return Policy{
		Threshold:    1_000_000,
		Interval:     time.Hour,
		ExpiryWindow: DefaultExpiryWindow,
		MaxClaims:    DefaultMaxClaims,
	}
}

// Trigger names which condition asked for settlement.
type Trigger uint8

const (
	None Trigger = iota
	Threshold
	Interval
	Expiry
	ClaimCount
)

func (t Trigger) String() string {
	switch t {
	case Threshold:
		return "threshold"
	case Interval:
		return "interval"
	case Expiry:
		return "expiry"
	case ClaimCount:
		return "claim_count"
	}
	return "none"
}

// Evaluate returns the first trigger that fires, checked in the order
// threshold, interval, expiry, claim count. It does not modify ch.
//
// The claimed amount and claim count are read relative to the last
// settlement recorded on ch: the threshold compares Unsettled and the claim
// count compares UnsettledClaims, so a settled channel does not fire again.
// The interval trigger only fires while there are unsettled claims, a zero
// Threshold or Interval disables that trigger, and a closed channel never
// settles.
func Evaluate(ch Channel, p Policy, now time.Time) Trigger {
	if ch.IsClosed {
		return None
	}
	if p.Threshold > 0 && ch.Unsettled() >= p.Threshold {
		return Threshold
	}
	if p.Interval > 0 && ch.UnsettledClaims() > 0 &&
		now.Sub(ch.LastClaimTime) >= p.Interval {
		return Interval
	}
	window := p.ExpiryWindow
	if window == 0 {
		window = DefaultExpiryWindow
	}
	if !ch.Expiration.IsZero() && ch.Expiration.Sub(now) <= window {
		return Expiry
	}
	max := p.MaxClaims
	if max == 0 {
		max = DefaultMaxClaims
	}
	if ch.UnsettledClaims() >= max {
		return ClaimCount
	}
	return None
}

// ShouldSettle reports whether any trigger fires.
func ShouldSettle(ch Channel, p Policy, now time.Time) bool {
	return Evaluate(ch, p, now) != None
}
