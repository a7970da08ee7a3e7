package channel

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/Hubmakerlabs/btprelay/pkg/eventcheck"
	"github.com/nbd-wtf/go-nostr"
)

// ClaimKind is the event kind carrying a payment claim.
const ClaimKind = 21402

var ErrBadClaim = errors.New("invalid claim event")

// NewClaimEvent signs c with the sender's secret key. The signer's pubkey
// becomes the claim sender.
func NewClaimEvent(sk string, c Claim) (ev *nostr.Event, err error) {
	ev = &nostr.Event{
		CreatedAt: nostr.Now(),
		Kind:      ClaimKind,
		Tags: nostr.Tags{
			{"channel", c.ChannelID},
			{"nonce", strconv.FormatUint(c.Nonce, 10)},
			{"amount", strconv.FormatUint(c.Amount, 10)},
			{"p", c.Recipient},
		},
	}
	if err = ev.Sign(sk); err != nil {
		ev = nil
	}
	return
}

// ParseClaim verifies ev and extracts the claim it carries.
func ParseClaim(ev *nostr.Event) (c Claim, err error) {
	if ev == nil || ev.Kind != ClaimKind {
		err = fmt.Errorf("%w: wrong kind", ErrBadClaim)
		return
	}
	if err = eventcheck.Verify(ev); err != nil {
		err = fmt.Errorf("%w: %s", ErrBadClaim, err)
		return
	}
	value := func(name string) string {
		if t := ev.Tags.GetFirst([]string{name, ""}); t != nil {
			return t.Value()
		}
		return ""
	}
	c.Sender = ev.PubKey
	c.Recipient = value("p")
	if c.ChannelID = value("channel"); c.ChannelID == "" {
		err = fmt.Errorf("%w: no channel tag", ErrBadClaim)
		return
	}
	if c.Nonce, err = strconv.ParseUint(value("nonce"), 10, 64); err != nil {
		err = fmt.Errorf("%w: nonce: %s", ErrBadClaim, err)
		return
	}
	if c.Amount, err = strconv.ParseUint(value("amount"), 10, 64); err != nil {
		err = fmt.Errorf("%w: amount: %s", ErrBadClaim, err)
		return
	}
	return
}
