// Package discovery maps a peer's public key to the transport details it
// publishes in its announcement event, with a caching resolver in front of
// the event sources.
package discovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/Hubmakerlabs/btprelay/pkg/channel"
	"github.com/Hubmakerlabs/btprelay/pkg/eventcheck"
	"github.com/Hubmakerlabs/btprelay/pkg/slog"
	"github.com/nbd-wtf/go-nostr"
)

var log, chk = slog.New(os.Stderr, "discovery")

const (
	// AnnouncementKind is the parameterized replaceable kind announcements
	// are published under.
	AnnouncementKind = 30078
	// DTag is the d tag value that marks an announcement.
	DTag = "btp-nips"
)

var (
	ErrNotFound        = errors.New("no announcement found")
	ErrNotAnnouncement = errors.New("not an announcement")
)

// Announcement is the content of a peer announcement event.
type Announcement struct {
	Pubkey     string           `json:"-"`
	ILPAddress string           `json:"ilpAddress"`
	Endpoint   string           `json:"endpoint"`
	Currencies []string         `json:"currencies"`
	Schemes    []channel.Scheme `json:"schemes"`
	Priority   int              `json:"priority,omitempty"`
	CreatedAt  nostr.Timestamp  `json:"-"`
}

// Accepts reports whether the peer takes currency over scheme.
func (a *Announcement) Accepts(currency string, scheme channel.Scheme) bool {
	okc := len(a.Currencies) == 0
	for _, c := range a.Currencies {
		if strings.EqualFold(c, currency) {
			okc = true
		}
	}
	oks := false
	for _, s := range a.Schemes {
		if s == scheme {
			oks = true
		}
	}
	return okc && oks
}

// IsAnnouncement reports whether ev has the announcement kind and d tag. It
// does not verify the event.
func IsAnnouncement(ev *nostr.Event) bool {
	if ev == nil || ev.Kind != AnnouncementKind {
		return false
	}
	t := ev.Tags.GetFirst([]string{"d", ""})
	return t != nil && t.Value() == DTag
}

// Filter selects the announcements of the given authors.
func Filter(authors ...string) nostr.Filter {
	return nostr.Filter{
		Kinds:   []int{AnnouncementKind},
		Authors: authors,
		Tags:    nostr.TagMap{"d": []string{DTag}},
	}
}

// NewAnnouncementEvent signs a as an announcement by sk.
func NewAnnouncementEvent(sk string, a Announcement) (ev *nostr.Event,
	err error) {

	var content []byte
	if content, err = json.Marshal(a); chk.E(err) {
		return
	}
	ev = &nostr.Event{
		CreatedAt: nostr.Now(),
		Kind:      AnnouncementKind,
		Tags:      nostr.Tags{{"d", DTag}},
		Content:   string(content),
	}
	if a.CreatedAt != 0 {
		ev.CreatedAt = a.CreatedAt
	}
	if err = ev.Sign(sk); chk.E(err) {
		ev = nil
	}
	return
}

// ParseAnnouncement verifies ev and decodes its content.
func ParseAnnouncement(ev *nostr.Event) (a *Announcement, err error) {
	if !IsAnnouncement(ev) {
		err = ErrNotAnnouncement
		return
	}
	if err = eventcheck.Verify(ev); err != nil {
		return
	}
	a = &Announcement{}
	if err = json.Unmarshal([]byte(ev.Content), a); err != nil {
		a = nil
		err = fmt.Errorf("%w: bad content: %s", ErrNotAnnouncement, err)
		return
	}
	if a.Endpoint == "" {
		a = nil
		err = fmt.Errorf("%w: no endpoint", ErrNotAnnouncement)
		return
	}
	a.Pubkey = ev.PubKey
	a.CreatedAt = ev.CreatedAt
	return
}

// Latest returns the newest valid announcement among evs. Invalid events are
// skipped.
func Latest(evs []*nostr.Event) (a *Announcement, err error) {
	for _, ev := range evs {
		cand, e := ParseAnnouncement(ev)
		if e != nil {
			log.T.Ln("skipping announcement", e)
			continue
		}
		if a == nil || cand.CreatedAt > a.CreatedAt {
			a = cand
		}
	}
	if a == nil {
		err = ErrNotFound
	}
	return
}
