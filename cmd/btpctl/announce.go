package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/Hubmakerlabs/btprelay/pkg/channel"
	"github.com/Hubmakerlabs/btprelay/pkg/discovery"
	"github.com/nbd-wtf/go-nostr"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

var announce = &cli.Command{
	Name:  "announce",
	Usage: "signs a peer announcement and publishes it to the given relays",
	Description: `without relays the signed event is printed, for example:
		btpctl announce --sec nsec1... --endpoint wss://relay.example.com --scheme ledger wss://nos.lol`,
	ArgsUsage: "[relay...]",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "sec",
			Usage:    "relay identity key, as nsec or hex",
			Required: true,
		},
		&cli.StringFlag{
			Name:     "endpoint",
			Aliases:  []string{"e"},
			Usage:    "websocket URL peers dial",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "ilp",
			Usage: "ILP address of the relay",
		},
		&cli.StringSliceFlag{
			Name:  "currency",
			Usage: "accepted currencies",
			Value: cli.NewStringSlice("msat"),
		},
		&cli.StringSliceFlag{
			Name:  "scheme",
			Usage: "accepted settlement schemes",
			Value: cli.NewStringSlice(string(channel.Ledger)),
		},
		&cli.IntFlag{
			Name:  "priority",
			Value: 5,
		},
	},
	Action: func(c *cli.Context) (err error) {
		var sk string
		if sk, err = secretKey(c); err != nil {
			return
		}
		a := discovery.Announcement{
			ILPAddress: c.String("ilp"),
			Endpoint:   c.String("endpoint"),
			Currencies: c.StringSlice("currency"),
			Priority:   c.Int("priority"),
		}
		for _, s := range c.StringSlice("scheme") {
			a.Schemes = append(a.Schemes, channel.Scheme(s))
		}
		var ev *nostr.Event
		if ev, err = discovery.NewAnnouncementEvent(sk, a); err != nil {
			return
		}
		relays := c.Args().Slice()
		if len(relays) == 0 {
			return writeJSON(os.Stdout, ev)
		}
		if err = validateRelayURLs(relays); err != nil {
			return
		}
		return publish(c.Context, ev, relays)
	},
}

// publish sends ev to every relay and fails only when none accepted it.
func publish(c context.Context, ev *nostr.Event, relays []string) error {
	var g errgroup.Group
	ok := make([]bool, len(relays))
	for i, u := range relays {
		i, u := i, u
		g.Go(func() error {
			pc, cancel := context.WithTimeout(c, 10*time.Second)
			defer cancel()
			r, err := nostr.RelayConnect(pc, u)
			if err != nil {
				log.E.F("connecting to %s: %s", u, err)
				return nil
			}
			defer r.Close()
			if err = r.Publish(pc, *ev); err != nil {
				log.E.F("publishing to %s: %s", u, err)
				return nil
			}
			log.I.F("published %s to %s", ev.ID, u)
			ok[i] = true
			return nil
		})
	}
	_ = g.Wait()
	for _, b := range ok {
		if b {
			return nil
		}
	}
	return fmt.Errorf("no relay accepted the announcement")
}

var lookup = &cli.Command{
	Name:      "lookup",
	Usage:     "finds the newest announcement of a peer on the given relays",
	ArgsUsage: "<pubkey | npub> <relay...>",
	Action: func(c *cli.Context) (err error) {
		if c.NArg() < 2 {
			return fmt.Errorf("specify a pubkey and at least one relay")
		}
		var pk string
		if pk, err = pubkeyArg(c.Args().First()); err != nil {
			return
		}
		relays := c.Args().Tail()
		if err = validateRelayURLs(relays); err != nil {
			return
		}
		src := &discovery.RelaySource{URLs: relays}
		var a *discovery.Announcement
		if a, err = src.Lookup(c.Context, pk); err != nil {
			return
		}
		return writeJSON(os.Stdout, struct {
			Pubkey    string `json:"pubkey"`
			CreatedAt int64  `json:"created_at"`
			*discovery.Announcement
		}{a.Pubkey, int64(a.CreatedAt), a})
	},
}
