package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/Hubmakerlabs/btprelay/pkg/channel"
	"github.com/Hubmakerlabs/btprelay/pkg/peer"
	"github.com/urfave/cli/v2"
)

var relayFlag = &cli.StringFlag{
	Name:    "relay",
	Aliases: []string{"r"},
	Usage:   "address of the relay's HTTP interface",
	Value:   "http://127.0.0.1:3334",
}

var jsonFlag = &cli.BoolFlag{
	Name:  "json",
	Usage: "print the raw JSON instead of a table",
}

var peers = &cli.Command{
	Name:  "peers",
	Usage: "lists the peers of a running relay",
	Flags: []cli.Flag{
		relayFlag,
		jsonFlag,
		&cli.StringFlag{
			Name:  "state",
			Usage: "only list peers in this state",
		},
	},
	Action: func(c *cli.Context) (err error) {
		path := "/peers"
		if s := c.String("state"); s != "" {
			path += "?state=" + s
		}
		var conns []peer.Connection
		if err = getJSON(c, path, &conns); err != nil || c.Bool("json") {
			return
		}
		return peerTable(os.Stdout, conns, time.Now())
	},
}

var channels = &cli.Command{
	Name:  "channels",
	Usage: "lists the payment channels of a running relay",
	Flags: []cli.Flag{relayFlag, jsonFlag},
	Action: func(c *cli.Context) (err error) {
		var chs []channel.Channel
		if err = getJSON(c, "/channels", &chs); err != nil || c.Bool("json") {
			return
		}
		return channelTable(os.Stdout, chs)
	},
}

// getJSON fetches path from the relay into v, echoing the body when --json
// is set.
func getJSON(c *cli.Context, path string, v any) (err error) {
	u := strings.TrimSuffix(c.String("relay"), "/") + path
	var res *http.Response
	if res, err = http.Get(u); err != nil {
		return
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %s", u, res.Status)
	}
	var b []byte
	if b, err = io.ReadAll(res.Body); err != nil {
		return
	}
	if c.Bool("json") {
		_, err = os.Stdout.Write(b)
		return
	}
	return json.Unmarshal(b, v)
}

func ago(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return now.Sub(t).Truncate(time.Second).String()
}

func peerTable(w io.Writer, conns []peer.Connection, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PUBKEY\tSTATE\tPRIORITY\tHEARTBEAT\tRECONNECTS\tSUBS\tERROR")
	for _, p := range conns {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%d\t%d\t%s\n", p.Pubkey, p.State,
			p.Priority, ago(p.LastHeartbeatAt, now), p.ReconnectAttempts,
			len(p.Subscriptions), p.LastError)
	}
	return tw.Flush()
}

func channelTable(w io.Writer, chs []channel.Channel) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSENDER\tRECIPIENT\tSCHEME\tCLAIMED\tSETTLED\tCAPACITY\tCLOSED")
	for _, ch := range chs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%d\t%d %s\t%v\n", ch.ID,
			abbrev(ch.Sender), abbrev(ch.Recipient), ch.Scheme,
			ch.HighestClaimAmount, ch.TotalClaims, ch.SettledAmount,
			ch.Capacity, ch.Currency, ch.IsClosed)
	}
	return tw.Flush()
}

func abbrev(pubkey string) string {
	if len(pubkey) > 16 {
		return pubkey[:8] + ".." + pubkey[len(pubkey)-6:]
	}
	return pubkey
}
