package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/Hubmakerlabs/btprelay/pkg/btp/packet"
	"github.com/Hubmakerlabs/btprelay/pkg/btp/payload"
	"github.com/urfave/cli/v2"
)

var decode = &cli.Command{
	Name:  "decode",
	Usage: "decodes hex encoded btp-nips packets and validates their payload",
	Description: `example usage:
		btpctl decode 0101002b7b2270...
		cat packets.txt | btpctl decode`,
	ArgsUsage: "<hex packet>",
	Action: func(c *cli.Context) error {
		for input := range getStdinLinesOrFirstArgument(c) {
			d, err := describe(input)
			if err != nil {
				lineProcessingError(c, "couldn't decode packet: %s", err)
				continue
			}
			j, _ := json.MarshalIndent(d, "", "  ")
			fmt.Println(string(j))
		}
		exitIfLineProcessingError(c)
		return nil
	},
}

var encode = &cli.Command{
	Name:  "encode",
	Usage: "frames a nostr message body as a hex encoded btp-nips packet",
	Description: `the body is read from the first argument or stdin, for example:
		btpctl encode --type REQ --amount 10 --sec nsec1... '{"subId":"a","filters":[{"kinds":[1]}]}'`,
	ArgsUsage: "<body json>",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "type",
			Aliases: []string{"t"},
			Usage:   "message type [EVENT,REQ,CLOSE,NOTICE,EOSE,OK,AUTH]",
			Value:   "EVENT",
		},
		&cli.Uint64Flag{
			Name:    "amount",
			Aliases: []string{"a"},
			Usage:   "amount paid for the packet",
		},
		&cli.StringFlag{
			Name:  "currency",
			Value: "msat",
		},
		&cli.StringFlag{
			Name:  "purpose",
			Value: "relay",
		},
		&cli.StringFlag{
			Name:  "sec",
			Usage: "secret key of the sender, as nsec or hex",
		},
	},
	Action: func(c *cli.Context) error {
		typ, ok := packet.TypeFromString(strings.ToUpper(c.String("type")))
		if !ok {
			return fmt.Errorf("unknown message type '%s'", c.String("type"))
		}
		sk, err := secretKey(c)
		if err != nil {
			return err
		}
		for body := range getStdinLinesOrFirstArgument(c) {
			var h string
			if h, err = frame(typ, c.Uint64("amount"), c.String("currency"),
				c.String("purpose"), sk, body); err != nil {
				lineProcessingError(c, "couldn't encode '%s': %s", body, err)
				continue
			}
			fmt.Println(h)
		}
		exitIfLineProcessingError(c)
		return nil
	},
}

// Decoded is a packet as printed by decode.
type Decoded struct {
	Version uint8           `json:"version"`
	Type    string          `json:"type"`
	Length  int             `json:"length"`
	Payload *payload.T      `json:"payload,omitempty"`
	Raw     json.RawMessage `json:"raw,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// describe decodes a hex packet. A payload that fails validation is still
// described, with the error and the raw JSON.
func describe(input string) (d *Decoded, err error) {
	var b []byte
	if b, err = hex.DecodeString(strings.TrimPrefix(input, "0x")); err != nil {
		return
	}
	var p *packet.T
	if p, err = packet.Decode(b); err != nil {
		return
	}
	d = &Decoded{Version: p.Version, Type: p.Type.String(),
		Length: len(p.Payload)}
	var pl *payload.T
	if pl, err = payload.Parse(p.Payload); err != nil {
		d.Error = err.Error()
		if json.Valid(p.Payload) {
			d.Raw = p.Payload
		}
		err = nil
		return
	}
	d.Payload = pl
	return
}

// frame builds the payload around body and frames it.
func frame(typ packet.MessageType, amount uint64, currency, purpose, sk,
	body string) (h string, err error) {

	var sender string
	if sk != "" {
		if sender, err = pubkeyOf(sk); err != nil {
			return
		}
	}
	var raw json.RawMessage
	if err = json.Unmarshal([]byte(body), &raw); err != nil {
		return
	}
	var pl *payload.T
	if pl, err = payload.New(amount, currency, purpose, sender, raw); err != nil {
		return
	}
	var b []byte
	if b, err = pl.Bytes(); err != nil {
		return
	}
	if b, err = packet.Encode(typ, b); err != nil {
		return
	}
	return hex.EncodeToString(b), nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
