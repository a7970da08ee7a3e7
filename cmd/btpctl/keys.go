package main

import (
	"fmt"
	"os"

	"github.com/mdp/qrterminal/v3"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/urfave/cli/v2"
)

// Identity is a relay identity key pair in both encodings.
type Identity struct {
	SecKey string `json:"seckey"`
	Nsec   string `json:"nsec"`
	Pubkey string `json:"pubkey"`
	Npub   string `json:"npub"`
}

func identity(sk string) (id *Identity, err error) {
	id = &Identity{SecKey: sk}
	if id.Pubkey, err = nostr.GetPublicKey(sk); err != nil {
		return
	}
	if id.Nsec, err = nip19.EncodePrivateKey(sk); err != nil {
		return
	}
	if id.Npub, err = nip19.EncodePublicKey(id.Pubkey); err != nil {
		return
	}
	return
}

func pubkeyOf(sk string) (string, error) { return nostr.GetPublicKey(sk) }

var genkey = &cli.Command{
	Name:  "genkey",
	Usage: "generates a relay identity key, or shows the one given with --sec",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "sec",
			Usage: "show this key instead of generating one",
		},
		&cli.BoolFlag{
			Name:  "qr",
			Usage: "also print the npub as a QR code",
		},
	},
	Action: func(c *cli.Context) (err error) {
		sk := nostr.GeneratePrivateKey()
		if c.IsSet("sec") {
			if sk, err = secretKey(c); err != nil {
				return
			}
		}
		var id *Identity
		if id, err = identity(sk); err != nil {
			return
		}
		if err = writeJSON(os.Stdout, id); err != nil {
			return
		}
		if c.Bool("qr") {
			fmt.Println(id.Npub)
			qrterminal.GenerateWithConfig(id.Npub, qrterminal.Config{
				HalfBlocks: false,
				Level:      qrterminal.L,
				Writer:     os.Stdout,
				WhiteChar:  qrterminal.WHITE,
				BlackChar:  qrterminal.BLACK,
				QuietZone:  2,
			})
		}
		return
	},
}
