package main

import (
	"fmt"
	"os"

	"github.com/Hubmakerlabs/btprelay/pkg/slog"
	"github.com/urfave/cli/v2"
)

var log, chk = slog.New(os.Stderr, "btpctl")

var app = &cli.App{
	Name:  "btpctl",
	Usage: "inspect packets, keys and peers of a btp-nips relay",
	Commands: []*cli.Command{
		decode,
		encode,
		genkey,
		announce,
		lookup,
		peers,
		channels,
	},
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:    "silent",
			Usage:   "do not print logs and info messages to stderr",
			Aliases: []string{"s"},
			Action: func(ctx *cli.Context, b bool) error {
				if b {
					slog.SetLogLevel(slog.Off)
				}
				return nil
			},
		},
	},
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
