package main

import (
	"bufio"
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/urfave/cli/v2"
)

type ctxKey int

const lineProcessingErrorKey ctxKey = iota

func isPiped() bool {
	stat, _ := os.Stdin.Stat()
	return stat.Mode()&os.ModeCharDevice == 0
}

func getStdinLinesOrFirstArgument(c *cli.Context) chan string {
	// try the first argument
	target := c.Args().First()
	if target != "" {
		single := make(chan string, 1)
		single <- target
		close(single)
		return single
	}
	// try the stdin
	multi := make(chan string)
	if !isPiped() {
		close(multi)
		return multi
	}
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 16*1024), 256*1024)
		for scanner.Scan() {
			if line := strings.TrimSpace(scanner.Text()); line != "" {
				multi <- line
			}
		}
		close(multi)
	}()
	return multi
}

func lineProcessingError(c *cli.Context, msg string, args ...any) {
	c.Context = context.WithValue(c.Context, lineProcessingErrorKey, true)
	log.E.F(msg, args...)
}

func exitIfLineProcessingError(c *cli.Context) {
	if val := c.Context.Value(lineProcessingErrorKey); val != nil && val.(bool) {
		os.Exit(123)
	}
}

func validateRelayURLs(wsurls []string) error {
	for _, wsurl := range wsurls {
		u, err := url.Parse(wsurl)
		if err != nil {
			return fmt.Errorf("invalid relay url '%s': %s", wsurl, err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("relay url must use wss:// or ws:// schemes, got '%s'", wsurl)
		}
		if u.Host == "" {
			return fmt.Errorf("relay url '%s' is missing the hostname", wsurl)
		}
	}
	return nil
}

// secretKey reads the --sec flag as nsec or hex.
func secretKey(c *cli.Context) (string, error) {
	return parseSecretKey(c.String("sec"))
}

func parseSecretKey(sec string) (string, error) {
	if strings.HasPrefix(sec, "nsec1") {
		_, v, err := nip19.Decode(sec)
		if err != nil {
			return "", fmt.Errorf("invalid nsec: %w", err)
		}
		sec = v.(string)
	}
	if len(sec) > 64 {
		return "", fmt.Errorf("invalid secret key: too large")
	}
	sec = strings.Repeat("0", 64-len(sec)) + sec // left-pad
	if ok := nostr.IsValid32ByteHex(sec); !ok {
		return "", fmt.Errorf("invalid secret key")
	}
	return sec, nil
}

// pubkeyArg accepts a hex pubkey or an npub.
func pubkeyArg(s string) (string, error) {
	if strings.HasPrefix(s, "npub1") {
		_, v, err := nip19.Decode(s)
		if err != nil {
			return "", fmt.Errorf("invalid npub: %w", err)
		}
		return v.(string), nil
	}
	if !nostr.IsValid32ByteHex(s) {
		return "", fmt.Errorf("invalid pubkey '%s'", s)
	}
	return s, nil
}
