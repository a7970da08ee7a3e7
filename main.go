package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"text/tabwriter"
	"time"

	"github.com/Hubmakerlabs/btprelay/app"
	"github.com/Hubmakerlabs/btprelay/pkg/discovery"
	"github.com/Hubmakerlabs/btprelay/pkg/interrupt"
	"github.com/Hubmakerlabs/btprelay/pkg/peer"
	"github.com/Hubmakerlabs/btprelay/pkg/settlement"
	"github.com/Hubmakerlabs/btprelay/pkg/slog"
	"github.com/Hubmakerlabs/btprelay/pkg/store"
	peerbadger "github.com/Hubmakerlabs/btprelay/pkg/store/badger"
	"github.com/Hubmakerlabs/btprelay/pkg/store/postgres"
	"github.com/alexflint/go-arg"
	"github.com/fiatjaf/eventstore/badger"
	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/sync/errgroup"
)

var args app.Config

var log, chk = slog.New(os.Stderr)

func main() {
	arg.MustParse(&args)
	slog.SetLogLevel(slog.GetLevel(args.LogLevel))
	runtime.GOMAXPROCS(args.MaxProcs)
	if err := run(); chk.E(err) {
		os.Exit(1)
	}
}

func run() (err error) {
	var home string
	if home, err = os.UserHomeDir(); chk.E(err) {
		return
	}
	dataDir := filepath.Join(home, args.Profile)
	if err = os.MkdirAll(dataDir, 0700); chk.E(err) {
		return
	}
	log.D.F("using profile directory: %s", dataDir)
	configPath := filepath.Join(dataDir, "config.json")
	conf := args
	if args.InitCfgCmd != nil {
		// generate a relay identity key if one wasn't given
		if conf.SecKey == "" {
			conf.SecKey = nostr.GeneratePrivateKey()
		}
		if err = conf.Save(configPath); chk.E(err) {
			return
		}
		log.I.Ln("wrote relay configuration to", configPath)
		return
	}
	// the configuration file, when present, replaces the flags
	if _, statErr := os.Stat(configPath); statErr == nil {
		if err = conf.Load(configPath); chk.E(err) {
			return
		}
		slog.SetLogLevel(slog.GetLevel(conf.LogLevel))
	}
	if conf.SecKey == "" {
		return errors.New("no identity key, run initcfg or pass --seckey")
	}
	var ps store.Store
	if ps, err = openPeerStore(context.Background(), &conf, dataDir); err != nil {
		return
	}
	switch {
	case args.WipeCmd != nil:
		return wipe(ps)
	case args.Peers != nil:
		return peers(ps, args.Peers.Reset, &conf)
	}
	events := &badger.BadgerBackend{Path: filepath.Join(dataDir, "events")}
	if err = events.Init(); chk.E(err) {
		chk.E(ps.Close())
		return
	}
	defer events.Close()

	c, cancel := context.WithCancel(context.Background())
	defer cancel()
	buffered := store.NewBuffered(ps)
	var pk string
	if pk, err = nostr.GetPublicKey(conf.SecKey); chk.E(err) {
		return
	}
	ledger := settlement.NewLedger(conf.Policy())
	ledger.Fund(pk, conf.LedgerFunds)
	source := discovery.MultiSource{
		&discovery.RepositorySource{Query: events.QueryEvents},
	}
	if len(conf.Bootstrap) > 0 {
		source = append(source, &discovery.RelaySource{URLs: conf.Bootstrap})
	}
	var rl *app.Relay
	if rl, err = app.NewRelay(c, cancel, &conf, app.Options{
		Store:    buffered,
		Registry: settlement.NewRegistry(ledger),
		Source:   source,
	}); chk.E(err) {
		chk.E(buffered.Close())
		return
	}
	rl.StoreEvent = append(rl.StoreEvent, events.SaveEvent)
	rl.QueryEvents = append(rl.QueryEvents, events.QueryEvents)

	switch {
	case args.ImportCmd != nil:
		defer func() { chk.E(rl.Shutdown(context.Background())) }()
		var n int
		n, err = rl.Import(c, args.ImportCmd.FromFiles...)
		log.I.F("imported %d events", n)
		return
	case args.ExportCmd != nil:
		defer func() { chk.E(rl.Shutdown(context.Background())) }()
		return export(c, rl, args.ExportCmd)
	}

	it := interrupt.New()
	it.AddHandler(func() {
		sc, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		chk.E(rl.Shutdown(sc))
	})
	it.AddHandler(cancel)
	g, gc := errgroup.WithContext(c)
	g.Go(func() error { return rl.Start(conf.Listen) })
	g.Go(func() error { return rl.Maintain(gc) })
	g.Go(func() error { return rl.Settlement.Run(gc) })
	g.Go(func() error { return buffered.Run(gc, time.Second) })
	if b, ok := ps.(*peerbadger.Backend); ok {
		g.Go(func() error { return b.GC(gc, 5*time.Minute) })
	}
	g.Go(func() error {
		<-gc.Done()
		it.Request()
		return nil
	})
	err = g.Wait()
	<-it.Done
	return
}

func openPeerStore(c context.Context, conf *app.Config,
	dataDir string) (s store.Store, err error) {

	switch conf.PeerStore {
	case "", "badger":
		return peerbadger.Open(filepath.Join(dataDir, "peers"), 0)
	case "postgres":
		if conf.PostgresDSN == "" {
			return nil, errors.New("postgres store needs --dsn")
		}
		return postgres.Open(c, conf.PostgresDSN)
	case "memory":
		return store.NewMemory(), nil
	}
	return nil, fmt.Errorf("unknown peer store %q", conf.PeerStore)
}

func wipe(s store.Store) (err error) {
	defer func() { chk.E(s.Close()) }()
	b, ok := s.(*peerbadger.Backend)
	if !ok {
		return errors.New("wipe is only supported on the badger store")
	}
	if err = b.Wipe(); chk.E(err) {
		return
	}
	log.I.Ln("wiped peer and channel records")
	return
}

// peers prints the persisted peer records, first returning reset to
// discovery when it is given.
func peers(s store.Store, reset string, conf *app.Config) (err error) {
	defer func() { chk.E(s.Close()) }()
	c := context.Background()
	var conns []*peer.Connection
	if conns, err = s.ListPeers(c); chk.E(err) {
		return
	}
	if reset != "" {
		t := peer.NewTable(conf.PeerConfig(), s)
		t.Load(conns)
		m, ok := t.Get(reset)
		if !ok {
			t.Close()
			return fmt.Errorf("no peer %s", reset)
		}
		_, err = m.Send(c, peer.Reset{})
		t.Close()
		if err != nil {
			return
		}
		if conns, err = s.ListPeers(c); chk.E(err) {
			return
		}
	}
	return printPeers(os.Stdout, conns)
}

func printPeers(w io.Writer, conns []*peer.Connection) (err error) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PUBKEY\tSTATE\tPRIORITY\tRECONNECTS\tCHANNEL\tLAST ERROR")
	for _, p := range conns {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\n", p.Pubkey, p.State,
			p.Priority, p.ReconnectAttempts, p.ChannelID, p.LastError)
	}
	return tw.Flush()
}

func export(c context.Context, rl *app.Relay, cmd *app.ExportCmd) (err error) {
	w := io.Writer(os.Stdout)
	if cmd.ToFile != "" {
		var fh *os.File
		if fh, err = os.Create(cmd.ToFile); chk.E(err) {
			return
		}
		defer func() { chk.E(fh.Close()) }()
		w = fh
	}
	f := nostr.Filter{Kinds: cmd.Kinds}
	var n int
	if n, err = rl.Export(c, w, f); chk.E(err) {
		return
	}
	log.I.F("exported %d events", n)
	return
}
