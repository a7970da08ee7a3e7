package app

import (
	"context"
	"net/http"
	"time"

	"github.com/Hubmakerlabs/btprelay/pkg/btp/packet"
	"github.com/Hubmakerlabs/btprelay/pkg/channel"
	"github.com/Hubmakerlabs/btprelay/pkg/dedup"
	"github.com/Hubmakerlabs/btprelay/pkg/discovery"
	"github.com/Hubmakerlabs/btprelay/pkg/metrics"
	"github.com/Hubmakerlabs/btprelay/pkg/peer"
	"github.com/Hubmakerlabs/btprelay/pkg/settlement"
	"github.com/Hubmakerlabs/btprelay/pkg/store"
	"github.com/fasthttp/websocket"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/puzpuzpuz/xsync/v2"
)

var Version = "v0.1.0"
var Software = "https://github.com/Hubmakerlabs/btprelay"

const (
	WriteWait             = 10 * time.Second
	PongWait              = 60 * time.Second
	PingPeriod            = 30 * time.Second
	HandshakeTimeout      = 10 * time.Second
	ChannelAckTimeout     = 30 * time.Second
	ReadBufferSize        = 4096
	WriteBufferSize       = 4096
	OutboundQueue         = 256
	MaxMessageSize    int = 256 * 1024
)

// function types used in the relay state
type (
	Events       func(c context.Context, ev *nostr.Event) error
	QueryEvents  func(c context.Context, f nostr.Filter) (ch chan *nostr.Event, err error)
	OnEventSaved func(c context.Context, ev *nostr.Event)
	PeerHook     func(pubkey string)
)

// Prices are what each packet type costs the sender.
type Prices struct {
	Event, Req, Other uint64
}

// For returns the price of a packet of type t.
func (p Prices) For(t packet.MessageType) uint64 {
	switch t {
	case packet.EVENT:
		return p.Event
	case packet.REQ:
		return p.Req
	}
	return p.Other
}

// Options are the collaborators a Relay is built from. Nil fields get
// in-memory defaults.
type Options struct {
	Store    store.Store
	Registry settlement.Registry
	Source   discovery.Source
	Metrics  *metrics.T
}

type Relay struct {
	Ctx    context.Context
	Cancel context.CancelFunc
	Config *Config
	SecKey string
	Pubkey string
	Npub   string
	Prices Prices
	Store  store.Store
	// shared state, each safe for concurrent use
	Peers      *peer.Table
	Book       *channel.Book
	Settlement *settlement.Manager
	Resolver   *discovery.Resolver
	Tracker    *dedup.Tracker
	Seen       *dedup.SeenCache
	Metrics    *metrics.T
	// hooks
	StoreEvent   []Events
	QueryEvents  []QueryEvents
	OnEventSaved []OnEventSaved
	OnConnect    []PeerHook
	OnDisconnect []PeerHook
	// sessions holds the live session of each connected peer.
	sessions *xsync.MapOf[string, *Session]
	// listeners holds each peer's subscriptions.
	listeners *xsync.MapOf[string, ListenerMap]
	// dialing holds the peers an outbound connection is in progress to.
	dialing *xsync.MapOf[string, struct{}]
	// for establishing websockets
	upgrader websocket.Upgrader
	dialer   *websocket.Dialer
	// in case you call Relay.Start
	Addr       string
	serveMux   *http.ServeMux
	httpServer *http.Server
	// websocket options
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	MaxMessageSize int64
	Whitelist      []string
}

// NewRelay builds a relay from conf, loading persisted peers and channels
// from the store.
func NewRelay(c context.Context, cancel context.CancelFunc, conf *Config,
	opts Options) (rl *Relay, err error) {

	var pubkey, npub string
	if pubkey, err = nostr.GetPublicKey(conf.SecKey); chk.E(err) {
		return
	}
	if npub, err = nip19.EncodePublicKey(pubkey); chk.E(err) {
		return
	}
	if opts.Store == nil {
		opts.Store = store.NewMemory()
	}
	if opts.Registry == nil {
		opts.Registry = settlement.NewRegistry(
			settlement.NewLedger(conf.Policy()))
	}
	if opts.Source == nil {
		opts.Source = discovery.MultiSource{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	book := channel.NewBook(opts.Store)
	rl = &Relay{
		Ctx:    c,
		Cancel: cancel,
		Config: conf,
		SecKey: conf.SecKey,
		Pubkey: pubkey,
		Npub:   npub,
		Prices: Prices{
			Event: conf.PriceEvent,
			Req:   conf.PriceReq,
			Other: conf.PriceOther,
		},
		Store:    opts.Store,
		Peers:    peer.NewTable(conf.PeerConfig(), opts.Store),
		Book:     book,
		Resolver: discovery.NewResolver(opts.Source, 0, 0),
		Tracker:  dedup.NewTracker(dedup.PeerCapacity),
		Seen:     dedup.NewSeenCache(dedup.SeenTTL, time.Now),
		Settlement: settlement.NewManager(settlement.DefaultManagerConfig(),
			opts.Registry, book),
		Metrics: opts.Metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  ReadBufferSize,
			WriteBufferSize: WriteBufferSize,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		dialer: &websocket.Dialer{
			HandshakeTimeout: HandshakeTimeout,
			ReadBufferSize:   ReadBufferSize,
			WriteBufferSize:  WriteBufferSize,
		},
		sessions:       xsync.NewMapOf[*Session](),
		listeners:      xsync.NewMapOf[ListenerMap](),
		dialing:        xsync.NewMapOf[struct{}](),
		serveMux:       &http.ServeMux{},
		WriteWait:      WriteWait,
		PongWait:       PongWait,
		PingPeriod:     PingPeriod,
		MaxMessageSize: int64(MaxMessageSize),
		Whitelist:      conf.Whitelist,
	}
	rl.Peers.OnChange = append(rl.Peers.OnChange, rl.peerChanged)
	rl.Settlement.OnSettled = append(rl.Settlement.OnSettled,
		func(r settlement.Receipt, _ channel.Trigger) {
			rl.Metrics.Settlements.WithLabelValues(string(r.Scheme), "ok").Inc()
		})
	rl.Settlement.OnFailed = append(rl.Settlement.OnFailed,
		func(ch channel.Channel, _ error) {
			rl.Metrics.Settlements.WithLabelValues(string(ch.Scheme),
				"failed").Inc()
		})
	if err = rl.Book.Load(c); chk.E(err) {
		return
	}
	var conns []*peer.Connection
	if conns, err = opts.Store.ListPeers(c); chk.E(err) {
		return
	}
	rl.Peers.Load(conns)
	rl.serveMux.HandleFunc("/peers", rl.HandlePeers)
	rl.serveMux.HandleFunc("/channels", rl.HandleChannels)
	rl.serveMux.HandleFunc("/subscriptions", rl.HandleSubscriptions)
	rl.serveMux.HandleFunc("/.well-known/btp-nips", rl.HandleAnnouncement)
	rl.serveMux.Handle("/metrics", rl.Metrics.Handler())
	log.I.F("relay pubkey: %s %s", pubkey, npub)
	return
}

// peerChanged runs on the peer's machine goroutine after each transition.
func (rl *Relay) peerChanged(ch peer.Change) {
	if ch.From.State == ch.To.State {
		return
	}
	log.D.F("peer %s %s -> %s", short(ch.To.Pubkey), ch.From.State,
		ch.To.State)
	if ch.To.State.Down() {
		for _, fn := range rl.OnDisconnect {
			fn(ch.To.Pubkey)
		}
	}
	if ch.To.State == peer.Connected {
		for _, fn := range rl.OnConnect {
			fn(ch.To.Pubkey)
		}
	}
}

// countPeers refreshes the per-state peer gauge.
func (rl *Relay) countPeers() {
	counts := make(map[string]int)
	for _, c := range rl.Peers.Snapshots() {
		counts[string(c.State)]++
	}
	states := make([]string, len(peer.States))
	for i, s := range peer.States {
		states[i] = string(s)
	}
	rl.Metrics.SetPeers(states, counts)
}

// Session returns the live session with pubkey.
func (rl *Relay) Session(pubkey string) (s *Session, ok bool) {
	return rl.sessions.Load(pubkey)
}

func short(pubkey string) string {
	if len(pubkey) > 12 {
		return pubkey[:12]
	}
	return pubkey
}
