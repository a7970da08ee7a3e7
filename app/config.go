package app

import (
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/Hubmakerlabs/btprelay/pkg/channel"
	"github.com/Hubmakerlabs/btprelay/pkg/peer"
	"github.com/Hubmakerlabs/btprelay/pkg/settlement"
)

type InitCfg struct{}

type PeersCmd struct {
	Reset string `arg:"--reset" help:"return the failed or disconnected peer with this pubkey to discovery"`
}

type ImportCmd struct {
	FromFiles []string `arg:"positional" help:"files of line structured JSON events, stdin when none are given"`
}

type ExportCmd struct {
	ToFile string `arg:"positional" help:"file to write events to, stdout when not given"`
	Kinds  []int  `arg:"-k,--kind,separate" help:"only export events of these kinds"`
}

type WipeCmd struct{}

type Config struct {
	InitCfgCmd *InitCfg   `arg:"subcommand:initcfg" json:"-" help:"initialize relay configuration files"`
	Peers      *PeersCmd  `arg:"subcommand:peers" json:"-" help:"list persisted peers"`
	ImportCmd  *ImportCmd `arg:"subcommand:import" json:"-" help:"import events into the event repository"`
	ExportCmd  *ExportCmd `arg:"subcommand:export" json:"-" help:"export events from the event repository"`
	WipeCmd    *WipeCmd   `arg:"subcommand:wipe" json:"-" help:"delete every persisted peer and channel record"`
	Listen     string    `arg:"-l,--listen" default:"0.0.0.0:3334" json:"listen" help:"network address to listen on"`
	Profile    string    `arg:"-p,--profile" json:"-" default:"btprelay" help:"profile name to use for storage"`
	SecKey     string    `arg:"-s,--seckey" json:"seckey" help:"identity key of the relay, used for handshakes, claims and announcements"`
	// Endpoint is the websocket URL other peers dial. When empty it is taken
	// from each request's Host header.
	Endpoint   string `arg:"-E,--endpoint" json:"endpoint" help:"public websocket URL of this relay"`
	ILPAddress string `arg:"--ilp" json:"ilp_address" help:"ILP address announced to peers"`
	Priority   int    `arg:"--priority" default:"5" json:"priority" help:"announced priority 1-10, lower is preferred"`
	// PeerStore selects where peer and channel records live.
	PeerStore   string `arg:"-S,--store" default:"badger" json:"store" help:"peer store backend [badger,postgres,memory]"`
	PostgresDSN string `arg:"--dsn" json:"postgres_dsn" help:"postgres connection string for the postgres store"`
	// Bootstrap relays are queried for peer announcements.
	Bootstrap []string `arg:"-b,--bootstrap,separate" json:"bootstrap" help:"nostr relays to query for peer announcements"`
	// StaticPeers are dialed at startup and kept connected.
	StaticPeers []string `arg:"-P,--peer,separate" json:"peers" help:"pubkeys of peers to connect to"`
	// Whitelist permits ONLY inbound connections from specified IP addresses.
	Whitelist []string `arg:"-w,--whitelist,separate" json:"ip_whitelist" help:"IP addresses that are only allowed to access"`
	// channels and pricing
	Currency        string        `arg:"--currency" default:"msat" json:"currency" help:"currency packets are priced in"`
	// LedgerFunds is credited to this relay's account in the built in ledger
	// so it can open ledger channels.
	LedgerFunds     uint64        `arg:"--ledger-funds" default:"1000000000" json:"ledger_funds" help:"balance of this relay in the in process ledger"`
	Scheme          string        `arg:"--scheme" default:"ledger" json:"scheme" help:"settlement scheme for channels this relay opens [lightning,evm,cosmos,ledger]"`
	ChannelCapacity uint64        `arg:"--capacity" default:"100000000" json:"channel_capacity" help:"capacity of channels this relay opens"`
	ChannelDuration time.Duration `arg:"--duration" default:"720h" json:"channel_duration" help:"lifetime of channels this relay opens"`
	PriceEvent      uint64        `arg:"--price-event" default:"1" json:"price_event" help:"price of an EVENT packet"`
	PriceReq        uint64        `arg:"--price-req" default:"1" json:"price_req" help:"price of a REQ packet"`
	PriceOther      uint64        `arg:"--price-other" default:"0" json:"price_other" help:"price of every other packet type"`
	// settlement policy
	SettleThreshold uint64        `arg:"--settle-threshold" default:"1000000" json:"settle_threshold" help:"unsettled amount that triggers settlement"`
	SettleInterval  time.Duration `arg:"--settle-interval" default:"1h" json:"settle_interval" help:"time since the last claim that triggers settlement"`
	SettleMaxClaims uint64        `arg:"--settle-claims" default:"100" json:"settle_max_claims" help:"unsettled claim count that triggers settlement"`
	// liveness
	ActiveWindow    time.Duration `arg:"--active" default:"30s" json:"active_window" help:"heartbeat age under which a peer counts as active"`
	HardTimeout     time.Duration `arg:"--timeout" default:"90s" json:"hard_timeout" help:"heartbeat age at which a peer is disconnected"`
	MaxReconnect    int           `arg:"--max-reconnect" default:"10" json:"max_reconnect" help:"reconnect attempts before a peer is marked failed"`
	MaxChannelOpen  int           `arg:"--max-channel-open" default:"3" json:"max_channel_open" help:"channel open attempts before a peer is marked failed"`
	PacketTimeout   time.Duration `arg:"--packet-timeout" default:"30s" json:"packet_timeout" help:"expiry of packets this relay sends"`
	MaintainEvery   time.Duration `arg:"--maintain" default:"5s" json:"maintain_every" help:"interval of liveness checks and reconnection"`
	RateLimit       float64       `arg:"--rate" default:"50" json:"rate_limit" help:"packets per second accepted from one peer"`
	RateBurst       int           `arg:"--burst" default:"100" json:"rate_burst" help:"burst of packets accepted from one peer"`
	MaxProcs        int           `arg:"-m" json:"max_procs" default:"128" help:"maximum number of goroutines to use"`
	LogLevel        string        `arg:"--loglevel" default:"info" json:"log_level" help:"set log level [off,fatal,error,warn,info,debug,trace] (can also use GODEBUG environment variable)"`
}

// PeerConfig is the liveness and retry configuration for peer machines.
func (c *Config) PeerConfig() (pc peer.Config) {
	pc = peer.DefaultConfig()
	if c.ActiveWindow > 0 {
		pc.ActiveWindow = c.ActiveWindow
	}
	if c.HardTimeout > 0 {
		pc.HardTimeout = c.HardTimeout
	}
	if c.MaxReconnect > 0 {
		pc.MaxReconnectAttempts = c.MaxReconnect
	}
	if c.MaxChannelOpen > 0 {
		pc.MaxChannelOpenAttempts = c.MaxChannelOpen
	}
	return
}

// Policy is the settlement policy for channels this relay collects on.
func (c *Config) Policy() (p channel.Policy) {
	p = channel.DefaultPolicy()
	if c.SettleThreshold > 0 {
		p.Threshold = c.SettleThreshold
	}
	if c.SettleInterval > 0 {
		p.Interval = c.SettleInterval
	}
	if c.SettleMaxClaims > 0 {
		p.MaxClaims = c.SettleMaxClaims
	}
	return
}

// OpenRequest is what this relay asks its backend for when it needs a channel
// to recipient.
func (c *Config) OpenRequest(sender, recipient string) settlement.OpenRequest {
	return settlement.OpenRequest{
		Sender:    sender,
		Recipient: recipient,
		Currency:  c.Currency,
		Capacity:  c.ChannelCapacity,
		Duration:  c.ChannelDuration,
	}
}

func (c *Config) Save(filename string) (err error) {
	if c == nil {
		err = errors.New("cannot save nil relay config")
		log.E.Ln(err)
		return
	}
	var b []byte
	if b, err = json.MarshalIndent(c, "", "    "); chk.E(err) {
		return
	}
	if err = os.WriteFile(filename, b, 0600); chk.E(err) {
		return
	}
	return
}

func (c *Config) Load(filename string) (err error) {
	if c == nil {
		err = errors.New("cannot load into nil config")
		chk.E(err)
		return
	}
	var b []byte
	if b, err = os.ReadFile(filename); chk.E(err) {
		return
	}
	if err = json.Unmarshal(b, c); chk.E(err) {
		return
	}
	return
}
