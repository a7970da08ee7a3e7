package app

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/Hubmakerlabs/btprelay/pkg/discovery"
	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/cors"
)

// ServeHTTP implements http.Handler interface.
//
// Websocket upgrades are peer connections and go through the handshake;
// everything else is the JSON status endpoints and metrics.
func (rl *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-rl.Ctx.Done():
		log.W.Ln("shutting down")
		return
	default:
	}
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		rl.HandleWebsocket(rl.endpoint(r))(w, r)
		return
	}
	if r.Header.Get("Accept") == "application/nostr+json" {
		cors.AllowAll().Handler(http.HandlerFunc(rl.HandleNIP11)).
			ServeHTTP(w, r)
		return
	}
	cors.AllowAll().Handler(rl.serveMux).ServeHTTP(w, r)
}

// endpoint is the websocket URL peers reach this relay at.
func (rl *Relay) endpoint(r *http.Request) string {
	if rl.Config.Endpoint != "" {
		return rl.Config.Endpoint
	}
	u := getServiceBaseURL(r)
	if strings.HasPrefix(u, "https://") {
		return "wss://" + strings.TrimPrefix(u, "https://")
	}
	return "ws://" + strings.TrimPrefix(u, "http://")
}

func getServiceBaseURL(r *http.Request) string {
	host := r.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = r.Host
	}
	proto := r.Header.Get("X-Forwarded-Proto")
	if proto == "" {
		if host == "localhost" {
			proto = "http"
		} else if strings.Index(host, ":") != -1 {
			// has a port number
			proto = "http"
		} else if _, err := strconv.Atoi(strings.ReplaceAll(host, ".",
			"")); err == nil {
			// it's a naked IP
			proto = "http"
		} else {
			proto = "https"
		}
	}
	return proto + "://" + host
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	chk.E(enc.Encode(v))
}

// HandlePeers lists the record of every known peer.
func (rl *Relay) HandlePeers(w http.ResponseWriter, r *http.Request) {
	conns := rl.Peers.Snapshots()
	if s := r.URL.Query().Get("state"); s != "" {
		filtered := conns[:0]
		for _, c := range conns {
			if string(c.State) == s {
				filtered = append(filtered, c)
			}
		}
		conns = filtered
	}
	writeJSON(w, conns)
}

// HandleChannels lists every channel this relay is party to.
func (rl *Relay) HandleChannels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, rl.Book.List())
}

// HandleSubscriptions lists the distinct filters peers are subscribed with.
func (rl *Relay) HandleSubscriptions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, rl.GetListeningFilters())
}

// Announcement describes this relay for discovery.
func (rl *Relay) Announcement(endpoint string) discovery.Announcement {
	return discovery.Announcement{
		Pubkey:     rl.Pubkey,
		ILPAddress: rl.Config.ILPAddress,
		Endpoint:   endpoint,
		Currencies: []string{rl.Config.Currency},
		Schemes:    rl.Settlement.Registry().Schemes(),
		Priority:   rl.Config.Priority,
	}
}

// HandleAnnouncement serves this relay's signed announcement event.
func (rl *Relay) HandleAnnouncement(w http.ResponseWriter, r *http.Request) {
	var err error
	var ev *nostr.Event
	if ev, err = discovery.NewAnnouncementEvent(rl.SecKey,
		rl.Announcement(rl.endpoint(r))); chk.E(err) {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, ev)
}
