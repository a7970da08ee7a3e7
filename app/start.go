package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/multierr"
)

func (rl *Relay) Router() *http.ServeMux { return rl.serveMux }

// Start listens on addr and serves until Shutdown. Any started channels are
// closed once the listener is bound and Relay.Addr is set.
func (rl *Relay) Start(addr string, started ...chan bool) (err error) {
	var ln net.Listener
	if ln, err = net.Listen("tcp", addr); chk.E(err) {
		return
	}
	rl.Addr = ln.Addr().String()
	rl.httpServer = &http.Server{
		Handler:           rl,
		Addr:              addr,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       30 * time.Second,
	}
	log.I.F("listening on %s", rl.Addr)
	// notify caller that we're starting
	for _, s := range started {
		close(s)
	}
	if err = rl.httpServer.Serve(ln); errors.Is(err, http.ErrServerClosed) {
		return nil
	} else if chk.E(err) {
		return
	}
	return
}

// Shutdown stops accepting connections, tears down every peer session and
// closes the store.
func (rl *Relay) Shutdown(c context.Context) (err error) {
	if rl.httpServer != nil {
		err = multierr.Append(err, rl.httpServer.Shutdown(c))
	}
	rl.Peers.Close()
	err = multierr.Append(err, rl.Store.Close())
	for _, e := range multierr.Errors(err) {
		log.E.Ln("shutdown:", e)
	}
	return
}
