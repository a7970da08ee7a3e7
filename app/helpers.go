package app

import (
	"fmt"
	"os"
	"time"

	"github.com/Hubmakerlabs/btprelay/pkg/btp/link"
	"github.com/Hubmakerlabs/btprelay/pkg/slog"
	"github.com/fasthttp/websocket"
)

var log, chk = slog.New(os.Stderr, "relay")

// writeEnvelope writes directly to a link that has no writer goroutine yet.
func writeEnvelope(conn *websocket.Conn, e *link.Envelope,
	deadline time.Time) (err error) {

	var b []byte
	if b, err = e.Bytes(); chk.E(err) {
		return
	}
	if err = conn.SetWriteDeadline(deadline); err != nil {
		return
	}
	return conn.WriteMessage(websocket.TextMessage, b)
}

// readEnvelope reads the next message of a link still in its handshake and
// requires it to be of type want.
func readEnvelope(conn *websocket.Conn, want link.Type,
	deadline time.Time) (e *link.Envelope, err error) {

	if err = conn.SetReadDeadline(deadline); err != nil {
		return
	}
	var b []byte
	if _, b, err = conn.ReadMessage(); err != nil {
		return
	}
	if e, err = link.Parse(b); err != nil {
		return
	}
	if e.Type != want {
		return nil, fmt.Errorf("%w: expected %s got %s", link.ErrInvalid, want,
			e.Type)
	}
	return
}
