package app

import (
	"strings"
	"time"

	"github.com/Hubmakerlabs/btprelay/pkg/btp/link"
	"github.com/fasthttp/websocket"
)

// writer sends queued messages, heartbeats and pings until the session ends.
// A write error closes the socket, which ends the reader.
func (s *Session) writer() {
	defer close(s.writerDone)
	heartbeat := s.rl.Peers.Config().ActiveWindow / 3
	if heartbeat <= 0 {
		heartbeat = 10 * time.Second
	}
	hb := time.NewTicker(heartbeat)
	defer hb.Stop()
	ping := time.NewTicker(s.rl.PingPeriod)
	defer ping.Stop()
	beat, _ := (&link.Envelope{Type: link.Heartbeat}).Bytes()
	write := func(typ int, b []byte) bool {
		if err := s.conn.SetWriteDeadline(
			time.Now().Add(s.rl.WriteWait)); err != nil {
			return false
		}
		if err := s.conn.WriteMessage(typ, b); err != nil {
			if !strings.HasSuffix(err.Error(),
				"use of closed network connection") {
				log.D.F("%s: write failed: %v", short(s.Peer), err)
			}
			_ = s.conn.Close()
			return false
		}
		return true
	}
	for {
		select {
		case <-s.ctx.Done():
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		case b := <-s.out:
			if !write(websocket.TextMessage, b) {
				return
			}
		case <-hb.C:
			if !write(websocket.TextMessage, beat) {
				return
			}
		case <-ping.C:
			if !write(websocket.PingMessage, nil) {
				return
			}
		}
	}
}
