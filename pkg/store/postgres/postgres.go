// Package postgres persists peer and channel records in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"

	"github.com/Hubmakerlabs/btprelay/pkg/channel"
	"github.com/Hubmakerlabs/btprelay/pkg/peer"
	"github.com/Hubmakerlabs/btprelay/pkg/slog"
	"github.com/Hubmakerlabs/btprelay/pkg/store"
	_ "github.com/lib/pq"
)

var log, chk = slog.New(os.Stderr, "postgres")

const schema = `
CREATE TABLE IF NOT EXISTS btp_peers (
	pubkey             TEXT PRIMARY KEY,
	state              TEXT NOT NULL,
	priority           INTEGER NOT NULL,
	reconnect_attempts INTEGER NOT NULL,
	record             JSONB NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS btp_peers_retry
	ON btp_peers (state, priority, reconnect_attempts);
CREATE TABLE IF NOT EXISTS btp_channels (
	id     TEXT PRIMARY KEY,
	record JSONB NOT NULL
);`

// Backend is a store.Store on a PostgreSQL database.
type Backend struct {
	*sql.DB
}

var _ store.Store = (*Backend)(nil)

// Open connects to dsn and creates the tables if they do not exist.
func Open(c context.Context, dsn string) (b *Backend, err error) {
	var db *sql.DB
	if db, err = sql.Open("postgres", dsn); chk.E(err) {
		return
	}
	if err = db.PingContext(c); chk.E(err) {
		_ = db.Close()
		return
	}
	if _, err = db.ExecContext(c, schema); chk.E(err) {
		_ = db.Close()
		return
	}
	log.I.Ln("connected to postgres peer store")
	return &Backend{DB: db}, nil
}

func (b *Backend) PutPeer(c context.Context, conn *peer.Connection) (
	err error) {

	var rec []byte
	if rec, err = json.Marshal(conn); chk.E(err) {
		return
	}
	_, err = b.ExecContext(c, `
INSERT INTO btp_peers
	(pubkey, state, priority, reconnect_attempts, record, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (pubkey) DO UPDATE SET
	state = EXCLUDED.state,
	priority = EXCLUDED.priority,
	reconnect_attempts = EXCLUDED.reconnect_attempts,
	record = EXCLUDED.record,
	updated_at = EXCLUDED.updated_at`,
		conn.Pubkey, string(conn.State), conn.Priority,
		conn.ReconnectAttempts, rec, conn.UpdatedAt)
	return
}

func (b *Backend) GetPeer(c context.Context, pubkey string) (
	conn *peer.Connection, err error) {

	var rec []byte
	if err = b.QueryRowContext(c,
		`SELECT record FROM btp_peers WHERE pubkey = $1`, pubkey,
	).Scan(&rec); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = store.ErrNotFound
		}
		return
	}
	conn = &peer.Connection{}
	err = json.Unmarshal(rec, conn)
	return
}

func (b *Backend) queryPeers(c context.Context, q string, args ...any) (
	conns []*peer.Connection, err error) {

	var rows *sql.Rows
	if rows, err = b.QueryContext(c, q, args...); chk.E(err) {
		return
	}
	defer rows.Close()
	for rows.Next() {
		var rec []byte
		if err = rows.Scan(&rec); chk.E(err) {
			return
		}
		p := &peer.Connection{}
		if err = json.Unmarshal(rec, p); chk.E(err) {
			return
		}
		conns = append(conns, p)
	}
	err = rows.Err()
	return
}

func (b *Backend) ListPeers(c context.Context) ([]*peer.Connection, error) {
	return b.queryPeers(c, `SELECT record FROM btp_peers ORDER BY pubkey`)
}

func (b *Backend) ListDisconnected(c context.Context) ([]*peer.Connection,
	error) {

	return b.queryPeers(c, `
SELECT record FROM btp_peers WHERE state = $1
ORDER BY priority, reconnect_attempts, pubkey`, string(peer.Disconnected))
}

func (b *Backend) PutChannel(c context.Context, ch *channel.Channel) (
	err error) {

	var rec []byte
	if rec, err = json.Marshal(ch); chk.E(err) {
		return
	}
	_, err = b.ExecContext(c, `
INSERT INTO btp_channels (id, record) VALUES ($1, $2)
ON CONFLICT (id) DO UPDATE SET record = EXCLUDED.record
WHERE COALESCE((btp_channels.record->>'version')::BIGINT, 0) <= $3`,
		ch.ID, rec, int64(ch.Version))
	return
}

func (b *Backend) ListChannels(c context.Context) (chs []*channel.Channel,
	err error) {

	var rows *sql.Rows
	if rows, err = b.QueryContext(c,
		`SELECT record FROM btp_channels ORDER BY id`); chk.E(err) {
		return
	}
	defer rows.Close()
	for rows.Next() {
		var rec []byte
		if err = rows.Scan(&rec); chk.E(err) {
			return
		}
		ch := &channel.Channel{}
		if err = json.Unmarshal(rec, ch); chk.E(err) {
			return
		}
		chs = append(chs, ch)
	}
	err = rows.Err()
	return
}

func (b *Backend) Close() error { return b.DB.Close() }
