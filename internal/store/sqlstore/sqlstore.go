// Package sqlstore is the Postgres-backed store.Store implementation used
// in production, built directly on database/sql and lib/pq with raw,
// parameterized SQL rather than an ORM, so every row mutation the token and
// proxy-channel tables need stays a single explicit statement.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
	"github.com/lib/pq"

	"github.com/shakenfist/kerbside-proxy/internal/store"
)

// maxPingAttempts bounds Open's initial connectivity check, so a database
// that is still starting up (a common race on container boot) doesn't fail
// the proxy outright.
const maxPingAttempts = 5

// Store is a Postgres-backed store.Store.
type Store struct {
	db *sql.DB
}

// Open connects to the Postgres instance named by dsn and verifies
// connectivity with a ping, retrying with backoff up to maxPingAttempts
// times. Callers should pass a context bounded by a reasonable startup
// timeout.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: opening database: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetConnMaxLifetime(5 * time.Minute)

	b := &backoff.Backoff{Max: 30 * time.Second}
	var pingErr error
	for attempt := 0; attempt <= maxPingAttempts; attempt++ {
		if pingErr = db.PingContext(ctx); pingErr == nil {
			return &Store{db: db}, nil
		}
		if attempt == maxPingAttempts {
			break
		}
		select {
		case <-ctx.Done():
			db.Close()
			return nil, fmt.Errorf("sqlstore: pinging database: %w", ctx.Err())
		case <-time.After(b.Duration()):
		}
	}
	db.Close()
	return nil, fmt.Errorf("sqlstore: pinging database after %d attempts: %w", maxPingAttempts+1, pingErr)
}

// AddToken implements store.Store.
func (s *Store) AddToken(ctx context.Context, t store.ConsoleToken) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO consoletokens (token, session_id, source, uuid, created, expires)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		t.Token, t.SessionID, t.Source, t.UUID, t.Created, t.Expires)
	if isUniqueViolation(err) {
		return store.ErrReusedToken
	}
	return err
}

// GetTokenByToken implements store.Store.
func (s *Store) GetTokenByToken(ctx context.Context, token string) (store.ConsoleToken, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT token, session_id, source, uuid, created, expires
		FROM consoletokens
		WHERE token = $1 AND expires > $2`,
		token, time.Now().Unix())
	return scanToken(row)
}

// GetTokenBySessionID implements store.Store.
func (s *Store) GetTokenBySessionID(ctx context.Context, sessionID string) (store.ConsoleToken, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT token, session_id, source, uuid, created, expires
		FROM consoletokens
		WHERE session_id = $1`,
		sessionID)
	return scanToken(row)
}

func scanToken(row *sql.Row) (store.ConsoleToken, error) {
	var t store.ConsoleToken
	err := row.Scan(&t.Token, &t.SessionID, &t.Source, &t.UUID, &t.Created, &t.Expires)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ConsoleToken{}, store.ErrNotFound
	}
	return t, err
}

// ExpireToken implements store.Store.
func (s *Store) ExpireToken(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE consoletokens SET expires = $1 WHERE token = $2`,
		time.Now().Unix(), token)
	return err
}

// RemoveSession implements store.Store.
func (s *Store) RemoveSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM consoletokens WHERE session_id = $1`, sessionID)
	return err
}

// ReapExpiredTokens implements store.Store.
//
// This only deletes a token once both conditions hold: it has expired, and
// no ProxyChannel row still references its session. A single DELETE ...
// WHERE NOT EXISTS does both checks atomically, so there is no window
// where a channel referencing a session can be created between a read of
// "expired tokens" and the delete that removes it.
func (s *Store) ReapExpiredTokens(ctx context.Context) ([]store.ConsoleToken, error) {
	rows, err := s.db.QueryContext(ctx, `
		DELETE FROM consoletokens
		WHERE expires < $1
		AND NOT EXISTS (
			SELECT 1 FROM proxychannels
			WHERE proxychannels.session_id = consoletokens.session_id
		)
		RETURNING token, session_id, source, uuid, created, expires`,
		time.Now().Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reaped []store.ConsoleToken
	for rows.Next() {
		var t store.ConsoleToken
		if err := rows.Scan(&t.Token, &t.SessionID, &t.Source, &t.UUID, &t.Created, &t.Expires); err != nil {
			return nil, err
		}
		reaped = append(reaped, t)
	}
	return reaped, rows.Err()
}

// RecordChannelInfo implements store.Store.
func (s *Store) RecordChannelInfo(ctx context.Context, c store.ProxyChannel) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO proxychannels
			(node, pid, created, client_ip, client_port, connection_id, channel_type, channel_id, session_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (node, pid) DO UPDATE SET
			client_ip     = COALESCE(NULLIF(EXCLUDED.client_ip, ''), proxychannels.client_ip),
			client_port   = COALESCE(NULLIF(EXCLUDED.client_port, 0), proxychannels.client_port),
			connection_id = COALESCE(NULLIF(EXCLUDED.connection_id, 0), proxychannels.connection_id),
			channel_type  = COALESCE(NULLIF(EXCLUDED.channel_type, ''), proxychannels.channel_type),
			channel_id    = COALESCE(NULLIF(EXCLUDED.channel_id, 0), proxychannels.channel_id),
			session_id    = COALESCE(NULLIF(EXCLUDED.session_id, ''), proxychannels.session_id)`,
		c.Node, c.PID, c.Created, c.ClientIP, c.ClientPort, c.ConnectionID, c.ChannelType, c.ChannelID, c.SessionID)
	return err
}

// RemoveProxyChannel implements store.Store.
func (s *Store) RemoveProxyChannel(ctx context.Context, node string, pid int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM proxychannels WHERE node = $1 AND pid = $2`, node, pid)
	return err
}

// GetNodeChannels implements store.Store.
func (s *Store) GetNodeChannels(ctx context.Context, node string) ([]store.ProxyChannel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT node, pid, created, client_ip, client_port, connection_id, channel_type, channel_id, session_id
		FROM proxychannels WHERE node = $1`, node)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.ProxyChannel
	for rows.Next() {
		var c store.ProxyChannel
		if err := rows.Scan(&c.Node, &c.PID, &c.Created, &c.ClientIP, &c.ClientPort,
			&c.ConnectionID, &c.ChannelType, &c.ChannelID, &c.SessionID); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// RemoveNodeChannels implements store.Store.
func (s *Store) RemoveNodeChannels(ctx context.Context, node string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM proxychannels WHERE node = $1`, node)
	return err
}

// AddAuditEvent implements store.Store.
func (s *Store) AddAuditEvent(ctx context.Context, e store.AuditEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auditevents (source, uuid, session_id, channel, node, pid, message)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.Source, e.UUID, e.SessionID, e.Channel, e.Node, e.PID, e.Message)
	return err
}

// Close implements store.Store.
func (s *Store) Close() error {
	return s.db.Close()
}

// isUniqueViolation reports whether err is a Postgres unique-constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

var _ store.Store = (*Store)(nil)
