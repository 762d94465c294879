package store

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
)

// Sentinel errors mirroring the upstream token/channel exception hierarchy.
var (
	ErrReusedToken    = errors.New("store: token already exists")
	ErrReusedChannel  = errors.New("store: proxy channel already exists")
	ErrUnknownChannel = errors.New("store: no such proxy channel")
	ErrNotFound       = errors.New("store: no such record")
)

// Store is the persistence interface the listener, worker and supervisor
// use for console tokens, live proxy channel bookkeeping, and the audit
// log. sqlstore backs it with Postgres for production deployments;
// memstore backs it in-process for tests.
type Store interface {
	// AddToken inserts a brand new console token, failing with
	// ErrReusedToken if the token value is already present.
	AddToken(ctx context.Context, t ConsoleToken) error

	// GetTokenByToken looks up a token by its value, only returning tokens
	// that have not yet expired. Returns ErrNotFound otherwise.
	GetTokenByToken(ctx context.Context, token string) (ConsoleToken, error)

	// GetTokenBySessionID looks up a token by the session it minted,
	// regardless of whether that token has since expired: a live proxy
	// channel still needs to resolve its session back to a console after
	// the originating token's validity window has passed.
	GetTokenBySessionID(ctx context.Context, sessionID string) (ConsoleToken, error)

	// ExpireToken marks every token with the given value as expired as of
	// now, without deleting it (RemoveSession or ReapExpiredTokens do that).
	ExpireToken(ctx context.Context, token string) error

	// RemoveSession deletes the token owning sessionID outright.
	RemoveSession(ctx context.Context, sessionID string) error

	// ReapExpiredTokens deletes every expired token that has no proxy
	// channel still referencing its session, and returns what it deleted.
	// A token with a live channel is kept regardless of expiry, because
	// deleting it would sever the only mapping from that channel's
	// session id back to the console it belongs to.
	ReapExpiredTokens(ctx context.Context) ([]ConsoleToken, error)

	// RecordChannelInfo upserts bookkeeping for one proxied connection,
	// keyed by (node, pid). Only non-zero-value fields passed in are
	// applied, so a channel's record can be filled in incrementally as the
	// link handshake and then the auth handshake complete.
	RecordChannelInfo(ctx context.Context, c ProxyChannel) error

	// RemoveProxyChannel deletes the channel record for (node, pid), e.g.
	// when its worker goroutine exits.
	RemoveProxyChannel(ctx context.Context, node string, pid int64) error

	// GetNodeChannels lists every channel currently recorded for node.
	GetNodeChannels(ctx context.Context, node string) ([]ProxyChannel, error)

	// RemoveNodeChannels deletes every channel recorded for node; called
	// once at supervisor startup so a previous, uncleanly terminated
	// instance's stale rows don't linger forever.
	RemoveNodeChannels(ctx context.Context, node string) error

	// AddAuditEvent appends one entry to the append-only audit log.
	AddAuditEvent(ctx context.Context, e AuditEvent) error

	// Close releases the store's underlying resources.
	Close() error
}

// maxTokenRetries bounds how many times NewToken will mint a fresh random
// token value after an ErrReusedToken collision before giving up.
const maxTokenRetries = 5

// tokenLength and tokenAlphabet give a minted token 48 printable
// characters drawn from a 62-character alphabet (upper+lowercase
// letters and digits).
const tokenLength = 48

const tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// NewToken mints a new random token value, inserts it, and retries with a
// freshly generated value (up to maxTokenRetries times) if it collides with
// an existing one.
func NewToken(ctx context.Context, s Store, sessionID, source, uuid string, created, expires int64) (ConsoleToken, error) {
	var lastErr error
	for attempt := 0; attempt < maxTokenRetries; attempt++ {
		value, err := randomTokenValue()
		if err != nil {
			return ConsoleToken{}, fmt.Errorf("store: generating token: %w", err)
		}
		t := ConsoleToken{
			Token:     value,
			SessionID: sessionID,
			Source:    source,
			UUID:      uuid,
			Created:   created,
			Expires:   expires,
		}
		err = s.AddToken(ctx, t)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, ErrReusedToken) {
			return ConsoleToken{}, err
		}
		lastErr = err
	}
	return ConsoleToken{}, fmt.Errorf("store: giving up after %d token collisions: %w", maxTokenRetries, lastErr)
}

// randomTokenValue draws tokenLength characters from tokenAlphabet using
// rejection sampling over crypto/rand bytes, so every character is
// uniformly distributed rather than biased by a naive modulo over 256.
func randomTokenValue() (string, error) {
	const maxByte = 256 - (256 % len(tokenAlphabet))

	out := make([]byte, 0, tokenLength)
	buf := make([]byte, tokenLength)
	for len(out) < tokenLength {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if len(out) == tokenLength {
				break
			}
			if int(b) >= maxByte {
				continue
			}
			out = append(out, tokenAlphabet[int(b)%len(tokenAlphabet)])
		}
	}
	return string(out), nil
}
