// Package memstore is an in-process store.Store implementation used by
// tests and by any future standalone/single-node deployment mode that
// would rather not stand up Postgres.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/shakenfist/kerbside-proxy/internal/store"
)

type channelKey struct {
	node string
	pid  int64
}

// Store is a mutex-guarded, in-memory store.Store.
type Store struct {
	mu       sync.Mutex
	tokens   map[string]store.ConsoleToken
	channels map[channelKey]store.ProxyChannel
	audit    []store.AuditEvent
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		tokens:   make(map[string]store.ConsoleToken),
		channels: make(map[channelKey]store.ProxyChannel),
	}
}

// AddToken implements store.Store.
func (s *Store) AddToken(_ context.Context, t store.ConsoleToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tokens[t.Token]; exists {
		return store.ErrReusedToken
	}
	s.tokens[t.Token] = t
	return nil
}

// GetTokenByToken implements store.Store.
func (s *Store) GetTokenByToken(_ context.Context, token string) (store.ConsoleToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[token]
	if !ok || t.Expired(time.Now()) {
		return store.ConsoleToken{}, store.ErrNotFound
	}
	return t, nil
}

// GetTokenBySessionID implements store.Store.
func (s *Store) GetTokenBySessionID(_ context.Context, sessionID string) (store.ConsoleToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tokens {
		if t.SessionID == sessionID {
			return t, nil
		}
	}
	return store.ConsoleToken{}, store.ErrNotFound
}

// ExpireToken implements store.Store.
func (s *Store) ExpireToken(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[token]
	if !ok {
		return nil
	}
	t.Expires = time.Now().Unix()
	s.tokens[token] = t
	return nil
}

// RemoveSession implements store.Store.
func (s *Store) RemoveSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for value, t := range s.tokens {
		if t.SessionID == sessionID {
			delete(s.tokens, value)
			return nil
		}
	}
	return nil
}

// ReapExpiredTokens implements store.Store.
func (s *Store) ReapExpiredTokens(_ context.Context) ([]store.ConsoleToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var reaped []store.ConsoleToken
	for value, t := range s.tokens {
		if !t.Expired(now) {
			continue
		}
		live := 0
		for _, c := range s.channels {
			if c.SessionID == t.SessionID {
				live++
			}
		}
		if live == 0 {
			reaped = append(reaped, t)
			delete(s.tokens, value)
		}
	}
	return reaped, nil
}

// RecordChannelInfo implements store.Store.
func (s *Store) RecordChannelInfo(_ context.Context, c store.ProxyChannel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := channelKey{c.Node, c.PID}
	existing, ok := s.channels[key]
	if !ok {
		existing = store.ProxyChannel{Node: c.Node, PID: c.PID, Created: c.Created}
	}
	if c.ClientIP != "" {
		existing.ClientIP = c.ClientIP
	}
	if c.ClientPort != 0 {
		existing.ClientPort = c.ClientPort
	}
	if c.ConnectionID != 0 {
		existing.ConnectionID = c.ConnectionID
	}
	if c.ChannelType != "" {
		existing.ChannelType = c.ChannelType
	}
	if c.ChannelID != 0 {
		existing.ChannelID = c.ChannelID
	}
	if c.SessionID != "" {
		existing.SessionID = c.SessionID
	}
	s.channels[key] = existing
	return nil
}

// RemoveProxyChannel implements store.Store.
func (s *Store) RemoveProxyChannel(_ context.Context, node string, pid int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.channels, channelKey{node, pid})
	return nil
}

// GetNodeChannels implements store.Store.
func (s *Store) GetNodeChannels(_ context.Context, node string) ([]store.ProxyChannel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.ProxyChannel
	for k, c := range s.channels {
		if k.node == node {
			out = append(out, c)
		}
	}
	return out, nil
}

// RemoveNodeChannels implements store.Store.
func (s *Store) RemoveNodeChannels(_ context.Context, node string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.channels {
		if k.node == node {
			delete(s.channels, k)
		}
	}
	return nil
}

// AddAuditEvent implements store.Store.
func (s *Store) AddAuditEvent(_ context.Context, e store.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, e)
	return nil
}

// AuditEvents returns a snapshot of every recorded audit event, for tests.
func (s *Store) AuditEvents() []store.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.AuditEvent, len(s.audit))
	copy(out, s.audit)
	return out
}

// Close implements store.Store.
func (s *Store) Close() error { return nil }

var _ store.Store = (*Store)(nil)
