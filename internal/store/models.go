// Package store models the token/session table and append-only audit log
// this proxy consults to authenticate a client-presented console token and
// to discover which real VDI server and ticket it identifies.
package store

import "time"

// ConsoleToken is a single-use (or short-lived) credential minted by the
// admin API and handed to a tenant out of band; the proxy's client-facing
// auth step looks one up by the token value the client presents.
type ConsoleToken struct {
	Token     string
	SessionID string
	Source    string
	UUID      string
	Created   int64 // unix seconds
	Expires   int64 // unix seconds
}

// Expired reports whether the token had already expired at instant now.
func (t ConsoleToken) Expired(now time.Time) bool {
	return t.Expires <= now.Unix()
}

// ProxyChannel is one live (or recently live) proxied connection. Node+PID
// is its primary key; PID is a synthetic, per-node monotonically
// increasing surrogate assigned to each worker goroutine at session start,
// standing in for the OS process id the upstream multiprocessing-based
// implementation used for the same purpose.
type ProxyChannel struct {
	Node         string
	PID          int64
	Created      time.Time
	ClientIP     string
	ClientPort   int
	ConnectionID uint32
	ChannelType  string
	ChannelID    int
	SessionID    string
}

// AuditEvent is one entry in the append-only audit log kept per console.
type AuditEvent struct {
	Source    string
	UUID      string
	SessionID string
	Channel   string
	Node      string
	PID       int64
	Timestamp time.Time
	Message   string
}
