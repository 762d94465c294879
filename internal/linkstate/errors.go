package linkstate

import "errors"

// Sentinel errors for the link/auth state machines: per-session, closed
// with a single log line, never string-matched by a caller.
var (
	// ErrProtocolError is a framed message that was malformed past a
	// valid header (e.g. an auth packet with mechanism != 1).
	ErrProtocolError = errors.New("linkstate: malformed message")

	// ErrConnectionRedirected is the plaintext-port shortcut's normal
	// termination: the client was told to retry on the secure port.
	ErrConnectionRedirected = errors.New("linkstate: client redirected to secure port")

	// ErrConnectionDeclined is an invalid or expired token, or an unknown
	// console/source.
	ErrConnectionDeclined = errors.New("linkstate: connection declined")

	// ErrConnectionRefused is a hypervisor-side connect, TLS or link
	// failure.
	ErrConnectionRefused = errors.New("linkstate: hypervisor connection refused")

	// ErrTokenFailure surfaces from the token-creation retry loop after
	// repeated random-value collisions (see store.NewToken).
	ErrTokenFailure = errors.New("linkstate: token creation failed")
)
