// Package linkstate implements both sides of the SPICE link and
// authentication handshake: the client-facing side (this proxy acting as
// the SPICE server the viewer connects to) and the server-facing side
// (this proxy acting as the SPICE client the hypervisor expects).
package linkstate

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/shakenfist/kerbside-proxy/internal/corelog"
	"github.com/shakenfist/kerbside-proxy/internal/store"
	"github.com/shakenfist/kerbside-proxy/internal/wire"
)

// Session is everything learned from a completed client-facing handshake,
// handed off to internal/session.Worker to drive the server-facing leg and
// the forwarding loop.
type Session struct {
	ConnectionID   uint32
	ChannelType    wire.ChannelType
	ChannelID      uint8
	NumCommonCaps  uint32
	NumChannelCaps uint32
	ClientCaps     []byte
	Token          store.ConsoleToken
	Keypair        *wire.SessionKeypair
}

// AwaitClientLink runs the plaintext-port shortcut: read one
// SpiceLinkMess and reply with need_secured. It always returns
// ErrConnectionRedirected on success; the caller closes conn immediately
// afterward and makes no store writes.
func AwaitClientLink(conn io.ReadWriter) error {
	if _, err := wire.ReadClientLinkMess(conn); err != nil {
		return err
	}
	if err := wire.WriteRedirectToSecureReply(conn); err != nil {
		return err
	}
	return ErrConnectionRedirected
}

// AuthenticateClient drives the secure-port AwaitLinkMess -> AwaitPassword
// states. It reads the client's SpiceLinkMess, generates a fresh session
// keypair and replies ok, reads and decrypts the 132-byte auth packet, and
// resolves the resulting token against st. On success it records the
// channel and an audit event, and returns a Session ready for the
// server-facing leg. On failure it has already written the appropriate
// SpiceLinkReply/auth error to conn and returns a wrapped
// ErrConnectionDeclined or ErrProtocolError; no channel or audit row is
// written in that case.
func AuthenticateClient(ctx context.Context, conn io.ReadWriter, st store.Store, log corelog.Logger, node string, pid int64, clientIP string, clientPort int) (*Session, error) {
	clientMess, err := wire.ReadClientLinkMess(conn)
	if err != nil {
		return nil, err
	}

	kp, err := wire.GenerateSessionKeypair()
	if err != nil {
		return nil, fmt.Errorf("linkstate: %w", err)
	}
	if err := wire.WriteLinkReplyOK(conn, kp); err != nil {
		return nil, fmt.Errorf("linkstate: sending link reply: %w", err)
	}

	tokenValue, err := wire.ReadClientAuthPacket(conn, kp.Private)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrProtocolError, err)
	}

	tok, err := st.GetTokenByToken(ctx, tokenValue)
	if err != nil {
		if werr := wire.WriteClientAuthReply(conn, wire.ErrPermissionDenied); werr != nil {
			return nil, werr
		}
		return nil, fmt.Errorf("%w: unknown or expired token", ErrConnectionDeclined)
	}

	if err := wire.WriteClientAuthReply(conn, wire.ErrOK); err != nil {
		return nil, fmt.Errorf("linkstate: sending auth reply: %w", err)
	}

	channel := store.ProxyChannel{
		Node:         node,
		PID:          pid,
		Created:      time.Now(),
		ClientIP:     clientIP,
		ClientPort:   clientPort,
		ConnectionID: clientMess.ConnectionID,
		ChannelType:  clientMess.ChannelType.String(),
		ChannelID:    int(clientMess.ChannelID),
		SessionID:    tok.SessionID,
	}
	if err := st.RecordChannelInfo(ctx, channel); err != nil {
		log.WLogf("recording channel info for session %s: %s", tok.SessionID, err)
	}
	if err := st.AddAuditEvent(ctx, store.AuditEvent{
		Source:    tok.Source,
		UUID:      tok.UUID,
		SessionID: tok.SessionID,
		Channel:   clientMess.ChannelType.String(),
		Node:      node,
		PID:       pid,
		Timestamp: time.Now(),
		Message:   "Channel created",
	}); err != nil {
		log.WLogf("recording audit event for session %s: %s", tok.SessionID, err)
	}

	return &Session{
		ConnectionID:   clientMess.ConnectionID,
		ChannelType:    clientMess.ChannelType,
		ChannelID:      clientMess.ChannelID,
		NumCommonCaps:  clientMess.NumCommonCaps,
		NumChannelCaps: clientMess.NumChannelCaps,
		ClientCaps:     clientMess.Capabilities,
		Token:          tok,
		Keypair:        kp,
	}, nil
}
