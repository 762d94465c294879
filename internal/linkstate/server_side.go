package linkstate

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/shakenfist/kerbside-proxy/internal/store"
	"github.com/shakenfist/kerbside-proxy/internal/wire"
)

// HandshakeBudget bounds the whole server-facing connect+link+auth
// exchange.
const HandshakeBudget = 5 * time.Second

// Hypervisor is the connection coordinates and trust material a
// ConsoleDirectory resolves (source, uuid) to. The Source/Console rows
// themselves are owned by the discovery loop (out of scope here); this is
// the read-only slice of that data the server-facing handshake needs.
type Hypervisor struct {
	Host         string
	InsecurePort int
	SecurePort   int // 0 if the console has no secure port
	CACertPEM    []byte
	TLSSubject   string
}

// ConsoleDirectory resolves a (source, uuid) pair to its hypervisor
// connection coordinates. Satisfied in production by the discovery
// subsystem (out of scope here) and by a fake in tests.
type ConsoleDirectory interface {
	Resolve(ctx context.Context, source, uuid string) (Hypervisor, error)
}

// TicketIssuer acquires the one-time SPICE password the hypervisor expects
// for (source, uuid). For oVirt sources this is a freshly minted ticket;
// for OpenStack/Shaken Fist it is the value discovery already recorded.
// The actual source drivers are out of scope; this interface is the only
// thing linkstate depends on for ticket acquisition.
type TicketIssuer interface {
	AcquireTicket(ctx context.Context, source, uuid string) (string, error)
}

// DialHypervisor connects to the hypervisor described by hv, completes the
// server-facing link+auth handshake using sess's connection
// id/channel/capabilities echoed verbatim, and authenticates
// with ticket. It prefers the secure port when hv has one and a CA
// certificate is available, and retries once on the secure port if the
// hypervisor's link reply demands it (ErrNeedSecured). The whole operation
// is bounded by HandshakeBudget. On any failure it returns a wrapped
// ErrConnectionRefused and records an audit event ("Hypervisor connection
// failed") against st; on success no audit event is written here since the
// caller (the forwarding worker) owns the "Channel created" event already
// written by AuthenticateClient.
func DialHypervisor(ctx context.Context, hv Hypervisor, sess *Session, ticket string, st store.Store) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, HandshakeBudget)
	defer cancel()

	secure := hv.SecurePort != 0 && len(hv.CACertPEM) > 0
	conn, err := attemptHandshake(ctx, hv, secure, sess, ticket)
	if err != nil && !secure && errors.Is(err, wire.ErrRetrySecured) && hv.SecurePort != 0 {
		conn, err = attemptHandshake(ctx, hv, true, sess, ticket)
	}
	if err != nil {
		auditErr := st.AddAuditEvent(ctx, store.AuditEvent{
			Source:    sess.Token.Source,
			UUID:      sess.Token.UUID,
			SessionID: sess.Token.SessionID,
			Channel:   sess.ChannelType.String(),
			Timestamp: time.Now(),
			Message:   fmt.Sprintf("Hypervisor connection failed: %s", err),
		})
		_ = auditErr // audit writes never fail visibly
		return nil, fmt.Errorf("%w: %s", ErrConnectionRefused, err)
	}
	return conn, nil
}

func attemptHandshake(ctx context.Context, hv Hypervisor, secure bool, sess *Session, ticket string) (net.Conn, error) {
	port := hv.InsecurePort
	if secure {
		port = hv.SecurePort
	}
	addr := net.JoinHostPort(hv.Host, strconv.Itoa(port))

	conn, err := dialAddr(ctx, addr, secure, hv)
	if err != nil {
		return nil, err
	}
	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	}

	if err := wire.WriteServerLinkMess(conn, sess.ConnectionID, sess.ChannelType, sess.ChannelID,
		sess.NumCommonCaps, sess.NumChannelCaps, sess.ClientCaps); err != nil {
		conn.Close()
		return nil, err
	}

	reply, err := wire.ReadServerLinkReply(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	if err := wire.WriteServerAuthPacket(conn, reply.PublicKey, ticket); err != nil {
		conn.Close()
		return nil, err
	}

	return conn, nil
}

func dialAddr(ctx context.Context, addr string, secure bool, hv Hypervisor) (net.Conn, error) {
	dialer := &net.Dialer{}
	if !secure {
		return dialer.DialContext(ctx, "tcp", addr)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(hv.CACertPEM) {
		return nil, fmt.Errorf("linkstate: no usable CA certificate for %s", hv.Host)
	}
	tlsConf := &tls.Config{RootCAs: pool, ServerName: hv.Host}

	plain, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	tlsConn := tls.Client(plain, tlsConf)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		plain.Close()
		return nil, err
	}
	return tlsConn, nil
}
