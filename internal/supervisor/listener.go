// Package supervisor owns the process-wide resources a goroutine-per-
// connection proxy needs above the level of any one session: the
// insecure/secure listening sockets, the worker registry and maintenance
// loop, and host certificate hot-reload.
package supervisor

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"syscall"

	"github.com/shakenfist/kerbside-proxy/internal/corelog"
)

// Listener binds the proxy's insecure and secure front-end ports. Both
// ports present themselves to connecting SPICE clients exactly as a real
// VDI server would; internal/linkstate decides, from the accepted
// connection's own Addr, which of AwaitClientLink's two paths applies.
type Listener struct {
	Insecure net.Listener
	Secure   net.Listener
}

// reuseAddrControl sets SO_REUSEADDR on the listening socket before bind,
// so a restart can rebind a just-closed port immediately instead of
// waiting out TIME_WAIT.
func reuseAddrControl(_, _ string, c syscall.RawConn) error {
	var setErr error
	err := c.Control(func(fd uintptr) {
		setErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return setErr
}

// Listen binds both front-end ports on addr. cert supplies the secure
// port's TLS configuration (see certwatch.go for hot-reload); it may be
// nil, in which case the secure port is skipped. caCertPEM, if non-empty,
// is loaded as the secure listener's trust store. It is loaded without
// requiring a client certificate (ClientAuth stays the zero value,
// tls.NoClientCert) since the proxy authenticates SPICE clients by console
// token, not by TLS client certificate.
func Listen(ctx context.Context, addr string, insecurePort, securePort int, cert *HostCert, caCertPEM []byte) (*Listener, error) {
	lc := net.ListenConfig{Control: reuseAddrControl}

	insecure, err := lc.Listen(ctx, "tcp", fmt.Sprintf("%s:%d", addr, insecurePort))
	if err != nil {
		return nil, fmt.Errorf("supervisor: binding insecure port %d: %w", insecurePort, err)
	}

	l := &Listener{Insecure: insecure}

	if cert != nil {
		secure, err := lc.Listen(ctx, "tcp", fmt.Sprintf("%s:%d", addr, securePort))
		if err != nil {
			insecure.Close()
			return nil, fmt.Errorf("supervisor: binding secure port %d: %w", securePort, err)
		}

		tlsConf := &tls.Config{
			GetCertificate: cert.GetCertificate,
			MinVersion:     tls.VersionTLS12,
		}
		if len(caCertPEM) > 0 {
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caCertPEM) {
				insecure.Close()
				secure.Close()
				return nil, fmt.Errorf("supervisor: no usable certificate in CA bundle")
			}
			tlsConf.ClientCAs = pool
		}
		l.Secure = tls.NewListener(secure, tlsConf)
	}

	return l, nil
}

// Close closes both front-end listeners.
func (l *Listener) Close() error {
	var err error
	if l.Secure != nil {
		if cerr := l.Secure.Close(); cerr != nil {
			err = cerr
		}
	}
	if cerr := l.Insecure.Close(); cerr != nil {
		err = cerr
	}
	return err
}

// acceptLoop calls accept in a loop, handing each accepted connection to
// handle in its own goroutine, until ctx is cancelled or accept reports a
// permanent error.
func acceptLoop(ctx context.Context, log corelog.Logger, ln net.Listener, handle func(ctx context.Context, conn net.Conn)) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			log.WLogf("accept failed: %s", err)
			return
		}
		go handle(ctx, conn)
	}
}
