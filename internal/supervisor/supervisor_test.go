package supervisor

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec // matches SPICE's fixed RSA-OAEP-SHA1 auth packet
	"crypto/x509"
	"encoding/binary"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/shakenfist/kerbside-proxy/internal/corelog"
	"github.com/shakenfist/kerbside-proxy/internal/linkstate"
	"github.com/shakenfist/kerbside-proxy/internal/store"
	"github.com/shakenfist/kerbside-proxy/internal/store/memstore"
	"github.com/shakenfist/kerbside-proxy/internal/wire"
)

func testLogger() corelog.Logger {
	return corelog.NewLogger("test", corelog.LogLevelTrace, false)
}

// writeClientLinkMess plays the connecting viewer's half of the link
// handshake. Mirrors internal/linkstate's test helper of the same name,
// duplicated locally since it is unexported there.
func writeClientLinkMess(t *testing.T, w interface{ Write([]byte) (int, error) }, connectionID uint32, channelType wire.ChannelType, channelID uint8) {
	t.Helper()
	body := new(bytes.Buffer)
	binary.Write(body, binary.LittleEndian, connectionID)
	body.WriteByte(byte(channelType))
	body.WriteByte(channelID)
	binary.Write(body, binary.LittleEndian, uint32(1))
	binary.Write(body, binary.LittleEndian, uint32(1))
	binary.Write(body, binary.LittleEndian, uint32(18))
	binary.Write(body, binary.LittleEndian, wire.DefaultCommonCaps)
	binary.Write(body, binary.LittleEndian, wire.DefaultChannelCaps)

	full := new(bytes.Buffer)
	full.Write(wire.Magic[:])
	binary.Write(full, binary.LittleEndian, wire.ProtocolMajor)
	binary.Write(full, binary.LittleEndian, wire.ProtocolMinor)
	binary.Write(full, binary.LittleEndian, uint32(body.Len()))
	full.Write(body.Bytes())
	if _, err := w.Write(full.Bytes()); err != nil {
		t.Fatalf("writing client link mess: %v", err)
	}
}

func decodePub(der []byte) (*rsa.PublicKey, error) {
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, err
	}
	return pub.(*rsa.PublicKey), nil
}

func writeClientAuthPacket(w interface{ Write([]byte) (int, error) }, pub *rsa.PublicKey, ticket string) error {
	plaintext := append([]byte(ticket), 0)
	ciphertext, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, pub, plaintext, nil)
	if err != nil {
		return err
	}
	packet := make([]byte, 4+len(ciphertext))
	binary.LittleEndian.PutUint32(packet[0:4], 1)
	copy(packet[4:], ciphertext)
	_, err = w.Write(packet)
	return err
}

func readFull(r interface{ Read([]byte) (int, error) }, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// miniMessage builds one channel message frame: the six byte mini header
// (type, size) the inspectors all key off, followed by payload.
func miniMessage(msgType uint16, payload []byte) []byte {
	buf := make([]byte, 6+len(payload))
	binary.LittleEndian.PutUint16(buf[0:2], msgType)
	binary.LittleEndian.PutUint32(buf[2:6], uint32(len(payload)))
	copy(buf[6:], payload)
	return buf
}

type fakeDirectory struct {
	hv linkstate.Hypervisor
}

func (f fakeDirectory) Resolve(_ context.Context, _, _ string) (linkstate.Hypervisor, error) {
	return f.hv, nil
}

type fakeTickets struct {
	ticket string
}

func (f fakeTickets) AcquireTicket(_ context.Context, _, _ string) (string, error) {
	return f.ticket, nil
}

// runFakeHypervisor plays the real VDI server's half of the server-facing
// handshake, reusing the same wire primitives the client-facing side of
// internal/linkstate already exercises: the wire format is identical on
// both legs, only the keypair and the caller's role differ.
func runFakeHypervisor(ln net.Listener, ticketCh chan<- string, forwardCh chan<- []byte, reply []byte, done chan<- error) {
	conn, err := ln.Accept()
	if err != nil {
		done <- err
		return
	}
	defer conn.Close()

	if _, err := wire.ReadClientLinkMess(conn); err != nil {
		done <- err
		return
	}
	kp, err := wire.GenerateSessionKeypair()
	if err != nil {
		done <- err
		return
	}
	if err := wire.WriteLinkReplyOK(conn, kp); err != nil {
		done <- err
		return
	}
	ticket, err := wire.ReadClientAuthPacket(conn, kp.Private)
	if err != nil {
		done <- err
		return
	}
	ticketCh <- ticket
	if err := wire.WriteClientAuthReply(conn, wire.ErrOK); err != nil {
		done <- err
		return
	}

	buf := make([]byte, 256)
	n, err := conn.Read(buf)
	if err != nil {
		done <- err
		return
	}
	forwardCh <- append([]byte(nil), buf[:n]...)

	if _, err := conn.Write(reply); err != nil {
		done <- err
		return
	}
	done <- nil
}

// TestSupervisorForwardsAuthenticatedSession exercises handleSecure end to
// end: client link+auth, console resolution, hypervisor dial and auth, and
// the forwarding loop carrying one frame each way, all without a real
// hypervisor or TLS listener.
func TestSupervisorForwardsAuthenticatedSession(t *testing.T) {
	hvLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("starting fake hypervisor listener: %v", err)
	}
	defer hvLn.Close()

	hvHost, hvPortStr, err := net.SplitHostPort(hvLn.Addr().String())
	if err != nil {
		t.Fatalf("splitting hypervisor address: %v", err)
	}
	hvPort, err := strconv.Atoi(hvPortStr)
	if err != nil {
		t.Fatalf("parsing hypervisor port: %v", err)
	}

	ticketCh := make(chan string, 1)
	forwardCh := make(chan []byte, 1)
	hvDone := make(chan error, 1)
	replyMsg := miniMessage(4242, []byte("hello-from-hypervisor"))
	go runFakeHypervisor(hvLn, ticketCh, forwardCh, replyMsg, hvDone)

	st := memstore.New()
	now := time.Now()
	tok := store.ConsoleToken{
		Token:     "zyxwvutsrqponmlkjihgfedcba543210",
		SessionID: "sess-fwd",
		Source:    "src-a",
		UUID:      "uuid-a",
		Created:   now.Unix(),
		Expires:   now.Add(time.Hour).Unix(),
	}
	if err := st.AddToken(context.Background(), tok); err != nil {
		t.Fatalf("seeding token: %v", err)
	}

	directory := fakeDirectory{hv: linkstate.Hypervisor{Host: hvHost, InsecurePort: hvPort}}
	tickets := fakeTickets{ticket: "tix-1"}
	sup := New(testLogger(), Options{Node: "node1"}, st, directory, tickets, nil, nil)

	clientConn, proxyConn := net.Pipe()
	defer clientConn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.handleSecure(ctx, proxyConn)

	writeClientLinkMess(t, clientConn, 7, wire.ChannelPlayback, 0)

	var head [16]byte
	if _, err := readFull(clientConn, head[:]); err != nil {
		t.Fatalf("reading link reply header: %v", err)
	}
	size := binary.LittleEndian.Uint32(head[12:16])
	body := make([]byte, size)
	if _, err := readFull(clientConn, body); err != nil {
		t.Fatalf("reading link reply body: %v", err)
	}
	pub, err := decodePub(body[4:166])
	if err != nil {
		t.Fatalf("decoding session public key: %v", err)
	}

	if err := writeClientAuthPacket(clientConn, pub, tok.Token); err != nil {
		t.Fatalf("writing auth packet: %v", err)
	}

	var authResp [4]byte
	if _, err := readFull(clientConn, authResp[:]); err != nil {
		t.Fatalf("reading auth reply: %v", err)
	}
	if code := wire.LinkError(binary.LittleEndian.Uint32(authResp[:])); code != wire.ErrOK {
		t.Fatalf("auth reply = %v, want ok", code)
	}

	select {
	case ticket := <-ticketCh:
		if ticket != tickets.ticket {
			t.Fatalf("hypervisor received ticket %q, want %q", ticket, tickets.ticket)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for hypervisor-side authentication")
	}

	clientMsg := miniMessage(1234, []byte("hello-from-client"))
	if _, err := clientConn.Write(clientMsg); err != nil {
		t.Fatalf("writing client channel message: %v", err)
	}

	select {
	case got := <-forwardCh:
		if !bytes.Equal(got, clientMsg) {
			t.Fatalf("hypervisor received %x, want %x", got, clientMsg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the client message to reach the hypervisor")
	}

	respBuf := make([]byte, len(replyMsg))
	if _, err := readFull(clientConn, respBuf); err != nil {
		t.Fatalf("reading forwarded hypervisor reply: %v", err)
	}
	if !bytes.Equal(respBuf, replyMsg) {
		t.Fatalf("client received %x, want %x", respBuf, replyMsg)
	}

	if err := <-hvDone; err != nil {
		t.Fatalf("fake hypervisor: %v", err)
	}
}

// TestHandleInsecureRedirects checks the plaintext port's only valid
// exchange: a need_secured reply, never a forwarded session.
func TestHandleInsecureRedirects(t *testing.T) {
	clientConn, proxyConn := net.Pipe()
	defer clientConn.Close()

	sup := New(testLogger(), Options{Node: "node1"}, memstore.New(), nil, nil, nil, nil)

	done := make(chan struct{})
	go func() {
		sup.handleInsecure(context.Background(), proxyConn)
		close(done)
	}()

	writeClientLinkMess(t, clientConn, 0, wire.ChannelMain, 0)

	var head [16]byte
	if _, err := readFull(clientConn, head[:]); err != nil {
		t.Fatalf("reading reply header: %v", err)
	}
	size := binary.LittleEndian.Uint32(head[12:16])
	body := make([]byte, size)
	if _, err := readFull(clientConn, body); err != nil {
		t.Fatalf("reading reply body: %v", err)
	}
	errCode := wire.LinkError(binary.LittleEndian.Uint32(body[0:4]))
	if errCode != wire.ErrNeedSecured {
		t.Fatalf("error code = %v, want need_secured", errCode)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handleInsecure did not return after redirecting")
	}
}

// TestReapStraysCancelsStaleWorker checks the maintenance loop's stray
// detection: a worker whose node has no matching ProxyChannel row, past
// strayGrace, gets its context cancelled.
func TestReapStraysCancelsStaleWorker(t *testing.T) {
	sup := New(testLogger(), Options{Node: "node1"}, memstore.New(), nil, nil, nil, nil)

	cancelled := make(chan struct{})
	sup.register(1, func() { close(cancelled) })
	sup.mu.Lock()
	sup.workers[1].started = time.Now().Add(-2 * strayGrace)
	sup.mu.Unlock()

	sup.reapStrays(context.Background())

	select {
	case <-cancelled:
	default:
		t.Fatal("reapStrays did not cancel a stray worker past strayGrace")
	}
}

// TestReapStraysLeavesFreshWorker checks that a worker younger than
// strayGrace survives even with no matching ProxyChannel row yet, since
// AuthenticateClient's RecordChannelInfo call always lands slightly after
// the worker is registered.
func TestReapStraysLeavesFreshWorker(t *testing.T) {
	sup := New(testLogger(), Options{Node: "node1"}, memstore.New(), nil, nil, nil, nil)

	cancelled := make(chan struct{})
	sup.register(1, func() { close(cancelled) })

	sup.reapStrays(context.Background())

	select {
	case <-cancelled:
		t.Fatal("reapStrays cancelled a worker younger than strayGrace")
	default:
	}
}
