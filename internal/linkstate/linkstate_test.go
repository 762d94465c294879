package linkstate

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec // matches SPICE's fixed RSA-OAEP-SHA1 auth packet
	"crypto/x509"
	"encoding/binary"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/shakenfist/kerbside-proxy/internal/corelog"
	"github.com/shakenfist/kerbside-proxy/internal/store"
	"github.com/shakenfist/kerbside-proxy/internal/store/memstore"
	"github.com/shakenfist/kerbside-proxy/internal/wire"
)

func decodePub(der []byte) (*rsa.PublicKey, error) {
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, err
	}
	return pub.(*rsa.PublicKey), nil
}

// writeClientAuthPacket plays the connecting SPICE client's half of the
// auth exchange: encrypt ticket+NUL under the session public key the
// proxy just issued, and send the mechanism+ciphertext packet.
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

func testLogger() corelog.Logger {
	return corelog.NewLogger("test", corelog.LogLevelTrace, false)
}

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

func TestAwaitClientLinkRedirects(t *testing.T) {
	client, proxy := net.Pipe()
	defer client.Close()
	defer proxy.Close()

	done := make(chan error, 1)
	go func() {
		done <- AwaitClientLink(proxy)
	}()

	writeClientLinkMess(t, client, 0, wire.ChannelMain, 0)

	var head [16]byte
	if _, err := readFull(client, head[:]); err != nil {
		t.Fatalf("reading reply header: %v", err)
	}
	size := binary.LittleEndian.Uint32(head[12:16])
	body := make([]byte, size)
	if _, err := readFull(client, body); err != nil {
		t.Fatalf("reading reply body: %v", err)
	}
	errCode := wire.LinkError(binary.LittleEndian.Uint32(body[0:4]))
	if errCode != wire.ErrNeedSecured {
		t.Fatalf("error code = %v, want need_secured", errCode)
	}

	if err := <-done; !errors.Is(err, ErrConnectionRedirected) {
		t.Fatalf("AwaitClientLink returned %v, want ErrConnectionRedirected", err)
	}
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

func TestAuthenticateClientUnknownToken(t *testing.T) {
	client, proxy := net.Pipe()
	defer client.Close()
	defer proxy.Close()

	st := memstore.New()
	log := testLogger()

	result := make(chan error, 1)
	go func() {
		_, err := AuthenticateClient(context.Background(), proxy, st, log, "node1", 1, "10.0.0.1", 12345)
		result <- err
	}()

	writeClientLinkMess(t, client, 42, wire.ChannelMain, 0)

	var head [16]byte
	readFull(client, head[:])
	size := binary.LittleEndian.Uint32(head[12:16])
	body := make([]byte, size)
	readFull(client, body)

	pubDER := body[4:166]
	pub, err := decodePub(pubDER)
	if err != nil {
		t.Fatalf("decoding session public key: %v", err)
	}

	if err := writeClientAuthPacket(client, pub, "not-a-real-token"); err != nil {
		t.Fatalf("writing auth packet: %v", err)
	}

	var respBuf [4]byte
	readFull(client, respBuf[:])
	errCode := wire.LinkError(binary.LittleEndian.Uint32(respBuf[:]))
	if errCode != wire.ErrPermissionDenied {
		t.Fatalf("auth error code = %v, want permission_denied", errCode)
	}

	if err := <-result; !errors.Is(err, ErrConnectionDeclined) {
		t.Fatalf("AuthenticateClient returned %v, want ErrConnectionDeclined", err)
	}
}

func TestAuthenticateClientValidToken(t *testing.T) {
	client, proxy := net.Pipe()
	defer client.Close()
	defer proxy.Close()

	st := memstore.New()
	now := time.Now()
	tok := store.ConsoleToken{
		Token:     "abcdefghijklmnopqrstuvwxyz012345",
		SessionID: "sess-1",
		Source:    "src-a",
		UUID:      "uuid-a",
		Created:   now.Unix(),
		Expires:   now.Add(time.Hour).Unix(),
	}
	if err := st.AddToken(context.Background(), tok); err != nil {
		t.Fatalf("seeding token: %v", err)
	}
	log := testLogger()

	result := make(chan *Session, 1)
	errCh := make(chan error, 1)
	go func() {
		sess, err := AuthenticateClient(context.Background(), proxy, st, log, "node1", 7, "10.0.0.2", 5555)
		result <- sess
		errCh <- err
	}()

	writeClientLinkMess(t, client, 99, wire.ChannelMain, 0)

	var head [16]byte
	readFull(client, head[:])
	size := binary.LittleEndian.Uint32(head[12:16])
	body := make([]byte, size)
	readFull(client, body)
	pubDER := body[4:166]
	pub, err := decodePub(pubDER)
	if err != nil {
		t.Fatalf("decoding session public key: %v", err)
	}

	if err := writeClientAuthPacket(client, pub, tok.Token); err != nil {
		t.Fatalf("writing auth packet: %v", err)
	}

	var respBuf [4]byte
	readFull(client, respBuf[:])
	errCode := wire.LinkError(binary.LittleEndian.Uint32(respBuf[:]))
	if errCode != wire.ErrOK {
		t.Fatalf("auth error code = %v, want ok", errCode)
	}

	sess := <-result
	if err := <-errCh; err != nil {
		t.Fatalf("AuthenticateClient returned error: %v", err)
	}
	if sess.Token.SessionID != "sess-1" {
		t.Fatalf("session id = %q, want sess-1", sess.Token.SessionID)
	}

	channels, err := st.GetNodeChannels(context.Background(), "node1")
	if err != nil {
		t.Fatalf("GetNodeChannels: %v", err)
	}
	if len(channels) != 1 || channels[0].SessionID != "sess-1" {
		t.Fatalf("expected one recorded channel for sess-1, got %+v", channels)
	}
}
