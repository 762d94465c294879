package wire

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec // matches the fixed SPICE auth scheme under test
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"
)

func TestAuthRoundTrip(t *testing.T) {
	kp, err := GenerateSessionKeypair()
	if err != nil {
		t.Fatalf("GenerateSessionKeypair: %v", err)
	}

	clientConn, proxyConn := net.Pipe()
	defer clientConn.Close()
	defer proxyConn.Close()

	const token = "my-console-token"
	errCh := make(chan error, 1)
	go func() {
		ciphertext, encErr := rsa.EncryptOAEP(sha1.New(), rand.Reader, &kp.Private.PublicKey, append([]byte(token), 0), nil)
		if encErr != nil {
			errCh <- encErr
			return
		}
		packet := make([]byte, 4+encryptedAuthLen)
		binary.LittleEndian.PutUint32(packet[0:4], authMechanismSpice)
		copy(packet[4:], ciphertext)
		if _, werr := clientConn.Write(packet); werr != nil {
			errCh <- werr
			return
		}
		var resp [4]byte
		binary.LittleEndian.PutUint32(resp[:], uint32(ErrOK))
		if _, werr := clientConn.Write(resp[:]); werr != nil {
			errCh <- werr
			return
		}
		errCh <- nil
	}()

	got, err := ReadClientAuthPacket(proxyConn, kp.Private)
	if err != nil {
		t.Fatalf("ReadClientAuthPacket: %v", err)
	}
	if got != token {
		t.Errorf("decoded token = %q, want %q", got, token)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("writer goroutine: %v", err)
	}
}

func TestReadClientAuthPacketWrongMechanism(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(99))
	buf.Write(make([]byte, encryptedAuthLen))

	kp, err := GenerateSessionKeypair()
	if err != nil {
		t.Fatalf("GenerateSessionKeypair: %v", err)
	}
	_, err = ReadClientAuthPacket(&buf, kp.Private)
	if !errors.Is(err, ErrUnsupportedAuthMechanism) {
		t.Fatalf("expected ErrUnsupportedAuthMechanism, got %v", err)
	}
}

func TestWriteServerAuthPacketRejected(t *testing.T) {
	kp, err := GenerateSessionKeypair()
	if err != nil {
		t.Fatalf("GenerateSessionKeypair: %v", err)
	}

	serverConn, proxyConn := net.Pipe()
	defer serverConn.Close()
	defer proxyConn.Close()

	go func() {
		buf := make([]byte, 4+encryptedAuthLen)
		io.ReadFull(serverConn, buf)
		var resp [4]byte
		binary.LittleEndian.PutUint32(resp[:], uint32(ErrPermissionDenied))
		serverConn.Write(resp[:])
	}()

	err = WriteServerAuthPacket(proxyConn, &kp.Private.PublicKey, "bad-ticket")
	if !errors.Is(err, ErrBadAuthentication) {
		t.Fatalf("expected ErrBadAuthentication, got %v", err)
	}
}
