package wire

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec // SPICE's RSA-OAEP auth packet is fixed to SHA-1, not our choice
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// authMechanismSpice is the only auth mechanism this proxy ever negotiates
// (AuthSpice, i.e. RSA-OAEP-SHA1 encrypted password/ticket).
const authMechanismSpice = 1

// encryptedAuthLen is the ciphertext length produced by OAEP-SHA1 over a
// 1024-bit RSA key, and thus the fixed size of the client auth packet's
// payload field.
const encryptedAuthLen = 128

// Sentinel errors for the auth exchange.
var (
	ErrBadAuthentication      = errors.New("wire: authentication failed")
	ErrAuthenticationDisconnect = errors.New("wire: peer disconnected during authentication")
	ErrUnsupportedAuthMechanism = errors.New("wire: unsupported auth mechanism")
)

// ReadClientAuthPacket reads the client's auth packet (mechanism + 128-byte
// RSA-OAEP-SHA1 ciphertext) and decrypts it with priv, the session keypair
// this proxy substituted for the real server's during the link handshake.
// The returned string is the plaintext console token with its trailing
// NUL terminator stripped.
func ReadClientAuthPacket(r io.Reader, priv *rsa.PrivateKey) (string, error) {
	var mechBuf [4]byte
	if _, err := io.ReadFull(r, mechBuf[:]); err != nil {
		return "", fmt.Errorf("%w: %s", ErrAuthenticationDisconnect, err)
	}
	mechanism := binary.LittleEndian.Uint32(mechBuf[:])
	if mechanism != authMechanismSpice {
		return "", fmt.Errorf("%w: %d", ErrUnsupportedAuthMechanism, mechanism)
	}

	ciphertext := make([]byte, encryptedAuthLen)
	if _, err := io.ReadFull(r, ciphertext); err != nil {
		return "", fmt.Errorf("%w: %s", ErrAuthenticationDisconnect, err)
	}

	plaintext, err := rsa.DecryptOAEP(sha1.New(), rand.Reader, priv, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrBadAuthentication, err)
	}
	return trimNUL(plaintext), nil
}

// WriteClientAuthReply sends the 4-byte auth result code to the
// client-facing connection, concluding the AwaitPassword state.
func WriteClientAuthReply(w io.Writer, code LinkError) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(code))
	_, err := w.Write(buf[:])
	return err
}

func trimNUL(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// WriteServerAuthPacket encrypts ticket under pub (the real VDI server's
// public key, learned from its SpiceLinkReply) and sends the resulting
// auth packet, then reads and interprets the server's 4-byte error
// response.
func WriteServerAuthPacket(rw io.ReadWriter, pub *rsa.PublicKey, ticket string) error {
	plaintext := append([]byte(ticket), 0)
	ciphertext, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, pub, plaintext, nil)
	if err != nil {
		return fmt.Errorf("wire: encrypting server ticket: %w", err)
	}
	if len(ciphertext) != encryptedAuthLen {
		return fmt.Errorf("%w: encrypted ticket was %d bytes, not %d", ErrBadAuthentication, len(ciphertext), encryptedAuthLen)
	}

	packet := make([]byte, 4+encryptedAuthLen)
	binary.LittleEndian.PutUint32(packet[0:4], authMechanismSpice)
	copy(packet[4:], ciphertext)
	if _, err := rw.Write(packet); err != nil {
		return fmt.Errorf("wire: sending server auth packet: %w", err)
	}

	var respBuf [4]byte
	n, err := io.ReadFull(rw, respBuf[:])
	if n == 0 {
		return fmt.Errorf("%w: no response to authentication attempt", ErrAuthenticationDisconnect)
	}
	if err != nil {
		return fmt.Errorf("%w: %s", ErrAuthenticationDisconnect, err)
	}
	if errCode := LinkError(binary.LittleEndian.Uint32(respBuf[:])); errCode != ErrOK {
		return fmt.Errorf("%w: server returned %s during authentication", ErrBadAuthentication, errCode)
	}
	return nil
}
