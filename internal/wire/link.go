package wire

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Magic is the fixed 4-byte SPICE protocol magic value.
var Magic = [4]byte{'R', 'E', 'D', 'Q'}

// ProtocolMajor and ProtocolMinor are the SPICE wire protocol version this
// proxy speaks on both legs.
const (
	ProtocolMajor uint32 = 2
	ProtocolMinor uint32 = 2
)

// pubKeyWireLen is the fixed width of the pubkey field in a SpiceLinkReply:
// the DER-encoded SubjectPublicKeyInfo of a 1024-bit RSA key.
const pubKeyWireLen = 162

// Sentinel errors mirroring the upstream SPICE link-handshake exception
// hierarchy; callers use errors.Is/errors.As to branch on them.
var (
	ErrBadMagic        = errors.New("wire: incorrect protocol magic")
	ErrBadMajor        = errors.New("wire: incorrect protocol major version")
	ErrBadMinor        = errors.New("wire: incorrect protocol minor version")
	ErrHandshakeFailed = errors.New("wire: handshake failed")
	ErrRetrySecured    = errors.New("wire: server requested the secured port")
	ErrRunt            = errors.New("wire: truncated link message")
)

// LinkHeader is the 16-byte header common to SpiceLinkMess and
// SpiceLinkReply.
type LinkHeader struct {
	Magic [4]byte
	Major uint32
	Minor uint32
	Size  uint32
}

func readLinkHeader(r io.Reader) (LinkHeader, error) {
	var raw [16]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return LinkHeader{}, fmt.Errorf("wire: reading link header: %w", err)
	}
	var h LinkHeader
	copy(h.Magic[:], raw[0:4])
	h.Major = binary.LittleEndian.Uint32(raw[4:8])
	h.Minor = binary.LittleEndian.Uint32(raw[8:12])
	h.Size = binary.LittleEndian.Uint32(raw[12:16])
	return h, nil
}

func (h LinkHeader) validate() error {
	if h.Magic != Magic {
		return fmt.Errorf("%w: got %q", ErrBadMagic, h.Magic)
	}
	if h.Major != ProtocolMajor {
		return fmt.Errorf("%w: got %d", ErrBadMajor, h.Major)
	}
	if h.Minor != ProtocolMinor {
		return fmt.Errorf("%w: got %d", ErrBadMinor, h.Minor)
	}
	return nil
}

// ClientLinkMess is the decoded SpiceLinkMess sent by a connecting client
// (viewer), selecting the channel it wants and advertising capabilities.
type ClientLinkMess struct {
	ConnectionID   uint32
	ChannelType    ChannelType
	ChannelID      uint8
	NumCommonCaps  uint32
	NumChannelCaps uint32
	Capabilities   []byte // raw 4-byte words, NumCommonCaps+NumChannelCaps of them
}

// ReadClientLinkMess reads and validates a SpiceLinkMess from a connecting
// client. It does not attempt partial reads across short frames: the caller
// is expected to be reading from a buffered, blocking net.Conn.
func ReadClientLinkMess(r io.Reader) (*ClientLinkMess, error) {
	hdr, err := readLinkHeader(r)
	if err != nil {
		return nil, err
	}
	if err := hdr.validate(); err != nil {
		return nil, err
	}

	body := make([]byte, hdr.Size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrRunt, err)
	}
	if len(body) < 20 {
		return nil, fmt.Errorf("%w: link mess body too short", ErrRunt)
	}

	m := &ClientLinkMess{
		ConnectionID:   binary.LittleEndian.Uint32(body[0:4]),
		ChannelType:    ChannelType(body[4]),
		ChannelID:      body[5],
		NumCommonCaps:  binary.LittleEndian.Uint32(body[6:10]),
		NumChannelCaps: binary.LittleEndian.Uint32(body[10:14]),
	}
	capsOffset := binary.LittleEndian.Uint32(body[14:18])
	capsLen := 4 * (m.NumCommonCaps + m.NumChannelCaps)
	start := int(capsOffset)
	end := start + int(capsLen)
	if start < 0 || end > len(body) || start > end {
		return nil, fmt.Errorf("%w: capability vector out of range", ErrRunt)
	}
	m.Capabilities = append([]byte(nil), body[start:end]...)
	return m, nil
}

// WriteRedirectToSecureReply writes a SpiceLinkReply with error need_secured
// and a zeroed pubkey, telling the client to reconnect on the TLS port.
func WriteRedirectToSecureReply(w io.Writer) error {
	buf := new(bytes.Buffer)
	writeHeader(buf, uint32(pubKeyWireLen+16))
	binary.Write(buf, binary.LittleEndian, uint32(ErrNeedSecured))
	buf.Write(make([]byte, pubKeyWireLen))
	binary.Write(buf, binary.LittleEndian, uint32(0))
	binary.Write(buf, binary.LittleEndian, uint32(0))
	binary.Write(buf, binary.LittleEndian, uint32(0))
	_, err := w.Write(buf.Bytes())
	return err
}

func writeHeader(buf *bytes.Buffer, size uint32) {
	buf.Write(Magic[:])
	binary.Write(buf, binary.LittleEndian, ProtocolMajor)
	binary.Write(buf, binary.LittleEndian, ProtocolMinor)
	binary.Write(buf, binary.LittleEndian, size)
}

// SessionKeypair is the per-session RSA keypair the proxy substitutes for
// the real server's, so it can observe (and, if TRAFFIC_INSPECTION is on,
// decrypt) the client's plaintext console token before forwarding a
// re-encrypted ticket on to the real VDI server.
type SessionKeypair struct {
	Private   *rsa.PrivateKey
	PublicDER []byte
}

// GenerateSessionKeypair creates a fresh 1024-bit RSA keypair. SPICE's
// wire format fixes the pubkey field at 162 bytes, which is exactly the DER
// SubjectPublicKeyInfo size for a 1024-bit RSA modulus with the standard
// exponent 65537 — a larger key would not fit the frame.
func GenerateSessionKeypair() (*SessionKeypair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		return nil, fmt.Errorf("wire: generating session keypair: %w", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("wire: marshaling session public key: %w", err)
	}
	if len(der) != pubKeyWireLen {
		return nil, fmt.Errorf("wire: session public key DER is %d bytes, expected %d", len(der), pubKeyWireLen)
	}
	return &SessionKeypair{Private: priv, PublicDER: der}, nil
}

// WriteLinkReplyOK writes a successful SpiceLinkReply carrying kp's public
// key and this proxy's fixed default capability set, so the client will
// encrypt its console token to a key only the proxy can decrypt.
func WriteLinkReplyOK(w io.Writer, kp *SessionKeypair) error {
	buf := new(bytes.Buffer)
	writeHeader(buf, uint32(pubKeyWireLen+16+8))
	binary.Write(buf, binary.LittleEndian, uint32(ErrOK))
	buf.Write(kp.PublicDER)
	binary.Write(buf, binary.LittleEndian, uint32(1))
	binary.Write(buf, binary.LittleEndian, uint32(1))
	binary.Write(buf, binary.LittleEndian, uint32(pubKeyWireLen+16))
	binary.Write(buf, binary.LittleEndian, DefaultCommonCaps)
	binary.Write(buf, binary.LittleEndian, DefaultChannelCaps)
	_, err := w.Write(buf.Bytes())
	return err
}

// WriteServerLinkMess sends a SpiceLinkMess to the real VDI server on the
// proxy's outbound leg, echoing the connection id/channel this leg is for.
// numCommonCaps/numChannelCaps/capWords are passed through verbatim from
// the capabilities the connecting client actually advertised (capWords is
// the raw 4-byte-word vector, len(capWords) == 4*(numCommonCaps+numChannelCaps)),
// since the hypervisor must see the same capability set the client
// negotiated, not this proxy's own defaults.
func WriteServerLinkMess(w io.Writer, connectionID uint32, channelType ChannelType, channelID uint8, numCommonCaps, numChannelCaps uint32, capWords []byte) error {
	if len(capWords) != int(4*(numCommonCaps+numChannelCaps)) {
		return fmt.Errorf("wire: capability vector is %d bytes, expected %d", len(capWords), 4*(numCommonCaps+numChannelCaps))
	}
	buf := new(bytes.Buffer)
	writeHeader(buf, uint32(18+len(capWords)))
	binary.Write(buf, binary.LittleEndian, connectionID)
	buf.WriteByte(byte(channelType))
	buf.WriteByte(channelID)
	binary.Write(buf, binary.LittleEndian, numCommonCaps)
	binary.Write(buf, binary.LittleEndian, numChannelCaps)
	binary.Write(buf, binary.LittleEndian, uint32(18))
	buf.Write(capWords)
	_, err := w.Write(buf.Bytes())
	return err
}

// ServerLinkReply is the decoded SpiceLinkReply received from the real VDI
// server on the proxy's outbound leg.
type ServerLinkReply struct {
	PublicKey    *rsa.PublicKey
	Capabilities []byte
}

// ReadServerLinkReply reads a SpiceLinkReply from the real VDI server. It
// returns ErrRetrySecured (wrapped) if the server demands the secured port,
// matching the upstream RetrySecured control-flow signal.
func ReadServerLinkReply(r io.Reader) (*ServerLinkReply, error) {
	var head [20]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrHandshakeFailed, err)
	}
	var hdr LinkHeader
	copy(hdr.Magic[:], head[0:4])
	hdr.Major = binary.LittleEndian.Uint32(head[4:8])
	hdr.Minor = binary.LittleEndian.Uint32(head[8:12])
	hdr.Size = binary.LittleEndian.Uint32(head[12:16])
	if err := hdr.validate(); err != nil {
		return nil, err
	}
	errCode := LinkError(binary.LittleEndian.Uint32(head[16:20]))
	if errCode != ErrOK {
		if errCode == ErrNeedSecured {
			return nil, ErrRetrySecured
		}
		return nil, fmt.Errorf("wire: server returned %s during handshake", errCode)
	}

	rest := make([]byte, hdr.Size-4)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrRunt, err)
	}
	if len(rest) < pubKeyWireLen+12 {
		return nil, fmt.Errorf("%w: server link reply body too short", ErrRunt)
	}

	pubkeyRaw := rest[0:pubKeyWireLen]
	numCommonCaps := binary.LittleEndian.Uint32(rest[pubKeyWireLen : pubKeyWireLen+4])
	numChannelCaps := binary.LittleEndian.Uint32(rest[pubKeyWireLen+4 : pubKeyWireLen+8])
	capsOffset := binary.LittleEndian.Uint32(rest[pubKeyWireLen+8 : pubKeyWireLen+12])

	capStart := int(capsOffset) - 4 // capsOffset is relative to the 16-byte header, rest starts at byte 4 (error)
	capLen := int(4 * (numCommonCaps + numChannelCaps))
	if capStart < 0 || capStart+capLen > len(rest) {
		return nil, fmt.Errorf("%w: capability vector out of range", ErrRunt)
	}

	pub, err := decodeServerPubkey(pubkeyRaw)
	if err != nil {
		return nil, err
	}
	return &ServerLinkReply{
		PublicKey:    pub,
		Capabilities: append([]byte(nil), rest[capStart:capStart+capLen]...),
	}, nil
}

// decodeServerPubkey parses the fixed 162-byte raw DER pubkey field carried
// by a SpiceLinkReply. The wire field is already raw DER; Go's x509 parser
// can consume it directly without the base64/PEM wrapping step upstream
// uses purely to satisfy its own library's PEM-only loader.
func decodeServerPubkey(raw []byte) (*rsa.PublicKey, error) {
	pub, err := x509.ParsePKIXPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("wire: parsing server public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("wire: server public key is not RSA")
	}
	return rsaPub, nil
}
