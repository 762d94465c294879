package inspect

import (
	"encoding/binary"

	"github.com/shakenfist/kerbside-proxy/internal/corelog"
	"github.com/shakenfist/kerbside-proxy/internal/wire"
)

// base holds the bits every per-channel inspector needs: somewhere to log
// trace output to, and the traffic-inspection switches that gate the
// display channel's frame mutation. Channel inspectors embed it rather than
// reimplementing common-message handling and debug dumping six times over.
type base struct {
	log             corelog.Logger
	trafficInspect  bool
	trafficIntimate bool
}

// debugDump logs a short hex preview of an undecoded or unrecognized
// message, capped well below the frame's full size.
func (b base) debugDump(buf []byte) {
	n := len(buf)
	if n > 64 {
		n = 64
	}
	b.log.TLogf("undecoded bytes: % x", buf[:n])
}

func newBase(log corelog.Logger, trafficInspect, trafficIntimate bool) base {
	return base{log: log, trafficInspect: trafficInspect, trafficIntimate: trafficIntimate}
}

// commonClient recognizes the message types shared by every client-facing
// channel: the zero-length channel ack, and ack_sync/ack/pong/
// migrate_flush_mark/migrate_data/disconnecting. The second return value is
// false if buf's message type was not one of these, in which case the
// per-channel caller should continue decoding its own message set.
func (b base) commonClient(buf []byte, t wire.MessageType, name string, size uint32) (Result, bool) {
	if size == 0 {
		r := parsed(buf, 6)
		if name == "ack" {
			// Display channels send a zero byte ack to pace frame delivery.
			r.Ack = true
		}
		return r, true
	}

	switch name {
	case "ack_sync":
		generation := binary.LittleEndian.Uint32(buf[6:10])
		b.log.TLogf("client acknowledges message acknowledgements with generation %d", generation)
		return parsed(buf, int(6+size)), true

	case "ack":
		generation := binary.LittleEndian.Uint32(buf[6:10])
		b.log.TLogf("client acknowledges message generation %d", generation)
		r := parsed(buf, int(6+size))
		r.Ack = true
		return r, true

	case "pong":
		id := binary.LittleEndian.Uint32(buf[6:10])
		ts := binary.LittleEndian.Uint64(buf[10:18])
		b.log.TLogf("pong id %d, timestamp %d", id, ts)
		return parsed(buf, int(6+size)), true

	case "migrate_flush_mark":
		return parsed(buf, int(6+size)), true

	case "migrate_data":
		b.log.TLog("migrate data")
		return parsed(buf, int(6+size)), true

	case "disconnecting":
		ts := binary.LittleEndian.Uint64(buf[6:14])
		reason := wire.LinkError(binary.LittleEndian.Uint32(buf[14:18]))
		b.log.TLogf("server at %d said disconnect for reason %q", ts, reason)
		return parsed(buf, int(6+size)), true
	}

	return Result{}, false
}

// commonServer is commonClient's server-facing counterpart: migrate,
// migrate_data, set_ack, ping, wait_for_channels, disconnecting and notify.
func (b base) commonServer(buf []byte, t wire.MessageType, name string, size uint32) (Result, bool) {
	if size == 0 {
		return parsed(buf, 6), true
	}

	switch name {
	case "migrate":
		flags := binary.LittleEndian.Uint32(buf[6:10])
		b.log.TLogf("migrate with flags %d", flags)
		return parsed(buf, int(6+size)), true

	case "migrate_data":
		b.log.TLog("migrate data")
		return parsed(buf, int(6+size)), true

	case "set_ack":
		generation := binary.LittleEndian.Uint32(buf[6:10])
		window := binary.LittleEndian.Uint32(buf[10:14])
		b.log.TLogf("server requests message acknowledgements with generation %d and window %d", generation, window)
		return parsed(buf, int(6+size)), true

	case "ping":
		id := binary.LittleEndian.Uint32(buf[6:10])
		ts := binary.LittleEndian.Uint64(buf[10:18])
		b.log.TLogf("ping id %d, timestamp %d", id, ts)
		return parsed(buf, int(6+size)), true

	case "wait_for_channels":
		b.log.TLog("server requests client wait for channel traffic")
		return parsed(buf, int(6+size)), true

	case "disconnecting":
		ts := binary.LittleEndian.Uint64(buf[6:14])
		reason := wire.LinkError(binary.LittleEndian.Uint32(buf[14:18]))
		b.log.TLogf("server at %d said disconnect for reason %q", ts, reason)
		return parsed(buf, int(6+size)), true

	case "notify":
		ts := binary.LittleEndian.Uint64(buf[6:14])
		severity := wire.NotifySeverity(binary.LittleEndian.Uint32(buf[14:18]))
		visibility := wire.NotifyVisibility(binary.LittleEndian.Uint32(buf[18:22]))
		what := binary.LittleEndian.Uint32(buf[22:26])
		msgLen := binary.LittleEndian.Uint32(buf[26:30])
		b.log.TLogf("message from %d with %s severity, %s visibility and %d topic",
			ts, severity, visibility, what)
		if int(30+msgLen) <= len(buf) {
			b.log.TLogf("message content: %s", string(buf[30:30+msgLen]))
		}
		return parsed(buf, int(6+size)), true
	}

	return Result{}, false
}

// readHeader decodes the mini header at the front of buf without
// consuming anything, returning false if buf is too short to even hold a
// header yet.
func readHeader(buf []byte) (t wire.MessageType, size uint32, ok bool) {
	if len(buf) < wire.MiniHeaderSize {
		return 0, 0, false
	}
	return wire.MessageType(binary.LittleEndian.Uint16(buf[0:2])), binary.LittleEndian.Uint32(buf[2:6]), true
}

// haveFullMessage reports whether buf holds size bytes of payload after
// the mini header.
func haveFullMessage(buf []byte, size uint32) bool {
	return uint64(wire.MiniHeaderSize)+uint64(size) <= uint64(len(buf))
}
