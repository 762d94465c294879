package inspect

import (
	"github.com/shakenfist/kerbside-proxy/internal/corelog"
	"github.com/shakenfist/kerbside-proxy/internal/wire"
)

// UnknownInspector decodes a channel whose type this proxy does not model
// in detail (playback, record, usbredir, webdav, tunnel): only the
// channel-common message set is recognized, and everything else passes
// through unexamined.
type UnknownInspector struct {
	base
	server bool
}

// NewUnknownInspector returns a client-facing inspector for an unmodeled
// channel type.
func NewUnknownInspector(log corelog.Logger, trafficInspect, trafficIntimate bool) *UnknownInspector {
	return &UnknownInspector{base: newBase(log, trafficInspect, trafficIntimate)}
}

// NewServerUnknownInspector returns a server-facing inspector for an
// unmodeled channel type.
func NewServerUnknownInspector(log corelog.Logger, trafficInspect, trafficIntimate bool) *UnknownInspector {
	return &UnknownInspector{base: newBase(log, trafficInspect, trafficIntimate), server: true}
}

// Inspect implements Inspector.
func (u *UnknownInspector) Inspect(buf []byte) Result {
	t, size, ok := readHeader(buf)
	if !ok {
		return None
	}
	// There is no per-channel message table for an unmodeled channel
	// type, so only the messages common to every channel are named; the
	// rest are numbered but otherwise unidentified, exactly as the
	// common message maps report them for ChannelType(0).
	var name string
	var handled bool
	var r Result
	if !haveFullMessage(buf, size) {
		return None
	}
	if u.server {
		name, _ = wire.ServerMessageName(0, t)
		r, handled = u.commonServer(buf, t, name, size)
	} else {
		name, _ = wire.ClientMessageName(0, t)
		r, handled = u.commonClient(buf, t, name, size)
	}

	who := "client"
	if u.server {
		who = "server"
	}
	u.log.TLogf("%s sent %d byte opcode %d %s", who, size, t, name)

	if handled {
		return r
	}

	u.debugDump(buf)
	u.log.TLogf("%s message type %d is undecoded", who, t)
	return parsed(buf, int(6+size))
}
