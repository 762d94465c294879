package inspect

import (
	"encoding/binary"
	"strings"

	"github.com/shakenfist/kerbside-proxy/internal/corelog"
	"github.com/shakenfist/kerbside-proxy/internal/wire"
)

// PortInspector decodes a webdav/usbredir "port" channel, which is
// effectively a raw byte pipe carrying vmc_data/vmc_compressed_data frames
// rather than structured SPICE messages. The same logic applies in both
// directions.
type PortInspector struct {
	base
	server bool
}

// NewPortInspector returns a client-facing port channel inspector.
func NewPortInspector(log corelog.Logger, trafficInspect, trafficIntimate bool) *PortInspector {
	return &PortInspector{base: newBase(log, trafficInspect, trafficIntimate)}
}

// NewServerPortInspector returns a server-facing port channel inspector.
// The upstream implementation reuses the client packet class unmodified for
// the server leg, since vmc_data/vmc_compressed_data framing is symmetric.
func NewServerPortInspector(log corelog.Logger, trafficInspect, trafficIntimate bool) *PortInspector {
	return &PortInspector{base: newBase(log, trafficInspect, trafficIntimate), server: true}
}

// Inspect implements Inspector.
func (p *PortInspector) Inspect(buf []byte) Result {
	t, size, ok := readHeader(buf)
	if !ok {
		return None
	}

	var name string
	if p.server {
		name, _ = wire.ServerMessageName(wire.ChannelPort, t)
	} else {
		name, _ = wire.ClientMessageName(wire.ChannelPort, t)
	}
	if !haveFullMessage(buf, size) {
		return None
	}

	who := "client"
	if p.server {
		who = "server"
	}
	p.log.TLogf("%s sent %d byte opcode %d %s", who, size, t, name)

	var r Result
	var handled bool
	if p.server {
		r, handled = p.commonServer(buf, t, name, size)
	} else {
		r, handled = p.commonClient(buf, t, name, size)
	}
	if handled {
		return r
	}

	switch name {
	case "vmc_data":
		if size >= 12 {
			vmcType := binary.LittleEndian.Uint32(buf[6:10])
			vmcLen := binary.LittleEndian.Uint32(buf[10:14])
			vmcID := binary.LittleEndian.Uint32(buf[14:18])
			p.log.TLogf("VMC type %d, length %d, id %d", vmcType, vmcLen, vmcID)

			const vmcTypeHello = 0 // usb_redir_hello, per the usbredir wire protocol
			if vmcType == vmcTypeHello && size >= 12+64+4 {
				version := strings.TrimRight(string(buf[18:82]), "\x00")
				capabilities := binary.LittleEndian.Uint32(buf[82:86])
				p.log.TLogf("version: %s", version)
				p.log.TLogf("capabilities: %d", capabilities)
			} else {
				p.debugDump(buf[18:])
			}
		}

	case "vmc_compressed_data":
		p.log.TLog("vmc_compressed_data is not decoded")
		p.debugDump(buf[6:])

	default:
		p.debugDump(buf)
		p.log.TLogf("%s message type %d is undecoded", who, t)
	}

	return parsed(buf, int(6+size))
}
