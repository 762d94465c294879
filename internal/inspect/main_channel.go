package inspect

import (
	"encoding/binary"

	"github.com/shakenfist/kerbside-proxy/internal/corelog"
	"github.com/shakenfist/kerbside-proxy/internal/wire"
)

// MainInspector decodes the client->server leg of the main channel:
// attach_channels, plus whatever the shared common-message set recognizes.
type MainInspector struct{ base }

// NewMainInspector returns a client-facing main channel inspector.
func NewMainInspector(log corelog.Logger, trafficInspect, trafficIntimate bool) *MainInspector {
	return &MainInspector{newBase(log, trafficInspect, trafficIntimate)}
}

// Inspect implements Inspector.
func (m *MainInspector) Inspect(buf []byte) Result {
	t, size, ok := readHeader(buf)
	if !ok {
		return None
	}
	name, _ := wire.ClientMessageName(wire.ChannelMain, t)
	if !haveFullMessage(buf, size) {
		return None
	}
	m.log.TLogf("client sent %d byte opcode %d %s", size, t, name)

	if r, handled := m.commonClient(buf, t, name, size); handled {
		return r
	}

	switch name {
	case "attach_channels":
		m.log.TLog("attach channels")
	case "":
		m.debugDump(buf)
		m.log.TLogf("client message type %d is unknown", t)
	default:
		m.debugDump(buf)
		m.log.TLogf("client message type %d is undecoded", t)
	}
	return parsed(buf, int(6+size))
}

// ServerMainInspector decodes the server->client leg of the main channel:
// init (session parameters) and channels_list, plus the shared
// common-message set.
type ServerMainInspector struct{ base }

// NewServerMainInspector returns a server-facing main channel inspector.
func NewServerMainInspector(log corelog.Logger, trafficInspect, trafficIntimate bool) *ServerMainInspector {
	return &ServerMainInspector{newBase(log, trafficInspect, trafficIntimate)}
}

// Inspect implements Inspector.
func (m *ServerMainInspector) Inspect(buf []byte) Result {
	t, size, ok := readHeader(buf)
	if !ok {
		return None
	}
	name, _ := wire.ServerMessageName(wire.ChannelMain, t)
	if !haveFullMessage(buf, size) {
		return None
	}
	m.log.TLogf("server sent %d byte opcode %d %s", size, t, name)

	if r, handled := m.commonServer(buf, t, name, size); handled {
		return r
	}

	switch name {
	case "init":
		if size >= 32 {
			sessionID := binary.LittleEndian.Uint32(buf[6:10])
			displayHint := binary.LittleEndian.Uint32(buf[10:14])
			mouseModes := binary.LittleEndian.Uint32(buf[14:18])
			curMouseMode := binary.LittleEndian.Uint32(buf[18:22])
			agentConnected := binary.LittleEndian.Uint32(buf[22:26])
			agentTokens := binary.LittleEndian.Uint32(buf[26:30])
			multiMediaTime := binary.LittleEndian.Uint32(buf[30:34])
			m.log.TLogf("session id %d, display channels hint %d, mouse modes %d, "+
				"current mouse mode %d, agent connected %d, agent tokens %d, multimedia time %d",
				sessionID, displayHint, mouseModes, curMouseMode, agentConnected, agentTokens, multiMediaTime)
		}

	case "channels_list":
		if size >= 4 {
			numChannels := binary.LittleEndian.Uint32(buf[6:10])
			m.log.TLogf("there are %d channels", numChannels)
			for i := uint32(0); i < numChannels; i++ {
				offset := 10 + 2*i
				if int(offset+2) > len(buf) {
					break
				}
				chanType := wire.ChannelType(buf[offset])
				chanID := buf[offset+1]
				m.log.TLogf("channel %d is type %s and id %d", i, chanType, chanID)
			}
		}

	case "":
		m.debugDump(buf)
		m.log.TLogf("server message type %d is unknown", t)

	default:
		m.debugDump(buf)
		m.log.TLogf("server message type %d is undecoded", t)
	}

	return parsed(buf, int(6+size))
}
