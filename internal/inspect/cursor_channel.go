package inspect

import (
	"encoding/binary"

	"github.com/shakenfist/kerbside-proxy/internal/corelog"
	"github.com/shakenfist/kerbside-proxy/internal/wire"
)

// CursorInspector decodes the client->server leg of the cursor channel,
// which carries only the shared common-message set - clients never send
// cursor-specific messages of their own.
type CursorInspector struct{ base }

// NewCursorInspector returns a client-facing cursor channel inspector.
func NewCursorInspector(log corelog.Logger, trafficInspect, trafficIntimate bool) *CursorInspector {
	return &CursorInspector{newBase(log, trafficInspect, trafficIntimate)}
}

// Inspect implements Inspector.
func (c *CursorInspector) Inspect(buf []byte) Result {
	t, size, ok := readHeader(buf)
	if !ok {
		return None
	}
	name, _ := wire.ClientMessageName(wire.ChannelCursor, t)
	if !haveFullMessage(buf, size) {
		return None
	}
	c.log.TLogf("client sent %d byte opcode %d %s", size, t, name)

	if r, handled := c.commonClient(buf, t, name, size); handled {
		return r
	}

	c.debugDump(buf)
	c.log.TLogf("client message type %d is undecoded", t)
	return parsed(buf, int(6+size))
}

// ServerCursorInspector decodes the server->client leg of the cursor
// channel: init, reset, set, move, hide, trail, invalidate_one and
// invalidate_all, plus the shared common-message set. Cursor shape bitmaps
// themselves are never decoded.
type ServerCursorInspector struct{ base }

// NewServerCursorInspector returns a server-facing cursor channel inspector.
func NewServerCursorInspector(log corelog.Logger, trafficInspect, trafficIntimate bool) *ServerCursorInspector {
	return &ServerCursorInspector{newBase(log, trafficInspect, trafficIntimate)}
}

func (c *ServerCursorInspector) decodeCursorHeader(buf []byte, offset int) {
	if offset+18 > len(buf) {
		return
	}
	flags := binary.LittleEndian.Uint32(buf[offset : offset+4])
	uniqueID := binary.LittleEndian.Uint64(buf[offset+4 : offset+12])
	cursorType := binary.LittleEndian.Uint16(buf[offset+12 : offset+14])
	width := binary.LittleEndian.Uint16(buf[offset+14 : offset+16])
	height := binary.LittleEndian.Uint16(buf[offset+16 : offset+18])
	c.log.TLogf("cursor flags %d, id %d, type %d, size %dx%d", flags, uniqueID, cursorType, width, height)
}

// Inspect implements Inspector.
func (c *ServerCursorInspector) Inspect(buf []byte) Result {
	t, size, ok := readHeader(buf)
	if !ok {
		return None
	}
	name, _ := wire.ServerMessageName(wire.ChannelCursor, t)
	if !haveFullMessage(buf, size) {
		return None
	}
	c.log.TLogf("server sent %d byte opcode %d %s", size, t, name)

	if r, handled := c.commonServer(buf, t, name, size); handled {
		return r
	}

	switch name {
	case "init":
		if c.trafficIntimate && size >= 9 {
			x := binary.LittleEndian.Uint16(buf[6:8])
			y := binary.LittleEndian.Uint16(buf[8:10])
			trailLen := binary.LittleEndian.Uint16(buf[10:12])
			trailFreq := binary.LittleEndian.Uint16(buf[12:14])
			visible := buf[14] != 0
			c.log.TLogf("init at %d,%d with trail length %d, frequency %d, trail visible %v",
				x, y, trailLen, trailFreq, visible)
			if size >= 9+21 {
				c.decodeCursorHeader(buf, 6+9)
			} else {
				c.log.TLog("message too small to decode cursor shape header")
			}
		} else {
			c.log.TLog("init")
		}

	case "reset":
		c.log.TLog("reset")

	case "set":
		if c.trafficIntimate && size >= 5 {
			x := binary.LittleEndian.Uint16(buf[6:8])
			y := binary.LittleEndian.Uint16(buf[8:10])
			visible := buf[10] != 0
			c.log.TLogf("set at %d,%d cursor visible %v", x, y, visible)
		} else {
			c.log.TLog("set")
		}

	case "move":
		if c.trafficIntimate && size >= 4 {
			x := binary.LittleEndian.Uint16(buf[6:8])
			y := binary.LittleEndian.Uint16(buf[8:10])
			c.log.TLogf("move to %d,%d", x, y)
		} else {
			c.log.TLog("move")
		}

	case "hide":
		c.log.TLog("hide")

	case "trail":
		if size >= 4 {
			trailLen := binary.LittleEndian.Uint16(buf[6:8])
			trailFreq := binary.LittleEndian.Uint16(buf[8:10])
			c.log.TLogf("trail length %d, frequency %d", trailLen, trailFreq)
		}

	case "invalidate_one":
		if size >= 8 {
			cursorID := binary.LittleEndian.Uint64(buf[6:14])
			c.log.TLogf("invalidate cursor %d", cursorID)
		}

	case "invalidate_all":
		c.log.TLog("invalidate all cursors")

	default:
		c.debugDump(buf)
		c.log.TLogf("server message type %d is undecoded", t)
	}

	return parsed(buf, int(6+size))
}
