package inspect

import (
	"encoding/binary"

	"github.com/shakenfist/kerbside-proxy/internal/corelog"
	"github.com/shakenfist/kerbside-proxy/internal/wire"
)

func (b base) decodeKeyModifiers(buf []byte, size uint32) {
	if size != 2 {
		b.log.WLog("unexpected key_modifiers body length")
	}
	modifiers := binary.LittleEndian.Uint16(buf[6:8])
	switch {
	case modifiers == 0:
		b.log.TLog("no modifiers held")
	default:
		if modifiers&0x1 != 0 {
			b.log.TLog("scroll lock")
		}
		if modifiers&0x2 != 0 {
			b.log.TLog("num lock")
		}
		if modifiers&0x4 != 0 {
			b.log.TLog("caps lock")
		}
	}
}

// InputsInspector decodes the client->server leg of the inputs channel:
// keyboard and mouse events. Keystroke and pointer-motion content is only
// logged when trafficIntimate is set, since it is itself sensitive user
// input.
type InputsInspector struct{ base }

// NewInputsInspector returns a client-facing inputs channel inspector.
func NewInputsInspector(log corelog.Logger, trafficInspect, trafficIntimate bool) *InputsInspector {
	return &InputsInspector{newBase(log, trafficInspect, trafficIntimate)}
}

// Inspect implements Inspector.
func (in *InputsInspector) Inspect(buf []byte) Result {
	t, size, ok := readHeader(buf)
	if !ok {
		return None
	}
	name, _ := wire.ClientMessageName(wire.ChannelInputs, t)
	if !haveFullMessage(buf, size) {
		return None
	}
	in.log.TLogf("client sent %d byte opcode %d %s", size, t, name)

	if r, handled := in.commonClient(buf, t, name, size); handled {
		return r
	}

	switch name {
	case "key_down":
		if in.trafficIntimate && size >= 4 {
			code := binary.LittleEndian.Uint32(buf[6:10])
			key, state := lookupScancode(code)
			in.log.TLogf("key down 0x%02x %s %s", code, key, state)
		} else {
			in.log.TLog("key down")
		}

	case "key_up":
		if in.trafficIntimate && size >= 4 {
			code := binary.LittleEndian.Uint32(buf[6:10])
			key, state := lookupScancode(code)
			in.log.TLogf("key up 0x%02x %s %s", code, key, state)
		} else {
			in.log.TLog("key up")
		}

	case "key_modifiers":
		if in.trafficIntimate {
			in.decodeKeyModifiers(buf, size)
		} else {
			in.log.TLog("key modifiers")
		}

	case "key_scancode":
		if in.trafficIntimate {
			for i := uint32(0); i < size; i++ {
				code := uint32(buf[6+i])
				key, state := lookupScancode(code)
				in.log.TLogf("scancode 0x%02x %s %s", code, key, state)
			}
		} else {
			in.log.TLog("scancodes")
		}

	case "mouse_motion":
		if size != 10 {
			in.log.WLog("unexpected mouse_motion body length, expected 10")
		}
		if in.trafficIntimate && size >= 10 {
			x := int32(binary.LittleEndian.Uint32(buf[6:10]))
			y := int32(binary.LittleEndian.Uint32(buf[10:14]))
			buttons := binary.LittleEndian.Uint16(buf[14:16])
			in.log.TLogf("delta %d,%d with buttons %d", x, y, buttons)
		} else {
			in.log.TLog("mouse motion")
		}

	case "mouse_position":
		if size != 11 {
			in.log.WLog("unexpected mouse_position body length, expected 11")
		}
		if in.trafficIntimate && size >= 11 {
			x := binary.LittleEndian.Uint32(buf[6:10])
			y := binary.LittleEndian.Uint32(buf[10:14])
			buttons := binary.LittleEndian.Uint16(buf[14:16])
			displayID := buf[16]
			in.log.TLogf("position %d,%d with buttons %d on display %d", x, y, buttons, displayID)
		} else {
			in.log.TLog("mouse position")
		}

	case "mouse_press":
		if size != 3 {
			in.log.WLog("unexpected mouse_press body length, expected 3")
		}
		if in.trafficIntimate && size >= 3 {
			buttons := binary.LittleEndian.Uint16(buf[6:8])
			displayID := buf[8]
			in.log.TLogf("button press %d on display %d", buttons, displayID)
		} else {
			in.log.TLog("mouse press")
		}

	case "mouse_release":
		if size != 3 {
			in.log.WLog("unexpected mouse_release body length, expected 3")
		}
		if in.trafficIntimate && size >= 3 {
			buttons := binary.LittleEndian.Uint16(buf[6:8])
			displayID := buf[8]
			in.log.TLogf("button release %d on display %d", buttons, displayID)
		} else {
			in.log.TLog("mouse release")
		}

	case "":
		in.debugDump(buf)
		in.log.TLogf("client message type %d is unknown", t)

	default:
		in.debugDump(buf)
		in.log.TLogf("client message type %d is undecoded", t)
	}

	return parsed(buf, int(6+size))
}

// ServerInputsInspector decodes the server->client leg of the inputs
// channel: init, key_modifiers and mouse_motion_ack, plus the shared
// common-message set.
type ServerInputsInspector struct{ base }

// NewServerInputsInspector returns a server-facing inputs channel inspector.
func NewServerInputsInspector(log corelog.Logger, trafficInspect, trafficIntimate bool) *ServerInputsInspector {
	return &ServerInputsInspector{newBase(log, trafficInspect, trafficIntimate)}
}

// Inspect implements Inspector.
func (in *ServerInputsInspector) Inspect(buf []byte) Result {
	t, size, ok := readHeader(buf)
	if !ok {
		return None
	}
	name, _ := wire.ServerMessageName(wire.ChannelInputs, t)
	if !haveFullMessage(buf, size) {
		return None
	}
	in.log.TLogf("server sent %d byte opcode %d %s", size, t, name)

	if r, handled := in.commonServer(buf, t, name, size); handled {
		return r
	}

	switch name {
	case "init":
		if in.trafficIntimate {
			in.decodeKeyModifiers(buf, size)
		} else {
			in.log.TLog("init")
		}

	case "key_modifiers":
		if in.trafficIntimate {
			in.decodeKeyModifiers(buf, size)
		} else {
			in.log.TLog("key modifiers")
		}

	case "mouse_motion_ack":
		// no payload to decode

	case "":
		in.debugDump(buf)
		in.log.TLogf("server message type %d is unknown", t)

	default:
		in.debugDump(buf)
		in.log.TLogf("server message type %d is undecoded", t)
	}

	return parsed(buf, int(6+size))
}
