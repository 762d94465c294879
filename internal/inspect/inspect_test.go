package inspect

import (
	"encoding/binary"
	"testing"

	"github.com/shakenfist/kerbside-proxy/internal/corelog"
)

func testLogger() corelog.Logger {
	return corelog.NewLogger("test", corelog.LogLevelTrace, false)
}

func buildFrame(msgType uint16, payload []byte) []byte {
	out := make([]byte, 6+len(payload))
	binary.LittleEndian.PutUint16(out[0:2], msgType)
	binary.LittleEndian.PutUint32(out[2:6], uint32(len(payload)))
	copy(out[6:], payload)
	return out
}

func TestMainInspectorNoneOnShortBuffer(t *testing.T) {
	m := NewMainInspector(testLogger(), false, false)
	if r := m.Inspect([]byte{1, 2, 3}); !r.IsNone() {
		t.Fatalf("expected None, got %+v", r)
	}
}

func TestMainInspectorAttachChannels(t *testing.T) {
	m := NewMainInspector(testLogger(), false, false)
	buf := buildFrame(104, nil) // attach_channels
	r := m.Inspect(buf)
	if r.Consumed != len(buf) {
		t.Fatalf("consumed = %d, want %d", r.Consumed, len(buf))
	}
	if r.Ack {
		t.Fatalf("attach_channels should not be flagged as an ack")
	}
}

func TestCommonClientAckFlagging(t *testing.T) {
	m := NewMainInspector(testLogger(), false, false)

	ackSync := buildFrame(1, []byte{0, 0, 0, 0}) // ack_sync carries a generation
	if r := m.Inspect(ackSync); r.Ack {
		t.Fatalf("ack_sync must not be flagged as an ack")
	}

	ack := buildFrame(2, []byte{0, 0, 0, 0})
	if r := m.Inspect(ack); !r.Ack {
		t.Fatalf("ack must be flagged as an ack")
	}
}

func TestZeroLengthAckIsFlagged(t *testing.T) {
	d := NewDisplayInspector(testLogger(), false, false)
	// message type 2 is "ack" in the client common table, zero length body.
	buf := buildFrame(2, nil)
	r := d.Inspect(buf)
	if r.Consumed != 6 {
		t.Fatalf("consumed = %d, want 6", r.Consumed)
	}
	if !r.Ack {
		t.Fatalf("zero length ack message must be flagged")
	}
}

func buildSurfaceCreate(surfaceID, width, height, format, flags uint32) []byte {
	payload := make([]byte, 20)
	binary.LittleEndian.PutUint32(payload[0:4], surfaceID)
	binary.LittleEndian.PutUint32(payload[4:8], width)
	binary.LittleEndian.PutUint32(payload[8:12], height)
	binary.LittleEndian.PutUint32(payload[12:16], format)
	binary.LittleEndian.PutUint32(payload[16:20], flags)
	return buildFrame(314, payload) // surface_create
}

func TestServerDisplaySurfaceCreateMutationGated(t *testing.T) {
	buf := buildSurfaceCreate(1, 800, 600, 0, 0)

	off := NewServerDisplayInspector(testLogger(), false, false)
	r := off.Inspect(append([]byte(nil), buf...))
	width := binary.LittleEndian.Uint32(r.Data[10:14])
	height := binary.LittleEndian.Uint32(r.Data[14:18])
	if width != 800 || height != 600 {
		t.Fatalf("surface size should be unchanged when inspection is off, got %dx%d", width, height)
	}

	on := NewServerDisplayInspector(testLogger(), true, false)
	r = on.Inspect(append([]byte(nil), buf...))
	width = binary.LittleEndian.Uint32(r.Data[10:14])
	height = binary.LittleEndian.Uint32(r.Data[14:18])
	if width != 820 || height != 620 {
		t.Fatalf("surface size should widen by 20 when inspection is on, got %dx%d", width, height)
	}
	if r.InsertedCount != 0 {
		t.Fatalf("InsertedCount must stay zero in this build, got %d", r.InsertedCount)
	}
}

func buildDrawCopy(surfaceID, top, left, bottom, right uint32) []byte {
	payload := make([]byte, 21)
	binary.LittleEndian.PutUint32(payload[0:4], surfaceID)
	binary.LittleEndian.PutUint32(payload[4:8], top)
	binary.LittleEndian.PutUint32(payload[8:12], left)
	binary.LittleEndian.PutUint32(payload[12:16], bottom)
	binary.LittleEndian.PutUint32(payload[16:20], right)
	payload[20] = 0 // clip type "none"
	return buildFrame(304, payload) // draw_copy
}

func TestServerDisplayDrawCopyMutationGated(t *testing.T) {
	buf := buildDrawCopy(1, 0, 0, 100, 100)

	on := NewServerDisplayInspector(testLogger(), true, false)
	r := on.Inspect(append([]byte(nil), buf...))
	top := binary.LittleEndian.Uint32(r.Data[10:14])
	left := binary.LittleEndian.Uint32(r.Data[14:18])
	bottom := binary.LittleEndian.Uint32(r.Data[18:22])
	right := binary.LittleEndian.Uint32(r.Data[22:26])
	if top != 10 || left != 10 || bottom != 110 || right != 110 {
		t.Fatalf("draw_copy rect should shift by 10, got top=%d left=%d bottom=%d right=%d", top, left, bottom, right)
	}
}

func TestPortInspectorVMCHello(t *testing.T) {
	payload := make([]byte, 12+64+4)
	binary.LittleEndian.PutUint32(payload[0:4], 0) // usb_redir_hello
	copy(payload[12:], []byte("1.2.3\x00"))
	buf := buildFrame(101, payload) // vmc_data

	p := NewPortInspector(testLogger(), false, false)
	r := p.Inspect(buf)
	if r.Consumed != len(buf) {
		t.Fatalf("consumed = %d, want %d", r.Consumed, len(buf))
	}
}

func TestUnknownInspectorPassesThroughUnrecognized(t *testing.T) {
	u := NewUnknownInspector(testLogger(), false, false)
	buf := buildFrame(9999, []byte{1, 2, 3})
	r := u.Inspect(buf)
	if r.Consumed != len(buf) {
		t.Fatalf("consumed = %d, want %d", r.Consumed, len(buf))
	}
}
