package inspect

import (
	"encoding/binary"

	"github.com/shakenfist/kerbside-proxy/internal/corelog"
	"github.com/shakenfist/kerbside-proxy/internal/wire"
)

// DisplayInspector decodes the client->server leg of the display channel:
// just init, plus the shared common-message set.
type DisplayInspector struct{ base }

// NewDisplayInspector returns a client-facing display channel inspector.
func NewDisplayInspector(log corelog.Logger, trafficInspect, trafficIntimate bool) *DisplayInspector {
	return &DisplayInspector{newBase(log, trafficInspect, trafficIntimate)}
}

// Inspect implements Inspector.
func (d *DisplayInspector) Inspect(buf []byte) Result {
	t, size, ok := readHeader(buf)
	if !ok {
		return None
	}
	name, _ := wire.ClientMessageName(wire.ChannelDisplay, t)
	if !haveFullMessage(buf, size) {
		return None
	}
	d.log.TLogf("client sent %d byte opcode %d %s", size, t, name)

	if r, handled := d.commonClient(buf, t, name, size); handled {
		return r
	}

	switch name {
	case "init":
		if size >= 14 {
			cacheID := buf[6]
			cacheSize := binary.LittleEndian.Uint64(buf[7:15])
			d.log.TLogf("init with cache id %d, size %d", cacheID, cacheSize)
		}
	default:
		d.debugDump(buf)
		d.log.TLogf("client message type %d is undecoded", t)
	}

	return parsed(buf, int(6+size))
}

// ServerDisplayInspector decodes the server->client leg of the display
// channel. When TrafficInspection is set it also mutates two message
// types in place, purely as a visible, auditable marker that a session is
// being inspected: surface_create widens the surface by 20 pixels in each
// dimension, and draw_copy shifts its destination rectangle by 10 pixels.
// Pixel data itself (the image payload trailing a draw_copy) is never
// decoded or altered.
type ServerDisplayInspector struct {
	base

	// TrafficInspection gates the surface_create/draw_copy mutations.
	TrafficInspection bool

	// insertedFrameCount always returns zero in this build: per-surface
	// warning-border frame injection is reserved but disabled (see
	// insertedCount), so this field exists only so the session runtime's
	// InsertedCount accounting has something real to read.
	insertedFrameCount int
}

// NewServerDisplayInspector returns a server-facing display channel
// inspector. trafficInspection enables the surface_create/draw_copy
// mutations; trafficIntimate has no additional effect on this leg beyond
// what the shared common-message helper already does, since image payload
// decoding remains out of scope regardless.
func NewServerDisplayInspector(log corelog.Logger, trafficInspection, trafficIntimate bool) *ServerDisplayInspector {
	return &ServerDisplayInspector{
		base:              newBase(log, trafficInspection, trafficIntimate),
		TrafficInspection: trafficInspection,
	}
}

// insertedCount reports how many synthetic frames Inspect wants spliced in
// after the returned Data. It is always zero: warning-border frames for
// surface_create caused hypervisor-side OOMs under load and are disabled
// pending investigation. The construction path is not reproduced here
// since nothing downstream would ever see its output, but the field and
// this hook stay in place so turning it on later is a matter of returning
// a non-zero count.
// TODO: reproduce the OOM and fix the frame construction before re-enabling.
func (d *ServerDisplayInspector) insertedCount() int {
	return d.insertedFrameCount
}

// Inspect implements Inspector.
func (d *ServerDisplayInspector) Inspect(buf []byte) Result {
	t, size, ok := readHeader(buf)
	if !ok {
		return None
	}
	name, _ := wire.ServerMessageName(wire.ChannelDisplay, t)
	if !haveFullMessage(buf, size) {
		return None
	}
	d.log.TLogf("server sent %d byte opcode %d %s", size, t, name)

	if r, handled := d.commonServer(buf, t, name, size); handled {
		return r
	}

	switch name {
	case "invalidate_all_palettes":
		d.log.TLog("invalidate all palettes")

	case "surface_create":
		if size >= 20 {
			d.handleSurfaceCreate(buf)
		}

	case "draw_copy":
		if size >= 22 {
			d.handleDrawCopy(buf, size)
		}

	default:
		d.debugDump(buf)
		d.log.TLogf("server message type %d is undecoded", t)
	}

	r := parsed(buf, int(6+size))
	r.InsertedCount = d.insertedCount()
	return r
}

func (d *ServerDisplayInspector) handleSurfaceCreate(buf []byte) {
	surfaceID := binary.LittleEndian.Uint32(buf[6:10])
	width := binary.LittleEndian.Uint32(buf[10:14])
	height := binary.LittleEndian.Uint32(buf[14:18])
	format := binary.LittleEndian.Uint32(buf[18:22])
	flags := binary.LittleEndian.Uint32(buf[22:26])
	d.log.TLogf("create surface id %d, size %d,%d, format %d with flags %d",
		surfaceID, width, height, format, flags)

	if d.TrafficInspection {
		binary.LittleEndian.PutUint32(buf[6:10], surfaceID)
		binary.LittleEndian.PutUint32(buf[10:14], width+20)
		binary.LittleEndian.PutUint32(buf[14:18], height+20)
		binary.LittleEndian.PutUint32(buf[18:22], format)
		binary.LittleEndian.PutUint32(buf[22:26], flags)
		d.log.TLogf("altered surface to %d by %d", width+20, height+20)
	}
}

func (d *ServerDisplayInspector) handleDrawCopy(buf []byte, size uint32) {
	surfaceID := binary.LittleEndian.Uint32(buf[6:10])
	top := binary.LittleEndian.Uint32(buf[10:14])
	left := binary.LittleEndian.Uint32(buf[14:18])
	bottom := binary.LittleEndian.Uint32(buf[18:22])
	right := binary.LittleEndian.Uint32(buf[22:26])
	clipType := wire.DisplayClipType(buf[26])
	d.log.TLogf("draw copy on surface id %d in rectangle bounded by %d,%d and %d,%d. Clip type %s.",
		surfaceID, left, top, right, bottom, clipType)

	if d.TrafficInspection {
		binary.LittleEndian.PutUint32(buf[6:10], surfaceID)
		binary.LittleEndian.PutUint32(buf[10:14], top+10)
		binary.LittleEndian.PutUint32(buf[14:18], left+10)
		binary.LittleEndian.PutUint32(buf[18:22], bottom+10)
		binary.LittleEndian.PutUint32(buf[22:26], right+10)
		buf[26] = byte(clipType)
		d.log.TLogf("shifted draw copy rectangle to %d,%d and %d,%d", left+10, top+10, right+10, bottom+10)
	}

	offset := 27
	if clipType == wire.ClipRects && int(offset)+4 <= len(buf) {
		rects := binary.LittleEndian.Uint32(buf[offset : offset+4])
		offset += 4
		for i := uint32(0); i < rects && offset+16 <= len(buf); i++ {
			rtop := binary.LittleEndian.Uint32(buf[offset : offset+4])
			rleft := binary.LittleEndian.Uint32(buf[offset+4 : offset+8])
			rbottom := binary.LittleEndian.Uint32(buf[offset+8 : offset+12])
			rright := binary.LittleEndian.Uint32(buf[offset+12 : offset+16])
			d.log.TLogf("rect %d: %d,%d to %d,%d", i, rleft, rtop, rright, rbottom)
			offset += 16
		}
	}

	if offset+4 > len(buf) {
		return
	}
	sourceAddress := binary.LittleEndian.Uint32(buf[offset:offset+4]) + 6
	offset += 4
	d.log.TLogf("source image is at %d", sourceAddress)

	if offset+16 > len(buf) {
		return
	}
	stop := binary.LittleEndian.Uint32(buf[offset : offset+4])
	sleft := binary.LittleEndian.Uint32(buf[offset+4 : offset+8])
	sbottom := binary.LittleEndian.Uint32(buf[offset+8 : offset+12])
	sright := binary.LittleEndian.Uint32(buf[offset+12 : offset+16])
	d.log.TLogf("source rectangle is %d,%d to %d,%d", sleft, stop, sright, sbottom)
	offset += 16

	if offset+2 > len(buf) {
		return
	}
	offset += 2 // raster operations, named only: the image bitmap itself is not decoded
	if offset+1 > len(buf) {
		return
	}
	offset++ // scale mode
	if offset+13 > len(buf) {
		return
	}
	offset += 13 // mask flags, position and bitmap address

	if uint32(offset) != sourceAddress {
		d.log.TLogf("source image is not placed directly after protocol data (%d != %d)", offset, sourceAddress)
	}

	if offset+14 > len(buf) {
		return
	}
	imageType := wire.ImageType(buf[offset+8])
	imageWidth := binary.LittleEndian.Uint32(buf[offset+10 : offset+14])
	var imageHeight uint32
	if offset+18 <= len(buf) {
		imageHeight = binary.LittleEndian.Uint32(buf[offset+14 : offset+18])
	}
	d.log.TLogf("image type %s, size %dx%d", imageType, imageWidth, imageHeight)
}
