// Package inspect decodes the per-channel SPICE message stream one frame at
// a time so the session worker knows how many bytes one complete message
// occupies, whether it is an ACK the worker may choose to swallow rather
// than forward, and - for the display channel, when traffic inspection is
// turned on - a mutated copy of the frame to send in its place.
//
// None of these inspectors buffer partial messages themselves: a worker
// feeds them the bytes it currently has, and a zero-value (None) Result
// means "come back once more bytes have arrived".
package inspect

// Result is the outcome of one Inspector.Inspect call: either None (the
// supplied buffer does not yet hold a complete message) or a description of
// the complete message found at the front of the buffer.
type Result struct {
	// Consumed is how many leading bytes of the input buffer the message
	// occupied, including its six byte mini header. Zero means None.
	Consumed int

	// Data is what should actually be written to the other leg of the
	// proxied connection: ordinarily the same bytes that were consumed,
	// but for DisplayInspector frames under traffic inspection this may
	// be a mutated copy of the same length.
	Data []byte

	// Ack reports whether the message was one of the channel's
	// acknowledgement messages (ack_sync/ack on the client side; the
	// zero-length channel ack on either side), which the session worker
	// may elect not to forward once it starts absorbing its own acks.
	Ack bool

	// InsertedCount is how many additional, synthetic messages the
	// inspector wants spliced into the stream immediately after Data.
	// Always zero in this build; see DisplayInspector.
	InsertedCount int
}

// None is the zero Result: no complete message is available yet.
var None = Result{}

// IsNone reports whether r carries no complete message. Result cannot be
// compared with == (it embeds a slice), so callers use this instead of
// r == None.
func (r Result) IsNone() bool {
	return r.Consumed == 0
}

// parsed builds a Result for a message occupying the first n bytes of buf.
func parsed(buf []byte, n int) Result {
	return Result{Consumed: n, Data: buf[:n]}
}

// Inspector decodes one channel's message stream, consuming bytes from the
// front of buf and reporting what it found. Implementations never retain
// buf past the call.
type Inspector interface {
	Inspect(buf []byte) Result
}
