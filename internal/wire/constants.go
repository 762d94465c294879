// Package wire implements the SPICE link-negotiation, authentication and
// mini-header message framing this proxy speaks on both its client-facing
// and server-facing legs.
package wire

// ChannelType identifies the kind of channel a SPICE connection carries.
type ChannelType uint8

// Channel type codes, as advertised in SpiceLinkMess.channel_type.
const (
	ChannelMain            ChannelType = 1
	ChannelDisplay         ChannelType = 2
	ChannelInputs          ChannelType = 3
	ChannelCursor          ChannelType = 4
	ChannelPlayback        ChannelType = 5
	ChannelRecord          ChannelType = 6
	ChannelTunnelObsolete  ChannelType = 7
	ChannelUSBRedir        ChannelType = 8
	ChannelPort            ChannelType = 9
	ChannelWebDAV          ChannelType = 10
)

var channelNumToStr = map[ChannelType]string{
	ChannelMain:           "main",
	ChannelDisplay:        "display",
	ChannelInputs:         "inputs",
	ChannelCursor:         "cursor",
	ChannelPlayback:       "playback",
	ChannelRecord:         "record",
	ChannelTunnelObsolete: "tunnel (obsolete)",
	ChannelUSBRedir:       "usbredir",
	ChannelPort:           "port",
	ChannelWebDAV:         "webdav",
}

var channelStrToNum = func() map[string]ChannelType {
	out := make(map[string]ChannelType, len(channelNumToStr))
	for n, s := range channelNumToStr {
		out[s] = n
	}
	return out
}()

// String returns the channel's name, or "unknown" if it is not recognized.
func (c ChannelType) String() string {
	if s, ok := channelNumToStr[c]; ok {
		return s
	}
	return "unknown"
}

// ChannelTypeFromString looks up a channel type by its name. ok is false
// for an unrecognized name.
func ChannelTypeFromString(s string) (ChannelType, bool) {
	c, ok := channelStrToNum[s]
	return c, ok
}

// LinkError is the SpiceLinkReply.error code set.
type LinkError uint32

// Link error codes.
const (
	ErrOK                 LinkError = 0
	ErrError              LinkError = 1
	ErrInvalidMagic       LinkError = 2
	ErrInvalidData        LinkError = 3
	ErrVersionMismatch    LinkError = 4
	ErrNeedSecured        LinkError = 5
	ErrNeedUnsecured      LinkError = 6
	ErrPermissionDenied   LinkError = 7
	ErrBadConnectionID    LinkError = 8
	ErrChannelUnavailable LinkError = 9
)

var linkErrorNumToStr = map[LinkError]string{
	ErrOK:                 "ok",
	ErrError:              "error",
	ErrInvalidMagic:       "invalid_magic",
	ErrInvalidData:        "invalid_data",
	ErrVersionMismatch:    "version_mismatch",
	ErrNeedSecured:        "need_secured",
	ErrNeedUnsecured:      "need_unsecured",
	ErrPermissionDenied:   "permission_denied",
	ErrBadConnectionID:    "bad_connection_id",
	ErrChannelUnavailable: "channel_unavailable",
}

func (e LinkError) String() string {
	if s, ok := linkErrorNumToStr[e]; ok {
		return s
	}
	return "unknown"
}

// Capability bit positions for the common capability word.
const (
	CapCommonAuthSelection = 0
	CapCommonAuthSpice     = 1
	CapCommonAuthSASL      = 2
	CapCommonMiniHeader    = 3
)

// Capability bit positions for the main channel capability word.
const (
	CapMainSemiSeamlessMigrate   = 0
	CapMainNameAndUUID           = 1
	CapMainAgentConnectedTokens  = 2
	CapMainSeamlessMigrate       = 3
)

// DefaultCommonCaps is the common capability bitset this proxy advertises:
// AuthSelection | AuthSpice | MiniHeader.
const DefaultCommonCaps uint32 = 11

// DefaultChannelCaps is the per-channel capability bitset this proxy
// advertises: SemiSeamlessMigrate | SeamlessMigrate.
const DefaultChannelCaps uint32 = 9

// HasCap reports whether bit is set in a capability word.
func HasCap(caps uint32, bit uint) bool {
	return caps&(1<<bit) != 0
}

// NotifySeverity is the severity field of a notify message.
type NotifySeverity uint32

// Notify severities.
const (
	NotifyInfo  NotifySeverity = 0
	NotifyWarn  NotifySeverity = 1
	NotifyError NotifySeverity = 2
)

func (s NotifySeverity) String() string {
	switch s {
	case NotifyInfo:
		return "info"
	case NotifyWarn:
		return "warn"
	case NotifyError:
		return "error"
	default:
		return "unknown"
	}
}

// NotifyVisibility is the visibility field of a notify message.
type NotifyVisibility uint32

// Notify visibilities.
const (
	NotifyLow    NotifyVisibility = 0
	NotifyMedium NotifyVisibility = 1
	NotifyHigh   NotifyVisibility = 2
)

func (v NotifyVisibility) String() string {
	switch v {
	case NotifyLow:
		return "low"
	case NotifyMedium:
		return "medium"
	case NotifyHigh:
		return "high"
	default:
		return "unknown"
	}
}

// MessageType is a channel-relative mini-header message type code. Its
// meaning depends on both the channel type and direction (client->server
// or server->client); use the *MessageName functions below to resolve it.
type MessageType uint16

// Common message types, client to server.
const (
	MsgCAckSync            MessageType = 1
	MsgCAck                MessageType = 2
	MsgCPong               MessageType = 3
	MsgCMigrateFlushMark   MessageType = 4
	MsgCMigrateData        MessageType = 5
	MsgCDisconnecting      MessageType = 6
)

// Common message types, server to client.
const (
	MsgSMigrate          MessageType = 1
	MsgSMigrateData      MessageType = 2
	MsgSSetAck           MessageType = 3
	MsgSPing             MessageType = 4
	MsgSWaitForChannels  MessageType = 5
	MsgSDisconnecting    MessageType = 6
	MsgSNotify           MessageType = 7
)

var clientCommonNumToStr = map[MessageType]string{
	MsgCAckSync:          "ack_sync",
	MsgCAck:              "ack",
	MsgCPong:             "pong",
	MsgCMigrateFlushMark: "migrate_flush_mark",
	MsgCMigrateData:      "migrate_data",
	MsgCDisconnecting:    "disconnecting",
}

var serverCommonNumToStr = map[MessageType]string{
	MsgSMigrate:         "migrate",
	MsgSMigrateData:     "migrate_data",
	MsgSSetAck:          "set_ack",
	MsgSPing:            "ping",
	MsgSWaitForChannels: "wait_for_channels",
	MsgSDisconnecting:   "disconnecting",
	MsgSNotify:          "notify",
}

func mergeMaps(base map[MessageType]string, extra map[MessageType]string) map[MessageType]string {
	out := make(map[MessageType]string, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

var clientMainNumToStr = mergeMaps(clientCommonNumToStr, map[MessageType]string{
	104: "attach_channels",
})

var clientDisplayNumToStr = mergeMaps(clientCommonNumToStr, map[MessageType]string{
	101: "init",
})

var clientInputsNumToStr = mergeMaps(clientCommonNumToStr, map[MessageType]string{
	101: "key_down",
	102: "key_up",
	103: "key_modifiers",
	104: "key_scancode",
	111: "mouse_motion",
	112: "mouse_position",
	113: "mouse_press",
	114: "mouse_release",
})

var clientCursorNumToStr = clientCommonNumToStr

var clientPortNumToStr = mergeMaps(clientCommonNumToStr, map[MessageType]string{
	101: "vmc_data",
	102: "vmc_compressed_data",
})

var serverMainNumToStr = mergeMaps(serverCommonNumToStr, map[MessageType]string{
	103: "init",
	104: "channels_list",
})

var serverDisplayNumToStr = mergeMaps(serverCommonNumToStr, map[MessageType]string{
	101: "mode",
	102: "mark",
	103: "reset",
	104: "copy_bits",
	105: "invalidate_list",
	106: "invalidate_all_pixmaps",
	107: "invalidate_palette",
	108: "invalidate_all_palettes",
	122: "stream_create",
	123: "stream_data",
	124: "stream_clip",
	125: "stream_destroy",
	126: "stream_destroy_all",
	302: "draw_fill",
	303: "draw_opaque",
	304: "draw_copy",
	305: "draw_blend",
	306: "draw_blackness",
	307: "draw_whiteness",
	308: "draw_invers",
	309: "draw_rop3",
	310: "draw_stroke",
	311: "draw_text",
	312: "draw_transparent",
	313: "draw_alpha_blend",
	314: "surface_create",
	315: "surface_destroy",
	316: "stream_data_sized",
	317: "monitors_config",
	318: "draw_composite",
	319: "stream_activate_report",
	320: "gl_scanout_unix",
	321: "gl_draw",
})

var serverInputsNumToStr = mergeMaps(serverCommonNumToStr, map[MessageType]string{
	101: "init",
	102: "key_modifiers",
	111: "mouse_motion_ack",
})

var serverCursorNumToStr = mergeMaps(serverCommonNumToStr, map[MessageType]string{
	101: "init",
	102: "reset",
	103: "set",
	104: "move",
	105: "hide",
	106: "trail",
	107: "invalidate_one",
	108: "invalidate_all",
})

// server port message types are identical to the client ones: this channel
// is effectively a raw usbredir byte pipe, not SPICE messages proper.
var serverPortNumToStr = clientPortNumToStr

// ClientMessageName returns the mnemonic for a client->server message type
// on the given channel, and false if the channel/type pair is unrecognized
// (the unknown-channel inspector passes these through unexamined).
func ClientMessageName(ch ChannelType, t MessageType) (string, bool) {
	var m map[MessageType]string
	switch ch {
	case ChannelMain:
		m = clientMainNumToStr
	case ChannelDisplay:
		m = clientDisplayNumToStr
	case ChannelInputs:
		m = clientInputsNumToStr
	case ChannelCursor:
		m = clientCursorNumToStr
	case ChannelPort:
		m = clientPortNumToStr
	default:
		m = clientCommonNumToStr
	}
	s, ok := m[t]
	return s, ok
}

// ServerMessageName returns the mnemonic for a server->client message type
// on the given channel, and false if the channel/type pair is unrecognized.
func ServerMessageName(ch ChannelType, t MessageType) (string, bool) {
	var m map[MessageType]string
	switch ch {
	case ChannelMain:
		m = serverMainNumToStr
	case ChannelDisplay:
		m = serverDisplayNumToStr
	case ChannelInputs:
		m = serverInputsNumToStr
	case ChannelCursor:
		m = serverCursorNumToStr
	case ChannelPort:
		m = serverPortNumToStr
	default:
		m = serverCommonNumToStr
	}
	s, ok := m[t]
	return s, ok
}

// ScaleMode is a display-channel image scaling mode.
type ScaleMode uint8

// Scale modes.
const (
	ScaleInterpolate ScaleMode = 0
	ScaleNearest     ScaleMode = 1
)

// ImageType identifies a display-channel image encoding.
type ImageType uint8

// Image types.
const (
	ImagePixmap    ImageType = 0
	ImageQUIC      ImageType = 1
	ImageLZPalette ImageType = 100
	ImageLZRGB     ImageType = 101
	ImageGLZRGB    ImageType = 102
	ImageFromCache ImageType = 103
)

// DisplayClipType is a display-channel clip region encoding.
type DisplayClipType uint8

// Display clip types.
const (
	ClipNone  DisplayClipType = 0
	ClipRects DisplayClipType = 1
	ClipPath  DisplayClipType = 2
)

var imageTypeNumToStr = map[ImageType]string{
	ImagePixmap:    "bitmap",
	ImageQUIC:      "quic",
	ImageLZPalette: "lz_plt",
	ImageLZRGB:     "lz_rgb",
	ImageGLZRGB:    "glz_rgb",
	ImageFromCache: "from_cache",
}

// String returns the image encoding's mnemonic, or "unknown (N)" if it is
// not recognized - pixel payloads for any of these are never decoded here,
// only their framing.
func (t ImageType) String() string {
	if s, ok := imageTypeNumToStr[t]; ok {
		return s
	}
	return "unknown"
}

var displayClipTypeNumToStr = map[DisplayClipType]string{
	ClipNone:  "none",
	ClipRects: "rects",
	ClipPath:  "path",
}

// String returns the clip region encoding's mnemonic.
func (c DisplayClipType) String() string {
	if s, ok := displayClipTypeNumToStr[c]; ok {
		return s
	}
	return "unknown"
}
