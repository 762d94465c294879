package wire

// MiniHeaderSize is the length of a SpiceDataHeader in "mini header" mode
// (the only mode this proxy negotiates, via CapCommonMiniHeader): a 2-byte
// message type followed by a 4-byte payload size.
const MiniHeaderSize = 6
