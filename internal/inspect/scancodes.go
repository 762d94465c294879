package inspect

// pcATScancodes is the PC/AT "set 1" scancode table: index i (1-based) is
// the key that reports make code i and break code i|0x80. Used only to
// annotate intimate-mode keystroke logging; it has no bearing on whether a
// key_down/key_up/key_scancode message is forwarded.
var pcATScancodes = []string{
	"error",
	"escape", "1!", "2@", "3#", "4$", "5%", "6^", "7&", "8*", "9(", "0)",
	"-_", "=+", "backspace", "tab", "q", "w", "e", "r", "t", "y", "u",
	"i", "o", "p", "[{", "]}", "enter", "left control", "a", "s", "d", "f",
	"g", "h", "j", "k", "l", ";:", "'\"", "`~", "left shift", "\\|", "z",
	"x", "c", "v", "b", "n", "m", ",<", ".>", "/?", "right shift",
	"print screen", "left alt", "space bar", "caps lock", "f1", "f2", "f3",
	"f4", "f5", "f6", "f7", "f8", "f9", "f10", "num lock", "scroll lock",
	"keypad-7/home", "keypad-8/up", "keypad-9/pgup", "keypad--",
	"keypad-4/left", "keypad-5", "keypad-6/right", "keypad-+",
	"keypad-1/end", "keypad-2/down", "keypad-3/pgdn", "keypad-0/ins",
	"keypad-./del", "alt-sysrq",
}

// lookupScancode returns the key name and "down"/"up" state for a raw PC/AT
// scancode, or ("unknown", "unknown") if code does not fall in the table.
func lookupScancode(code uint32) (key, state string) {
	down := code
	state = "down"
	if down&0x80 != 0 {
		down &^= 0x80
		state = "up"
	}
	if down == 0 || int(down) >= len(pcATScancodes) {
		return "unknown", "unknown"
	}
	return pcATScancodes[down], state
}
