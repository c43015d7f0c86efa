// Package hid delivers keyboard reports with abstraction for testing.
// The real implementation writes boot-protocol reports to a USB gadget
// character device. Report descriptor handling lives with the gadget
// configuration, not here.
package hid

import "github.com/sweeney/hall-keyboard/internal/keycode"

// Device assembles and sends keyboard reports. KeycodeAdd and
// KeycodeRemove stage report changes; Send emits at most one report
// per call and only when the staged report differs from the last one
// sent.
type Device interface {
	// KeycodeAdd stages a keycode into the report.
	KeycodeAdd(kc keycode.Code)

	// KeycodeRemove stages a keycode out of the report.
	KeycodeRemove(kc keycode.Code)

	// Send emits the staged report if it changed.
	Send() error

	// Close releases device resources.
	Close() error
}

// report is a boot-protocol keyboard report: modifier byte, reserved
// byte, six keycode slots.
type report struct {
	modifiers uint8
	keys      [6]keycode.Code
}

func (r *report) add(kc keycode.Code) {
	if keycode.IsModifier(kc) {
		r.modifiers |= 1 << (kc - keycode.LeftCtrl)
		return
	}
	for _, k := range r.keys {
		if k == kc {
			return
		}
	}
	for i, k := range r.keys {
		if k == 0 {
			r.keys[i] = kc
			return
		}
	}
	// All six slots taken: drop the oldest.
	copy(r.keys[:], r.keys[1:])
	r.keys[5] = kc
}

func (r *report) remove(kc keycode.Code) {
	if keycode.IsModifier(kc) {
		r.modifiers &^= 1 << (kc - keycode.LeftCtrl)
		return
	}
	for i, k := range r.keys {
		if k == kc {
			copy(r.keys[i:], r.keys[i+1:])
			r.keys[5] = 0
			return
		}
	}
}

func (r *report) bytes() [8]byte {
	var b [8]byte
	b[0] = r.modifiers
	copy(b[2:], r.keys[:])
	return b
}
