package hid

import "github.com/sweeney/hall-keyboard/internal/keycode"

// FakeDevice records report activity for test assertions.
type FakeDevice struct {
	cur  report
	last report
	sent bool

	// Reports contains every report emitted by Send, in order.
	Reports [][8]byte

	// SendError, if set, is returned by Send.
	SendError error

	// Closed tracks if Close was called.
	Closed bool
}

// NewFakeDevice creates a FakeDevice.
func NewFakeDevice() *FakeDevice {
	return &FakeDevice{}
}

// KeycodeAdd stages kc into the report.
func (f *FakeDevice) KeycodeAdd(kc keycode.Code) { f.cur.add(kc) }

// KeycodeRemove stages kc out of the report.
func (f *FakeDevice) KeycodeRemove(kc keycode.Code) { f.cur.remove(kc) }

// Send records the report if it changed since the last Send.
func (f *FakeDevice) Send() error {
	if f.SendError != nil {
		return f.SendError
	}
	if f.sent && f.cur == f.last {
		return nil
	}
	f.last = f.cur
	f.sent = true
	f.Reports = append(f.Reports, f.cur.bytes())
	return nil
}

// Close marks the device as closed.
func (f *FakeDevice) Close() error {
	f.Closed = true
	return nil
}

// IsPressed reports whether kc is in the staged report.
func (f *FakeDevice) IsPressed(kc keycode.Code) bool {
	if keycode.IsModifier(kc) {
		return f.cur.modifiers&(1<<(kc-keycode.LeftCtrl)) != 0
	}
	for _, k := range f.cur.keys {
		if k == kc {
			return true
		}
	}
	return false
}

// Reset clears recorded reports and staged state.
func (f *FakeDevice) Reset() {
	*f = FakeDevice{}
}

var _ Device = (*FakeDevice)(nil)
