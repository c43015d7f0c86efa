package gamepad

import "github.com/sweeney/hall-keyboard/internal/profile"

// StateOutput retains the latest assembled gamepad state. It backs the
// daemon when no XInput transport is attached: the state stays
// inspectable without a device.
type StateOutput struct {
	buttons uint16
	lx, ly  int8
	rx, ry  int8
	lt, rt  uint8
}

// NewStateOutput creates a StateOutput.
func NewStateOutput() *StateOutput {
	return &StateOutput{}
}

// SetButton sets one digital button bit.
func (o *StateOutput) SetButton(btn profile.GamepadButton, pressed bool) {
	if btn == profile.GPNone || btn > profile.GPButtonRB {
		return
	}
	bit := uint16(1) << (uint8(btn) - 1)
	if pressed {
		o.buttons |= bit
	} else {
		o.buttons &^= bit
	}
}

// SetLeftStick sets the left stick axes.
func (o *StateOutput) SetLeftStick(x, y int8) { o.lx, o.ly = x, y }

// SetRightStick sets the right stick axes.
func (o *StateOutput) SetRightStick(x, y int8) { o.rx, o.ry = x, y }

// SetTriggers sets the analog triggers.
func (o *StateOutput) SetTriggers(lt, rt uint8) { o.lt, o.rt = lt, rt }

// Send is a no-op; the state is pulled by readers.
func (o *StateOutput) Send() error { return nil }

// Buttons returns the digital button bitmap.
func (o *StateOutput) Buttons() uint16 { return o.buttons }

// LeftStick returns the left stick axes.
func (o *StateOutput) LeftStick() (int8, int8) { return o.lx, o.ly }

// RightStick returns the right stick axes.
func (o *StateOutput) RightStick() (int8, int8) { return o.rx, o.ry }

// Triggers returns the analog trigger values.
func (o *StateOutput) Triggers() (uint8, uint8) { return o.lt, o.rt }

var _ Output = (*StateOutput)(nil)
