package gamepad

import "github.com/sweeney/hall-keyboard/internal/profile"

// FakeOutput records gamepad state for test assertions.
type FakeOutput struct {
	Buttons map[profile.GamepadButton]bool

	LX, LY int8
	RX, RY int8
	LT, RT uint8

	// Sends counts Send calls.
	Sends int

	// SendError, if set, is returned by Send.
	SendError error
}

// NewFakeOutput creates a FakeOutput.
func NewFakeOutput() *FakeOutput {
	return &FakeOutput{Buttons: make(map[profile.GamepadButton]bool)}
}

// SetButton records a digital button state.
func (f *FakeOutput) SetButton(btn profile.GamepadButton, pressed bool) {
	f.Buttons[btn] = pressed
}

// SetLeftStick records the left stick axes.
func (f *FakeOutput) SetLeftStick(x, y int8) { f.LX, f.LY = x, y }

// SetRightStick records the right stick axes.
func (f *FakeOutput) SetRightStick(x, y int8) { f.RX, f.RY = x, y }

// SetTriggers records the trigger values.
func (f *FakeOutput) SetTriggers(lt, rt uint8) { f.LT, f.RT = lt, rt }

// Send counts the call.
func (f *FakeOutput) Send() error {
	if f.SendError != nil {
		return f.SendError
	}
	f.Sends++
	return nil
}

var _ Output = (*FakeOutput)(nil)
