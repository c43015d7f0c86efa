// Package gamepad maps key travel to XInput-style gamepad state on
// layer 0. Digital buttons follow the logical press state; analog
// stick and trigger bindings run key travel through the profile's
// analog curve.
package gamepad

import (
	"github.com/sweeney/hall-keyboard/internal/matrix"
	"github.com/sweeney/hall-keyboard/internal/profile"
)

// Output receives the assembled gamepad state once per tick.
type Output interface {
	// SetButton sets one digital button.
	SetButton(btn profile.GamepadButton, pressed bool)

	// SetLeftStick and SetRightStick set stick axes (-127..127).
	SetLeftStick(x, y int8)
	SetRightStick(x, y int8)

	// SetTriggers sets the analog triggers (0..255).
	SetTriggers(lt, rt uint8)

	// Send emits the state if it changed.
	Send() error
}

// KeySource is the mapper's view of the matrix engine.
type KeySource interface {
	// State returns the current state for key.
	State(key uint8) matrix.KeyState
}

// Mapper accumulates per-key contributions during the layout tick and
// assembles axes on Flush.
type Mapper struct {
	image *profile.Image
	mat   KeySource
	out   Output

	// Per-direction analog accumulators, reset each Flush.
	lsUp, lsDown, lsLeft, lsRight uint8
	rsUp, rsDown, rsLeft, rsRight uint8
	lt, rt                        uint8
}

// New creates a Mapper.
func New(image *profile.Image, mat KeySource, out Output) *Mapper {
	return &Mapper{image: image, mat: mat, out: out}
}

// Process folds one key into the gamepad state. Called by the layout
// engine for every layer-0 key with a gamepad binding.
func (m *Mapper) Process(key uint8) {
	if int(key) >= profile.NumKeys {
		return
	}
	prof := m.image.Current()
	btn := prof.GamepadButtons[key]
	if btn == profile.GPNone {
		return
	}
	state := m.mat.State(key)

	if btn <= profile.GPButtonRB {
		m.out.SetButton(btn, state.IsPressed)
		return
	}

	v := curveValue(&prof.GamepadOptions.AnalogCurve, state.Distance)
	var p *uint8
	switch btn {
	case profile.GPLeftStickUp:
		p = &m.lsUp
	case profile.GPLeftStickDown:
		p = &m.lsDown
	case profile.GPLeftStickLeft:
		p = &m.lsLeft
	case profile.GPLeftStickRight:
		p = &m.lsRight
	case profile.GPRightStickUp:
		p = &m.rsUp
	case profile.GPRightStickDown:
		p = &m.rsDown
	case profile.GPRightStickLeft:
		p = &m.rsLeft
	case profile.GPRightStickRight:
		p = &m.rsRight
	case profile.GPLeftTrigger:
		p = &m.lt
	case profile.GPRightTrigger:
		p = &m.rt
	default:
		return
	}
	if v > *p {
		*p = v
	}
}

// Flush assembles the accumulated contributions into axes, pushes the
// state, and resets the accumulators for the next tick.
func (m *Mapper) Flush() error {
	opts := &m.image.Current().GamepadOptions

	lx := axis(m.lsLeft, m.lsRight, opts.SnappyJoystick)
	ly := axis(m.lsDown, m.lsUp, opts.SnappyJoystick)
	rx := axis(m.rsLeft, m.rsRight, opts.SnappyJoystick)
	ry := axis(m.rsDown, m.rsUp, opts.SnappyJoystick)

	if !opts.SquareJoystick {
		lx, ly = circularize(lx, ly)
		rx, ry = circularize(rx, ry)
	}

	m.out.SetLeftStick(lx, ly)
	m.out.SetRightStick(rx, ry)
	m.out.SetTriggers(m.lt, m.rt)

	m.lsUp, m.lsDown, m.lsLeft, m.lsRight = 0, 0, 0, 0
	m.rsUp, m.rsDown, m.rsLeft, m.rsRight = 0, 0, 0, 0
	m.lt, m.rt = 0, 0

	return m.out.Send()
}

// curveValue runs travel through the 4-point analog curve. A zero
// curve falls back to linear.
func curveValue(curve *[4][2]uint8, d uint8) uint8 {
	if curve[3][0] == 0 {
		return d
	}
	if d <= curve[0][0] {
		return curve[0][1]
	}
	for i := 0; i < 3; i++ {
		x0, y0 := curve[i][0], curve[i][1]
		x1, y1 := curve[i+1][0], curve[i+1][1]
		if d > x1 || x1 <= x0 {
			continue
		}
		return uint8(int32(y0) + (int32(d)-int32(x0))*(int32(y1)-int32(y0))/(int32(x1)-int32(x0)))
	}
	return curve[3][1]
}

// axis combines opposing contributions into a signed axis value.
func axis(neg, pos uint8, snappy bool) int8 {
	if snappy {
		// Snappy mode ignores the weaker side entirely.
		if pos >= neg {
			return clipAxis(int32(pos) * 127 / 255)
		}
		return clipAxis(-int32(neg) * 127 / 255)
	}
	return clipAxis((int32(pos) - int32(neg)) * 127 / 255)
}

// circularize scales a diagonal deflection back onto the unit circle.
func circularize(x, y int8) (int8, int8) {
	if x == 0 || y == 0 {
		return x, y
	}
	// 181/256 ~= 1/sqrt(2)
	return int8(int32(x) * 181 / 256), int8(int32(y) * 181 / 256)
}

func clipAxis(v int32) int8 {
	if v > 127 {
		return 127
	}
	if v < -127 {
		return -127
	}
	return int8(v)
}
