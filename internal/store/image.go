package store

import (
	"fmt"

	"github.com/sweeney/hall-keyboard/internal/profile"
)

// Record sizes and offsets of the packed image. The layout is fixed:
// calibration, options, per-key bottom-out thresholds, profile indices,
// profiles, macros, tick rate. All multi-byte values little-endian.
const (
	calibrationSize = 4
	optionsSize     = 1

	// AdvancedKeySize is layer + key + type + the largest variant
	// payload (Tap-Hold: 10 bytes).
	AdvancedKeySize = 13

	gamepadOptionsSize = 9

	// ProfileSize is one packed profile record.
	ProfileSize = profile.NumLayers*profile.NumKeys + // keymap
		profile.NumKeys*4 + // actuation map
		profile.NumAdvancedKeys*AdvancedKeySize +
		profile.NumKeys + // gamepad buttons
		gamepadOptionsSize

	// MacroSize is one packed macro slot.
	MacroSize = profile.MaxMacroEvents * 2

	OffCalibration           = 0
	OffOptions               = OffCalibration + calibrationSize
	OffBottomOutThreshold    = OffOptions + optionsSize
	OffCurrentProfile        = OffBottomOutThreshold + profile.NumKeys*2
	OffLastNonDefaultProfile = OffCurrentProfile + 1
	OffProfiles              = OffLastNonDefaultProfile + 1
	OffMacros                = OffProfiles + profile.NumProfiles*ProfileSize
	OffTickRate              = OffMacros + profile.NumMacros*MacroSize

	// ImageSize is the total packed record length.
	ImageSize = OffTickRate + 1
)

func putU16(b []byte, v uint16) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}

func getU16(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}

func packOptions(o profile.Options) uint8 {
	var b uint8
	if o.XInputEnabled {
		b |= 1 << 0
	}
	if o.SaveBottomOutThreshold {
		b |= 1 << 1
	}
	return b
}

func unpackOptions(b uint8) profile.Options {
	return profile.Options{
		XInputEnabled:          b&(1<<0) != 0,
		SaveBottomOutThreshold: b&(1<<1) != 0,
	}
}

// MarshalImage packs the full image.
func MarshalImage(im *profile.Image) []byte {
	buf := make([]byte, ImageSize)
	putU16(buf[OffCalibration:], im.Calibration.InitialRestValue)
	putU16(buf[OffCalibration+2:], im.Calibration.InitialBottomOutThreshold)
	buf[OffOptions] = packOptions(im.Options)
	for i, v := range im.BottomOutThreshold {
		putU16(buf[OffBottomOutThreshold+i*2:], v)
	}
	buf[OffCurrentProfile] = im.CurrentProfile
	buf[OffLastNonDefaultProfile] = im.LastNonDefaultProfile
	for p := range im.Profiles {
		copy(buf[OffProfiles+p*ProfileSize:], MarshalProfile(&im.Profiles[p]))
	}
	for m := range im.Macros {
		marshalMacro(buf[OffMacros+m*MacroSize:], &im.Macros[m])
	}
	buf[OffTickRate] = im.TickRate
	return buf
}

// UnmarshalImage decodes a packed image into im.
func UnmarshalImage(raw []byte, im *profile.Image) error {
	if len(raw) < ImageSize {
		return fmt.Errorf("store: image too short: %d < %d", len(raw), ImageSize)
	}
	im.Calibration.InitialRestValue = getU16(raw[OffCalibration:])
	im.Calibration.InitialBottomOutThreshold = getU16(raw[OffCalibration+2:])
	im.Options = unpackOptions(raw[OffOptions])
	for i := range im.BottomOutThreshold {
		im.BottomOutThreshold[i] = getU16(raw[OffBottomOutThreshold+i*2:])
	}
	im.CurrentProfile = raw[OffCurrentProfile]
	im.LastNonDefaultProfile = raw[OffLastNonDefaultProfile]
	for p := range im.Profiles {
		unmarshalProfile(raw[OffProfiles+p*ProfileSize:], &im.Profiles[p])
	}
	for m := range im.Macros {
		unmarshalMacro(raw[OffMacros+m*MacroSize:], &im.Macros[m])
	}
	im.TickRate = raw[OffTickRate]
	return nil
}

// MarshalProfile packs one profile record.
func MarshalProfile(p *profile.Profile) []byte {
	buf := make([]byte, ProfileSize)
	off := 0
	for l := range p.Keymap {
		for k := range p.Keymap[l] {
			buf[off] = p.Keymap[l][k]
			off++
		}
	}
	for k := range p.ActuationMap {
		a := &p.ActuationMap[k]
		buf[off] = a.ActuationPoint
		buf[off+1] = a.RTDown
		buf[off+2] = a.RTUp
		if a.Continuous {
			buf[off+3] = 1
		}
		off += 4
	}
	for i := range p.AdvancedKeys {
		marshalAdvancedKey(buf[off:], &p.AdvancedKeys[i])
		off += AdvancedKeySize
	}
	for k := range p.GamepadButtons {
		buf[off] = uint8(p.GamepadButtons[k])
		off++
	}
	marshalGamepadOptions(buf[off:], &p.GamepadOptions)
	return buf
}

// UnmarshalProfile decodes one packed profile record.
func UnmarshalProfile(raw []byte, p *profile.Profile) {
	unmarshalProfile(raw, p)
}

// Offsets of the sections inside a packed profile record, used by the
// configuration protocol's paged reads and writes.
const (
	ProfileOffKeymap         = 0
	ProfileOffActuationMap   = ProfileOffKeymap + profile.NumLayers*profile.NumKeys
	ProfileOffAdvancedKeys   = ProfileOffActuationMap + profile.NumKeys*4
	ProfileOffGamepadButtons = ProfileOffAdvancedKeys + profile.NumAdvancedKeys*AdvancedKeySize
	ProfileOffGamepadOptions = ProfileOffGamepadButtons + profile.NumKeys
)

// MarshalMacroBank packs all macro slots.
func MarshalMacroBank(im *profile.Image) []byte {
	buf := make([]byte, profile.NumMacros*MacroSize)
	for i := range im.Macros {
		marshalMacro(buf[i*MacroSize:], &im.Macros[i])
	}
	return buf
}

// UnmarshalMacroBank decodes all macro slots.
func UnmarshalMacroBank(raw []byte, im *profile.Image) {
	for i := range im.Macros {
		unmarshalMacro(raw[i*MacroSize:], &im.Macros[i])
	}
}

func unmarshalProfile(raw []byte, p *profile.Profile) {
	off := 0
	for l := range p.Keymap {
		for k := range p.Keymap[l] {
			p.Keymap[l][k] = raw[off]
			off++
		}
	}
	for k := range p.ActuationMap {
		p.ActuationMap[k] = profile.Actuation{
			ActuationPoint: raw[off],
			RTDown:         raw[off+1],
			RTUp:           raw[off+2],
			Continuous:     raw[off+3] != 0,
		}
		off += 4
	}
	for i := range p.AdvancedKeys {
		unmarshalAdvancedKey(raw[off:], &p.AdvancedKeys[i])
		off += AdvancedKeySize
	}
	for k := range p.GamepadButtons {
		p.GamepadButtons[k] = profile.GamepadButton(raw[off])
		off++
	}
	unmarshalGamepadOptions(raw[off:], &p.GamepadOptions)
}

func marshalAdvancedKey(buf []byte, ak *profile.AdvancedKey) {
	buf[0] = ak.Layer
	buf[1] = ak.Key
	buf[2] = uint8(ak.Type)
	payload := buf[3:AdvancedKeySize]
	for i := range payload {
		payload[i] = 0
	}
	switch ak.Type {
	case profile.AKNullBind:
		payload[0] = ak.NullBind.SecondaryKey
		payload[1] = uint8(ak.NullBind.Behavior)
		payload[2] = ak.NullBind.BottomOutPoint
	case profile.AKDynamicKeystroke:
		copy(payload[0:], ak.DynamicKeystroke.Keycodes[:])
		copy(payload[4:], ak.DynamicKeystroke.Bitmap[:])
		payload[8] = ak.DynamicKeystroke.BottomOutPoint
	case profile.AKTapHold:
		payload[0] = ak.TapHold.TapKeycode
		payload[1] = ak.TapHold.HoldKeycode
		putU16(payload[2:], ak.TapHold.TappingTerm)
		payload[4] = ak.TapHold.Flags
		putU16(payload[5:], ak.TapHold.QuickTapMS)
		putU16(payload[7:], ak.TapHold.RequirePriorIdleMS)
		payload[9] = ak.TapHold.DoubleTapKeycode
	case profile.AKToggle:
		payload[0] = ak.Toggle.Keycode
		putU16(payload[1:], ak.Toggle.TappingTerm)
	case profile.AKCombo:
		copy(payload[0:], ak.Combo.Keys[:])
		payload[4] = ak.Combo.OutputKeycode
		putU16(payload[5:], ak.Combo.Term)
	case profile.AKMacro:
		payload[0] = ak.MacroKey.MacroIndex
	}
}

func unmarshalAdvancedKey(raw []byte, ak *profile.AdvancedKey) {
	*ak = profile.AdvancedKey{
		Layer: raw[0],
		Key:   raw[1],
		Type:  profile.AKType(raw[2]),
	}
	payload := raw[3:AdvancedKeySize]
	switch ak.Type {
	case profile.AKNullBind:
		ak.NullBind = profile.NullBind{
			SecondaryKey:   payload[0],
			Behavior:       profile.NBBehavior(payload[1]),
			BottomOutPoint: payload[2],
		}
	case profile.AKDynamicKeystroke:
		copy(ak.DynamicKeystroke.Keycodes[:], payload[0:4])
		copy(ak.DynamicKeystroke.Bitmap[:], payload[4:8])
		ak.DynamicKeystroke.BottomOutPoint = payload[8]
	case profile.AKTapHold:
		ak.TapHold = profile.TapHold{
			TapKeycode:         payload[0],
			HoldKeycode:        payload[1],
			TappingTerm:        getU16(payload[2:]),
			Flags:              payload[4],
			QuickTapMS:         getU16(payload[5:]),
			RequirePriorIdleMS: getU16(payload[7:]),
			DoubleTapKeycode:   payload[9],
		}
	case profile.AKToggle:
		ak.Toggle = profile.Toggle{
			Keycode:     payload[0],
			TappingTerm: getU16(payload[1:]),
		}
	case profile.AKCombo:
		copy(ak.Combo.Keys[:], payload[0:4])
		ak.Combo.OutputKeycode = payload[4]
		ak.Combo.Term = getU16(payload[5:])
	case profile.AKMacro:
		ak.MacroKey.MacroIndex = payload[0]
	}
}

func marshalGamepadOptions(buf []byte, o *profile.GamepadOptions) {
	off := 0
	for i := range o.AnalogCurve {
		buf[off] = o.AnalogCurve[i][0]
		buf[off+1] = o.AnalogCurve[i][1]
		off += 2
	}
	var b uint8
	if o.KeyboardEnabled {
		b |= 1 << 0
	}
	if o.GamepadOverride {
		b |= 1 << 1
	}
	if o.SquareJoystick {
		b |= 1 << 2
	}
	if o.SnappyJoystick {
		b |= 1 << 3
	}
	buf[off] = b
}

func unmarshalGamepadOptions(raw []byte, o *profile.GamepadOptions) {
	off := 0
	for i := range o.AnalogCurve {
		o.AnalogCurve[i][0] = raw[off]
		o.AnalogCurve[i][1] = raw[off+1]
		off += 2
	}
	b := raw[off]
	o.KeyboardEnabled = b&(1<<0) != 0
	o.GamepadOverride = b&(1<<1) != 0
	o.SquareJoystick = b&(1<<2) != 0
	o.SnappyJoystick = b&(1<<3) != 0
}

func marshalMacro(buf []byte, m *profile.Macro) {
	for i, ev := range m.Events {
		buf[i*2] = ev.Keycode
		buf[i*2+1] = uint8(ev.Action)
	}
}

func unmarshalMacro(raw []byte, m *profile.Macro) {
	for i := range m.Events {
		m.Events[i] = profile.MacroEvent{
			Keycode: raw[i*2],
			Action:  profile.MacroAction(raw[i*2+1]),
		}
	}
}
