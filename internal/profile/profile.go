// Package profile holds the configuration model shared between the
// runtime engines, the persistent image, and the configuration
// protocol. All arrays are compile-time sized; runtime code treats the
// image as read-only and mutates it only through paths that reset the
// advanced-key engine first.
package profile

import "github.com/sweeney/hall-keyboard/internal/keycode"

// Compile-time shape of the keyboard.
const (
	NumKeys         = 68
	NumLayers       = 4
	NumProfiles     = 4
	NumAdvancedKeys = 32
	NumMacros       = 16
	MaxMacroEvents  = 16

	// ComboVirtualKey is the reserved key index the combo engine
	// registers its output on. It never appears in the keymap.
	ComboVirtualKey = 255
)

// Actuation configures actuation and Rapid Trigger for one key.
// If RTDown is zero, Rapid Trigger is disabled and the key uses a fixed
// actuation threshold. If RTUp is zero, RTDown is used for both
// directions.
type Actuation struct {
	ActuationPoint uint8 `toml:"actuation_point" yaml:"actuation_point" json:"actuation_point"`
	RTDown         uint8 `toml:"rt_down" yaml:"rt_down" json:"rt_down"`
	RTUp           uint8 `toml:"rt_up" yaml:"rt_up" json:"rt_up"`
	Continuous     bool  `toml:"continuous" yaml:"continuous" json:"continuous"`
}

// AKType tags the advanced-key variant.
type AKType uint8

const (
	AKNone AKType = iota
	AKNullBind
	AKDynamicKeystroke
	AKTapHold
	AKToggle
	AKCombo
	AKMacro
	akTypeCount
)

// NBBehavior selects the Null Bind resolution when both keys are held.
type NBBehavior uint8

const (
	// NBLast prioritizes the last pressed key.
	NBLast NBBehavior = iota
	// NBPrimary prioritizes the primary key.
	NBPrimary
	// NBSecondary prioritizes the secondary key.
	NBSecondary
	// NBNeutral releases both keys.
	NBNeutral
	// NBDistance prioritizes the key pressed further.
	NBDistance
)

// NullBind pairs the advanced key with a secondary key and resolves
// simultaneous opposing input.
type NullBind struct {
	SecondaryKey uint8      `toml:"secondary_key" yaml:"secondary_key" json:"secondary_key"`
	Behavior     NBBehavior `toml:"behavior" yaml:"behavior" json:"behavior"`
	// BottomOutPoint, if non-zero, registers both keys when both are
	// pressed past it regardless of the behavior.
	BottomOutPoint uint8 `toml:"bottom_out_point" yaml:"bottom_out_point" json:"bottom_out_point"`
}

// DKSAction is a 2-bit Dynamic Keystroke action.
type DKSAction uint8

const (
	DKSHold DKSAction = iota
	DKSPress
	DKSRelease
	DKSTap
)

// DynamicKeystroke binds up to four keycodes, each with a 2-bit action
// per keystroke part (press, bottom-out, release from bottom-out,
// release), packed low-to-high in Bitmap.
type DynamicKeystroke struct {
	Keycodes       [4]keycode.Code `toml:"keycodes" yaml:"keycodes" json:"keycodes"`
	Bitmap         [4]uint8        `toml:"bitmap" yaml:"bitmap" json:"bitmap"`
	BottomOutPoint uint8           `toml:"bottom_out_point" yaml:"bottom_out_point" json:"bottom_out_point"`
}

// TapHoldFlavor selects how an undecided Tap-Hold resolves to hold.
type TapHoldFlavor uint8

const (
	// FlavorHoldPreferred holds when the tapping term expires; an
	// interrupting press alone does not resolve it (see the
	// hold-on-other-key-press flag for that).
	FlavorHoldPreferred TapHoldFlavor = iota
	// FlavorBalanced holds when the tapping term expires or another
	// key is both pressed and released.
	FlavorBalanced
	// FlavorTapPreferred holds only when the tapping term expires
	// without another key having been pressed.
	FlavorTapPreferred
	// FlavorTapUnlessInterrupted holds only when another key is
	// pressed before the tapping term expires.
	FlavorTapUnlessInterrupted
)

// Tap-Hold flag bits.
const (
	thFlavorMask            = 0x03
	thRetroTappingBit       = 2
	thHoldWhileUndecidedBit = 3
	thHoldOnOtherPressBit   = 4
	thPermissiveHoldBit     = 5
)

// TapHold sends one keycode on tap and another on hold.
type TapHold struct {
	TapKeycode  keycode.Code `toml:"tap_keycode" yaml:"tap_keycode" json:"tap_keycode"`
	HoldKeycode keycode.Code `toml:"hold_keycode" yaml:"hold_keycode" json:"hold_keycode"`
	// TappingTerm is the decision window in milliseconds.
	TappingTerm uint16 `toml:"tapping_term" yaml:"tapping_term" json:"tapping_term"`
	// Flags packs the flavor (bits 0-1), retro tapping (bit 2), hold
	// while undecided (bit 3), hold on other key press (bit 4), and
	// permissive hold (bit 5).
	Flags uint8 `toml:"flags" yaml:"flags" json:"flags"`
	// QuickTapMS always produces a tap on re-press within this window
	// of the previous tap (0 = disabled, unless DoubleTapKeycode is set).
	QuickTapMS uint16 `toml:"quick_tap_ms" yaml:"quick_tap_ms" json:"quick_tap_ms"`
	// RequirePriorIdleMS always produces a tap when pressed within
	// this window of another non-modifier key (0 = disabled).
	RequirePriorIdleMS uint16 `toml:"require_prior_idle_ms" yaml:"require_prior_idle_ms" json:"require_prior_idle_ms"`
	// DoubleTapKeycode is sent instead of the tap keycode on a
	// re-press within the quick-tap window, or within the tapping term
	// when QuickTapMS is 0 (0 = disabled).
	DoubleTapKeycode keycode.Code `toml:"double_tap_keycode" yaml:"double_tap_keycode" json:"double_tap_keycode"`
}

// Flavor extracts the flavor from Flags.
func (t TapHold) Flavor() TapHoldFlavor { return TapHoldFlavor(t.Flags & thFlavorMask) }

// RetroTapping reports whether retro tapping is enabled.
func (t TapHold) RetroTapping() bool { return t.Flags>>thRetroTappingBit&1 != 0 }

// HoldWhileUndecided reports whether the hold keycode is registered
// during the decision window.
func (t TapHold) HoldWhileUndecided() bool { return t.Flags>>thHoldWhileUndecidedBit&1 != 0 }

// HoldOnOtherKeyPress reports whether any other press resolves hold.
func (t TapHold) HoldOnOtherKeyPress() bool { return t.Flags>>thHoldOnOtherPressBit&1 != 0 }

// PermissiveHold reports whether any other release resolves hold.
func (t TapHold) PermissiveHold() bool { return t.Flags>>thPermissiveHoldBit&1 != 0 }

// MakeTapHoldFlags packs the flag byte.
func MakeTapHoldFlags(flavor TapHoldFlavor, retro, holdWhileUndecided, holdOnOtherPress, permissive bool) uint8 {
	f := uint8(flavor) & thFlavorMask
	if retro {
		f |= 1 << thRetroTappingBit
	}
	if holdWhileUndecided {
		f |= 1 << thHoldWhileUndecidedBit
	}
	if holdOnOtherPress {
		f |= 1 << thHoldOnOtherPressBit
	}
	if permissive {
		f |= 1 << thPermissiveHoldBit
	}
	return f
}

// Toggle latches its keycode on tap and acts as a normal key on hold.
type Toggle struct {
	Keycode     keycode.Code `toml:"keycode" yaml:"keycode" json:"keycode"`
	TappingTerm uint16       `toml:"tapping_term" yaml:"tapping_term" json:"tapping_term"`
}

// Combo maps up to four simultaneous key presses to one output
// keycode. Unused key slots hold ComboVirtualKey.
type Combo struct {
	Keys          [4]uint8     `toml:"keys" yaml:"keys" json:"keys"`
	OutputKeycode keycode.Code `toml:"output_keycode" yaml:"output_keycode" json:"output_keycode"`
	// Term is the maximum spread between the first and last press in
	// milliseconds (0 = default).
	Term uint16 `toml:"term" yaml:"term" json:"term"`
}

// RequiredKeys returns the combo's configured trigger keys.
func (c Combo) RequiredKeys() []uint8 {
	keys := make([]uint8, 0, 4)
	for _, k := range c.Keys {
		if k < NumKeys {
			keys = append(keys, k)
		}
	}
	return keys
}

// MacroAction is one step type of a macro sequence.
type MacroAction uint8

const (
	MacroEnd MacroAction = iota
	MacroTap
	MacroPress
	MacroRelease
	// MacroDelay pauses playback; the keycode field holds the delay in
	// 10 ms units.
	MacroDelay
)

// MacroEvent is a single macro step.
type MacroEvent struct {
	Keycode keycode.Code `toml:"keycode" yaml:"keycode" json:"keycode"`
	Action  MacroAction  `toml:"action" yaml:"action" json:"action"`
}

// Macro is a fixed-length sequence of events terminated by MacroEnd.
type Macro struct {
	Events [MaxMacroEvents]MacroEvent `toml:"events" yaml:"events" json:"events"`
}

// MacroKey references a macro slot from an advanced key.
type MacroKey struct {
	MacroIndex uint8 `toml:"macro_index" yaml:"macro_index" json:"macro_index"`
}

// AdvancedKey is the tagged variant binding a key on a layer to one of
// the advanced behaviors. Only the field matching Type is meaningful.
type AdvancedKey struct {
	Layer uint8  `toml:"layer" yaml:"layer" json:"layer"`
	Key   uint8  `toml:"key" yaml:"key" json:"key"`
	Type  AKType `toml:"type" yaml:"type" json:"type"`

	NullBind         NullBind         `toml:"null_bind,omitempty" yaml:"null_bind,omitempty" json:"null_bind,omitempty"`
	DynamicKeystroke DynamicKeystroke `toml:"dynamic_keystroke,omitempty" yaml:"dynamic_keystroke,omitempty" json:"dynamic_keystroke,omitempty"`
	TapHold          TapHold          `toml:"tap_hold,omitempty" yaml:"tap_hold,omitempty" json:"tap_hold,omitempty"`
	Toggle           Toggle           `toml:"toggle,omitempty" yaml:"toggle,omitempty" json:"toggle,omitempty"`
	Combo            Combo            `toml:"combo,omitempty" yaml:"combo,omitempty" json:"combo,omitempty"`
	MacroKey         MacroKey         `toml:"macro,omitempty" yaml:"macro,omitempty" json:"macro,omitempty"`
}

// GamepadButton identifies an XInput button or analog function bound
// to a key.
type GamepadButton uint8

const (
	GPNone GamepadButton = iota
	GPButtonA
	GPButtonB
	GPButtonX
	GPButtonY
	GPButtonUp
	GPButtonDown
	GPButtonLeft
	GPButtonRight
	GPButtonStart
	GPButtonBack
	GPButtonHome
	GPButtonLS
	GPButtonRS
	GPButtonLB
	GPButtonRB

	GPLeftStickUp
	GPLeftStickDown
	GPLeftStickLeft
	GPLeftStickRight
	GPRightStickUp
	GPRightStickDown
	GPRightStickLeft
	GPRightStickRight
	GPLeftTrigger
	GPRightTrigger
)

// GamepadOptions configures the gamepad mapper for a profile.
type GamepadOptions struct {
	// AnalogCurve maps key travel to analog output through four
	// (position, value) points.
	AnalogCurve [4][2]uint8 `toml:"analog_curve" yaml:"analog_curve" json:"analog_curve"`
	// KeyboardEnabled keeps the keyboard path active for this profile.
	KeyboardEnabled bool `toml:"keyboard_enabled" yaml:"keyboard_enabled" json:"keyboard_enabled"`
	// GamepadOverride drops keys mapped to gamepad buttons from the
	// keyboard path.
	GamepadOverride bool `toml:"gamepad_override" yaml:"gamepad_override" json:"gamepad_override"`
	// SquareJoystick shapes the joystick output square instead of
	// circular.
	SquareJoystick bool `toml:"square_joystick" yaml:"square_joystick" json:"square_joystick"`
	// SnappyJoystick uses the maximum of opposing axes instead of
	// combining them.
	SnappyJoystick bool `toml:"snappy_joystick" yaml:"snappy_joystick" json:"snappy_joystick"`
}

// Profile is one complete keymap configuration.
type Profile struct {
	Keymap         [NumLayers][NumKeys]keycode.Code `toml:"keymap" yaml:"keymap" json:"keymap"`
	ActuationMap   [NumKeys]Actuation               `toml:"actuation_map" yaml:"actuation_map" json:"actuation_map"`
	AdvancedKeys   [NumAdvancedKeys]AdvancedKey     `toml:"advanced_keys" yaml:"advanced_keys" json:"advanced_keys"`
	GamepadButtons [NumKeys]GamepadButton           `toml:"gamepad_buttons" yaml:"gamepad_buttons" json:"gamepad_buttons"`
	GamepadOptions GamepadOptions                   `toml:"gamepad_options" yaml:"gamepad_options" json:"gamepad_options"`
}

// Calibration holds the global calibration defaults applied on
// recalibration.
type Calibration struct {
	InitialRestValue          uint16 `toml:"initial_rest_value" yaml:"initial_rest_value" json:"initial_rest_value"`
	InitialBottomOutThreshold uint16 `toml:"initial_bottom_out_threshold" yaml:"initial_bottom_out_threshold" json:"initial_bottom_out_threshold"`
}

// Options is the global option bitfield.
type Options struct {
	XInputEnabled          bool `toml:"xinput_enabled" yaml:"xinput_enabled" json:"xinput_enabled"`
	SaveBottomOutThreshold bool `toml:"save_bottom_out_threshold" yaml:"save_bottom_out_threshold" json:"save_bottom_out_threshold"`
}

// Image mirrors the persistent configuration record. The matrix and
// layout engines read it concurrently; it is mutated only through
// configuration paths that reset the advanced-key engine first.
type Image struct {
	Calibration           Calibration                  `toml:"calibration" yaml:"calibration" json:"calibration"`
	Options               Options                      `toml:"options" yaml:"options" json:"options"`
	BottomOutThreshold    [NumKeys]uint16              `toml:"bottom_out_threshold" yaml:"bottom_out_threshold" json:"bottom_out_threshold"`
	CurrentProfile        uint8                        `toml:"current_profile" yaml:"current_profile" json:"current_profile"`
	LastNonDefaultProfile uint8                        `toml:"last_non_default_profile" yaml:"last_non_default_profile" json:"last_non_default_profile"`
	Profiles              [NumProfiles]Profile         `toml:"profiles" yaml:"profiles" json:"profiles"`
	Macros                [NumMacros]Macro             `toml:"macros" yaml:"macros" json:"macros"`
	TickRate              uint8                        `toml:"tick_rate" yaml:"tick_rate" json:"tick_rate"`
}

// Current returns the active profile.
func (im *Image) Current() *Profile {
	if im.CurrentProfile >= NumProfiles {
		return &im.Profiles[0]
	}
	return &im.Profiles[im.CurrentProfile]
}

// Default returns an Image with sane defaults: 12-bit rest at 1800,
// bottom-out threshold 600, actuation at 128 on every key, keyboard
// path enabled.
func Default() *Image {
	im := &Image{}
	im.Calibration.InitialRestValue = 1800
	im.Calibration.InitialBottomOutThreshold = 600
	im.Options.SaveBottomOutThreshold = true
	im.TickRate = 1
	for p := range im.Profiles {
		prof := &im.Profiles[p]
		prof.GamepadOptions.KeyboardEnabled = true
		for k := range prof.ActuationMap {
			prof.ActuationMap[k] = Actuation{ActuationPoint: 128}
		}
	}
	return im
}
