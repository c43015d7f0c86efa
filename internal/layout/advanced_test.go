package layout

import (
	"testing"

	"github.com/sweeney/hall-keyboard/internal/keycode"
	"github.com/sweeney/hall-keyboard/internal/profile"
)

func tapHoldSlot(h *harness, slot int, key uint8, th profile.TapHold) {
	prof := h.image.Current()
	prof.AdvancedKeys[slot] = profile.AdvancedKey{
		Layer:   0,
		Key:     key,
		Type:    profile.AKTapHold,
		TapHold: th,
	}
	h.eng.LoadAdvancedKeys()
}

func TestTapHoldQuickRelease(t *testing.T) {
	// Released inside the tapping term with no interrupts: tap.
	h := newHarness()
	tapHoldSlot(h, 0, 5, profile.TapHold{
		TapKeycode: keycode.A, HoldKeycode: keycode.LeftShift, TappingTerm: 200,
	})

	h.press(5, 0)
	h.tickAt(0)
	if h.dev.IsPressed(keycode.A) || h.dev.IsPressed(keycode.LeftShift) {
		t.Fatal("nothing should register while undecided")
	}

	h.release(5, 50)
	h.tickAt(50)
	if !h.dev.IsPressed(keycode.A) {
		t.Fatal("tap keycode should register on release")
	}

	// The deferred release lands on the next tick.
	h.tickAt(51)
	if h.dev.IsPressed(keycode.A) {
		t.Fatal("tap keycode should be released by the deferred action")
	}
}

func TestTapHoldHeldThroughTerm(t *testing.T) {
	// Hold-preferred: KC_B pressed and released inside
	// the window, slot held through the term. Shift lands at the term
	// and the buffered B types while it is down.
	h := newHarness()
	h.image.Current().Keymap[0][6] = keycode.B
	tapHoldSlot(h, 0, 5, profile.TapHold{
		TapKeycode: keycode.A, HoldKeycode: keycode.LeftShift, TappingTerm: 200,
	})

	h.press(5, 0)
	h.tickAt(0)

	h.press(6, 50)
	h.tickAt(50)
	if h.dev.IsPressed(keycode.B) {
		t.Fatal("KC_B must stay buffered while the hold-tap is undecided")
	}
	if h.dev.IsPressed(keycode.LeftShift) {
		t.Fatal("hold-preferred must not resolve on interrupt")
	}

	h.release(6, 80)
	h.tickAt(80)
	if h.dev.IsPressed(keycode.LeftShift) {
		t.Fatal("still inside the term")
	}

	h.tickAt(200)
	if !h.dev.IsPressed(keycode.LeftShift) {
		t.Fatal("term elapsed: hold keycode must be registered")
	}

	// The pending B press/release drained while shift was down.
	foundShiftedB := false
	for _, r := range h.dev.Reports {
		if r[0]&0x02 != 0 { // LeftShift modifier bit
			for _, k := range r[2:] {
				if k == keycode.B {
					foundShiftedB = true
				}
			}
		}
	}
	if !foundShiftedB {
		t.Fatal("KC_B must have been reported with shift held")
	}

	h.release(5, 250)
	h.tickAt(250)
	if h.dev.IsPressed(keycode.LeftShift) {
		t.Fatal("hold keycode must be released with the key")
	}
}

func TestTapHoldPermissiveHold(t *testing.T) {
	// Permissive hold resolves on the interrupting
	// key's release, before the term.
	h := newHarness()
	h.image.Current().Keymap[0][6] = keycode.B
	tapHoldSlot(h, 0, 5, profile.TapHold{
		TapKeycode: keycode.A, HoldKeycode: keycode.LeftShift, TappingTerm: 200,
		Flags: profile.MakeTapHoldFlags(profile.FlavorHoldPreferred, false, false, false, true),
	})

	h.press(5, 0)
	h.tickAt(0)
	h.press(6, 30)
	h.tickAt(30)
	if h.dev.IsPressed(keycode.LeftShift) {
		t.Fatal("press alone must not resolve permissive hold")
	}

	h.release(6, 60)
	h.tickAt(60)
	if !h.dev.IsPressed(keycode.LeftShift) {
		t.Fatal("interrupt release must resolve hold")
	}

	foundShiftedB := false
	for _, r := range h.dev.Reports {
		if r[0]&0x02 != 0 {
			for _, k := range r[2:] {
				if k == keycode.B {
					foundShiftedB = true
				}
			}
		}
	}
	if !foundShiftedB {
		t.Fatal("KC_B must have been sent shifted")
	}

	h.release(5, 100)
	h.tickAt(100)
	if h.dev.IsPressed(keycode.LeftShift) {
		t.Fatal("shift must release at t=100")
	}
}

func TestTapHoldBalanced(t *testing.T) {
	h := newHarness()
	h.image.Current().Keymap[0][6] = keycode.B
	tapHoldSlot(h, 0, 5, profile.TapHold{
		TapKeycode: keycode.A, HoldKeycode: keycode.LeftShift, TappingTerm: 200,
		Flags: profile.MakeTapHoldFlags(profile.FlavorBalanced, false, false, false, false),
	})

	h.press(5, 0)
	h.tickAt(0)
	h.press(6, 30)
	h.tickAt(30)
	if h.dev.IsPressed(keycode.LeftShift) {
		t.Fatal("balanced needs press AND release")
	}
	h.release(6, 60)
	h.tickAt(60)
	if !h.dev.IsPressed(keycode.LeftShift) {
		t.Fatal("balanced must resolve hold after press and release")
	}
}

func TestTapHoldHoldOnOtherKeyPress(t *testing.T) {
	h := newHarness()
	h.image.Current().Keymap[0][6] = keycode.B
	tapHoldSlot(h, 0, 5, profile.TapHold{
		TapKeycode: keycode.A, HoldKeycode: keycode.LeftShift, TappingTerm: 200,
		Flags: profile.MakeTapHoldFlags(profile.FlavorHoldPreferred, false, false, true, false),
	})

	h.press(5, 0)
	h.tickAt(0)
	h.press(6, 30)
	h.tickAt(30)
	if !h.dev.IsPressed(keycode.LeftShift) {
		t.Fatal("any press must resolve hold immediately")
	}
	if !h.dev.IsPressed(keycode.B) {
		t.Fatal("the interrupting key must register once the hold resolved")
	}
}

func TestTapHoldTapUnlessInterrupted(t *testing.T) {
	h := newHarness()
	h.image.Current().Keymap[0][6] = keycode.B
	tapHoldSlot(h, 0, 5, profile.TapHold{
		TapKeycode: keycode.A, HoldKeycode: keycode.LeftShift, TappingTerm: 200,
		Flags: profile.MakeTapHoldFlags(profile.FlavorTapUnlessInterrupted, false, false, false, false),
	})

	// Uninterrupted past the term resolves to a held tap keycode.
	h.press(5, 0)
	h.tickAt(0)
	h.tickAt(200)
	if !h.dev.IsPressed(keycode.A) {
		t.Fatal("uninterrupted term expiry must resolve to tap")
	}
	h.release(5, 250)
	h.tickAt(250)
	if h.dev.IsPressed(keycode.A) {
		t.Fatal("tap keycode must release with the key")
	}

	// Interrupted before the term resolves to hold.
	h.press(5, 300)
	h.tickAt(300)
	h.press(6, 320)
	h.tickAt(320)
	if !h.dev.IsPressed(keycode.LeftShift) {
		t.Fatal("interruption before the term must resolve to hold")
	}
	h.release(6, 330)
	h.tickAt(330)
	h.release(5, 340)
	h.tickAt(340)
}

func TestTapHoldZeroTerm(t *testing.T) {
	// tapping_term 0 resolves to hold on any post-press tick.
	h := newHarness()
	tapHoldSlot(h, 0, 5, profile.TapHold{
		TapKeycode: keycode.A, HoldKeycode: keycode.LeftShift, TappingTerm: 0,
	})
	h.press(5, 0)
	h.tickAt(0)
	h.tickAt(1)
	if !h.dev.IsPressed(keycode.LeftShift) {
		t.Fatal("zero term must resolve hold on the first post-press tick")
	}
}

func TestTapHoldRetroTapping(t *testing.T) {
	h := newHarness()
	tapHoldSlot(h, 0, 5, profile.TapHold{
		TapKeycode: keycode.A, HoldKeycode: keycode.LeftShift, TappingTerm: 200,
		Flags: profile.MakeTapHoldFlags(profile.FlavorTapPreferred, true, false, false, false),
	})

	// No tick lands between press and release, so the slot is still
	// undecided when released after the term: retro tapping taps.
	h.press(5, 0)
	h.tickAt(0)
	h.release(5, 300)
	h.tickAt(300)
	if !h.dev.IsPressed(keycode.A) {
		t.Fatal("retro tapping must register the tap after the term")
	}
	h.tickAt(301)
	if h.dev.IsPressed(keycode.A) {
		t.Fatal("retro tap must release on the next tick")
	}
}

func TestTapHoldQuickTap(t *testing.T) {
	h := newHarness()
	tapHoldSlot(h, 0, 5, profile.TapHold{
		TapKeycode: keycode.A, HoldKeycode: keycode.LeftShift, TappingTerm: 200,
		QuickTapMS: 100,
	})

	// First tap.
	h.press(5, 0)
	h.tickAt(0)
	h.release(5, 20)
	h.tickAt(20)
	h.tickAt(21)

	// Re-press within the quick-tap window: tap immediately, held.
	h.press(5, 60)
	h.tickAt(60)
	if !h.dev.IsPressed(keycode.A) {
		t.Fatal("quick tap must register the tap keycode on press")
	}
	h.tickAt(400)
	if !h.dev.IsPressed(keycode.A) {
		t.Fatal("quick tap key must stay held, never resolving hold")
	}
	if h.dev.IsPressed(keycode.LeftShift) {
		t.Fatal("hold keycode must not register during a quick tap")
	}
	h.release(5, 450)
	h.tickAt(450)
	if h.dev.IsPressed(keycode.A) {
		t.Fatal("quick tap must release with the key")
	}
}

func TestTapHoldRequirePriorIdle(t *testing.T) {
	h := newHarness()
	h.image.Current().Keymap[0][6] = keycode.B
	tapHoldSlot(h, 0, 5, profile.TapHold{
		TapKeycode: keycode.A, HoldKeycode: keycode.LeftShift, TappingTerm: 200,
		RequirePriorIdleMS: 120,
	})

	// Type B, then the tap-hold right after: bypassed to tap.
	h.press(6, 0)
	h.tickAt(0)
	h.release(6, 10)
	h.tickAt(10)

	h.press(5, 50)
	h.tickAt(50)
	if !h.dev.IsPressed(keycode.A) {
		t.Fatal("press within the prior-idle window must resolve to tap")
	}
	h.release(5, 90)
	h.tickAt(90)

	// After idling past the window the decision window opens normally.
	h.press(5, 500)
	h.tickAt(500)
	if h.dev.IsPressed(keycode.A) {
		t.Fatal("idle press must open an undecided window")
	}
	h.release(5, 520)
	h.tickAt(520)
	h.tickAt(521)
}

func TestTapHoldHoldWhileUndecided(t *testing.T) {
	h := newHarness()
	tapHoldSlot(h, 0, 5, profile.TapHold{
		TapKeycode: keycode.A, HoldKeycode: keycode.LeftShift, TappingTerm: 200,
		Flags: profile.MakeTapHoldFlags(profile.FlavorHoldPreferred, false, true, false, false),
	})

	h.press(5, 0)
	h.tickAt(0)
	if !h.dev.IsPressed(keycode.LeftShift) {
		t.Fatal("hold-while-undecided must pre-register the hold keycode")
	}

	// Quick release: the hold keycode comes back out and the tap goes
	// through.
	h.release(5, 50)
	h.tickAt(50)
	if h.dev.IsPressed(keycode.LeftShift) {
		t.Fatal("pre-registered hold must be removed on tap resolution")
	}
	if !h.dev.IsPressed(keycode.A) {
		t.Fatal("tap keycode must register")
	}
}

func TestPendingBufferGate(t *testing.T) {
	// While a hold-tap is undecided, non-hold-tap presses stay
	// buffered; they drain once the decision lands.
	h := newHarness()
	prof := h.image.Current()
	prof.Keymap[0][6] = keycode.B
	prof.Keymap[0][7] = keycode.C
	tapHoldSlot(h, 0, 5, profile.TapHold{
		TapKeycode: keycode.A, HoldKeycode: keycode.LeftShift, TappingTerm: 200,
	})

	h.press(5, 0)
	h.tickAt(0)
	h.press(6, 10)
	h.press(7, 20)
	h.tickAt(20)
	if h.dev.IsPressed(keycode.B) || h.dev.IsPressed(keycode.C) {
		t.Fatal("both presses must be buffered while undecided")
	}
	if !h.eng.HasUndecided() {
		t.Fatal("slot must be undecided")
	}

	h.tickAt(200)
	if !h.dev.IsPressed(keycode.LeftShift) {
		t.Fatal("term elapsed: hold resolves")
	}
	if !h.dev.IsPressed(keycode.B) || !h.dev.IsPressed(keycode.C) {
		t.Fatal("buffered presses must drain in order after resolution")
	}
}

func TestToggle(t *testing.T) {
	h := newHarness()
	prof := h.image.Current()
	prof.AdvancedKeys[0] = profile.AdvancedKey{
		Layer: 0, Key: 4, Type: profile.AKToggle,
		Toggle: profile.Toggle{Keycode: keycode.W, TappingTerm: 200},
	}
	h.eng.LoadAdvancedKeys()

	// Tap: toggled on, stays registered after release.
	h.press(4, 0)
	h.tickAt(0)
	h.release(4, 50)
	h.tickAt(50)
	if !h.dev.IsPressed(keycode.W) {
		t.Fatal("toggled key must stay registered after release")
	}

	// Tap again: toggled off.
	h.press(4, 100)
	h.tickAt(100)
	h.release(4, 120)
	h.tickAt(120)
	if h.dev.IsPressed(keycode.W) {
		t.Fatal("second tap must toggle off")
	}
}

func TestToggleHeldPastTermRevertsToMomentary(t *testing.T) {
	h := newHarness()
	prof := h.image.Current()
	prof.AdvancedKeys[0] = profile.AdvancedKey{
		Layer: 0, Key: 4, Type: profile.AKToggle,
		Toggle: profile.Toggle{Keycode: keycode.W, TappingTerm: 200},
	}
	h.eng.LoadAdvancedKeys()

	h.press(4, 0)
	h.tickAt(0)
	h.tickAt(250)
	h.release(4, 300)
	h.tickAt(300)
	if h.dev.IsPressed(keycode.W) {
		t.Fatal("held past the term the key must act momentary and release")
	}
}

func TestDynamicKeystroke(t *testing.T) {
	h := newHarness()
	prof := h.image.Current()
	// Sub 0: press on key press (action PRESS in bits 0-1), release on
	// key release (action RELEASE in bits 6-7).
	// Sub 1: tap on bottom-out (action TAP in bits 2-3).
	prof.AdvancedKeys[0] = profile.AdvancedKey{
		Layer: 0, Key: 4, Type: profile.AKDynamicKeystroke,
		DynamicKeystroke: profile.DynamicKeystroke{
			Keycodes: [4]keycode.Code{keycode.A, keycode.B, 0, 0},
			Bitmap: [4]uint8{
				uint8(profile.DKSPress) | uint8(profile.DKSRelease)<<6,
				uint8(profile.DKSTap) << 2,
				0, 0,
			},
			BottomOutPoint: 230,
		},
	}
	h.eng.LoadAdvancedKeys()

	// Press at partial travel: sub 0 schedules its press.
	h.mat.states[4].IsPressed = true
	h.mat.states[4].Distance = 150
	h.mat.states[4].EventTime = 0
	h.tickAt(0)
	if !h.mat.rtDisabled[4] {
		t.Fatal("Rapid Trigger must be disabled while DKS is active")
	}
	// Deferred press lands next tick.
	h.tickAt(1)
	if !h.dev.IsPressed(keycode.A) {
		t.Fatal("sub 0 press must land via the deferred queue")
	}

	// Bottom-out: sub 1 taps.
	h.mat.states[4].Distance = 240
	h.tickAt(10)
	h.tickAt(11)
	if !h.dev.IsPressed(keycode.B) {
		t.Fatal("sub 1 tap must press on bottom-out")
	}
	h.tickAt(12)
	if h.dev.IsPressed(keycode.B) {
		t.Fatal("sub 1 tap must release one tick later")
	}

	// Release: sub 0 releases and Rapid Trigger is restored.
	h.release(4, 20)
	h.tickAt(20)
	if h.dev.IsPressed(keycode.A) {
		t.Fatal("sub 0 must release on key release")
	}
	if h.mat.rtDisabled[4] {
		t.Fatal("Rapid Trigger must be re-enabled on release")
	}
}

func nullBindSlot(h *harness, behavior profile.NBBehavior, bottomOut uint8) {
	prof := h.image.Current()
	prof.Keymap[0][10] = keycode.A
	prof.Keymap[0][11] = keycode.D
	prof.AdvancedKeys[0] = profile.AdvancedKey{
		Layer: 0, Key: 10, Type: profile.AKNullBind,
		NullBind: profile.NullBind{SecondaryKey: 11, Behavior: behavior, BottomOutPoint: bottomOut},
	}
	h.eng.LoadAdvancedKeys()
}

func TestNullBindLast(t *testing.T) {
	h := newHarness()
	nullBindSlot(h, profile.NBLast, 0)

	h.press(10, 0)
	h.tickAt(0)
	if !h.dev.IsPressed(keycode.A) {
		t.Fatal("primary alone must register")
	}

	h.press(11, 10)
	h.tickAt(10)
	if h.dev.IsPressed(keycode.A) {
		t.Fatal("last-wins must release the primary")
	}
	if !h.dev.IsPressed(keycode.D) {
		t.Fatal("last-wins must register the secondary")
	}

	h.release(11, 20)
	h.tickAt(20)
	if h.dev.IsPressed(keycode.D) {
		t.Fatal("released key must unregister")
	}
}

func TestNullBindNeutral(t *testing.T) {
	h := newHarness()
	nullBindSlot(h, profile.NBNeutral, 0)

	h.press(10, 0)
	h.tickAt(0)
	h.press(11, 10)
	h.tickAt(10)
	if h.dev.IsPressed(keycode.A) || h.dev.IsPressed(keycode.D) {
		t.Fatal("neutral must release both while both are held")
	}
}

func TestNullBindDistance(t *testing.T) {
	h := newHarness()
	nullBindSlot(h, profile.NBDistance, 0)

	h.press(10, 0)
	h.mat.states[10].Distance = 120
	h.tickAt(0)
	h.press(11, 10)
	h.mat.states[11].Distance = 200
	h.tickAt(10)
	if h.dev.IsPressed(keycode.A) {
		t.Fatal("shallower key must lose the distance comparison")
	}
	if !h.dev.IsPressed(keycode.D) {
		t.Fatal("deeper key must win the distance comparison")
	}
}

func TestNullBindBottomOutOverride(t *testing.T) {
	h := newHarness()
	nullBindSlot(h, profile.NBNeutral, 180)

	h.press(10, 0)
	h.mat.states[10].Distance = 250
	h.tickAt(0)
	h.press(11, 10)
	h.mat.states[11].Distance = 250
	h.tickAt(10)
	if !h.dev.IsPressed(keycode.A) || !h.dev.IsPressed(keycode.D) {
		t.Fatal("both keys past the bottom-out point must register")
	}
}

func TestMacroPlayback(t *testing.T) {
	h := newHarness()
	prof := h.image.Current()
	prof.AdvancedKeys[0] = profile.AdvancedKey{
		Layer: 0, Key: 4, Type: profile.AKMacro,
		MacroKey: profile.MacroKey{MacroIndex: 2},
	}
	h.image.Macros[2].Events = [profile.MaxMacroEvents]profile.MacroEvent{
		{Action: profile.MacroPress, Keycode: keycode.LeftShift},
		{Action: profile.MacroTap, Keycode: keycode.A},
		{Action: profile.MacroDelay, Keycode: 3}, // 30 ms
		{Action: profile.MacroRelease, Keycode: keycode.LeftShift},
		{Action: profile.MacroEnd},
	}
	h.eng.LoadAdvancedKeys()

	h.press(4, 0)
	h.tickAt(0)
	if !h.dev.IsPressed(keycode.LeftShift) || !h.dev.IsPressed(keycode.A) {
		t.Fatal("macro must press shift and tap A on trigger")
	}

	h.tickAt(1)
	if h.dev.IsPressed(keycode.A) {
		t.Fatal("tap release must land one tick later")
	}
	if !h.dev.IsPressed(keycode.LeftShift) {
		t.Fatal("shift stays down through the delay")
	}

	// Still inside the delay.
	h.tickAt(20)
	if !h.dev.IsPressed(keycode.LeftShift) {
		t.Fatal("delay must suspend playback")
	}

	// Delay elapsed: the release runs; trigger release is irrelevant.
	h.release(4, 25)
	h.tickAt(35)
	if h.dev.IsPressed(keycode.LeftShift) {
		t.Fatal("macro must resume after the delay and release shift")
	}
}

func TestClearAdvancedReleasesHeldKeys(t *testing.T) {
	h := newHarness()
	tapHoldSlot(h, 0, 5, profile.TapHold{
		TapKeycode: keycode.A, HoldKeycode: keycode.LeftShift, TappingTerm: 0,
	})

	h.press(5, 0)
	h.tickAt(0)
	h.tickAt(1)
	if !h.dev.IsPressed(keycode.LeftShift) {
		t.Fatal("zero-term hold should be registered")
	}

	h.eng.ClearAdvanced()
	if h.dev.IsPressed(keycode.LeftShift) {
		t.Fatal("clear must release every held advanced key")
	}
	if h.eng.HasUndecided() {
		t.Fatal("clear must drop undecided state")
	}
}
