package layout

import (
	"github.com/sweeney/hall-keyboard/internal/keycode"
	"github.com/sweeney/hall-keyboard/internal/profile"
)

// Advanced-key event types. The order matches the Dynamic Keystroke
// action bitmap so the event type doubles as the bitmap index.
type akEventType uint8

const (
	akEventHold akEventType = iota
	akEventPress
	akEventBottomOut
	akEventReleaseFromBottomOut
	akEventRelease
)

type akEvent struct {
	typ     akEventType
	key     uint8
	keycode keycode.Code
	index   uint8
}

// Tap-Hold stages. A slot is undecided while in stageTap.
type tapHoldStage uint8

const (
	stageNone tapHoldStage = iota
	stageTap
	stageHold
)

type tapHoldState struct {
	since            uint32
	stage            tapHoldStage
	interrupted      bool
	otherKeyReleased bool

	// tapHeld is set when the slot resolved to tap on press (quick
	// tap, prior-idle bypass, double tap) or at an uninterrupted term
	// expiry under tap-unless-interrupted, and holds heldKeycode until
	// release.
	tapHeld     bool
	heldKeycode keycode.Code

	// holdPreRegistered is set while hold-while-undecided has the hold
	// keycode in the report before the decision.
	holdPreRegistered bool

	lastTapTime uint32
	tappedOnce  bool
}

type toggleStage uint8

const (
	toggleStageNone toggleStage = iota
	toggleStageToggle
	toggleStageNormal
)

type toggleState struct {
	since     uint32
	stage     toggleStage
	isToggled bool
}

type nullBindState struct {
	isPressed [2]bool
	keycodes  [2]keycode.Code
}

type dksState struct {
	isPressed     [4]bool
	isBottomedOut bool
}

type macroState struct {
	eventIndex uint8
	isPlaying  bool
	waiting    bool
	delayStart uint32
	delayMS    uint32
	triggerKey uint8
}

// akState is the per-slot state record, parallel to the configuration.
type akState struct {
	tapHold  tapHoldState
	toggle   toggleState
	nullBind nullBindState
	dks      dksState
	macro    macroState
}

// HasUndecided reports whether any Tap-Hold slot is still in its
// decision window. The layout engine gates the pending-event buffer on
// this.
func (e *Engine) HasUndecided() bool {
	prof := e.image.Current()
	for i := range e.akStates {
		if prof.AdvancedKeys[i].Type == profile.AKTapHold &&
			e.akStates[i].tapHold.stage == stageTap {
			return true
		}
	}
	return false
}

// ClearAdvanced releases everything the advanced-key machines hold and
// zeroes their state. It must run before any configuration mutation
// that affects advanced keys.
func (e *Engine) ClearAdvanced() {
	prof := e.image.Current()
	for i := range e.akStates {
		ak := &prof.AdvancedKeys[i]
		s := &e.akStates[i]

		switch ak.Type {
		case profile.AKTapHold:
			if s.tapHold.stage == stageHold || s.tapHold.holdPreRegistered {
				e.Unregister(ak.Key, ak.TapHold.HoldKeycode)
			}
			if s.tapHold.tapHeld {
				e.Unregister(ak.Key, s.tapHold.heldKeycode)
			}

		case profile.AKToggle:
			if s.toggle.stage != toggleStageNone || s.toggle.isToggled {
				e.Unregister(ak.Key, ak.Toggle.Keycode)
			}

		case profile.AKNullBind:
			keys := [2]uint8{ak.Key, ak.NullBind.SecondaryKey}
			for j := 0; j < 2; j++ {
				if s.nullBind.isPressed[j] {
					e.Unregister(keys[j], s.nullBind.keycodes[j])
				}
			}

		case profile.AKDynamicKeystroke:
			for j, pressed := range s.dks.isPressed {
				if pressed {
					e.Unregister(ak.Key, ak.DynamicKeystroke.Keycodes[j])
				}
			}
			e.mat.DisableRapidTrigger(ak.Key, false)
		}
	}
	e.akStates = [profile.NumAdvancedKeys]akState{}
}

// processAdvanced routes an event to the slot's state machine.
func (e *Engine) processAdvanced(ev akEvent) {
	if int(ev.index) >= profile.NumAdvancedKeys {
		return
	}
	switch e.image.Current().AdvancedKeys[ev.index].Type {
	case profile.AKNullBind:
		e.akNullBind(ev)
	case profile.AKDynamicKeystroke:
		e.akDynamicKeystroke(ev)
	case profile.AKTapHold:
		e.akTapHold(ev)
	case profile.AKToggle:
		e.akToggle(ev)
	case profile.AKMacro:
		e.akMacro(ev)
	}
}

// tickAdvanced advances the time-based machines. hasPress and
// hasRelease say whether a non-Tap-Hold key was pressed or released
// during this tick; the Tap-Hold interrupt tracking feeds on them.
func (e *Engine) tickAdvanced(hasPress, hasRelease bool) {
	now := e.now()
	prof := e.image.Current()

	for i := range e.akStates {
		ak := &prof.AdvancedKeys[i]
		s := &e.akStates[i]

		switch ak.Type {
		case profile.AKTapHold:
			e.tickTapHold(ak, &s.tapHold, now, hasPress, hasRelease)

		case profile.AKToggle:
			if s.toggle.stage == toggleStageToggle &&
				now-s.toggle.since >= uint32(ak.Toggle.TappingTerm) {
				// Held past the tapping term: revert to momentary.
				s.toggle.stage = toggleStageNormal
				s.toggle.isToggled = false
			}

		case profile.AKMacro:
			if s.macro.isPlaying {
				e.runMacro(ak, &s.macro, now)
			}
		}
	}
}

func (e *Engine) tickTapHold(ak *profile.AdvancedKey, s *tapHoldState, now uint32, hasPress, hasRelease bool) {
	if s.stage != stageTap {
		return
	}
	th := &ak.TapHold

	if hasPress {
		s.interrupted = true
	}
	if hasRelease && s.interrupted {
		s.otherKeyReleased = true
	}

	termElapsed := now-s.since >= uint32(th.TappingTerm)

	hold := false
	switch th.Flavor() {
	case profile.FlavorHoldPreferred:
		hold = termElapsed
	case profile.FlavorBalanced:
		hold = termElapsed || (s.interrupted && s.otherKeyReleased)
	case profile.FlavorTapPreferred:
		hold = termElapsed && !s.interrupted
	case profile.FlavorTapUnlessInterrupted:
		if s.interrupted && !termElapsed {
			hold = true
		} else if termElapsed {
			// Term expired without interruption: resolve to tap and
			// keep the tap keycode held until release.
			if s.holdPreRegistered {
				e.Unregister(ak.Key, th.HoldKeycode)
				s.holdPreRegistered = false
			}
			e.Register(ak.Key, th.TapKeycode)
			s.tapHeld = true
			s.heldKeycode = th.TapKeycode
			s.stage = stageNone
			return
		}
	}
	if th.HoldOnOtherKeyPress() && hasPress {
		hold = true
	}
	if th.PermissiveHold() && s.interrupted && s.otherKeyReleased {
		hold = true
	}

	if hold {
		if !s.holdPreRegistered {
			e.Register(ak.Key, th.HoldKeycode)
		}
		s.holdPreRegistered = false
		s.stage = stageHold
	}
}

func (e *Engine) akTapHold(ev akEvent) {
	ak := &e.image.Current().AdvancedKeys[ev.index]
	th := &ak.TapHold
	s := &e.akStates[ev.index].tapHold
	now := e.now()

	switch ev.typ {
	case akEventPress:
		s.since = now
		s.interrupted = false
		s.otherKeyReleased = false

		// Prior-idle bypass: a press in the middle of fast typing is
		// always a tap.
		if th.RequirePriorIdleMS > 0 && now-e.lastNonModKeyTime < uint32(th.RequirePriorIdleMS) {
			e.resolveTapOnPress(ev.key, th, s, th.TapKeycode)
			return
		}

		// Quick tap / double tap: a re-press shortly after a tap
		// repeats the tap (or emits the double-tap keycode) instead of
		// opening a new decision window.
		if s.tappedOnce {
			window := uint32(th.QuickTapMS)
			if th.DoubleTapKeycode != keycode.None && window == 0 {
				window = uint32(th.TappingTerm)
			}
			if window > 0 && now-s.lastTapTime < window {
				kc := th.TapKeycode
				if th.DoubleTapKeycode != keycode.None {
					kc = th.DoubleTapKeycode
				}
				e.resolveTapOnPress(ev.key, th, s, kc)
				return
			}
		}

		s.stage = stageTap
		if th.HoldWhileUndecided() {
			e.Register(ev.key, th.HoldKeycode)
			s.holdPreRegistered = true
		}

	case akEventRelease:
		switch {
		case s.tapHeld:
			e.Unregister(ev.key, s.heldKeycode)
			s.tapHeld = false
			s.lastTapTime = now
			s.tappedOnce = true

		case s.stage == stageTap:
			if s.holdPreRegistered {
				e.Unregister(ev.key, th.HoldKeycode)
				s.holdPreRegistered = false
			}
			elapsed := now - s.since
			doTap := elapsed < uint32(th.TappingTerm) ||
				(th.RetroTapping() && !s.interrupted)
			if doTap {
				ok := e.deferred.push(deferredAction{
					typ:     deferredRelease,
					key:     ev.key,
					keycode: th.TapKeycode,
				})
				if ok {
					// Only tap if the matching release is staged.
					e.Register(ev.key, th.TapKeycode)
					s.lastTapTime = now
					s.tappedOnce = true
				}
			}

		case s.stage == stageHold:
			e.Unregister(ev.key, th.HoldKeycode)
		}
		s.stage = stageNone
	}
}

// resolveTapOnPress registers kc as an ordinary held key, bypassing
// the decision window.
func (e *Engine) resolveTapOnPress(key uint8, th *profile.TapHold, s *tapHoldState, kc keycode.Code) {
	e.Register(key, kc)
	s.tapHeld = true
	s.heldKeycode = kc
	s.stage = stageNone
}

func (e *Engine) akToggle(ev akEvent) {
	ak := &e.image.Current().AdvancedKeys[ev.index]
	s := &e.akStates[ev.index].toggle

	switch ev.typ {
	case akEventPress:
		e.Register(ev.key, ak.Toggle.Keycode)
		s.isToggled = !s.isToggled
		if s.isToggled {
			s.since = e.now()
			s.stage = toggleStageToggle
		} else {
			// Toggled off: behave as a normal key for this press.
			s.stage = toggleStageNormal
		}

	case akEventRelease:
		if !s.isToggled {
			e.Unregister(ev.key, ak.Toggle.Keycode)
		}
		s.stage = toggleStageNone
	}
}

func (e *Engine) akDynamicKeystroke(ev akEvent) {
	ak := &e.image.Current().AdvancedKeys[ev.index]
	dks := &ak.DynamicKeystroke
	s := &e.akStates[ev.index].dks

	bottomedOut := e.mat.State(ev.key).Distance >= dks.BottomOutPoint && dks.BottomOutPoint > 0
	eventType := ev.typ

	if bottomedOut && !s.isBottomedOut {
		eventType = akEventBottomOut
	} else if eventType != akEventRelease && !bottomedOut && s.isBottomedOut {
		// A full release outranks a release from bottom-out.
		eventType = akEventReleaseFromBottomOut
	}
	s.isBottomedOut = bottomedOut

	if eventType == akEventHold {
		return
	}

	// Rapid Trigger would fight the bottom-out tracking.
	e.mat.DisableRapidTrigger(ev.key, eventType != akEventRelease)

	for i := 0; i < 4; i++ {
		kc := dks.Keycodes[i]
		action := profile.DKSAction(dks.Bitmap[i] >> ((eventType - akEventPress) * 2) & 3)

		if kc == keycode.None || action == profile.DKSHold {
			continue
		}

		if s.isPressed[i] {
			// Everything but hold re-articulates the key.
			e.Unregister(ev.key, kc)
			s.isPressed[i] = false
		}

		if action == profile.DKSPress || action == profile.DKSTap {
			// The report may already have changed this tick, so the
			// press lands on the next scan.
			typ := deferredPress
			if action == profile.DKSTap {
				typ = deferredTap
			}
			ok := e.deferred.push(deferredAction{typ: typ, key: ev.key, keycode: kc})
			s.isPressed[i] = ok && action == profile.DKSPress
		}
	}
}

func (e *Engine) akNullBind(ev akEvent) {
	ak := &e.image.Current().AdvancedKeys[ev.index]
	nb := &ak.NullBind
	s := &e.akStates[ev.index].nullBind

	keys := [2]uint8{ak.Key, nb.SecondaryKey}
	index := 1
	if ev.key == keys[0] {
		index = 0
	}

	switch ev.typ {
	case akEventPress:
		s.keycodes[index] = ev.keycode
	case akEventRelease:
		if s.isPressed[index] {
			e.Unregister(keys[index], s.keycodes[index])
			s.isPressed[index] = false
		}
		s.keycodes[index] = keycode.None
	}

	isPressed := [2]bool{
		s.keycodes[0] != keycode.None,
		s.keycodes[1] != keycode.None,
	}
	if isPressed[0] && isPressed[1] {
		d0 := e.mat.State(keys[0]).Distance
		d1 := e.mat.State(keys[1]).Distance

		switch {
		case nb.BottomOutPoint > 0 && d0 >= nb.BottomOutPoint && d1 >= nb.BottomOutPoint:
			// Both bottomed out: both register.
			isPressed[0], isPressed[1] = true, true

		case nb.Behavior == profile.NBDistance:
			// Deeper key wins regardless of event type; ties favor the
			// key of this event.
			dist := [2]uint8{d0, d1}
			isPressed[index] = dist[index] >= dist[index^1]
			isPressed[index^1] = !isPressed[index]

		case ev.typ == akEventPress:
			switch nb.Behavior {
			case profile.NBLast:
				isPressed[index] = true
			case profile.NBPrimary:
				isPressed[index] = index == 0
			case profile.NBSecondary:
				isPressed[index] = index == 1
			case profile.NBNeutral:
				isPressed[index] = false
			}
			if nb.Behavior == profile.NBNeutral {
				isPressed[index^1] = false
			} else {
				isPressed[index^1] = !isPressed[index]
			}

		default:
			isPressed[0] = s.isPressed[0]
			isPressed[1] = s.isPressed[1]
		}
	}

	// Apply only the transitions the resolution produced.
	for i := 0; i < 2; i++ {
		if isPressed[i] && !s.isPressed[i] {
			e.Register(keys[i], s.keycodes[i])
			s.isPressed[i] = true
		} else if !isPressed[i] && s.isPressed[i] {
			e.Unregister(keys[i], s.keycodes[i])
			s.isPressed[i] = false
		}
	}
}
