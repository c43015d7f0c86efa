// Package layout turns matrix press states into HID report changes.
// It owns the layer mask, transparent keymap lookup, chronological
// event dispatch, the advanced-key state machines, the combo queue,
// and the deferred-action queue. Everything here runs on the single
// cooperative tick; no locking.
package layout

import (
	"log"

	"github.com/sweeney/hall-keyboard/internal/hid"
	"github.com/sweeney/hall-keyboard/internal/keycode"
	"github.com/sweeney/hall-keyboard/internal/matrix"
	"github.com/sweeney/hall-keyboard/internal/profile"
	"github.com/sweeney/hall-keyboard/internal/store"
)

const maxPendingEvents = 8

// Matrix is the layout engine's view of the matrix engine: per-key
// state reads plus the Rapid Trigger override used by Dynamic
// Keystroke bindings.
type Matrix interface {
	// State returns the current state for key.
	State(key uint8) matrix.KeyState

	// DisableRapidTrigger forces fixed-threshold actuation for key.
	DisableRapidTrigger(key uint8, disable bool)
}

// GamepadMapper receives keys on layer 0 when XInput is enabled.
type GamepadMapper interface {
	// Process updates the gamepad state for key.
	Process(key uint8)
}

// Event is a dispatched key edge, surfaced to the optional OnEvent
// hook for telemetry.
type Event struct {
	Key     uint8
	Pressed bool
	Time    uint32
}

// Engine is the layout engine.
type Engine struct {
	image *profile.Image
	mat   Matrix
	dev   hid.Device
	st    *store.Store
	now   func() uint32

	// Gamepad, if set, receives layer-0 keys mapped to gamepad
	// buttons when XInput is enabled.
	Gamepad GamepadMapper

	// EnterBootloader, if set, is invoked by the boot keycode.
	EnterBootloader func()

	// OnEvent, if set, observes every dispatched key edge.
	OnEvent func(Event)

	layerMask    uint8
	defaultLayer uint8

	shouldSendReports bool
	keyDisabled       [profile.NumKeys]bool
	keyPressStates    [profile.NumKeys]bool

	// activeKeycodes remembers what each key registered so a later
	// layer or profile change still releases the right keycode.
	activeKeycodes     [profile.NumKeys]keycode.Code
	activeAdvancedKeys [profile.NumKeys]uint8

	// advancedKeyIndices maps (layer, key) to advanced-key slot + 1,
	// or 0 when no binding exists. Combos are not installed here.
	advancedKeyIndices [profile.NumLayers][profile.NumKeys]uint8

	pendingEvents [maxPendingEvents]pendingEvent
	pendingCount  int

	deferred deferredQueue

	akStates          [profile.NumAdvancedKeys]akState
	lastNonModKeyTime uint32
	lastAKTick        uint32

	combo comboState
}

type pendingEvent struct {
	key     uint8
	pressed bool
}

// pendingHasPress reports whether a press for key is sitting in the
// pending buffer.
func (e *Engine) pendingHasPress(key uint8) bool {
	for i := 0; i < e.pendingCount; i++ {
		if e.pendingEvents[i].key == key && e.pendingEvents[i].pressed {
			return true
		}
	}
	return false
}

// New creates a layout engine over the shared image and the matrix
// engine. The now func must match the one driving the matrix.
func New(image *profile.Image, mat Matrix, dev hid.Device, st *store.Store, now func() uint32) *Engine {
	e := &Engine{image: image, mat: mat, dev: dev, st: st, now: now}
	e.combo.cachedLayer = -1
	return e
}

// Init loads the advanced-key indices for the active profile.
func (e *Engine) Init() { e.LoadAdvancedKeys() }

// CurrentLayer returns the highest active layer, or the default layer
// when no layer is active.
func (e *Engine) CurrentLayer() uint8 {
	if e.layerMask == 0 {
		return e.defaultLayer
	}
	layer := uint8(7)
	for e.layerMask>>layer&1 == 0 {
		layer--
	}
	return layer
}

// DefaultLayer returns the locked default layer.
func (e *Engine) DefaultLayer() uint8 { return e.defaultLayer }

func (e *Engine) layerOn(layer uint8) {
	if layer < profile.NumLayers {
		e.layerMask |= 1 << layer
	}
}

func (e *Engine) layerOff(layer uint8) {
	if layer < profile.NumLayers {
		e.layerMask &^= 1 << layer
	}
}

// layerLock toggles the default layer between the current layer and
// layer 0.
func (e *Engine) layerLock() {
	current := e.CurrentLayer()
	if current == e.defaultLayer {
		e.defaultLayer = 0
	} else {
		e.defaultLayer = current
	}
}

// Keycode resolves the keycode for key starting at currentLayer,
// falling through transparent entries to lower active layers and
// finally the default layer.
func (e *Engine) Keycode(currentLayer, key uint8) keycode.Code {
	if key >= profile.NumKeys {
		return keycode.None
	}
	prof := e.image.Current()
	for i := int(currentLayer); i >= 0; i-- {
		if e.layerMask>>uint8(i)&1 == 0 {
			continue
		}
		if kc := prof.Keymap[i][key]; kc != keycode.Transparent {
			return kc
		}
	}
	return prof.Keymap[e.defaultLayer][key]
}

// LoadAdvancedKeys rebuilds the advanced-key indices from the active
// profile.
//
// Every code path that modifies the active profile's advanced keys
// (profile switch, reset, duplicate, protocol write, config reload)
// MUST call this function; it is the sole gateway that keeps the combo
// bitmap cache coherent with the configuration.
func (e *Engine) LoadAdvancedKeys() {
	e.advancedKeyIndices = [profile.NumLayers][profile.NumKeys]uint8{}
	prof := e.image.Current()
	for i := range prof.AdvancedKeys {
		ak := &prof.AdvancedKeys[i]
		if ak.Type == profile.AKNone || ak.Type == profile.AKCombo ||
			ak.Layer >= profile.NumLayers || ak.Key >= profile.NumKeys {
			continue
		}
		e.advancedKeyIndices[ak.Layer][ak.Key] = uint8(i) + 1
		if ak.Type == profile.AKNullBind && ak.NullBind.SecondaryKey < profile.NumKeys {
			// Null Bind advanced keys also own their secondary key.
			e.advancedKeyIndices[ak.Layer][ak.NullBind.SecondaryKey] = uint8(i) + 1
		}
	}

	// Definitions changed while the layer may have stayed the same;
	// layer changes are caught lazily by the rebuild check.
	e.InvalidateComboCache()
}

// ProcessKey dispatches one key edge, either directly or through the
// advanced-key engine. It reports whether a non-Tap-Hold press
// occurred, which feeds the Tap-Hold interrupt tracking.
func (e *Engine) ProcessKey(key uint8, pressed bool) bool {
	if key >= profile.NumKeys {
		return false
	}
	currentLayer := e.CurrentLayer()
	hasNonTapHoldPress := false

	if pressed {
		kc := e.Keycode(currentLayer, key)
		akIndex := e.advancedKeyIndices[currentLayer][key]

		if akIndex != 0 {
			e.activeAdvancedKeys[key] = akIndex
			e.processAdvanced(akEvent{typ: akEventPress, key: key, keycode: kc, index: akIndex - 1})
			if e.image.Current().AdvancedKeys[akIndex-1].Type != profile.AKTapHold {
				hasNonTapHoldPress = true
			}
		} else {
			e.activeKeycodes[key] = kc
			e.Register(key, kc)
			if kc != keycode.None {
				hasNonTapHoldPress = true
				if !keycode.IsModifier(kc) {
					e.lastNonModKeyTime = e.now()
				}
			}
		}
	} else {
		kc := e.activeKeycodes[key]
		akIndex := e.activeAdvancedKeys[key]

		if akIndex != 0 {
			e.activeAdvancedKeys[key] = 0
			e.processAdvanced(akEvent{typ: akEventRelease, key: key, keycode: kc, index: akIndex - 1})
		} else {
			e.activeKeycodes[key] = keycode.None
			e.Unregister(key, kc)
		}
	}

	return hasNonTapHoldPress
}

// Task runs one layout tick: collect edges, order them by event time,
// feed combos and the pending-event gate, advance the advanced-key
// machines, emit the report, and drain the deferred queue. Replayed
// pending and combo events and the deferred drain each flush their own
// report, so one tick can emit more than one.
func (e *Engine) Task() {
	// Only actions staged before this tick may run at its end.
	readyDeferred := e.deferred.count

	currentLayer := e.CurrentLayer()
	hasNonTapHoldPress := false
	hasNonTapHoldRelease := false

	type edge struct {
		key       uint8
		pressed   bool
		eventTime uint32
	}
	var events [profile.NumKeys]edge
	eventCount := 0

	prof := e.image.Current()

	for i := uint8(0); int(i) < profile.NumKeys; i++ {
		k := e.mat.State(i)
		lastPressed := e.keyPressStates[i]

		if currentLayer == 0 && e.image.Options.XInputEnabled {
			// Gamepad keys only apply on layer 0, ahead of the
			// keyboard path since the options may drop the key from
			// it.
			if prof.GamepadButtons[i] != profile.GPNone {
				if e.Gamepad != nil {
					e.Gamepad.Process(i)
				}
				if prof.GamepadOptions.GamepadOverride {
					e.keyPressStates[i] = k.IsPressed
					continue
				}
			}
			if !prof.GamepadOptions.KeyboardEnabled {
				e.keyPressStates[i] = k.IsPressed
				continue
			}
		}

		if currentLayer == 0 && e.keyDisabled[i] {
			// Only layer-0 keys can be locked out.
			e.keyPressStates[i] = k.IsPressed
			continue
		}

		switch {
		case k.IsPressed && !lastPressed:
			events[eventCount] = edge{key: i, pressed: true, eventTime: k.EventTime}
			eventCount++
		case !k.IsPressed && lastPressed:
			events[eventCount] = edge{key: i, pressed: false, eventTime: k.EventTime}
			eventCount++
		case k.IsPressed:
			// Holds are dispatched immediately; ordering only matters
			// for edges.
			if akIndex := e.activeAdvancedKeys[i]; akIndex != 0 {
				e.processAdvanced(akEvent{typ: akEventHold, key: i, keycode: e.activeKeycodes[i], index: akIndex - 1})
			}
		}
	}

	// Chronological order; insertion sort since N is tiny.
	for i := 1; i < eventCount; i++ {
		ev := events[i]
		j := i
		for j > 0 && events[j-1].eventTime > ev.eventTime {
			events[j] = events[j-1]
			j--
		}
		events[j] = ev
	}

	for i := 0; i < eventCount; i++ {
		ev := events[i]
		if e.OnEvent != nil {
			e.OnEvent(Event{Key: ev.key, Pressed: ev.pressed, Time: ev.eventTime})
		}

		if e.comboOffer(ev.key, ev.pressed, ev.eventTime) {
			e.keyPressStates[ev.key] = e.mat.State(ev.key).IsPressed
			continue
		}

		if ev.pressed {
			// While a hold-tap is undecided, buffer non-hold-tap
			// presses so they cannot land before the modifier
			// resolves. Releases are never deferred.
			layer := e.CurrentLayer()
			akIdx := e.advancedKeyIndices[layer][ev.key]
			isHoldTap := akIdx != 0 &&
				e.image.Current().AdvancedKeys[akIdx-1].Type == profile.AKTapHold

			if !isHoldTap && e.HasUndecided() && e.pendingCount < maxPendingEvents {
				e.pendingEvents[e.pendingCount] = pendingEvent{key: ev.key, pressed: true}
				e.pendingCount++
				// A buffered press still counts as an interrupt for
				// the hold-tap decision.
				hasNonTapHoldPress = true
				e.keyPressStates[ev.key] = e.mat.State(ev.key).IsPressed
				continue
			}

			if e.ProcessKey(ev.key, true) {
				hasNonTapHoldPress = true
			}
		} else {
			akIdx := e.activeAdvancedKeys[ev.key]
			isHoldTap := akIdx != 0 &&
				e.image.Current().AdvancedKeys[akIdx-1].Type == profile.AKTapHold

			if e.pendingHasPress(ev.key) && e.pendingCount < maxPendingEvents {
				// The press is still buffered; queue the release
				// behind it so the pair stays ordered.
				e.pendingEvents[e.pendingCount] = pendingEvent{key: ev.key, pressed: false}
				e.pendingCount++
				if !isHoldTap {
					hasNonTapHoldRelease = true
				}
				e.keyPressStates[ev.key] = e.mat.State(ev.key).IsPressed
				continue
			}

			e.ProcessKey(ev.key, false)
			if !isHoldTap {
				hasNonTapHoldRelease = true
			}
		}

		e.keyPressStates[ev.key] = e.mat.State(ev.key).IsPressed
	}

	if e.comboTask() {
		hasNonTapHoldPress = true
	}

	now := e.now()
	if hasNonTapHoldPress || hasNonTapHoldRelease || now-e.lastAKTick > 0 {
		// The machines only act on the 1 ms grain or on interrupts.
		e.tickAdvanced(hasNonTapHoldPress, hasNonTapHoldRelease)
		e.lastAKTick = now
	}

	if e.pendingCount > 0 && !e.HasUndecided() {
		n := e.pendingCount
		e.pendingCount = 0
		for i := 0; i < n; i++ {
			e.ProcessKey(e.pendingEvents[i].key, e.pendingEvents[i].pressed)
			// Emit per event: a buffered press and release draining in
			// the same tick must both reach the host.
			e.flushReport()
		}
	}

	e.flushReport()

	e.deferredProcess(readyDeferred)
}

// flushReport emits a report if any register/unregister changed it.
func (e *Engine) flushReport() {
	if !e.shouldSendReports {
		return
	}
	if err := e.dev.Send(); err != nil {
		log.Printf("layout: report send error: %v", err)
	}
	e.shouldSendReports = false
}

// SetProfile switches the active profile, persisting the indices and
// resetting the advanced-key engine around the swap.
func (e *Engine) SetProfile(p uint8) bool {
	if p >= profile.NumProfiles {
		return false
	}

	e.ClearAdvanced()
	e.image.CurrentProfile = p
	ok := true
	if e.st != nil {
		ok = e.st.SaveCurrentProfile(p)
	}
	if p != 0 {
		e.image.LastNonDefaultProfile = p
		if e.st != nil && ok {
			ok = e.st.SaveLastNonDefaultProfile(p)
		}
	}
	e.LoadAdvancedKeys()
	return ok
}

// Register performs the press action for a keycode: HID keycodes go to
// the report, the upper ranges switch layers and profiles or run
// special actions.
func (e *Engine) Register(key uint8, kc keycode.Code) {
	switch {
	case kc == keycode.None:

	case keycode.IsHID(kc):
		e.dev.KeycodeAdd(kc)
		e.shouldSendReports = true

	case keycode.IsMomentaryLayer(kc):
		e.layerOn(keycode.MomentaryLayerOf(kc))

	case keycode.IsProfileSelect(kc):
		e.SetProfile(keycode.ProfileOf(kc))

	case kc == keycode.KeyLock:
		if key < profile.NumKeys {
			e.keyDisabled[key] = !e.keyDisabled[key]
		}

	case kc == keycode.LayerLock:
		e.layerLock()

	case kc == keycode.ProfileSwap:
		if e.image.CurrentProfile != 0 {
			e.SetProfile(0)
		} else {
			e.SetProfile(e.image.LastNonDefaultProfile)
		}

	case kc == keycode.ProfileNext:
		e.SetProfile((e.image.CurrentProfile + 1) % profile.NumProfiles)

	case kc == keycode.Boot:
		if e.EnterBootloader != nil {
			e.EnterBootloader()
		}
	}
}

// Unregister performs the release action for a keycode.
func (e *Engine) Unregister(key uint8, kc keycode.Code) {
	switch {
	case kc == keycode.None:

	case keycode.IsHID(kc):
		e.dev.KeycodeRemove(kc)
		e.shouldSendReports = true

	case keycode.IsMomentaryLayer(kc):
		e.layerOff(keycode.MomentaryLayerOf(kc))
	}
}

// KeyLocked reports whether key is disabled by the key-lock toggle.
func (e *Engine) KeyLocked(key uint8) bool {
	return key < profile.NumKeys && e.keyDisabled[key]
}
