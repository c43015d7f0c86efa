// Package matrix converts raw per-key ADC samples into calibrated
// travel distances and press states. It owns the per-key state: the
// EMA filter, the rest/bottom-out calibration envelope, and the Rapid
// Trigger direction machine. This package has no hardware access of
// its own; samples come from an adc.Sampler and time from an injected
// millisecond clock.
package matrix

import (
	"log"

	"github.com/sweeney/hall-keyboard/internal/adc"
	"github.com/sweeney/hall-keyboard/internal/profile"
	"github.com/sweeney/hall-keyboard/internal/store"
)

// Filter and calibration tuning. The EMA alpha is a power of two so
// the filter needs no division.
const (
	emaAlphaExponent   = 3
	calibrationEpsilon = 10

	// CalibrationDuration is how long Recalibrate samples the rest
	// envelope, in milliseconds.
	CalibrationDuration = 500

	// inactivityTimeout is how long the bottom-out envelope must stay
	// unchanged before it is flushed to the store, in milliseconds.
	inactivityTimeout = 5000
)

// KeyDir is the Rapid Trigger direction state.
type KeyDir uint8

const (
	// DirInactive means the key is above its reset point.
	DirInactive KeyDir = iota
	// DirDown means the key is traveling toward bottom-out.
	DirDown
	// DirUp means the key is traveling toward rest.
	DirUp
)

// KeyState is the per-key matrix state. It is owned by the Engine and
// mutated only by Scan and Recalibrate.
type KeyState struct {
	// ADCFiltered is the EMA of raw samples.
	ADCFiltered uint16
	// ADCRestValue and ADCBottomOutValue are the auto-calibrated
	// envelope.
	ADCRestValue      uint16
	ADCBottomOutValue uint16
	// Distance is the normalized travel (0..255).
	Distance uint8
	// Extremum is the deepest or shallowest point since the last
	// direction change.
	Extremum uint8
	// Dir is the Rapid Trigger direction.
	Dir KeyDir
	// IsPressed is the logical press state.
	IsPressed bool
	// EventTime is the millisecond timestamp of the last edge.
	EventTime uint32
}

// Engine is the matrix engine.
type Engine struct {
	sampler adc.Sampler
	image   *profile.Image
	st      *store.Store
	now     func() uint32

	// InvertADC flips raw readings for boards whose sensors read high
	// at rest.
	InvertADC bool

	keys                 [profile.NumKeys]KeyState
	rapidTriggerDisabled [profile.NumKeys]bool
	lastBottomOutChanged uint32
}

// New creates a matrix engine. The now func must be a monotonic
// millisecond counter; differences wrap modulo 2^32.
func New(sampler adc.Sampler, image *profile.Image, st *store.Store, now func() uint32) *Engine {
	return &Engine{sampler: sampler, image: image, st: st, now: now}
}

// Init calibrates the rest envelope and resets all key state.
func (e *Engine) Init() { e.Recalibrate(false) }

// State returns a copy of the state for key. Out-of-range keys read as
// zero.
func (e *Engine) State(key uint8) KeyState {
	if int(key) >= profile.NumKeys {
		return KeyState{}
	}
	return e.keys[key]
}

// DisableRapidTrigger forces fixed-threshold actuation for key while
// disable is true. Used by Dynamic Keystroke bindings.
func (e *Engine) DisableRapidTrigger(key uint8, disable bool) {
	if int(key) >= profile.NumKeys {
		return
	}
	e.rapidTriggerDisabled[key] = disable
}

func (e *Engine) analogRead(key uint8) uint16 {
	v, err := e.sampler.Read(key)
	if err != nil {
		// Keep the previous filtered value on a read error; the EMA
		// then decays nothing.
		return e.keys[key].ADCFiltered
	}
	if v > adc.MaxValue {
		v = adc.MaxValue
	}
	if e.InvertADC {
		v = adc.MaxValue - v
	}
	return v
}

func ema(raw, filtered uint16) uint16 {
	return uint16((uint32(raw) + uint32(filtered)*((1<<emaAlphaExponent)-1)) >> emaAlphaExponent)
}

// bottomOutValue returns the smallest plausible bottom-out reading for
// key given its rest value.
func (e *Engine) bottomOutValue(key uint8, rest uint16) uint16 {
	thr := e.image.Calibration.InitialBottomOutThreshold
	if t := e.image.BottomOutThreshold[key]; t > thr {
		thr = t
	}
	v := uint32(rest) + uint32(thr)
	if v > adc.MaxValue {
		v = adc.MaxValue
	}
	return uint16(v)
}

// distance normalizes a filtered reading into 0..255 travel.
func distance(f, rest, bot uint16) uint8 {
	if bot <= rest || f <= rest {
		return 0
	}
	d := uint32(f-rest) * 255 / uint32(bot-rest)
	if d > 255 {
		return 255
	}
	return uint8(d)
}

// Recalibrate resets all key state and samples the rest envelope for
// CalibrationDuration. If resetBottomOut is true, the stored per-key
// bottom-out thresholds are zeroed first.
func (e *Engine) Recalibrate(resetBottomOut bool) {
	if resetBottomOut {
		e.image.BottomOutThreshold = [profile.NumKeys]uint16{}
		if e.st != nil && !e.st.SaveBottomOutThresholds(&e.image.BottomOutThreshold) {
			log.Printf("matrix: bottom-out threshold reset not persisted")
		}
	}

	rest := e.image.Calibration.InitialRestValue
	for i := range e.keys {
		e.keys[i] = KeyState{
			ADCFiltered:       rest,
			ADCRestValue:      rest,
			ADCBottomOutValue: e.bottomOutValue(uint8(i), rest),
		}
	}

	// Only the rest value is calibrated here. The bottom-out envelope
	// grows during normal scans.
	start := e.now()
	for e.now()-start < CalibrationDuration {
		if err := e.sampler.Task(); err != nil {
			log.Printf("matrix: calibration sample error: %v", err)
		}
		for i := range e.keys {
			k := &e.keys[i]
			k.ADCFiltered = ema(e.analogRead(uint8(i)), k.ADCFiltered)
			if k.ADCFiltered+calibrationEpsilon <= k.ADCRestValue {
				k.ADCRestValue = k.ADCFiltered
			}
			k.ADCBottomOutValue = e.bottomOutValue(uint8(i), k.ADCRestValue)
		}
	}
	e.lastBottomOutChanged = e.now()
}

// Scan runs one sample period: filter, calibrate the bottom-out
// envelope, update distances, and advance the Rapid Trigger machine.
// When several keys cross actuation in the same scan, only the deepest
// overshoot keeps its press; the rest are deferred to the next scan so
// press order is deterministic.
func (e *Engine) Scan() {
	type newPress struct {
		key   uint8
		delta uint8
	}
	var pressed [profile.NumKeys]newPress
	pressedCount := 0
	wasPressed := [profile.NumKeys]bool{}

	actuations := &e.image.Current().ActuationMap

	for i := range e.keys {
		k := &e.keys[i]
		act := &actuations[i]
		wasPressed[i] = k.IsPressed

		k.ADCFiltered = ema(e.analogRead(uint8(i)), k.ADCFiltered)

		if k.ADCFiltered >= k.ADCBottomOutValue+calibrationEpsilon {
			k.ADCBottomOutValue = k.ADCFiltered
			e.lastBottomOutChanged = e.now()
		}

		k.Distance = distance(k.ADCFiltered, k.ADCRestValue, k.ADCBottomOutValue)

		if e.rapidTriggerDisabled[i] || act.RTDown == 0 {
			k.Dir = DirInactive
			if act.ActuationPoint == 0 {
				k.IsPressed = k.Distance > 0
			} else {
				k.IsPressed = k.Distance >= act.ActuationPoint
			}
		} else {
			e.rapidTrigger(k, act)
		}

		if !wasPressed[i] && k.IsPressed {
			delta := uint8(0)
			if k.Distance > act.ActuationPoint {
				delta = k.Distance - act.ActuationPoint
			}
			pressed[pressedCount] = newPress{key: uint8(i), delta: delta}
			pressedCount++
		}
	}

	// Sort new presses by overshoot, deepest first (insertion sort,
	// tiny N).
	for i := 1; i < pressedCount; i++ {
		p := pressed[i]
		j := i
		for j > 0 && pressed[j-1].delta < p.delta {
			pressed[j] = pressed[j-1]
			j--
		}
		pressed[j] = p
	}

	// Defer every new press but the deepest to the next scan. The key
	// is still past actuation then, so it re-triggers immediately.
	for i := 1; i < pressedCount; i++ {
		k := &e.keys[pressed[i].key]
		k.IsPressed = false
		k.Dir = DirInactive
	}

	now := e.now()
	for i := range e.keys {
		if e.keys[i].IsPressed != wasPressed[i] {
			e.keys[i].EventTime = now
		}
	}

	if e.image.Options.SaveBottomOutThreshold &&
		now-e.lastBottomOutChanged >= inactivityTimeout {
		e.saveBottomOutThreshold()
	}
}

// rapidTrigger advances the direction machine for one key.
func (e *Engine) rapidTrigger(k *KeyState, act *profile.Actuation) {
	resetPoint := act.ActuationPoint
	if act.Continuous {
		resetPoint = 0
	}
	rtUp := act.RTUp
	if rtUp == 0 {
		rtUp = act.RTDown
	}

	switch k.Dir {
	case DirInactive:
		if k.Distance > act.ActuationPoint {
			k.Extremum = k.Distance
			k.Dir = DirDown
			k.IsPressed = true
		}

	case DirDown:
		switch {
		case k.Distance <= resetPoint:
			k.Extremum = k.Distance
			k.Dir = DirInactive
			k.IsPressed = false
		case uint16(k.Distance)+uint16(rtUp) < uint16(k.Extremum):
			// Released by Rapid Trigger.
			k.Extremum = k.Distance
			k.Dir = DirUp
			k.IsPressed = false
		case k.Distance > k.Extremum:
			k.Extremum = k.Distance
		}

	case DirUp:
		switch {
		case k.Distance <= resetPoint:
			k.Extremum = k.Distance
			k.Dir = DirInactive
			k.IsPressed = false
		case uint16(k.Extremum)+uint16(act.RTDown) < uint16(k.Distance):
			// Pressed by Rapid Trigger.
			k.Extremum = k.Distance
			k.Dir = DirDown
			k.IsPressed = true
		case k.Distance < k.Extremum:
			k.Extremum = k.Distance
		}
	}
}

// saveBottomOutThreshold flushes per-key bottom-out deltas to the
// store and rearms the inactivity timer either way, so a failed write
// retries after another full window.
func (e *Engine) saveBottomOutThreshold() {
	for i := range e.keys {
		k := &e.keys[i]
		if k.ADCBottomOutValue >= k.ADCRestValue {
			e.image.BottomOutThreshold[i] = k.ADCBottomOutValue - k.ADCRestValue
		} else {
			e.image.BottomOutThreshold[i] = 0
		}
	}
	if e.st != nil && !e.st.SaveBottomOutThresholds(&e.image.BottomOutThreshold) {
		log.Printf("matrix: bottom-out threshold save failed")
	}
	e.lastBottomOutChanged = e.now()
}
