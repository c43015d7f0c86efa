package layout

import "github.com/sweeney/hall-keyboard/internal/profile"

// The combo engine holds press events in a bounded ring until they
// either complete a combo or age out, then replays the leftovers
// through the normal dispatch path in their original order.

const (
	comboQueueSize = 16

	// DefaultComboTerm is the match window in milliseconds when a
	// combo's term is zero.
	DefaultComboTerm = 50
)

type comboEvent struct {
	key      uint8
	pressed  bool
	time     uint32
	consumed bool
}

type comboState struct {
	queue [comboQueueSize]comboEvent
	count int

	// keyBitmap caches which keys participate in any combo on
	// cachedLayer. cachedLayer -1 means the cache is invalid.
	keyBitmap   [profile.NumKeys]bool
	cachedLayer int16

	// flushing guards the replay path against re-entry; skipped
	// events stay queued and are re-examined next tick.
	flushing bool
}

// InvalidateComboCache marks the combo participation bitmap stale.
// This is the single invalidation entry point; every configuration
// mutation route ends up here via LoadAdvancedKeys.
func (e *Engine) InvalidateComboCache() {
	e.combo.cachedLayer = -1
}

func (e *Engine) comboRebuildCache(layer uint8) {
	e.combo.keyBitmap = [profile.NumKeys]bool{}
	prof := e.image.Current()
	for i := range prof.AdvancedKeys {
		ak := &prof.AdvancedKeys[i]
		if ak.Type != profile.AKCombo || ak.Layer != layer {
			continue
		}
		for _, k := range ak.Combo.RequiredKeys() {
			e.combo.keyBitmap[k] = true
		}
	}
	e.combo.cachedLayer = int16(layer)
}

func (e *Engine) comboKeyOnLayer(layer, key uint8) bool {
	if e.combo.cachedLayer != int16(layer) {
		e.comboRebuildCache(layer)
	}
	return key < profile.NumKeys && e.combo.keyBitmap[key]
}

// comboOffer gives the combo engine first refusal on a key edge.
// It returns true when the event was absorbed into the queue.
func (e *Engine) comboOffer(key uint8, pressed bool, time uint32) bool {
	layer := e.CurrentLayer()

	if !pressed {
		// Releases pass through, but a release of a queued press kills
		// every candidate that needed it; flush so the press is seen
		// before its release.
		for i := 0; i < e.combo.count; i++ {
			if !e.combo.queue[i].consumed && e.combo.queue[i].key == key {
				e.comboFlush()
				break
			}
		}
		return false
	}

	if !e.comboKeyOnLayer(layer, key) {
		// A non-combo press flushes any queued combo presses first so
		// chronological order holds.
		if e.combo.count > 0 {
			e.comboFlush()
		}
		return false
	}

	if e.combo.count >= comboQueueSize {
		// Force-flush the oldest event to make room.
		oldest := e.combo.queue[0]
		copy(e.combo.queue[:], e.combo.queue[1:e.combo.count])
		e.combo.count--
		if !oldest.consumed {
			e.ProcessKey(oldest.key, oldest.pressed)
		}
	}

	e.combo.queue[e.combo.count] = comboEvent{key: key, pressed: true, time: time}
	e.combo.count++
	return true
}

// Match statuses for one combo against the queue.
const (
	comboNoMatch = iota
	comboCandidate
	comboFullMatch
)

func comboTerm(c *profile.Combo) uint32 {
	if c.Term == 0 {
		return DefaultComboTerm
	}
	return uint32(c.Term)
}

// comboMatch classifies a combo against the queued presses.
func (e *Engine) comboMatch(c *profile.Combo, now uint32) int {
	required := c.RequiredKeys()
	if len(required) == 0 {
		// Malformed combo: never matches, never consumes.
		return comboNoMatch
	}

	present := 0
	var minTime, maxTime uint32
	first := true
	foreign := false

	for i := 0; i < e.combo.count; i++ {
		ev := &e.combo.queue[i]
		if ev.consumed || !ev.pressed {
			continue
		}
		isRequired := false
		for _, k := range required {
			if ev.key == k {
				isRequired = true
				break
			}
		}
		if !isRequired {
			foreign = true
			continue
		}
		present++
		if first || ev.time-minTime > 1<<31 {
			minTime = ev.time
		}
		if first || maxTime-ev.time > 1<<31 {
			maxTime = ev.time
		}
		first = false
	}

	if foreign || present == 0 {
		return comboNoMatch
	}
	term := comboTerm(c)
	if present == len(required) {
		if maxTime-minTime <= term {
			return comboFullMatch
		}
		return comboNoMatch
	}
	if now-minTime <= term {
		return comboCandidate
	}
	return comboNoMatch
}

// comboTask progresses time-based combo decisions. It reports whether
// a flush replayed a non-Tap-Hold press.
func (e *Engine) comboTask() bool {
	if e.combo.count == 0 {
		return false
	}
	now := e.now()
	layer := e.CurrentLayer()
	if e.combo.cachedLayer != int16(layer) {
		e.comboRebuildCache(layer)
	}

	prof := e.image.Current()

	bestIdx := -1
	bestLen := 0
	anyCandidate := false
	var maxOutstandingTerm uint32

	for i := range prof.AdvancedKeys {
		ak := &prof.AdvancedKeys[i]
		if ak.Type != profile.AKCombo || ak.Layer != layer {
			continue
		}
		switch e.comboMatch(&ak.Combo, now) {
		case comboFullMatch:
			if n := len(ak.Combo.RequiredKeys()); n > bestLen {
				bestLen = n
				bestIdx = i
			}
			if t := comboTerm(&ak.Combo); t > maxOutstandingTerm {
				maxOutstandingTerm = t
			}
		case comboCandidate:
			anyCandidate = true
			if t := comboTerm(&ak.Combo); t > maxOutstandingTerm {
				maxOutstandingTerm = t
			}
		}
	}

	oldestAge := now - e.combo.queue[0].time

	if bestIdx >= 0 {
		// A longer combo may still be forming; wait unless the oldest
		// press has aged past every live term.
		if anyCandidate && oldestAge <= maxOutstandingTerm {
			return false
		}
		return e.comboCommit(&prof.AdvancedKeys[bestIdx].Combo)
	}

	if !anyCandidate {
		return e.comboFlush()
	}

	// Candidates are still live; age out only the oldest press.
	if oldestAge > maxOutstandingTerm {
		oldest := e.combo.queue[0]
		copy(e.combo.queue[:], e.combo.queue[1:e.combo.count])
		e.combo.count--
		if !oldest.consumed {
			return e.ProcessKey(oldest.key, oldest.pressed)
		}
	}
	return false
}

// comboCommit consumes the matched presses, emits the output keycode
// on the virtual combo key, and replays the rest of the queue.
func (e *Engine) comboCommit(c *profile.Combo) bool {
	for _, k := range c.RequiredKeys() {
		for i := 0; i < e.combo.count; i++ {
			ev := &e.combo.queue[i]
			if !ev.consumed && ev.pressed && ev.key == k {
				ev.consumed = true
				break
			}
		}
	}

	if e.deferred.push(deferredAction{
		typ:     deferredRelease,
		key:     profile.ComboVirtualKey,
		keycode: c.OutputKeycode,
	}) {
		e.Register(profile.ComboVirtualKey, c.OutputKeycode)
	}

	return e.comboFlush()
}

// comboFlush replays unconsumed queued events through the normal
// dispatch path in FIFO order and empties the queue.
func (e *Engine) comboFlush() bool {
	if e.combo.flushing {
		return false
	}
	e.combo.flushing = true
	defer func() { e.combo.flushing = false }()

	n := e.combo.count
	var drained [comboQueueSize]comboEvent
	copy(drained[:], e.combo.queue[:n])
	e.combo.count = 0

	hasNonTapHoldPress := false
	for i := 0; i < n; i++ {
		if drained[i].consumed {
			continue
		}
		if e.ProcessKey(drained[i].key, drained[i].pressed) {
			hasNonTapHoldPress = true
		}
		// Replayed edges each reach the host even when a press and its
		// release land in the same tick.
		e.flushReport()
	}
	return hasNonTapHoldPress
}
