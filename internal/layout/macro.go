package layout

import "github.com/sweeney/hall-keyboard/internal/profile"

// Macro playback is driver-ticked: a trigger press arms the slot and
// every advanced-key tick executes events until a delay, the end
// marker, or the sequence bound. Macros always run to completion;
// releasing the trigger key does not cancel them.

func (e *Engine) akMacro(ev akEvent) {
	if ev.typ != akEventPress {
		return
	}
	ak := &e.image.Current().AdvancedKeys[ev.index]
	if ak.MacroKey.MacroIndex >= profile.NumMacros {
		return
	}
	s := &e.akStates[ev.index].macro
	if s.isPlaying {
		// Re-trigger while playing restarts the sequence.
		s.eventIndex = 0
		s.waiting = false
		return
	}
	s.isPlaying = true
	s.eventIndex = 0
	s.waiting = false
	s.triggerKey = ev.key
	e.runMacro(ak, s, e.now())
}

func (e *Engine) runMacro(ak *profile.AdvancedKey, s *macroState, now uint32) {
	macro := &e.image.Macros[ak.MacroKey.MacroIndex]

	if s.waiting {
		if now-s.delayStart < s.delayMS {
			return
		}
		s.waiting = false
	}

	for s.isPlaying {
		if int(s.eventIndex) >= profile.MaxMacroEvents {
			s.isPlaying = false
			return
		}
		ev := macro.Events[s.eventIndex]
		s.eventIndex++

		switch ev.Action {
		case profile.MacroEnd:
			s.isPlaying = false

		case profile.MacroPress:
			e.Register(s.triggerKey, ev.Keycode)

		case profile.MacroRelease:
			e.Unregister(s.triggerKey, ev.Keycode)

		case profile.MacroTap:
			// Press now, release one tick later so the host sees both
			// edges.
			e.Register(s.triggerKey, ev.Keycode)
			if !e.deferred.push(deferredAction{typ: deferredRelease, key: s.triggerKey, keycode: ev.Keycode}) {
				e.Unregister(s.triggerKey, ev.Keycode)
			}

		case profile.MacroDelay:
			s.delayStart = now
			s.delayMS = uint32(ev.Keycode) * 10
			s.waiting = true
			return

		default:
			s.isPlaying = false
		}
	}
}
