package layout

import (
	"log"

	"github.com/sweeney/hall-keyboard/internal/keycode"
)

// Deferred actions stage register/unregister operations for the next
// scan tick so a report never carries both halves of a tap in one
// frame.

const maxDeferredActions = 8

type deferredType uint8

const (
	deferredPress deferredType = iota
	deferredRelease
	deferredTap
)

type deferredAction struct {
	typ     deferredType
	key     uint8
	keycode keycode.Code
}

// deferredQueue is a bounded FIFO drained exactly once per tick.
type deferredQueue struct {
	actions [maxDeferredActions]deferredAction
	count   int
}

// push enqueues an action. A false return means the queue is full; the
// caller must skip the operation that depended on it.
func (q *deferredQueue) push(a deferredAction) bool {
	if q.count >= maxDeferredActions {
		return false
	}
	q.actions[q.count] = a
	q.count++
	return true
}

// deferredProcess executes the first n actions, those enqueued before
// this tick began. Actions pushed during the tick (or the drain) keep
// their place and run one tick later. A tap registers now and
// re-defers its release.
func (e *Engine) deferredProcess(n int) {
	if n > e.deferred.count {
		n = e.deferred.count
	}
	if n == 0 {
		return
	}
	var executed [maxDeferredActions]deferredAction
	copy(executed[:], e.deferred.actions[:n])
	remaining := e.deferred.count - n
	copy(e.deferred.actions[:], e.deferred.actions[n:e.deferred.count])
	e.deferred.count = remaining

	for _, a := range executed[:n] {
		switch a.typ {
		case deferredPress:
			e.Register(a.key, a.keycode)
		case deferredRelease:
			e.Unregister(a.key, a.keycode)
		case deferredTap:
			e.Register(a.key, a.keycode)
			if !e.deferred.push(deferredAction{typ: deferredRelease, key: a.key, keycode: a.keycode}) {
				// Queue full: release immediately rather than leave
				// the key stuck.
				e.Unregister(a.key, a.keycode)
				log.Printf("layout: deferred queue full, tap collapsed for keycode %d", a.keycode)
			}
		}
	}

	e.flushReport()
}
