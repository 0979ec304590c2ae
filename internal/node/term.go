package node

import (
	"fmt"
	"sync"

	"github.com/quietmesh/noded/internal/binder"
	"github.com/quietmesh/noded/internal/events"
)

// TerminationReason distinguishes why the service stopped, for the final
// NODE_* event and exit bookkeeping.
type TerminationReason int

const (
	TerminationNormal TerminationReason = iota
	TerminationIdentityCollision
	TerminationUnrecoverableError
)

// Terminator performs the idempotent shutdown sequence from spec §4.10:
// closing bound sockets, closing every tap, releasing the engine
// reference, and posting exactly one terminal NODE_* event.
type Terminator struct {
	Table  *Table
	Sink   *events.Sink
	Binder *binder.Binder
	Loop   *Loop

	once   sync.Once
	mu     sync.Mutex
	reason TerminationReason
	fired  bool
}

// Reason reports the termination reason recorded by the first call to
// Terminate, and whether Terminate has run at all.
func (t *Terminator) Reason() (TerminationReason, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason, t.fired
}

// Terminate runs the shutdown sequence once; subsequent calls are no-ops.
// detail is included in the event message for TerminationUnrecoverableError.
func (t *Terminator) Terminate(reason TerminationReason, detail string) {
	t.once.Do(func() {
		t.mu.Lock()
		t.reason = reason
		t.fired = true
		t.mu.Unlock()

		if t.Loop != nil {
			t.Loop.Stop()
		}

		if t.Table != nil {
			snap := t.Table.Snapshot()
			for _, s := range snap {
				if s.Tap != nil {
					s.Tap.Close()
				}
			}
			t.Table.Lock()
			for nwid := range snap {
				t.Table.Delete(nwid)
			}
			t.Table.Unlock()
		}

		if t.Binder != nil {
			t.Binder.Close()
		}

		if t.Sink != nil {
			ev := terminalEvent(reason, detail)
			t.Sink.Post(ev)
			observeEvent(string(ev.Code), false)
		}
	})
}

func terminalEvent(reason TerminationReason, detail string) events.Message {
	switch reason {
	case TerminationIdentityCollision:
		return events.Message{Code: events.NodeIdentityCollision}
	case TerminationUnrecoverableError:
		return events.Message{
			Code:    events.NodeUnrecoverableError,
			Message: fmt.Sprintf("unexpected exception in main thread: %s", detail),
		}
	default:
		return events.Message{Code: events.NodeNormalTermination}
	}
}

// RecoverMainThread should be deferred at the top of the service's main
// goroutine. A panic anywhere in the loop is converted into an
// UNRECOVERABLE_ERROR termination rather than crashing the process
// silently, matching the core's own fault-containment discipline.
func (t *Terminator) RecoverMainThread() {
	if r := recover(); r != nil {
		t.Terminate(TerminationUnrecoverableError, fmt.Sprintf("%v", r))
	}
}
