package quell

import (
	"fmt"
	"sync"
)

// MainThreadHook is the optional host callback pair invoked from the host's
// main execution context, never from the audio context. Hook runs once per
// host main-loop iteration; Quit runs during shutdown.
type MainThreadHook struct {
	Hook func() error
	Quit func()
}

// HookAction is a named piece of non-real-time-safe work that compiled code
// can request. Actions are registered by the host or by extension modules
// and execute on the main-thread pump.
type HookAction func(payload string) error

type hookRequest struct {
	id      uint64
	action  string
	payload string
}

// hookDoneLimit caps retained completion markers. Markers are normally
// removed when polled; the cap covers programs that post and never poll.
const hookDoneLimit = 1024

// hookBridge is the fire-and-check handoff between the audio context and
// the host main context. Posting is a bounded mutex append; execution
// happens only in pump; completion is observed by polling on later blocks.
type hookBridge struct {
	mu        sync.Mutex
	actions   map[string]HookAction
	queue     []hookRequest
	done      map[uint64]error
	doneOrder []uint64 // completion ids, oldest first
	nextID    uint64
}

func newHookBridge() *hookBridge {
	return &hookBridge{
		actions: make(map[string]HookAction),
		done:    make(map[uint64]error),
	}
}

// registerAction adds a named action. Duplicate names are rejected so an
// extension cannot silently shadow a host action.
func (b *hookBridge) registerAction(name string, fn HookAction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.actions[name]; ok {
		return fmt.Errorf("main-thread action %q already registered", name)
	}
	b.actions[name] = fn
	return nil
}

// post queues a request and returns its completion id.
func (b *hookBridge) post(action, payload string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.queue = append(b.queue, hookRequest{id: id, action: action, payload: payload})
	return id
}

// pump executes every queued request and records completion markers.
// Returns the number of requests executed. Actions are resolved under the
// lock; registerAction may run concurrently from a control context.
func (b *hookBridge) pump(out *output) int {
	b.mu.Lock()
	queued := b.queue
	b.queue = nil
	fns := make([]HookAction, len(queued))
	for i, req := range queued {
		fns[i] = b.actions[req.action]
	}
	b.mu.Unlock()

	for i, req := range queued {
		var err error
		if fns[i] == nil {
			err = fmt.Errorf("unknown main-thread action %q", req.action)
		} else {
			err = fns[i](req.payload)
		}
		if err != nil {
			out.Cherr("[quell]: main-thread action " + req.action + ": " + err.Error())
		}
		b.markDone(req.id, err)
	}
	return len(queued)
}

// markDone records a completion marker, evicting the oldest ones past the
// cap so a program that posts without ever polling cannot grow the table
// without bound.
func (b *hookBridge) markDone(id uint64, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.done[id] = err
	b.doneOrder = append(b.doneOrder, id)
	for len(b.doneOrder) > hookDoneLimit {
		delete(b.done, b.doneOrder[0])
		b.doneOrder = b.doneOrder[1:]
	}
}

// poll reports whether the request with the given id has completed. A
// completed id is forgotten once observed.
func (b *hookBridge) poll(id uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.done[id]; ok {
		delete(b.done, id)
		return true
	}
	return false
}
