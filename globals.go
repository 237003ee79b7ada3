package quell

import "sync"

// GlobalType identifies the type of one shared global variable.
type GlobalType int

const (
	GlobalInt GlobalType = iota
	GlobalFloat
	GlobalString
	GlobalEvent
	GlobalFloatArray
)

func (t GlobalType) String() string {
	switch t {
	case GlobalInt:
		return "int"
	case GlobalFloat:
		return "float"
	case GlobalString:
		return "string"
	case GlobalEvent:
		return "event"
	case GlobalFloatArray:
		return "float[]"
	}
	return "unknown"
}

type globalValue struct {
	typ GlobalType
	i   int64
	f   float64
	s   string
	arr []float64
}

type globalOp struct {
	name      string
	val       globalValue
	signal    bool
	broadcast bool
}

type eventWake struct {
	name      string
	broadcast bool
}

// Globals is the shared named-variable table bridging compiled code, the
// embedding host, and external controllers. Writes from host and controller
// contexts are deferred and become visible at the next block boundary;
// reads return the last committed value. Compiled code reads and writes the
// committed table directly (it already runs on the scheduler's clock).
//
// A name's type is fixed by its first write; writes of a different type are
// rejected.
type Globals struct {
	mu      sync.Mutex
	vals    map[string]globalValue
	pending []globalOp
}

func newGlobals() *Globals {
	return &Globals{vals: make(map[string]globalValue)}
}

// typeOK reports whether name may hold a value of type t.
func (g *Globals) typeOK(name string, t GlobalType) bool {
	v, ok := g.vals[name]
	return !ok || v.typ == t
}

func (g *Globals) set(name string, val globalValue) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.typeOK(name, val.typ) {
		return false
	}
	g.pending = append(g.pending, globalOp{name: name, val: val})
	return true
}

// SetInt schedules a write; visible by the start of the next block.
func (g *Globals) SetInt(name string, v int64) bool {
	return g.set(name, globalValue{typ: GlobalInt, i: v})
}

// SetFloat schedules a write; visible by the start of the next block.
func (g *Globals) SetFloat(name string, v float64) bool {
	return g.set(name, globalValue{typ: GlobalFloat, f: v})
}

// SetString schedules a write; visible by the start of the next block.
func (g *Globals) SetString(name string, v string) bool {
	return g.set(name, globalValue{typ: GlobalString, s: v})
}

// SetFloatArray schedules a write of a copy of v; visible by the start of
// the next block.
func (g *Globals) SetFloatArray(name string, v []float64) bool {
	return g.set(name, globalValue{typ: GlobalFloatArray, arr: append([]float64(nil), v...)})
}

// SignalEvent wakes one shred parked on the named event at the next block
// boundary.
func (g *Globals) SignalEvent(name string) bool {
	return g.eventOp(name, false)
}

// BroadcastEvent wakes every shred parked on the named event at the next
// block boundary.
func (g *Globals) BroadcastEvent(name string) bool {
	return g.eventOp(name, true)
}

func (g *Globals) eventOp(name string, broadcast bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.typeOK(name, GlobalEvent) {
		return false
	}
	g.pending = append(g.pending, globalOp{
		name:      name,
		val:       globalValue{typ: GlobalEvent},
		signal:    true,
		broadcast: broadcast,
	})
	return true
}

// GetInt returns the committed value, or (0, false) if name is unset or not
// an int.
func (g *Globals) GetInt(name string) (int64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if v, ok := g.vals[name]; ok && v.typ == GlobalInt {
		return v.i, true
	}
	return 0, false
}

// GetFloat returns the committed value, or (0, false).
func (g *Globals) GetFloat(name string) (float64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if v, ok := g.vals[name]; ok && v.typ == GlobalFloat {
		return v.f, true
	}
	return 0, false
}

// GetString returns the committed value, or ("", false).
func (g *Globals) GetString(name string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if v, ok := g.vals[name]; ok && v.typ == GlobalString {
		return v.s, true
	}
	return "", false
}

// GetFloatArray returns a copy of the committed value, or (nil, false).
func (g *Globals) GetFloatArray(name string) ([]float64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if v, ok := g.vals[name]; ok && v.typ == GlobalFloatArray {
		return append([]float64(nil), v.arr...), true
	}
	return nil, false
}

// Type returns the registered type of name.
func (g *Globals) Type(name string) (GlobalType, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	v, ok := g.vals[name]
	return v.typ, ok
}

// --- scheduler-side access -------------------------------------------------

// applyPending commits all deferred writes in order and returns the event
// wakes for the scheduler to process. Called by the VM at block start.
func (g *Globals) applyPending() []eventWake {
	g.mu.Lock()
	defer g.mu.Unlock()

	var wakes []eventWake
	for _, op := range g.pending {
		if op.signal {
			g.vals[op.name] = globalValue{typ: GlobalEvent}
			wakes = append(wakes, eventWake{name: op.name, broadcast: op.broadcast})
			continue
		}
		g.vals[op.name] = op.val
	}
	g.pending = g.pending[:0]
	return wakes
}

// commit writes a value immediately. Used by program bindings, which run on
// the scheduler's own clock.
func (g *Globals) commit(name string, val globalValue) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.typeOK(name, val.typ) {
		return false
	}
	g.vals[name] = val
	return true
}
