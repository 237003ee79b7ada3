package quell

import (
	"strings"
	"sync"
	"testing"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

// newTestEngine builds an initialized engine with extension scanning and the
// network listener off, so tests touch only what they exercise.
func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e := New()
	e.SetParamInt(ParamSampleRate, 44100)
	e.SetParamInt(ParamInputChannels, 1)
	e.SetParamInt(ParamOutputChannels, 2)
	e.SetParamInt(ParamChuginEnable, 0)
	if !e.Init() {
		t.Fatal("Init failed")
	}
	t.Cleanup(e.Destroy)
	return e
}

// runFrames runs one block of the given length on a stereo engine and
// returns the interleaved output.
func runFrames(e *Engine, frames int) []float32 {
	buf := make([]float32, frames*2)
	e.Run(nil, buf, frames)
	return buf
}

// compileOK compiles literal source and fails the test on error.
func compileOK(t *testing.T, e *Engine, code string) []uint64 {
	t.Helper()
	ids, err := e.Compiler().CompileCode(code, "", 1)
	if err != nil {
		t.Fatalf("CompileCode: %v", err)
	}
	return ids
}

// lineSink collects diagnostic lines from chout/cherr callbacks.
type lineSink struct {
	mu    sync.Mutex
	lines []string
}

func (s *lineSink) add(msg string) {
	s.mu.Lock()
	s.lines = append(s.lines, msg)
	s.mu.Unlock()
}

func (s *lineSink) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

func (s *lineSink) contains(sub string) bool {
	for _, l := range s.all() {
		if strings.Contains(l, sub) {
			return true
		}
	}
	return false
}

func near(a, b float32) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d < 1e-5
}

// ---------------------------------------------------------------------------
// Scheduler-side stubs
// ---------------------------------------------------------------------------

// stubProgram is a native Program for scheduler tests that need no compiler.
type stubProgram struct {
	tick   func(tc *TickContext) (TickResult, error)
	closed bool
}

func (p *stubProgram) Tick(tc *TickContext) (TickResult, error) { return p.tick(tc) }
func (p *stubProgram) Close()                                   { p.closed = true }

// toneProg emits a constant on one channel every sample until removed.
func toneProg(ch int, amp float32) *stubProgram {
	return &stubProgram{tick: func(tc *TickContext) (TickResult, error) {
		tc.EmitOut(0, ch, amp)
		return TickResult{Advance: 1}, nil
	}}
}

// newTestVM builds a started scheduler with diagnostics routed to the test
// log.
func newTestVM(t *testing.T, srate, inCh, outCh int) *VM {
	t.Helper()
	out := &output{}
	out.setCherr(func(msg string) { t.Log(msg) })
	vm := newVM(srate, inCh, outCh, OverrunPolicy{Truncate: true}, newGlobals(), newLogger(out))
	vm.Start()
	return vm
}
