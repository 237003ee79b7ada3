package quell

import (
	"os"
	"sync"
)

// OutputFunc receives one diagnostic message. Messages are complete lines
// without a trailing newline.
type OutputFunc func(msg string)

// Process-wide fallback callbacks, shared by every engine instance that has
// no per-instance callback installed. Guarded by outMu; replaced via
// SetStdoutCallback / SetStderrCallback.
var (
	outMu    sync.RWMutex
	stdoutCB OutputFunc
	stderrCB OutputFunc
)

// SetStdoutCallback replaces the process-wide standard output sink used by
// engines without a per-instance chout callback. Passing nil restores the
// default (os.Stdout).
func SetStdoutCallback(cb OutputFunc) bool {
	outMu.Lock()
	defer outMu.Unlock()
	stdoutCB = cb
	return true
}

// SetStderrCallback replaces the process-wide standard error sink used by
// engines without a per-instance cherr callback. Passing nil restores the
// default (os.Stderr).
func SetStderrCallback(cb OutputFunc) bool {
	outMu.Lock()
	defer outMu.Unlock()
	stderrCB = cb
	return true
}

func processStdout(msg string) {
	outMu.RLock()
	cb := stdoutCB
	outMu.RUnlock()
	if cb != nil {
		cb(msg)
		return
	}
	os.Stdout.WriteString(msg + "\n")
}

func processStderr(msg string) {
	outMu.RLock()
	cb := stderrCB
	outMu.RUnlock()
	if cb != nil {
		cb(msg)
		return
	}
	os.Stderr.WriteString(msg + "\n")
}

// output is the per-instance diagnostic channel pair. Compiled programs and
// the compiler print through chout; errors and engine logging go to cherr.
// Unset callbacks fall through to the process-wide sinks.
type output struct {
	mu    sync.RWMutex
	chout OutputFunc
	cherr OutputFunc
}

func (o *output) setChout(cb OutputFunc) {
	o.mu.Lock()
	o.chout = cb
	o.mu.Unlock()
}

func (o *output) setCherr(cb OutputFunc) {
	o.mu.Lock()
	o.cherr = cb
	o.mu.Unlock()
}

func (o *output) Chout(msg string) {
	o.mu.RLock()
	cb := o.chout
	o.mu.RUnlock()
	if cb != nil {
		cb(msg)
		return
	}
	processStdout(msg)
}

func (o *output) Cherr(msg string) {
	o.mu.RLock()
	cb := o.cherr
	o.mu.RUnlock()
	if cb != nil {
		cb(msg)
		return
	}
	processStderr(msg)
}
