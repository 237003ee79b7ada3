// Package quell is a programmable real-time audio engine: source programs
// are compiled and injected into a live, sample-synchronized scheduler
// driven by the host's audio callback, without interrupting the audio path.
package quell

import (
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
)

const engineVersion = "0.9.1 (kindling)"

// --- process-wide state ----------------------------------------------------

var (
	globalMu          sync.Mutex
	globalInitialized bool
	liveInstances     atomic.Int64
	systemCall        atomic.Bool
)

// GlobalInit initializes process-wide shared state (diagnostic sinks, the
// system-call gate). Call once before any engine use; Init calls it
// implicitly. Idempotent.
func GlobalInit() bool {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalInitialized {
		return true
	}
	systemCall.Store(false)
	globalInitialized = true
	return true
}

// GlobalCleanup resets the process-wide state after all engine usage.
// Engines still live are unaffected; their diagnostics fall back to the
// default sinks.
func GlobalCleanup() {
	globalMu.Lock()
	defer globalMu.Unlock()
	if !globalInitialized {
		return
	}
	SetStdoutCallback(nil)
	SetStderrCallback(nil)
	systemCall.Store(false)
	globalInitialized = false
}

// Version returns the engine version string.
func Version() string { return engineVersion }

// IntSize returns the native integer width, in bits.
func IntSize() int { return strconv.IntSize }

// NumVMs returns the number of live engine instances in this process.
func NumVMs() uint64 {
	n := liveInstances.Load()
	if n < 0 {
		return 0
	}
	return uint64(n)
}

// SetSystemCallEnabled gates whether compiled code may invoke host-level
// system commands. Default disabled; enable with care.
func SetSystemCallEnabled(on bool) { systemCall.Store(on) }

// SystemCallEnabled reports the system-call gate.
func SystemCallEnabled() bool { return systemCall.Load() }

// --- engine ----------------------------------------------------------------

// Engine is the embedding facade: parameter store, lifecycle, compile entry
// points, and the per-block run call. Lifecycle is UNINITIALIZED →
// INITIALIZED → STARTED → SHUTDOWN; a destroyed engine is terminal and a
// fresh instance is required afterward.
//
// Run is intended for the host's real-time audio context; every other
// method belongs to control contexts. Engine construction and destruction
// across goroutines must be serialized by the host.
type Engine struct {
	params *paramStore
	out    *output
	logger *slog.Logger

	mu          sync.Mutex
	initialized bool
	started     bool
	destroyed   bool

	carrier *Carrier
	otf     *otfServer
	watches *watchSet
}

// New creates an engine in the UNINITIALIZED state with default parameters.
func New() *Engine {
	out := &output{}
	return &Engine{
		params: newParamStore(),
		out:    out,
		logger: newLogger(out),
	}
}

// --- parameters ------------------------------------------------------------

// SetParamInt sets an integer-typed parameter. After Init, VM_HALT and
// VM_ADAPTIVE are routed to the scheduler through its deferred command
// queue; frozen keys are rejected. VM_HALT is edge-triggered: a nonzero
// write requests a halt, and the key always reads back 0 once the request
// has been routed.
func (e *Engine) SetParamInt(name string, value int64) bool {
	if name == ParamVMHalt {
		if !e.params.setInt(name, 0) {
			return false
		}
		e.mu.Lock()
		defer e.mu.Unlock()
		if value != 0 && e.initialized {
			e.carrier.vm.Halt()
		}
		return true
	}

	if !e.params.setInt(name, value) {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.initialized && name == ParamVMAdaptive {
		e.carrier.vm.SetAdaptive(value != 0)
	}
	return true
}

// SetParamString sets a string-typed parameter.
func (e *Engine) SetParamString(name, value string) bool {
	return e.params.setString(name, value)
}

// SetParamStringList sets a string-list-typed parameter.
func (e *Engine) SetParamStringList(name string, value []string) bool {
	return e.params.setList(name, value)
}

// GetParamInt returns an integer parameter, or its default if unset.
// Unknown or differently typed keys return (0, false).
func (e *Engine) GetParamInt(name string) (int64, bool) {
	return e.params.getInt(name)
}

// GetParamString returns a string parameter, or its default if unset.
func (e *Engine) GetParamString(name string) (string, bool) {
	return e.params.getString(name)
}

// GetParamStringList returns a string-list parameter, or its default.
func (e *Engine) GetParamStringList(name string) ([]string, bool) {
	return e.params.getList(name)
}

// --- lifecycle -------------------------------------------------------------

// Init validates parameters and constructs the carrier: VM, compiler,
// extension registry, globals, hook bridge, and (when enabled) the
// on-the-fly listener. Fails on double init or invalid configuration,
// leaving state unchanged.
func (e *Engine) Init() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.destroyed {
		e.out.errorf("init: engine has been shut down")
		return false
	}
	if e.initialized {
		e.out.errorf("init: engine already initialized")
		return false
	}

	srate, _ := e.params.getInt(ParamSampleRate)
	inCh, _ := e.params.getInt(ParamInputChannels)
	outCh, _ := e.params.getInt(ParamOutputChannels)
	if srate <= 0 {
		e.out.errorf("init: sample rate %d must be positive", srate)
		return false
	}
	if inCh < 0 || outCh < 0 {
		e.out.errorf("init: channel counts (%d in, %d out) must be non-negative", inCh, outCh)
		return false
	}

	GlobalInit()

	globals := newGlobals()
	bridge := newHookBridge()
	policy := OverrunPolicy{Truncate: e.params.getBool(ParamHintIsRealtimeAudio)}
	vm := newVM(int(srate), int(inCh), int(outCh), policy, globals, e.logger)
	vm.adaptive.Store(e.params.getBool(ParamVMAdaptive))

	carrier := &Carrier{
		vm:      vm,
		chugins: newChuginRegistry(e.logger),
		globals: globals,
		bridge:  bridge,
		out:     e.out,
		logger:  e.logger,
	}
	carrier.compiler = newCompiler(carrier, e.params)

	if e.params.getBool(ParamChuginEnable) {
		dir, _ := e.params.getString(ParamChuginDirectory)
		userDirs, _ := e.params.getList(ParamUserChuginDirectories)
		files, _ := e.params.getList(ParamUserChugins)
		dirs := append([]string{dir}, userDirs...)
		n := carrier.chugins.scan(dirs, files, e.bindContextFor(carrier))
		e.logger.Info("extensions loaded", slog.Int("count", n))
	}

	if e.params.getBool(ParamOTFEnable) {
		port, _ := e.params.getInt(ParamOTFPort)
		otf := newOTFServer(carrier, e.logger)
		if err := otf.start(int(port)); err != nil {
			e.out.errorf("init: starting on-the-fly listener: %v", err)
			vm.destroy()
			return false
		}
		e.otf = otf
	}

	e.carrier = carrier
	e.watches = newWatchSet(carrier, e.logger)
	e.params.freeze()
	e.initialized = true
	liveInstances.Add(1)
	e.logger.Info("engine initialized", slog.Int64("srate", srate),
		slog.Int64("in", inCh), slog.Int64("out", outCh))
	return true
}

// IsInit reports whether Init has succeeded.
func (e *Engine) IsInit() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initialized
}

// Start starts the VM's scheduling clock. Idempotent; Run calls it
// implicitly. Running with zero shreds produces silence.
func (e *Engine) Start() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		e.out.errorf("start: engine not initialized")
		return false
	}
	e.carrier.vm.Start()
	e.started = true
	return true
}

// Run delegates exactly one audio block to the VM: advance the virtual
// clock by numFrames, execute ready shreds, mix into output, read input.
// Call from the designated real-time context only. Before Init it is a
// safe no-op that zero-fills output.
func (e *Engine) Run(input, output []float32, numFrames int) {
	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		for i := range output {
			output[i] = 0
		}
		return
	}
	if !e.started {
		e.carrier.vm.Start()
		e.started = true
	}
	vm := e.carrier.vm
	e.mu.Unlock()

	vm.runBlock(input, output, numFrames)
}

// Destroy shuts the engine down in two phases: request a halt, then, once
// the VM confirms idle, tear down the carrier and its dependents in
// reverse construction order. The engine is terminal afterward.
func (e *Engine) Destroy() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized || e.destroyed {
		e.destroyed = true
		return
	}

	e.watches.stop()
	if e.otf != nil {
		e.otf.stop()
		e.otf = nil
	}

	e.carrier.vm.Halt()
	e.carrier.vm.destroy()

	if h := e.carrier.getHook(); h != nil && h.Quit != nil {
		h.Quit()
	}

	e.carrier = nil
	e.initialized = false
	e.started = false
	e.destroyed = true
	liveInstances.Add(-1)
	e.logger.Info("engine shut down")
}

// --- compiling -------------------------------------------------------------

// CompileCode compiles literal source with the given argument string and
// admits count replicate shreds at the next block boundary.
func (e *Engine) CompileCode(code, args string, count int) bool {
	c := e.compiler()
	if c == nil {
		e.out.errorf("compile: engine not initialized")
		return false
	}
	_, err := c.CompileCode(code, args, count)
	return err == nil
}

// CompileFile compiles a source file (WORKING_DIRECTORY-relative unless
// absolute) and admits count replicate shreds at the next block boundary.
func (e *Engine) CompileFile(path, args string, count int) bool {
	c := e.compiler()
	if c == nil {
		e.out.errorf("compile: engine not initialized")
		return false
	}
	_, err := c.CompileFile(path, args, count)
	return err == nil
}

func (e *Engine) compiler() *Compiler {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return nil
	}
	return e.carrier.compiler
}

// --- extensions ------------------------------------------------------------

// Bind registers an extension programmatically through its query function,
// under the same manifest rules as file modules. Requires Init; programs
// referencing the extension must compile after the bind.
func (e *Engine) Bind(query QueryFunc, name string) bool {
	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		e.out.errorf("bind: engine not initialized")
		return false
	}
	carrier := e.carrier
	e.mu.Unlock()

	if err := carrier.chugins.bind(query, name, e.bindContextFor(carrier)); err != nil {
		e.out.errorf("bind: %v", err)
		return false
	}
	return true
}

func (e *Engine) bindContextFor(carrier *Carrier) *BindContext {
	return &BindContext{
		SampleRate:               carrier.vm.SampleRate(),
		HostVersion:              ChuginVersion(),
		RegisterMainThreadAction: carrier.bridge.registerAction,
	}
}

// --- main-thread hook ------------------------------------------------------

// SetMainThreadHook installs the host's main-thread callback pair.
func (e *Engine) SetMainThreadHook(h *MainThreadHook) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return false
	}
	e.carrier.setHook(h)
	return true
}

// GetMainThreadHook returns the installed hook, or nil.
func (e *Engine) GetMainThreadHook() *MainThreadHook {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return nil
	}
	return e.carrier.getHook()
}

// RegisterMainThreadAction makes a named action available to compiled code
// through the hook bridge.
func (e *Engine) RegisterMainThreadAction(name string, fn HookAction) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return e.out.errorf("register action: engine not initialized")
	}
	return e.carrier.bridge.registerAction(name, fn)
}

// PumpMainThreadHook runs one main-loop iteration's worth of deferred
// work: the installed hook, then every request compiled code has posted.
// Call from the host's main execution context, never the audio context.
func (e *Engine) PumpMainThreadHook() error {
	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		return nil
	}
	carrier := e.carrier
	e.mu.Unlock()

	if h := carrier.getHook(); h != nil && h.Hook != nil {
		if err := h.Hook(); err != nil {
			return err
		}
	}
	carrier.bridge.pump(e.out)
	return nil
}

// --- accessors -------------------------------------------------------------

// Globals returns the shared globals registry, or nil before Init.
func (e *Engine) Globals() *Globals {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return nil
	}
	return e.carrier.globals
}

// VM returns the scheduler. Escape hatch for advanced embedding; prefer
// the engine surface.
func (e *Engine) VM() *VM {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return nil
	}
	return e.carrier.vm
}

// Compiler returns the compiler. Escape hatch for advanced embedding.
func (e *Engine) Compiler() *Compiler { return e.compiler() }

// VMRunning reports whether the scheduling clock is live.
func (e *Engine) VMRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initialized && e.carrier.vm.Running()
}

// --- diagnostics -----------------------------------------------------------

// SetChoutCallback redirects this instance's program/compiler output.
func (e *Engine) SetChoutCallback(cb OutputFunc) bool {
	e.out.setChout(cb)
	return true
}

// SetCherrCallback redirects this instance's error and log output.
func (e *Engine) SetCherrCallback(cb OutputFunc) bool {
	e.out.setCherr(cb)
	return true
}

// --- source watching -------------------------------------------------------

// WatchFile compiles a source file and re-compiles and replaces its shreds
// whenever the file changes on disk. Requires Init.
func (e *Engine) WatchFile(path, args string) error {
	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		return e.out.errorf("watch: engine not initialized")
	}
	w := e.watches
	e.mu.Unlock()
	return w.watch(path, args)
}

// UnwatchFile stops watching a file. Its live shreds are left running.
func (e *Engine) UnwatchFile(path string) {
	e.mu.Lock()
	w := e.watches
	e.mu.Unlock()
	if w != nil {
		w.unwatch(path)
	}
}
