package quell

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"modernc.org/quickjs"
)

// prelude is evaluated in every program VM after the host bindings and
// extension manifests are installed and before user code compiles. It
// defines the documented program surface over the raw __-prefixed hooks.
const prelude = `
var me = { id: 0, args: [] };
function out(i, ch, v) { __out(i|0, ch|0, +v); }
function input(i, ch) { return __in(i|0, ch|0); }
function srate() { return __srate(); }
function now() { return __now(); }
function waitOn(name) { __wait(String(name)); return 1; }
function globalInt(n) { return __g_get_int(String(n)); }
function setGlobalInt(n, v) { __g_set_int(String(n), v|0); }
function globalFloat(n) { return __g_get_float(String(n)); }
function setGlobalFloat(n, v) { __g_set_float(String(n), +v); }
function globalString(n) { return __g_get_str(String(n)); }
function setGlobalString(n, v) { __g_set_str(String(n), String(v)); }
function globalArrayAt(n, i) { return __g_get_arr(String(n), i|0); }
function setGlobalArrayAt(n, i, v) { __g_set_arr(String(n), i|0, +v); }
function signalEvent(n) { __g_signal(String(n), 0); }
function broadcastEvent(n) { __g_signal(String(n), 1); }
function post(action, payload) {
	return __post(String(action), payload === undefined ? "" : String(payload));
}
function polled(id) { return __poll(+id) !== 0; }
function system(cmd) { return __system(String(cmd)) !== 0; }
var console = {
	log: function() {
		var parts = [];
		for (var i = 0; i < arguments.length; i++) parts.push(String(arguments[i]));
		__chout(parts.join(" "));
		return 0;
	},
	error: function() {
		var parts = [];
		for (var i = 0; i < arguments.length; i++) parts.push(String(arguments[i]));
		__cherr(parts.join(" "));
		return 0;
	}
};
/* legacy name for out(); see DEPRECATE_LEVEL */
function emit(i, ch, v) { __out(i|0, ch|0, +v); }
`

// Compiler turns source into schedulable programs and hands them to the VM
// through the admission queue. Compile calls serialize against each other
// (the extension symbol space is shared) but never against, or inside, a
// running block.
type Compiler struct {
	mu      sync.Mutex
	vm      *VM
	chugins *chuginRegistry
	globals *Globals
	bridge  *hookBridge
	params  *paramStore
	out     *output
	logger  *slog.Logger
}

func newCompiler(c *Carrier, params *paramStore) *Compiler {
	return &Compiler{
		vm:      c.vm,
		chugins: c.chugins,
		globals: c.globals,
		bridge:  c.bridge,
		params:  params,
		out:     c.out,
		logger:  c.logger,
	}
}

// parseShredArgs splits a colon-separated argument string.
func parseShredArgs(args string) []string {
	if args == "" {
		return nil
	}
	return strings.Split(args, ":")
}

// CompileCode compiles literal source and admits count replicate shreds.
// Returns the admitted shred ids.
func (c *Compiler) CompileCode(code, args string, count int) ([]uint64, error) {
	return c.compile(code, "<code>", args, count)
}

// CompileFile reads (and, with AUTO_DEPEND, bundles) a source file and
// admits count replicate shreds.
func (c *Compiler) CompileFile(path, args string, count int) ([]uint64, error) {
	return c.Replace(nil, "", path, args, count)
}

// Replace compiles a new source and swaps it in for existing shreds: the
// old ids are removed and the replacements admitted at the same block
// boundary. Either code or path may be given; path wins.
func (c *Compiler) Replace(removeIDs []uint64, code, path, args string, count int) ([]uint64, error) {
	if path != "" {
		workDir, _ := c.params.getString(ParamWorkingDirectory)
		if !filepath.IsAbs(path) && workDir != "" {
			path = filepath.Join(workDir, path)
		}
		var (
			src string
			err error
		)
		if c.params.getBool(ParamAutoDepend) {
			src, err = bundleSourceFile(path, workDir)
		} else {
			var raw []byte
			raw, err = os.ReadFile(path)
			src = string(raw)
		}
		if err != nil {
			return nil, c.out.errorf("compiling %s: %v", path, err)
		}
		name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		return c.compileInto(src, name, args, count, removeIDs)
	}
	return c.compileInto(code, "<code>", args, count, removeIDs)
}

func (c *Compiler) compile(src, name, args string, count int) ([]uint64, error) {
	return c.compileInto(src, name, args, count, nil)
}

func (c *Compiler) compileInto(src, name, args string, count int, removeIDs []uint64) ([]uint64, error) {
	if count < 1 {
		return nil, c.out.errorf("compiling %s: replication count %d < 1", name, count)
	}

	if err := c.checkDeprecated(src, name); err != nil {
		return nil, err
	}

	shredArgs := parseShredArgs(args)

	c.mu.Lock()
	defer c.mu.Unlock()

	manifests := c.chugins.snapshot()

	progs := make([]Program, 0, count)
	for i := 0; i < count; i++ {
		p, err := c.newProgram(src, name, shredArgs, manifests)
		if err != nil {
			for _, prev := range progs {
				prev.Close()
			}
			return nil, c.out.errorf("compiling %s: %v", name, err)
		}
		progs = append(progs, p)
	}

	if c.params.getBool(ParamDumpInstructions) {
		c.dump(progs[0].(*jsProgram), name)
	}

	batch := c.vm.newShreds(progs, name)
	for i, s := range batch {
		p := progs[i].(*jsProgram)
		if err := evalDiscard(p.vm, "me.id = "+strconv.FormatUint(s.id, 10)+";"); err != nil {
			c.logger.Warn("setting shred id", slog.String("err", err.Error()))
		}
	}
	var ids []uint64
	if len(removeIDs) > 0 {
		ids = c.vm.replaceBatch(removeIDs, batch)
	} else {
		ids = c.vm.admitBatch(batch)
	}
	c.logger.Info("compiled", slog.String("name", name), slog.Int("count", count))
	return ids, nil
}

// checkDeprecated applies DEPRECATE_LEVEL to constructs kept only for old
// sources. Level 0 is silent, 1 warns, 2 and above fails the compile.
func (c *Compiler) checkDeprecated(src, name string) error {
	if !strings.Contains(src, "emit(") {
		return nil
	}
	level, _ := c.params.getInt(ParamDeprecateLevel)
	switch {
	case level <= 0:
	case level == 1:
		c.out.Cherr(fmt.Sprintf("[quell]: %s: emit() is deprecated, use out()", name))
	default:
		return c.out.errorf("compiling %s: emit() is deprecated, use out()", name)
	}
	return nil
}

// dump prints the compiled form of the program's tick entry through chout.
func (c *Compiler) dump(p *jsProgram, name string) {
	listing, err := evalString(p.vm, "String(tick)")
	if err != nil {
		c.logger.Warn("dump failed", slog.String("err", err.Error()))
		return
	}
	c.out.Chout(fmt.Sprintf("--- %s ---", name))
	c.out.Chout(listing)
}

// newProgram builds one program VM: host bindings, extension manifests,
// prelude, then the user source. The source must leave a global tick
// function behind.
func (c *Compiler) newProgram(src, name string, args []string, manifests []*Manifest) (*jsProgram, error) {
	vm, err := quickjs.NewVM()
	if err != nil {
		return nil, fmt.Errorf("creating program VM: %w", err)
	}

	p := &jsProgram{
		vm:      vm,
		name:    name,
		globals: c.globals,
		bridge:  c.bridge,
		out:     c.out,
		srate:   c.vm.SampleRate(),
	}

	if err := p.installBindings(); err != nil {
		vm.Close()
		return nil, fmt.Errorf("installing host bindings: %w", err)
	}
	for _, m := range manifests {
		if err := p.installManifest(m); err != nil {
			vm.Close()
			return nil, fmt.Errorf("installing extension %s: %w", m.Name, err)
		}
	}
	if err := evalDiscard(vm, prelude); err != nil {
		vm.Close()
		return nil, fmt.Errorf("installing prelude: %w", err)
	}
	if err := p.setArgs(args); err != nil {
		vm.Close()
		return nil, fmt.Errorf("setting shred arguments: %w", err)
	}

	if err := evalDiscard(vm, src); err != nil {
		vm.Close()
		return nil, err
	}
	ok, err := evalBool(vm, "typeof tick === 'function'")
	if err != nil || !ok {
		vm.Close()
		return nil, fmt.Errorf("source does not define a tick function")
	}

	return p, nil
}

// jsProgram is one shred's compiled program: a dedicated QuickJS VM whose
// tick function the scheduler calls at each wake. Created on a control
// context; after admission it is touched only by the audio context.
type jsProgram struct {
	vm     *quickjs.VM
	name   string
	srate  int
	closed bool

	globals *Globals
	bridge  *hookBridge
	out     *output

	// tc is the current block context, valid only inside Tick. Host
	// bindings read it; outside a tick they see nil and no-op.
	tc        *TickContext
	waitEvent string
}

func (p *jsProgram) setArgs(args []string) error {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = jsEscape(a)
	}
	return evalDiscard(p.vm, "me.args = ["+strings.Join(quoted, ",")+"];")
}

// installBindings registers the raw host hooks the prelude wraps. Every
// function returns a value because quickjs cannot marshal bare bools and
// void returns round-trip poorly.
func (p *jsProgram) installBindings() error {
	bindings := map[string]any{
		"__out": func(i, ch int, v float64) int {
			if p.tc != nil {
				p.tc.EmitOut(i, ch, float32(v))
			}
			return 0
		},
		"__in": func(i, ch int) float64 {
			if p.tc == nil {
				return 0
			}
			return float64(p.tc.ReadIn(i, ch))
		},
		"__srate": func() int { return p.srate },
		"__now": func() float64 {
			if p.tc == nil {
				return 0
			}
			return float64(p.tc.Now)
		},
		"__wait": func(name string) int {
			p.waitEvent = name
			return 0
		},
		"__g_get_int": func(name string) float64 {
			v, _ := p.globals.GetInt(name)
			return float64(v)
		},
		"__g_set_int": func(name string, v int) int {
			return boolToInt(p.globals.commit(name, globalValue{typ: GlobalInt, i: int64(v)}))
		},
		"__g_get_float": func(name string) float64 {
			v, _ := p.globals.GetFloat(name)
			return v
		},
		"__g_set_float": func(name string, v float64) int {
			return boolToInt(p.globals.commit(name, globalValue{typ: GlobalFloat, f: v}))
		},
		"__g_get_str": func(name string) string {
			v, _ := p.globals.GetString(name)
			return v
		},
		"__g_set_str": func(name, v string) int {
			return boolToInt(p.globals.commit(name, globalValue{typ: GlobalString, s: v}))
		},
		"__g_get_arr": func(name string, idx int) float64 {
			arr, ok := p.globals.GetFloatArray(name)
			if !ok || idx < 0 || idx >= len(arr) {
				return 0
			}
			return arr[idx]
		},
		"__g_set_arr": func(name string, idx int, v float64) int {
			arr, ok := p.globals.GetFloatArray(name)
			if !ok || idx < 0 || idx >= len(arr) {
				return 0
			}
			arr[idx] = v
			return boolToInt(p.globals.commit(name, globalValue{typ: GlobalFloatArray, arr: arr}))
		},
		"__g_signal": func(name string, broadcast int) int {
			return boolToInt(p.globals.eventOp(name, broadcast != 0))
		},
		"__post": func(action, payload string) float64 {
			return float64(p.bridge.post(action, payload))
		},
		"__poll": func(id float64) int {
			return boolToInt(p.bridge.poll(uint64(id)))
		},
		"__system": func(cmd string) int {
			if !SystemCallEnabled() {
				p.out.Cherr("[quell]: system() denied: system calls are disabled")
				return 0
			}
			if err := exec.Command("/bin/sh", "-c", cmd).Run(); err != nil {
				p.out.Cherr("[quell]: system(" + cmd + "): " + err.Error())
				return 0
			}
			return 1
		},
		"__chout": func(msg string) int {
			p.out.Chout(msg)
			return 0
		},
		"__cherr": func(msg string) int {
			p.out.Cherr(msg)
			return 0
		},
	}
	for name, fn := range bindings {
		if err := p.vm.RegisterFunc(name, fn, false); err != nil {
			return fmt.Errorf("registering %s: %w", name, err)
		}
	}
	return nil
}

// installManifest applies one extension's capability manifest to this
// program VM.
func (p *jsProgram) installManifest(m *Manifest) error {
	for name, fn := range m.Funcs {
		if err := registerGoFunc(p.vm, name, fn); err != nil {
			return fmt.Errorf("registering %s: %w", name, err)
		}
	}
	for name, v := range m.Consts {
		if err := setGlobal(p.vm, name, v); err != nil {
			return fmt.Errorf("setting %s: %w", name, err)
		}
	}
	if m.Prelude != "" {
		if err := evalDiscard(p.vm, m.Prelude); err != nil {
			return fmt.Errorf("evaluating prelude: %w", err)
		}
	}
	return nil
}

// Tick advances the program: call tick(now) and interpret its result. A
// number >= 1 suspends for that many samples; anything else terminates,
// unless the program parked itself on an event via waitOn.
func (p *jsProgram) Tick(tc *TickContext) (TickResult, error) {
	p.tc = tc
	p.waitEvent = ""
	defer func() { p.tc = nil }()

	r, err := p.vm.Eval("tick("+strconv.FormatUint(tc.Now, 10)+")", quickjs.EvalGlobal)
	if err != nil {
		return TickResult{}, err
	}
	if p.waitEvent != "" {
		return TickResult{WaitEvent: p.waitEvent}, nil
	}

	var advance float64
	switch v := r.(type) {
	case int:
		advance = float64(v)
	case int64:
		advance = float64(v)
	case float64:
		advance = v
	default:
		return TickResult{Done: true}, nil
	}
	if advance < 1 {
		return TickResult{Done: true}, nil
	}
	return TickResult{Advance: uint64(advance)}, nil
}

func (p *jsProgram) Close() {
	if p.closed {
		return
	}
	p.closed = true
	p.vm.Close()
}
