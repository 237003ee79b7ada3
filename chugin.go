package quell

import (
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"plugin"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Extension ABI version. A module's declared major version must match the
// host's; the minor version may be lower or equal.
const (
	chuginVersionMajor = 1
	chuginVersionMinor = 0
)

// ChuginVersion returns the host's extension ABI version, encoded as
// major<<16 | minor. File modules export QuellDeclareVersion returning the
// version they were built against.
func ChuginVersion() uint32 { return chuginVersionMajor<<16 | chuginVersionMinor }

// Symbol names every file extension module must export.
const (
	chuginQuerySymbol   = "QuellQuery"
	chuginVersionSymbol = "QuellDeclareVersion"
)

// BindContext is handed to an extension's query entry point. It carries the
// engine facts a module may need while building its manifest, plus the hook
// for registering main-thread actions.
type BindContext struct {
	SampleRate  int
	HostVersion uint32

	// RegisterMainThreadAction makes a named action available to compiled
	// code through the main-thread hook bridge.
	RegisterMainThreadAction func(name string, fn HookAction) error
}

// Manifest is the capability descriptor an extension module returns: the
// callable surface it contributes to every compiled program.
type Manifest struct {
	Name    string
	Version uint32

	// Funcs are Go functions registered as globals in each program VM.
	// Exported argument/return types follow the program-binding rules
	// (ints, floats, strings; no bare bools).
	Funcs map[string]any

	// Consts are values installed as globals in each program VM.
	Consts map[string]any

	// Prelude is source evaluated in each program VM after Funcs and
	// Consts are installed and before user code compiles.
	Prelude string
}

// QueryFunc is the fixed-signature entry point of an extension module.
type QueryFunc func(*BindContext) (*Manifest, error)

// chuginRegistry owns extension records for the life of the session. There
// is deliberately no unload: compiled code may hold symbols from any loaded
// module until shutdown.
type chuginRegistry struct {
	mu        sync.Mutex
	manifests []*Manifest
	owner     map[string]string // exported symbol -> manifest name
	logger    *slog.Logger
}

func newChuginRegistry(logger *slog.Logger) *chuginRegistry {
	return &chuginRegistry{owner: make(map[string]string), logger: logger}
}

// bind runs a query function and registers its manifest. This is the
// programmatic (non-file) registration path; name is used in diagnostics if
// the module itself does not provide one.
func (r *chuginRegistry) bind(query QueryFunc, name string, ctx *BindContext) error {
	m, err := query(ctx)
	if err != nil {
		return fmt.Errorf("querying extension %q: %w", name, err)
	}
	if m == nil {
		return fmt.Errorf("extension %q returned no manifest", name)
	}
	if m.Name == "" {
		m.Name = name
	}
	return r.register(m)
}

// register adds a manifest after checking its exported names against every
// symbol already claimed. A collision rejects the whole module.
func (r *chuginRegistry) register(m *Manifest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var names []string
	for n := range m.Funcs {
		names = append(names, n)
	}
	for n := range m.Consts {
		names = append(names, n)
	}
	for _, n := range names {
		if owner, ok := r.owner[n]; ok {
			return fmt.Errorf("extension %q: symbol %q already provided by %q", m.Name, n, owner)
		}
	}
	for _, n := range names {
		r.owner[n] = m.Name
	}
	r.manifests = append(r.manifests, m)
	r.logger.Info("extension registered", slog.String("name", m.Name),
		slog.Int("funcs", len(m.Funcs)), slog.Int("consts", len(m.Consts)))
	return nil
}

// snapshot returns the registered manifests in registration order.
func (r *chuginRegistry) snapshot() []*Manifest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Manifest(nil), r.manifests...)
}

// loadFile opens one dynamic module, checks its declared ABI version, runs
// its query entry point, and registers the result.
func (r *chuginRegistry) loadFile(path string, ctx *BindContext) error {
	p, err := plugin.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}

	verSym, err := p.Lookup(chuginVersionSymbol)
	if err != nil {
		return fmt.Errorf("%s: missing %s: %w", path, chuginVersionSymbol, err)
	}
	declare, ok := verSym.(func() uint32)
	if !ok {
		return fmt.Errorf("%s: %s has wrong signature", path, chuginVersionSymbol)
	}
	if v := declare(); v>>16 != chuginVersionMajor {
		return fmt.Errorf("%s: ABI version %d.%d incompatible with host %d.%d",
			path, v>>16, v&0xffff, chuginVersionMajor, chuginVersionMinor)
	}

	qSym, err := p.Lookup(chuginQuerySymbol)
	if err != nil {
		return fmt.Errorf("%s: missing %s: %w", path, chuginQuerySymbol, err)
	}
	query, ok := qSym.(func(*BindContext) (*Manifest, error))
	if !ok {
		return fmt.Errorf("%s: %s has wrong signature", path, chuginQuerySymbol)
	}

	return r.bind(query, filepath.Base(path), ctx)
}

// scan discovers extension modules under the search directories and loads
// them plus the explicit file list. Discovery fans out per directory; load
// order is the sorted path list so runs are reproducible. A module that
// fails to load is skipped and reported; the scan itself only fails on
// nothing at all being loadable when something was requested explicitly.
func (r *chuginRegistry) scan(dirs []string, files []string, ctx *BindContext) int {
	var (
		mu         sync.Mutex
		candidates []string
	)
	var g errgroup.Group
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		g.Go(func() error {
			found := discoverChugins(dir)
			mu.Lock()
			candidates = append(candidates, found...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(candidates)
	candidates = append(candidates, files...)

	loaded := 0
	for _, path := range candidates {
		if err := r.loadFile(path, ctx); err != nil {
			r.logger.Warn("skipping extension", slog.String("path", path),
				slog.String("err", err.Error()))
			continue
		}
		loaded++
	}
	return loaded
}

// discoverChugins walks one directory tree collecting loadable module paths.
// Missing or unreadable directories yield nothing; that is not an error.
func discoverChugins(dir string) []string {
	var found []string
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && strings.HasSuffix(path, ".so") {
			found = append(found, path)
		}
		return nil
	})
	return found
}
