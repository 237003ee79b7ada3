package quell

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestChuginVersion_Encoding(t *testing.T) {
	v := ChuginVersion()
	if v>>16 != chuginVersionMajor {
		t.Errorf("major = %d, want %d", v>>16, chuginVersionMajor)
	}
	if v&0xffff != chuginVersionMinor {
		t.Errorf("minor = %d, want %d", v&0xffff, chuginVersionMinor)
	}
}

func TestBind_ManifestSurfaceReachesPrograms(t *testing.T) {
	e := newTestEngine(t)

	query := func(ctx *BindContext) (*Manifest, error) {
		return &Manifest{
			Name: "dsputil",
			Funcs: map[string]any{
				"gain": func(v, g float64) float64 { return v * g },
			},
			Consts:  map[string]any{"TWO_PI": 2 * math.Pi},
			Prelude: `function half(v) { return gain(v, 0.5); }`,
		}, nil
	}
	if !e.Bind(query, "dsputil") {
		t.Fatal("Bind failed")
	}

	compileOK(t, e, `
function tick(now) {
	setGlobalFloat("g", gain(2, 3));
	setGlobalFloat("c", TWO_PI);
	setGlobalFloat("h", half(4));
	return 0;
}`)
	runFrames(e, 8)

	if v, _ := e.Globals().GetFloat("g"); v != 6 {
		t.Errorf("gain(2,3) = %v, want 6", v)
	}
	if v, _ := e.Globals().GetFloat("c"); !near(float32(v), float32(2*math.Pi)) {
		t.Errorf("TWO_PI = %v, want %v", v, 2*math.Pi)
	}
	if v, _ := e.Globals().GetFloat("h"); v != 2 {
		t.Errorf("half(4) = %v, want 2", v)
	}
}

func TestBind_ErroringFuncThrowsInProgram(t *testing.T) {
	e := newTestEngine(t)

	query := func(ctx *BindContext) (*Manifest, error) {
		return &Manifest{
			Name: "flaky",
			Funcs: map[string]any{
				"boom": func() (float64, error) { return 0, errors.New("hardware offline") },
			},
		}, nil
	}
	if !e.Bind(query, "flaky") {
		t.Fatal("Bind failed")
	}

	compileOK(t, e, `
function tick(now) {
	try { boom(); } catch (err) { setGlobalString("caught", String(err)); }
	return 0;
}`)
	runFrames(e, 8)

	v, ok := e.Globals().GetString("caught")
	if !ok {
		t.Fatal("program did not catch the error")
	}
	if want := "hardware offline"; !strings.Contains(v, want) {
		t.Errorf("caught = %q, want it to mention %q", v, want)
	}
}

func TestBind_SymbolCollisionRejectsModule(t *testing.T) {
	e := newTestEngine(t)

	mk := func(name string) QueryFunc {
		return func(ctx *BindContext) (*Manifest, error) {
			return &Manifest{
				Name:  name,
				Funcs: map[string]any{"gain": func(v float64) float64 { return v }},
			}, nil
		}
	}
	if !e.Bind(mk("first"), "first") {
		t.Fatal("first Bind failed")
	}
	if e.Bind(mk("second"), "second") {
		t.Error("colliding module accepted")
	}

	// The first module keeps working.
	compileOK(t, e, `function tick(now) { setGlobalFloat("r", gain(5)); return 0; }`)
	runFrames(e, 8)
	if v, _ := e.Globals().GetFloat("r"); v != 5 {
		t.Errorf("gain(5) = %v, want 5", v)
	}
}

func TestBind_QueryFailureReported(t *testing.T) {
	e := newTestEngine(t)
	if e.Bind(func(ctx *BindContext) (*Manifest, error) {
		return nil, errors.New("missing device")
	}, "broken") {
		t.Error("Bind accepted an erroring query")
	}
	if e.Bind(func(ctx *BindContext) (*Manifest, error) {
		return nil, nil
	}, "empty") {
		t.Error("Bind accepted a nil manifest")
	}
}

func TestBind_ContextCarriesEngineFacts(t *testing.T) {
	e := newTestEngine(t)

	var gotRate int
	var gotVersion uint32
	e.Bind(func(ctx *BindContext) (*Manifest, error) {
		gotRate = ctx.SampleRate
		gotVersion = ctx.HostVersion
		return &Manifest{Name: "probe"}, nil
	}, "probe")

	if gotRate != 44100 {
		t.Errorf("SampleRate = %d, want 44100", gotRate)
	}
	if gotVersion != ChuginVersion() {
		t.Errorf("HostVersion = %d, want %d", gotVersion, ChuginVersion())
	}
}

func TestBind_RegistersMainThreadActions(t *testing.T) {
	e := newTestEngine(t)

	rendered := false
	e.Bind(func(ctx *BindContext) (*Manifest, error) {
		err := ctx.RegisterMainThreadAction("render", func(string) error {
			rendered = true
			return nil
		})
		return &Manifest{Name: "renderer"}, err
	}, "renderer")

	compileOK(t, e, `function tick(now) { post("render", ""); return 0; }`)
	runFrames(e, 8)
	e.PumpMainThreadHook()

	if !rendered {
		t.Error("extension action never ran")
	}

	// The name is claimed; the host cannot shadow it.
	if err := e.RegisterMainThreadAction("render", func(string) error { return nil }); err == nil {
		t.Error("duplicate action name accepted")
	}
}

func TestBind_ManifestAppliesOnlyToLaterCompiles(t *testing.T) {
	e := newTestEngine(t)

	compileOK(t, e, `
function tick(now) {
	setGlobalInt("sees", typeof gain === "function" ? 1 : 0);
	return 0;
}`)
	runFrames(e, 8)
	if v, _ := e.Globals().GetInt("sees"); v != 0 {
		t.Fatalf("sees = %d, want 0 before bind", v)
	}

	e.Bind(func(ctx *BindContext) (*Manifest, error) {
		return &Manifest{
			Name:  "late",
			Funcs: map[string]any{"gain": func(v float64) float64 { return v }},
		}, nil
	}, "late")

	compileOK(t, e, `
function tick(now) {
	setGlobalInt("sees2", typeof gain === "function" ? 1 : 0);
	return 0;
}`)
	runFrames(e, 8)
	if v, _ := e.Globals().GetInt("sees2"); v != 1 {
		t.Errorf("sees2 = %d, want 1 after bind", v)
	}
}

func TestScan_MalformedModuleSkipped(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "broken.so"), []byte("not a module"), 0o644); err != nil {
		t.Fatal(err)
	}

	e := New()
	e.SetParamInt(ParamChuginEnable, 1)
	e.SetParamString(ParamChuginDirectory, dir)
	if !e.Init() {
		t.Fatal("Init failed with a malformed module present")
	}
	defer e.Destroy()

	// The engine stays usable; programmatic binds still land.
	if !e.Bind(func(ctx *BindContext) (*Manifest, error) {
		return &Manifest{Name: "alive"}, nil
	}, "alive") {
		t.Error("Bind failed after a skipped module")
	}
}

func TestDiscoverChugins_MissingDirectory(t *testing.T) {
	if found := discoverChugins(filepath.Join(t.TempDir(), "absent")); len(found) != 0 {
		t.Errorf("found = %v, want none", found)
	}
}
