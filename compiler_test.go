package quell

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCompile_RequiresTickFunction(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.Compiler().CompileCode(`var x = 1;`, "", 1); err == nil {
		t.Error("source without tick compiled")
	}
	if _, err := e.Compiler().CompileCode(`var tick = 42;`, "", 1); err == nil {
		t.Error("non-function tick compiled")
	}
}

func TestCompile_SyntaxErrorReported(t *testing.T) {
	e := newTestEngine(t)
	sink := &lineSink{}
	e.SetCherrCallback(sink.add)

	if e.CompileCode(`function tick(now { return 0; }`, "", 1) {
		t.Error("malformed source compiled")
	}
	if len(sink.all()) == 0 {
		t.Error("compile failure produced no diagnostic")
	}
}

func TestCompile_CountValidation(t *testing.T) {
	e := newTestEngine(t)
	if _, err := e.Compiler().CompileCode(`function tick(now) { return 0; }`, "", 0); err == nil {
		t.Error("count 0 accepted")
	}
	if _, err := e.Compiler().CompileCode(`function tick(now) { return 0; }`, "", -3); err == nil {
		t.Error("negative count accepted")
	}
}

func TestCompile_FailureLeavesNoShreds(t *testing.T) {
	e := newTestEngine(t)
	e.CompileCode(`not valid source`, "", 2)
	runFrames(e, 8)
	if shreds, _ := e.VM().Status(); len(shreds) != 0 {
		t.Errorf("live shreds = %d, want 0 after failed compile", len(shreds))
	}
}

func TestCompile_ArgsReachProgram(t *testing.T) {
	e := newTestEngine(t)

	ids, err := e.Compiler().CompileCode(`
function tick(now) {
	setGlobalFloat("arg0", parseFloat(me.args[0]));
	setGlobalString("arg1", me.args[1]);
	setGlobalInt("argc", me.args.length);
	return 0;
}`, "440:sine", 1)
	if err != nil {
		t.Fatalf("CompileCode: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("ids = %v, want one shred", ids)
	}
	runFrames(e, 8)

	if v, _ := e.Globals().GetFloat("arg0"); v != 440 {
		t.Errorf("arg0 = %v, want 440", v)
	}
	if v, _ := e.Globals().GetString("arg1"); v != "sine" {
		t.Errorf("arg1 = %q, want sine", v)
	}
	if v, _ := e.Globals().GetInt("argc"); v != 2 {
		t.Errorf("argc = %d, want 2", v)
	}
}

func TestCompile_ShredIDVisibleToProgram(t *testing.T) {
	e := newTestEngine(t)

	ids, err := e.Compiler().CompileCode(
		`function tick(now) { setGlobalInt("myid", me.id); return 0; }`, "", 1)
	if err != nil {
		t.Fatalf("CompileCode: %v", err)
	}
	runFrames(e, 8)

	if v, _ := e.Globals().GetInt("myid"); uint64(v) != ids[0] {
		t.Errorf("myid = %d, want %d", v, ids[0])
	}
}

func TestCompile_ReplicatesGetDistinctIDs(t *testing.T) {
	e := newTestEngine(t)
	ids, err := e.Compiler().CompileCode(`function tick(now) { return 1; }`, "", 4)
	if err != nil {
		t.Fatalf("CompileCode: %v", err)
	}
	seen := make(map[uint64]bool)
	for _, id := range ids {
		if seen[id] {
			t.Fatalf("duplicate id %d in %v", id, ids)
		}
		seen[id] = true
	}
}

func TestCompile_ReplaceSwapsAtOneBoundary(t *testing.T) {
	e := newTestEngine(t)

	ids, err := e.Compiler().CompileCode(`function tick(now) { out(0, 0, 0.25); return 1; }`, "", 1)
	if err != nil {
		t.Fatalf("CompileCode: %v", err)
	}
	buf := runFrames(e, 8)
	if buf[0] != 0.25 {
		t.Fatalf("pre-replace frame = %v, want 0.25", buf[0])
	}

	newIDs, err := e.Compiler().Replace(ids,
		`function tick(now) { out(0, 0, 0.5); return 1; }`, "", "", 1)
	if err != nil {
		t.Fatalf("Replace: %v", err)
	}
	buf = runFrames(e, 8)
	if buf[0] != 0.5 {
		t.Errorf("post-replace frame = %v, want 0.5 only", buf[0])
	}

	shreds, _ := e.VM().Status()
	if len(shreds) != 1 || shreds[0].ID != newIDs[0] {
		t.Errorf("status = %+v, want only id %d", shreds, newIDs[0])
	}
}

// ---------------------------------------------------------------------------
// Files and the working directory
// ---------------------------------------------------------------------------

func TestCompileFile_ResolvesAgainstWorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	src := `function tick(now) { out(0, 0, 0.25); return 1; }`
	if err := os.WriteFile(filepath.Join(dir, "tone.js"), []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}

	e := newTestEngine(t)
	e.SetParamString(ParamWorkingDirectory, dir)

	if !e.CompileFile("tone.js", "", 1) {
		t.Fatal("CompileFile failed")
	}
	buf := runFrames(e, 8)
	if buf[0] != 0.25 {
		t.Errorf("frame = %v, want 0.25", buf[0])
	}

	shreds, _ := e.VM().Status()
	if len(shreds) != 1 || shreds[0].Name != "tone" {
		t.Errorf("status = %+v, want one shred named tone", shreds)
	}
}

func TestCompileFile_MissingFile(t *testing.T) {
	e := newTestEngine(t)
	if e.CompileFile(filepath.Join(t.TempDir(), "absent.js"), "", 1) {
		t.Error("CompileFile succeeded on a missing file")
	}
}

// ---------------------------------------------------------------------------
// Deprecation and dump
// ---------------------------------------------------------------------------

const emitSource = `function tick(now) { emit(0, 0, 0.25); return 1; }`

func TestCompile_DeprecationWarns(t *testing.T) {
	e := newTestEngine(t) // DEPRECATE_LEVEL defaults to 1
	sink := &lineSink{}
	e.SetCherrCallback(sink.add)

	if !e.CompileCode(emitSource, "", 1) {
		t.Fatal("deprecated construct failed to compile at level 1")
	}
	if !sink.contains("deprecated") {
		t.Errorf("cherr lines = %v, want a deprecation warning", sink.all())
	}

	buf := runFrames(e, 8)
	if buf[0] != 0.25 {
		t.Errorf("emit frame = %v, want 0.25", buf[0])
	}
}

func TestCompile_DeprecationFails(t *testing.T) {
	e := newTestEngine(t)
	e.SetParamInt(ParamDeprecateLevel, 2)
	if e.CompileCode(emitSource, "", 1) {
		t.Error("deprecated construct compiled at level 2")
	}
}

func TestCompile_DeprecationSilent(t *testing.T) {
	e := newTestEngine(t)
	e.SetParamInt(ParamDeprecateLevel, 0)
	sink := &lineSink{}
	e.SetCherrCallback(sink.add)

	if !e.CompileCode(emitSource, "", 1) {
		t.Fatal("deprecated construct failed to compile at level 0")
	}
	if sink.contains("deprecated") {
		t.Errorf("cherr lines = %v, want no warning at level 0", sink.all())
	}
}

func TestCompile_DumpInstructions(t *testing.T) {
	e := newTestEngine(t)
	e.SetParamInt(ParamDumpInstructions, 1)
	sink := &lineSink{}
	e.SetChoutCallback(sink.add)

	if !e.CompileCode(`function tick(now) { return 0; }`, "", 1) {
		t.Fatal("CompileCode failed")
	}
	if !sink.contains("tick") {
		t.Errorf("chout lines = %v, want the tick listing", sink.all())
	}
}

func TestParseShredArgs(t *testing.T) {
	if got := parseShredArgs(""); got != nil {
		t.Errorf("parseShredArgs(\"\") = %v, want nil", got)
	}
	got := parseShredArgs("a:b:c")
	if len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Errorf("parseShredArgs = %v, want [a b c]", got)
	}
	if got := parseShredArgs("one"); len(got) != 1 || got[0] != "one" {
		t.Errorf("parseShredArgs = %v, want [one]", got)
	}
}
