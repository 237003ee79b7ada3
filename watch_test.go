package quell

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeSource(t *testing.T, path, src string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}
}

// waitForFrame runs blocks until the first output frame matches want, or
// fails after the deadline. Reload happens on the watcher goroutine, so the
// swap is only observable some blocks later.
func waitForFrame(t *testing.T, e *Engine, want float32) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		buf := runFrames(e, 32)
		if buf[0] == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("output never reached %v", want)
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "live.js")
	writeSource(t, path, `function tick(now) { out(0, 0, 0.25); return 1; }`)

	e := newTestEngine(t)
	if err := e.WatchFile(path, ""); err != nil {
		t.Fatalf("WatchFile: %v", err)
	}

	buf := runFrames(e, 32)
	if buf[0] != 0.25 {
		t.Fatalf("initial frame = %v, want 0.25", buf[0])
	}

	writeSource(t, path, `function tick(now) { out(0, 0, 0.5); return 1; }`)
	waitForFrame(t, e, 0.5)

	// The old shred is gone, not just out-mixed.
	if shreds, _ := e.VM().Status(); len(shreds) != 1 {
		t.Errorf("live shreds = %d, want 1", len(shreds))
	}
}

func TestWatch_CompileFailureKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "live.js")
	writeSource(t, path, `function tick(now) { out(0, 0, 0.25); return 1; }`)

	e := newTestEngine(t)
	if err := e.WatchFile(path, ""); err != nil {
		t.Fatalf("WatchFile: %v", err)
	}
	buf := runFrames(e, 32)
	if buf[0] != 0.25 {
		t.Fatalf("initial frame = %v, want 0.25", buf[0])
	}

	writeSource(t, path, `function tick(now { broken`)
	// Give the watcher time to see the event and fail the recompile.
	time.Sleep(300 * time.Millisecond)

	buf = runFrames(e, 32)
	if buf[0] != 0.25 {
		t.Errorf("frame after broken write = %v, want 0.25 (previous kept)", buf[0])
	}
}

func TestWatch_ResolvesAgainstWorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "live.js")
	writeSource(t, path, `function tick(now) { out(0, 0, 0.25); return 1; }`)

	e := newTestEngine(t)
	e.SetParamString(ParamWorkingDirectory, dir)

	// Relative path: the compile and the watcher must land on the same
	// WORKING_DIRECTORY-resolved file.
	if err := e.WatchFile("live.js", ""); err != nil {
		t.Fatalf("WatchFile: %v", err)
	}

	buf := runFrames(e, 32)
	if buf[0] != 0.25 {
		t.Fatalf("initial frame = %v, want 0.25", buf[0])
	}

	writeSource(t, path, `function tick(now) { out(0, 0, 0.5); return 1; }`)
	waitForFrame(t, e, 0.5)

	// Unwatch resolves the same way.
	e.UnwatchFile("live.js")
	writeSource(t, path, `function tick(now) { out(0, 0, 0.75); return 1; }`)
	time.Sleep(300 * time.Millisecond)
	buf = runFrames(e, 32)
	if buf[0] != 0.5 {
		t.Errorf("frame after unwatch = %v, want 0.5 (no reload)", buf[0])
	}
}

func TestWatch_DuplicateRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "live.js")
	writeSource(t, path, `function tick(now) { return 1; }`)

	e := newTestEngine(t)
	if err := e.WatchFile(path, ""); err != nil {
		t.Fatalf("WatchFile: %v", err)
	}
	if err := e.WatchFile(path, ""); err == nil {
		t.Error("second watch on the same file accepted")
	}
}

func TestWatch_UnwatchLeavesShredsRunning(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "live.js")
	writeSource(t, path, `function tick(now) { out(0, 0, 0.25); return 1; }`)

	e := newTestEngine(t)
	if err := e.WatchFile(path, ""); err != nil {
		t.Fatalf("WatchFile: %v", err)
	}
	e.UnwatchFile(path)

	buf := runFrames(e, 32)
	if buf[0] != 0.25 {
		t.Errorf("frame after unwatch = %v, want 0.25", buf[0])
	}
}

func TestWatch_RequiresInit(t *testing.T) {
	e := New()
	if err := e.WatchFile("anything.js", ""); err == nil {
		t.Error("WatchFile succeeded before Init")
	}
}

func TestWatch_MissingFileFails(t *testing.T) {
	e := newTestEngine(t)
	if err := e.WatchFile(filepath.Join(t.TempDir(), "absent.js"), ""); err == nil {
		t.Error("WatchFile succeeded on a missing file")
	}
}
