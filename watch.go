package quell

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// watchSet keeps live-coding watches: each watched source file is compiled
// once up front, then recompiled and swapped in for its previous shreds
// whenever the file is written. Removal and re-admission land at the same
// block boundary, so the swap is atomic from the scheduler's point of view.
type watchSet struct {
	compiler *Compiler
	logger   *slog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	entries map[string]*watchEntry // absolute path -> entry
	stopped bool
	done    chan struct{}
}

type watchEntry struct {
	args string
	ids  []uint64
}

func newWatchSet(carrier *Carrier, logger *slog.Logger) *watchSet {
	return &watchSet{
		compiler: carrier.compiler,
		logger:   logger,
		entries:  make(map[string]*watchEntry),
	}
}

// resolve maps a watched path to the absolute path the compiler will read:
// relative paths are joined onto WORKING_DIRECTORY first, so the compile
// and the watcher always refer to the same file.
func (ws *watchSet) resolve(path string) (string, error) {
	if !filepath.IsAbs(path) {
		if workDir, _ := ws.compiler.params.getString(ParamWorkingDirectory); workDir != "" {
			path = filepath.Join(workDir, path)
		}
	}
	return filepath.Abs(path)
}

// watch compiles the file and registers it for recompile-on-change.
func (ws *watchSet) watch(path, args string) error {
	abs, err := ws.resolve(path)
	if err != nil {
		return fmt.Errorf("watching %s: %w", path, err)
	}

	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.stopped {
		return fmt.Errorf("watching %s: engine is shutting down", path)
	}
	if _, ok := ws.entries[abs]; ok {
		return fmt.Errorf("watching %s: already watched", path)
	}

	if ws.watcher == nil {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("starting watcher: %w", err)
		}
		ws.watcher = w
		ws.done = make(chan struct{})
		go ws.loop(w)
	}

	ids, err := ws.compiler.CompileFile(abs, args, 1)
	if err != nil {
		return err
	}
	if err := ws.watcher.Add(abs); err != nil {
		// The shreds were already admitted; take them back out rather
		// than leave them running untracked.
		for _, id := range ids {
			ws.compiler.vm.Remove(id)
		}
		return fmt.Errorf("watching %s: %w", path, err)
	}
	ws.entries[abs] = &watchEntry{args: args, ids: ids}
	ws.logger.Info("watching source", slog.String("path", abs))
	return nil
}

// unwatch stops watching a file, leaving its shreds running.
func (ws *watchSet) unwatch(path string) {
	abs, err := ws.resolve(path)
	if err != nil {
		return
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if _, ok := ws.entries[abs]; !ok {
		return
	}
	delete(ws.entries, abs)
	if ws.watcher != nil {
		_ = ws.watcher.Remove(abs)
	}
}

// loop handles watcher events until stop closes the watcher. Editors often
// replace files (rename+create), so re-add the path after such events.
func (ws *watchSet) loop(w *fsnotify.Watcher) {
	defer close(ws.done)
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				ws.reload(ev.Name)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			ws.logger.Warn("source watcher", slog.String("err", err.Error()))
		}
	}
}

// reload recompiles one watched file and replaces its shreds. A compile
// failure keeps the previous shreds running.
func (ws *watchSet) reload(path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return
	}

	ws.mu.Lock()
	entry, ok := ws.entries[abs]
	if !ok {
		ws.mu.Unlock()
		return
	}
	args := entry.args
	oldIDs := append([]uint64(nil), entry.ids...)
	ws.mu.Unlock()

	ids, err := ws.compiler.Replace(oldIDs, "", abs, args, 1)
	if err != nil {
		ws.logger.Warn("reload failed, keeping previous shreds",
			slog.String("path", abs), slog.String("err", err.Error()))
		return
	}

	ws.mu.Lock()
	if entry, ok := ws.entries[abs]; ok {
		entry.ids = ids
	}
	ws.mu.Unlock()
	// Editors that replace the file drop the watch; re-add is harmless.
	ws.mu.Lock()
	if ws.watcher != nil && !ws.stopped {
		_ = ws.watcher.Add(abs)
	}
	ws.mu.Unlock()
	ws.logger.Info("source reloaded", slog.String("path", abs))
}

// stop closes the watcher and waits for the event loop to exit.
func (ws *watchSet) stop() {
	ws.mu.Lock()
	if ws.stopped {
		ws.mu.Unlock()
		return
	}
	ws.stopped = true
	w := ws.watcher
	done := ws.done
	ws.watcher = nil
	ws.entries = map[string]*watchEntry{}
	ws.mu.Unlock()

	if w != nil {
		_ = w.Close()
		<-done
	}
}
