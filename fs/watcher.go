package fs

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/xiaoyuanzhu-com/session-fleet/log"
)

// Browser cache directories churn constantly and never matter for a restore.
var ignoredDirNames = map[string]bool{
	"Cache":               true,
	"Code Cache":          true,
	"GPUCache":            true,
	"GrShaderCache":       true,
	"ShaderCache":         true,
	"DawnCache":           true,
	"Service Worker":      true,
	"Crashpad":            true,
	"component_crx_cache": true,
}

// WorkdirWatcher reports when a tenant's working directory settles after a
// burst of writes, so a fresh backup can be taken before the periodic sweep.
type WorkdirWatcher struct {
	watcher   *fsnotify.Watcher
	debouncer *debouncer

	mu    sync.RWMutex
	roots map[string]string // tenantID -> root dir

	stopChan chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewWorkdirWatcher creates a watcher that calls onSettled(tenantID) once a
// watched directory has been quiet for delay.
func NewWorkdirWatcher(delay time.Duration, onSettled func(tenantID string)) (*WorkdirWatcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &WorkdirWatcher{
		watcher:  fw,
		roots:    make(map[string]string),
		stopChan: make(chan struct{}),
	}
	w.debouncer = newDebouncer(delay, onSettled)

	w.wg.Add(1)
	go w.eventLoop()
	return w, nil
}

// Watch starts watching a tenant's working directory
func (w *WorkdirWatcher) Watch(tenantID, dir string) error {
	w.Unwatch(tenantID)

	w.mu.Lock()
	w.roots[tenantID] = filepath.Clean(dir)
	w.mu.Unlock()

	return w.watchRecursive(dir)
}

// Unwatch stops watching a tenant's directory and drops pending notifications
func (w *WorkdirWatcher) Unwatch(tenantID string) {
	w.mu.Lock()
	root, ok := w.roots[tenantID]
	delete(w.roots, tenantID)
	w.mu.Unlock()

	w.debouncer.Cancel(tenantID)
	if !ok {
		return
	}

	for _, path := range w.watcher.WatchList() {
		if path == root || strings.HasPrefix(path, root+string(os.PathSeparator)) {
			w.watcher.Remove(path)
		}
	}
}

// Stop stops the watcher and waits for the event loop to exit
func (w *WorkdirWatcher) Stop() {
	w.stopOnce.Do(func() {
		w.debouncer.Stop()
		close(w.stopChan)
		w.watcher.Close()
		w.wg.Wait()
	})
}

func (w *WorkdirWatcher) watchRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if ignoredDirNames[d.Name()] {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("failed to watch directory")
		}
		return nil
	})
}

func (w *WorkdirWatcher) eventLoop() {
	defer w.wg.Done()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("workdir watcher error")

		case <-w.stopChan:
			return
		}
	}
}

func (w *WorkdirWatcher) handleEvent(event fsnotify.Event) {
	tenantID, ok := w.tenantFor(event.Name)
	if !ok {
		return
	}

	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() && !ignoredDirNames[info.Name()] {
			w.watchRecursive(event.Name)
		}
	}

	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
		w.debouncer.Queue(tenantID)
	}
}

func (w *WorkdirWatcher) tenantFor(path string) (string, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	for tenantID, root := range w.roots {
		if path == root || strings.HasPrefix(path, root+string(os.PathSeparator)) {
			rel := strings.TrimPrefix(path, root)
			for _, part := range strings.Split(rel, string(os.PathSeparator)) {
				if ignoredDirNames[part] {
					return "", false
				}
			}
			return tenantID, true
		}
	}
	return "", false
}
