package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watcher monitors the env file and reloads the runtime config when it
// changes. Editors replace files rather than writing in place, so the
// parent directory is watched and events are debounced.
type Watcher struct {
	runtime  *Runtime
	envPath  string
	watcher  *fsnotify.Watcher
	onReload func(Config)

	mu       sync.Mutex
	reloadT  *time.Timer
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewWatcher creates a watcher for the given env file.
func NewWatcher(runtime *Runtime, envPath string, onReload func(Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		runtime:  runtime,
		envPath:  envPath,
		watcher:  fw,
		onReload: onReload,
		stopCh:   make(chan struct{}),
	}
	if err := fw.Add(filepath.Dir(envPath)); err != nil {
		fw.Close()
		return nil, err
	}
	return w, nil
}

// Start begins watching in the background.
func (w *Watcher) Start() {
	go w.loop()
}

// Stop halts the watcher.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.watcher.Close()
	})
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.envPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Config watcher error")
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.reloadT != nil {
		w.reloadT.Stop()
	}
	w.reloadT = time.AfterFunc(500*time.Millisecond, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := Load(w.envPath)
	if err != nil {
		log.Warn().Err(err).Str("path", w.envPath).Msg("Config reload failed, keeping previous settings")
		return
	}
	w.runtime.Replace(*cfg)
	log.Info().Str("path", w.envPath).Msg("Config reloaded")
	if w.onReload != nil {
		w.onReload(*cfg)
	}
}
