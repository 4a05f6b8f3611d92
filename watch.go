package pocketfence

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// SettingsDebounce is the default delay before a settings change is applied.
const SettingsDebounce = 200 * time.Millisecond

// SettingsWatcher reloads the settings file when it changes on disk and
// passes the new settings to a callback. The directory is watched rather
// than the file so that atomic replace-by-rename is seen.
type SettingsWatcher struct {
	store    *SettingsStore
	onChange func(ProxySettings)
	logger   *slog.Logger
	watcher  *fsnotify.Watcher

	// Debounce batches bursts of events. Set before Start.
	Debounce time.Duration

	timerMu sync.Mutex
	timer   *time.Timer

	done    chan struct{}
	stopped chan struct{}
}

// NewSettingsWatcher creates a watcher for store's file.
func NewSettingsWatcher(store *SettingsStore, onChange func(ProxySettings), logger *slog.Logger) (*SettingsWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SettingsWatcher{
		store:    store,
		onChange: onChange,
		logger:   logger,
		watcher:  w,
		Debounce: SettingsDebounce,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}, nil
}

// Start begins watching.
func (sw *SettingsWatcher) Start() error {
	dir := filepath.Dir(sw.store.Path())
	if err := sw.watcher.Add(dir); err != nil {
		return err
	}
	go sw.loop()
	return nil
}

// Close stops the watcher and waits for the event loop to exit.
func (sw *SettingsWatcher) Close() error {
	close(sw.done)
	err := sw.watcher.Close()
	<-sw.stopped

	sw.timerMu.Lock()
	if sw.timer != nil {
		sw.timer.Stop()
	}
	sw.timerMu.Unlock()
	return err
}

func (sw *SettingsWatcher) loop() {
	defer close(sw.stopped)

	target := filepath.Clean(sw.store.Path())
	for {
		select {
		case <-sw.done:
			return
		case ev, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				sw.schedule()
			}
		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			sw.logger.Warn("settings watcher error", "error", err)
		}
	}
}

func (sw *SettingsWatcher) schedule() {
	sw.timerMu.Lock()
	defer sw.timerMu.Unlock()

	if sw.timer != nil {
		sw.timer.Stop()
	}
	sw.timer = time.AfterFunc(sw.Debounce, sw.reload)
}

func (sw *SettingsWatcher) reload() {
	select {
	case <-sw.done:
		return
	default:
	}

	before := sw.store.Current()
	settings, err := sw.store.Reload()
	if err != nil {
		sw.logger.Warn("settings file invalid, keeping current settings", "error", err)
		return
	}
	if settings == before {
		return
	}
	sw.logger.Info("settings changed on disk", "age_level", settings.AgeLevel, "child_mode", settings.ChildModeEnabled)
	if sw.onChange != nil {
		sw.onChange(settings)
	}
}
