package pocketfence

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSettingsWatcher_AppliesChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	store := NewSettingsStore(path, discardLogger())
	if _, err := store.Load(); err != nil {
		t.Fatal(err)
	}

	changes := make(chan ProxySettings, 4)
	w, err := NewSettingsWatcher(store, func(s ProxySettings) { changes <- s }, discardLogger())
	if err != nil {
		t.Fatalf("NewSettingsWatcher: %v", err)
	}
	w.Debounce = 20 * time.Millisecond
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = w.Close() }()

	data := `{"ageLevel": "teen", "childModeEnabled": false, "proxyPort": 8888, "autoStart": true}`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case s := <-changes:
		if s.AgeLevel != "teen" || s.ChildModeEnabled {
			t.Errorf("got %+v", s)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("change not delivered")
	}
}

func TestSettingsWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	store := NewSettingsStore(filepath.Join(dir, "settings.json"), discardLogger())
	if _, err := store.Load(); err != nil {
		t.Fatal(err)
	}

	changes := make(chan ProxySettings, 1)
	w, err := NewSettingsWatcher(store, func(s ProxySettings) { changes <- s }, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	w.Debounce = 10 * time.Millisecond
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = w.Close() }()

	if err := os.WriteFile(filepath.Join(dir, "other.json"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case s := <-changes:
		t.Errorf("unexpected change %+v", s)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSettingsWatcher_KeepsSettingsOnInvalidEdit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	store := NewSettingsStore(path, discardLogger())
	if _, err := store.Load(); err != nil {
		t.Fatal(err)
	}

	c := NewController(newTestEngine(t), nil, store)
	c.Logger = discardLogger()
	if err := c.SetAgeLevel("early"); err != nil {
		t.Fatal(err)
	}

	changes := make(chan ProxySettings, 4)
	w, err := NewSettingsWatcher(store, func(s ProxySettings) {
		c.ApplySettings(s)
		changes <- s
	}, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	w.Debounce = 20 * time.Millisecond
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = w.Close() }()

	for _, data := range []string{`{"ageLevel": "toddler"}`, `{"ageLevel": `} {
		if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
			t.Fatal(err)
		}
		select {
		case s := <-changes:
			t.Errorf("invalid file %q applied %+v", data, s)
		case <-time.After(300 * time.Millisecond):
		}
	}

	if got := c.Engine.AgeLevel(); got != AgeEarly {
		t.Errorf("AgeLevel = %s, want early", got)
	}
	if got := store.Current().AgeLevel; got != "early" {
		t.Errorf("Current().AgeLevel = %q, want early", got)
	}

	valid := `{"ageLevel": "teen", "childModeEnabled": true, "proxyPort": 8888, "autoStart": true}`
	if err := os.WriteFile(path, []byte(valid), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case <-changes:
	case <-time.After(3 * time.Second):
		t.Fatal("valid edit not applied after an invalid one")
	}
	if got := c.Engine.AgeLevel(); got != AgeTeen {
		t.Errorf("AgeLevel = %s, want teen", got)
	}
}
