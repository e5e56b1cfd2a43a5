package storage

import (
	"path/filepath"
	"testing"

	"github.com/weavekit/weave-core/settings"
)

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()
	defaults := settings.Default()
	defaults.Name = "TEST_NAME"
	store, err := Open(Config{Path: path, BusyTimeout: 1}, defaults, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestBlobRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weaved.db")
	store := openTestStore(t, path)

	if got := store.LoadSettings("settings"); got != "" {
		t.Errorf("fresh store returned %q", got)
	}
	store.SaveSettings("settings", `{"name": "one"}`)
	store.SaveSettings("settings", `{"name": "two"}`)
	if got := store.LoadSettings("settings"); got != `{"name": "two"}` {
		t.Errorf("blob = %q", got)
	}

	// Independent blobs do not clobber each other.
	store.SaveSettings("revocation_list", "[]")
	if got := store.LoadSettings("settings"); got != `{"name": "two"}` {
		t.Errorf("blob after second name = %q", got)
	}
}

func TestBlobsSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weaved.db")
	store := openTestStore(t, path)
	store.SaveSettings("settings", `{"device_id": "x"}`)
	store.Close()

	reopened := openTestStore(t, path)
	if got := reopened.LoadSettings("settings"); got != `{"device_id": "x"}` {
		t.Errorf("blob after reopen = %q", got)
	}
}

func TestLoadDefaults(t *testing.T) {
	store := openTestStore(t, filepath.Join(t.TempDir(), "weaved.db"))
	var s settings.Settings
	if !store.LoadDefaults(&s) {
		t.Fatal("LoadDefaults returned false")
	}
	if s.Name != "TEST_NAME" {
		t.Errorf("defaults name = %q", s.Name)
	}
}
