package registry

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "endpoints.yaml")
	if err := os.WriteFile(path, []byte(sampleCatalog), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	reg := New()
	if _, err := reg.LoadFile(path); err != nil {
		t.Fatalf("load: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := reg.Watch(ctx, path, 20*time.Millisecond, nil); err != nil {
		t.Fatalf("watch: %v", err)
	}

	// An invalid catalog keeps the previous one installed.
	if err := os.WriteFile(path, []byte("endpoints:\n  - {id: broken}\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	if reg.Snapshot().Len() != 2 {
		t.Fatalf("invalid catalog must not replace the installed one")
	}

	replacement := "endpoints:\n  - {id: only, name: Only, url: \"https://only.example.com\", method: GET}\n"
	if err := os.WriteFile(path, []byte(replacement), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, func() bool { return reg.Snapshot().Len() == 1 })
	if _, ok := reg.Get("only"); !ok {
		t.Fatalf("expected reloaded endpoint")
	}
}

func TestReloadKeepsCatalogOnMissingFile(t *testing.T) {
	reg := New()
	if _, err := reg.Load(strings.NewReader(sampleCatalog)); err != nil {
		t.Fatalf("load: %v", err)
	}
	if reg.Reload(filepath.Join(t.TempDir(), "missing.yaml"), nil) {
		t.Fatalf("reload of a missing file should fail")
	}
	if reg.Snapshot().Len() != 2 {
		t.Fatalf("catalog should be unchanged")
	}
}
