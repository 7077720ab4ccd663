package app

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func writeTestConfig(t *testing.T, redisAddr string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := fmt.Sprintf(`
app:
  name: telemetry-core-test
  log_level: error
redis_url: redis://%s/0
trace_store:
  path: :memory:
obs:
  addr: 127.0.0.1:0
slow_path:
  classes:
    - class: conversation
      group: cdc:conversation
      concurrency: 1
`, redisAddr)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write test config: %v", err)
	}
	return path
}

func TestNewWiresEveryComponent(t *testing.T) {
	mr := miniredis.RunT(t)
	path := writeTestConfig(t, mr.Addr())

	a, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.cancel()

	if a.traceStore == nil || a.derivedStore == nil || a.metricsStore == nil {
		t.Fatal("expected core stores to be constructed")
	}
	if a.fastPath == nil || a.slowPath == nil {
		t.Fatal("expected fast and slow path to be constructed")
	}
	if a.obsServer == nil || a.obsCollector == nil {
		t.Fatal("expected observability server and collector to be constructed")
	}
}

func TestStartStopIsGraceful(t *testing.T) {
	mr := miniredis.RunT(t)
	path := writeTestConfig(t, mr.Addr())

	a, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := a.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Give the background loops a moment to actually begin reading
	// before asking them to stop again.
	time.Sleep(20 * time.Millisecond)

	if err := a.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestNewFailsOnUnreachableRedis(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
redis_url: redis://127.0.0.1:1
trace_store:
  path: :memory:
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write test config: %v", err)
	}

	if _, err := New(path); err == nil {
		t.Fatal("expected New to fail when redis is unreachable")
	}
}
