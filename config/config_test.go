package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	qerrors "github.com/vinayprograms/taskqueue/errors"
	"github.com/vinayprograms/taskqueue/queue"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "taskqueue.toml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Queue.Root != "queue" || cfg.Queue.StaleAfter != 4*time.Minute || cfg.Queue.RepairLimit != 100 {
		t.Errorf("unexpected queue defaults: %+v", cfg.Queue)
	}
	if cfg.NATS.Bucket != "taskqueue" {
		t.Errorf("bucket = %q", cfg.NATS.Bucket)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
[nats]
url = "nats://queue.internal:4222"
name = "ops"
bucket = "jobs"
reconnect_wait = "500ms"

[queue]
root = "work"
stale_after = "10m"
repair_limit = 25
idle_time = "30s"
dispatch_order = "lifo"
sweep_interval = "2m"

[log]
level = "debug"

[telemetry]
enabled = true
endpoint = "localhost:4317"
protocol = "http"
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.NATS.URL != "nats://queue.internal:4222" || cfg.NATS.Bucket != "jobs" || cfg.NATS.ReconnectWait != 500*time.Millisecond {
		t.Errorf("nats = %+v", cfg.NATS)
	}
	// Unset keys keep their defaults.
	if cfg.NATS.MaxReconnects != -1 {
		t.Errorf("max_reconnects = %d", cfg.NATS.MaxReconnects)
	}

	qc := cfg.QueueConfig()
	if qc.Root != "work" || qc.StaleAfter != 10*time.Minute || qc.RepairLimit != 25 || qc.IdleTime != 30*time.Second {
		t.Errorf("queue config = %+v", qc)
	}
	if qc.DispatchOrder != queue.DispatchLIFO {
		t.Errorf("dispatch order = %s", qc.DispatchOrder)
	}

	sc := cfg.SweeperConfig()
	if sc.Interval != 2*time.Minute || sc.StaleAfter != 10*time.Minute || sc.RepairLimit != 25 {
		t.Errorf("sweeper config = %+v", sc)
	}

	cc := cfg.ConnectConfig()
	if cc.Name != "ops" || cc.ConnectTimeout != 5*time.Second {
		t.Errorf("connect config = %+v", cc)
	}

	pc := cfg.ProviderConfig()
	if pc.Endpoint != "localhost:4317" || pc.Protocol != "http" {
		t.Errorf("provider config = %+v", pc)
	}
}

func TestLoadFileRejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown key", "[queue]\nroots = \"x\"\n"},
		{"bad root", "[queue]\nroot = \"a.b\"\n"},
		{"bad order", "[queue]\ndispatch_order = \"random\"\n"},
		{"bad level", "[log]\nlevel = \"loud\"\n"},
		{"negative interval", "[queue]\nsweep_interval = \"-1s\"\n"},
		{"empty bucket", "[nats]\nbucket = \"\"\n"},
		{"bad protocol", "[telemetry]\nenabled = true\nendpoint = \"x:1\"\nprotocol = \"udp\"\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFile(writeConfig(t, tt.content))
			if !qerrors.Is(err, qerrors.ErrCodeInvalidInput) {
				t.Errorf("expected INVALID_INPUT, got %v", err)
			}
		})
	}
}

func TestLoadFileMalformed(t *testing.T) {
	_, err := LoadFile(writeConfig(t, "[queue\n"))
	if err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadFallsBackToDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(wd) })

	cfg, path, err := Load()
	if err != nil || path != "" {
		t.Fatalf("Load = %q, %v", path, err)
	}
	if cfg.Queue.Root != "queue" {
		t.Errorf("root = %q", cfg.Queue.Root)
	}

	if err := os.WriteFile("taskqueue.toml", []byte("[queue]\nroot = \"local\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, path, err = Load()
	if err != nil || path != "taskqueue.toml" || cfg.Queue.Root != "local" {
		t.Errorf("Load = %+v, %q, %v", cfg.Queue, path, err)
	}
}
