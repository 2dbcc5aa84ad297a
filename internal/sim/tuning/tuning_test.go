package tuning

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	got, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != Defaults() {
		t.Fatalf("got %+v", got)
	}
	if got.InteractiveTick() != time.Second {
		t.Fatalf("tick=%v", got.InteractiveTick())
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	raw := "listen_network: tcp\nlisten_addr: 127.0.0.1:7700\ninteractive_tick_ms: 50\nmax_observers: 4\n"
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.ListenNetwork != "tcp" || got.ListenAddr != "127.0.0.1:7700" {
		t.Fatalf("listen=%s %s", got.ListenNetwork, got.ListenAddr)
	}
	if got.InteractiveTickMs != 50 || got.MaxObservers != 4 {
		t.Fatalf("got %+v", got)
	}
	if got.ObstacleRetries != 200 || got.WriteTimeoutMs != 5000 {
		t.Fatalf("defaults lost: %+v", got)
	}
}

func TestLoad_Rejects(t *testing.T) {
	dir := t.TempDir()
	for name, raw := range map[string]string{
		"network": "listen_network: udp\n",
		"tcpaddr": "listen_network: tcp\n",
		"retries": "obstacle_retries: 0\n",
		"pct":     "progress_every_pct: 101\n",
		"yaml":    "max_observers: [\n",
	} {
		path := filepath.Join(dir, name+".yaml")
		if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		if _, err := Load(path); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
