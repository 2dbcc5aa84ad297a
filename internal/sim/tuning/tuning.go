package tuning

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	// Listener for the stream transport: "unix" or "tcp".
	ListenNetwork string `yaml:"listen_network"`
	// Socket path or host:port. An empty unix address means <data>/gridwalk.sock.
	ListenAddr string `yaml:"listen_addr"`

	InteractiveTickMs  int `yaml:"interactive_tick_ms"`
	ObstacleRetries    int `yaml:"obstacle_retries"`
	MaxObservers       int `yaml:"max_observers"`
	HandshakeTimeoutMs int `yaml:"handshake_timeout_ms"`
	WriteTimeoutMs     int `yaml:"write_timeout_ms"`
	SweepWorkers       int `yaml:"sweep_workers"`
	MaxCells           int `yaml:"max_cells"`
	ProgressEveryPct   int `yaml:"progress_every_pct"`
}

func Defaults() Tuning {
	return Tuning{
		ListenNetwork:      "unix",
		InteractiveTickMs:  1000,
		ObstacleRetries:    200,
		MaxObservers:       16,
		HandshakeTimeoutMs: 5000,
		WriteTimeoutMs:     5000,
		MaxCells:           4 << 20,
		ProgressEveryPct:   10,
	}
}

// Load reads path over Defaults. A missing file yields the defaults.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return t, nil
	}
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) Validate() error {
	switch t.ListenNetwork {
	case "unix", "tcp":
	default:
		return fmt.Errorf("listen_network must be unix or tcp: %q", t.ListenNetwork)
	}
	if t.ListenNetwork == "tcp" && t.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required for tcp")
	}
	if t.InteractiveTickMs < 0 {
		return fmt.Errorf("interactive_tick_ms must be >= 0")
	}
	if t.ObstacleRetries <= 0 {
		return fmt.Errorf("obstacle_retries must be > 0")
	}
	if t.MaxObservers <= 0 {
		return fmt.Errorf("max_observers must be > 0")
	}
	if t.HandshakeTimeoutMs <= 0 || t.WriteTimeoutMs <= 0 {
		return fmt.Errorf("handshake_timeout_ms and write_timeout_ms must be > 0")
	}
	if t.SweepWorkers < 0 {
		return fmt.Errorf("sweep_workers must be >= 0")
	}
	if t.MaxCells <= 0 {
		return fmt.Errorf("max_cells must be > 0")
	}
	if t.ProgressEveryPct < 0 || t.ProgressEveryPct > 100 {
		return fmt.Errorf("progress_every_pct must be in [0,100]")
	}
	return nil
}

func (t Tuning) InteractiveTick() time.Duration {
	return time.Duration(t.InteractiveTickMs) * time.Millisecond
}

func (t Tuning) HandshakeTimeout() time.Duration {
	return time.Duration(t.HandshakeTimeoutMs) * time.Millisecond
}

func (t Tuning) WriteTimeout() time.Duration {
	return time.Duration(t.WriteTimeoutMs) * time.Millisecond
}
