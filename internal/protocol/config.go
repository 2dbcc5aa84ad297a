package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"gridwalk.ai/internal/sim/obstacles"
	"gridwalk.ai/internal/sim/walker"
	"gridwalk.ai/internal/sim/world"
)

type StartType uint32

const (
	StartNew  StartType = 1
	StartLoad StartType = 2
)

type Mode uint32

const (
	ModeInteractive Mode = 1
	ModeSummary     Mode = 2
)

type WorldType uint32

const (
	WorldEmpty     WorldType = 1
	WorldObstacles WorldType = 2
)

type Boundary uint32

const (
	BoundaryWrap  Boundary = 0
	BoundaryWalls Boundary = 1
)

const PathSize = 256

type Probs struct {
	Up    float64
	Down  float64
	Left  float64
	Right float64
}

// Config is the CONFIG payload. The field order and explicit padding keep the
// layout of a naturally aligned C struct; StartX, StartY and Boundary were
// appended later and zero values keep the old behaviour.
type Config struct {
	StartType       StartType
	Mode            Mode
	WorldType       WorldType
	_               uint32
	ObstacleDensity float64
	Width           int32
	Height          int32
	Replications    uint32
	MaxSteps        uint32
	Probs           Probs
	InputFile       [PathSize]byte
	OutputFile      [PathSize]byte
	StartX          int32
	StartY          int32
	Boundary        Boundary
	_               uint32
}

var ConfigSize = binary.Size(Config{})

// LegacyConfigSize is the CONFIG payload without the StartX, StartY and
// Boundary tail. Such payloads decode with the tail zeroed.
var LegacyConfigSize = ConfigSize - 16

var ErrInvalidConfig = errors.New("invalid config")

type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config: %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrInvalidConfig }

func invalid(field, format string, args ...any) error {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Validate applies the acceptance contract. It returns the first offending
// field as a *ConfigError.
func (c Config) Validate() error {
	switch c.StartType {
	case StartNew, StartLoad:
	default:
		return invalid("start_type", "unknown value %d", c.StartType)
	}
	if c.StartType == StartLoad {
		if c.InputPath() == "" {
			return invalid("input_file", "required for LOAD")
		}
		return nil
	}
	switch c.Mode {
	case ModeInteractive, ModeSummary:
	default:
		return invalid("mode", "unknown value %d", c.Mode)
	}
	switch c.WorldType {
	case WorldEmpty, WorldObstacles:
	default:
		return invalid("world_type", "unknown value %d", c.WorldType)
	}
	switch c.Boundary {
	case BoundaryWrap, BoundaryWalls:
	default:
		return invalid("boundary", "unknown value %d", c.Boundary)
	}
	if c.Width <= 0 || c.Width%2 == 0 {
		return invalid("width", "must be positive and odd, got %d", c.Width)
	}
	if c.Height <= 0 || c.Height%2 == 0 {
		return invalid("height", "must be positive and odd, got %d", c.Height)
	}
	if c.Replications == 0 {
		return invalid("replications", "must be nonzero")
	}
	if c.MaxSteps == 0 {
		return invalid("max_steps", "must be nonzero")
	}
	if err := c.Probabilities().Validate(); err != nil {
		return invalid("probs", "%v", err)
	}
	if c.WorldType == WorldObstacles {
		d := c.ObstacleDensity
		if math.IsNaN(d) || d < 0 || d > obstacles.MaxDensity {
			return invalid("obstacle_density", "must be in [0, %.1f], got %v", obstacles.MaxDensity, d)
		}
	}
	wc := c.WorldConfig()
	if !wc.Contains(c.Start()) {
		return invalid("start", "(%d,%d) outside %dx%d world", c.StartX, c.StartY, c.Width, c.Height)
	}
	return nil
}

func (c Config) WorldConfig() world.WorldConfig {
	return world.WorldConfig{
		Width:  int(c.Width),
		Height: int(c.Height),
		Wrap:   c.Boundary == BoundaryWrap,
	}
}

func (c Config) Probabilities() walker.Probabilities {
	return walker.Probabilities{Up: c.Probs.Up, Down: c.Probs.Down, Left: c.Probs.Left, Right: c.Probs.Right}
}

func (c Config) Start() world.Pos {
	return world.Pos{X: int(c.StartX), Y: int(c.StartY)}
}

func (c Config) InputPath() string  { return cString(c.InputFile[:]) }
func (c Config) OutputPath() string { return cString(c.OutputFile[:]) }

// SetInputPath stores p NUL-terminated. Paths that do not fit are rejected.
func (c *Config) SetInputPath(p string) error {
	return putCString(c.InputFile[:], "input_file", p)
}

func (c *Config) SetOutputPath(p string) error {
	return putCString(c.OutputFile[:], "output_file", p)
}

func EncodeConfig(c Config) []byte {
	var buf bytes.Buffer
	buf.Grow(ConfigSize)
	// Writes into a bytes.Buffer cannot fail.
	_ = binary.Write(&buf, order, &c)
	return buf.Bytes()
}

func DecodeConfig(b []byte) (Config, error) {
	var c Config
	switch len(b) {
	case ConfigSize:
	case LegacyConfigSize:
		full := make([]byte, ConfigSize)
		copy(full, b)
		b = full
	default:
		return c, fmt.Errorf("protocol: CONFIG payload is %d bytes, want %d or %d", len(b), ConfigSize, LegacyConfigSize)
	}
	if err := binary.Read(bytes.NewReader(b), order, &c); err != nil {
		return c, fmt.Errorf("protocol: decode CONFIG: %w", err)
	}
	return c, nil
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

func putCString(dst []byte, field, s string) error {
	if len(s) >= len(dst) {
		return invalid(field, "path longer than %d bytes", len(dst)-1)
	}
	clear(dst)
	copy(dst, s)
	return nil
}

func (t StartType) String() string {
	switch t {
	case StartNew:
		return "new"
	case StartLoad:
		return "load"
	}
	return fmt.Sprintf("start(%d)", uint32(t))
}

func (m Mode) String() string {
	switch m {
	case ModeInteractive:
		return "interactive"
	case ModeSummary:
		return "summary"
	}
	return fmt.Sprintf("mode(%d)", uint32(m))
}

func (t WorldType) String() string {
	switch t {
	case WorldEmpty:
		return "empty"
	case WorldObstacles:
		return "obstacles"
	}
	return fmt.Sprintf("world(%d)", uint32(t))
}

func (b Boundary) String() string {
	switch b {
	case BoundaryWrap:
		return "wrap"
	case BoundaryWalls:
		return "walls"
	}
	return fmt.Sprintf("boundary(%d)", uint32(b))
}
