package session

import (
	"time"

	"gridwalk.ai/internal/protocol"
	"gridwalk.ai/internal/sim/stats"
)

type EventKind string

const (
	EventConfigAccepted   EventKind = "config_accepted"
	EventConfigRejected   EventKind = "config_rejected"
	EventObstaclesReady   EventKind = "obstacles_ready"
	EventSweepProgress    EventKind = "sweep_progress"
	EventSummaryReady     EventKind = "summary_ready"
	EventSnapshotSaved    EventKind = "snapshot_saved"
	EventRunFailed        EventKind = "run_failed"
	EventObserverAttached EventKind = "observer_attached"
	EventObserverDetached EventKind = "observer_detached"
)

// Event is one entry of the run event stream. Only the field matching Kind is set.
type Event struct {
	Time  time.Time `json:"time"`
	RunID string    `json:"run_id"`
	Kind  EventKind `json:"kind"`

	Run       *RunInfo        `json:"run,omitempty"`
	Obstacles *ObstacleInfo   `json:"obstacles,omitempty"`
	Progress  *Progress       `json:"progress,omitempty"`
	Overview  *stats.Overview `json:"overview,omitempty"`
	Observer  *ObserverInfo   `json:"observer,omitempty"`
	Path      string          `json:"path,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// EventLogger receives run events. Implementations must not block the run for long.
type EventLogger interface {
	WriteEvent(e Event) error
}

type RunInfo struct {
	StartType    string     `json:"start_type"`
	Mode         string     `json:"mode"`
	WorldType    string     `json:"world_type"`
	Boundary     string     `json:"boundary"`
	Width        int        `json:"width"`
	Height       int        `json:"height"`
	Replications uint32     `json:"replications"`
	MaxSteps     uint32     `json:"max_steps"`
	Probs        [4]float64 `json:"probs"`
	Density      float64    `json:"obstacle_density"`
	StartX       int        `json:"start_x"`
	StartY       int        `json:"start_y"`
	InputFile    string     `json:"input_file,omitempty"`
	OutputFile   string     `json:"output_file,omitempty"`
	Seed         uint64     `json:"seed"`
}

func NewRunInfo(c protocol.Config, seed uint64) *RunInfo {
	return &RunInfo{
		StartType:    c.StartType.String(),
		Mode:         c.Mode.String(),
		WorldType:    c.WorldType.String(),
		Boundary:     c.Boundary.String(),
		Width:        int(c.Width),
		Height:       int(c.Height),
		Replications: c.Replications,
		MaxSteps:     c.MaxSteps,
		Probs:        [4]float64{c.Probs.Up, c.Probs.Down, c.Probs.Left, c.Probs.Right},
		Density:      c.ObstacleDensity,
		StartX:       int(c.StartX),
		StartY:       int(c.StartY),
		InputFile:    c.InputPath(),
		OutputFile:   c.OutputPath(),
		Seed:         seed,
	}
}

type ObstacleInfo struct {
	Count      int  `json:"count"`
	Attempts   int  `json:"attempts"`
	Downgraded bool `json:"downgraded"`
	// Mask is the row-major field; it stays out of the JSON log.
	Mask []uint8 `json:"-"`
}

type Progress struct {
	Done  int `json:"done"`
	Total int `json:"total"`
}

type ObserverInfo struct {
	ID   uint64 `json:"id"`
	Addr string `json:"addr"`
}
