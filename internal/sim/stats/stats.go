// Package stats accumulates replication outcomes per starting cell and reduces
// them to the finished summary grid.
package stats

import (
	"fmt"

	"gridwalk.ai/internal/sim/replication"
	"gridwalk.ai/internal/sim/world"
)

type Cell struct {
	Hits    uint64
	StepSum uint64
}

// Aggregator is not safe for concurrent use on the same cell. Sweep gives each
// worker disjoint cells.
type Aggregator struct {
	w            *world.World
	replications uint32
	cells        []Cell
}

func NewAggregator(w *world.World, replications uint32) *Aggregator {
	return &Aggregator{
		w:            w,
		replications: replications,
		cells:        make([]Cell, w.Cells()),
	}
}

func (a *Aggregator) Add(i int, o replication.Outcome) {
	if !o.Hit {
		return
	}
	c := &a.cells[i]
	c.Hits++
	c.StepSum += uint64(o.Steps)
}

func (a *Aggregator) Cell(i int) Cell { return a.cells[i] }

// Summarize reduces the accumulators. The target is pinned to {0, 1} and
// obstacle cells to {0, 0}.
func (a *Aggregator) Summarize() *Summary {
	out := make([]SummaryCell, len(a.cells))
	target := a.w.Index(world.Target)
	for i, c := range a.cells {
		switch {
		case i == target:
			out[i] = SummaryCell{AvgSteps: 0, Probability: 1}
		case a.w.Field().At(i):
			out[i] = SummaryCell{}
		default:
			var avg float64
			if c.Hits > 0 {
				avg = float64(c.StepSum) / float64(c.Hits)
			}
			var p float64
			if a.replications > 0 {
				p = float64(c.Hits) / float64(a.replications)
			}
			out[i] = SummaryCell{AvgSteps: avg, Probability: p}
		}
	}
	return &Summary{width: a.w.Width(), height: a.w.Height(), cells: out}
}

type SummaryCell struct {
	AvgSteps    float64
	Probability float64
}

// Summary is the finished per-cell grid, row-major. It is never modified after
// construction and may be shared freely.
type Summary struct {
	width  int
	height int
	cells  []SummaryCell
}

// NewSummary wraps cells produced elsewhere, e.g. read back from a snapshot.
func NewSummary(width, height int, cells []SummaryCell) (*Summary, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("bad summary dimensions %dx%d", width, height)
	}
	if len(cells) != width*height {
		return nil, fmt.Errorf("summary has %d cells, want %d", len(cells), width*height)
	}
	cp := make([]SummaryCell, len(cells))
	copy(cp, cells)
	return &Summary{width: width, height: height, cells: cp}, nil
}

func (s *Summary) Width() int           { return s.width }
func (s *Summary) Height() int          { return s.height }
func (s *Summary) Len() int             { return len(s.cells) }
func (s *Summary) At(i int) SummaryCell { return s.cells[i] }

func (s *Summary) Cells() []SummaryCell {
	out := make([]SummaryCell, len(s.cells))
	copy(out, s.cells)
	return out
}

// Overview condenses a summary for logs and the run index.
type Overview struct {
	ReachableCells int     `json:"reachable_cells"`
	MeanProb       float64 `json:"mean_probability"`
	MeanAvgSteps   float64 `json:"mean_avg_steps"`
	MaxAvgSteps    float64 `json:"max_avg_steps"`
}

func (s *Summary) Overview() Overview {
	var o Overview
	var probSum, stepSum float64
	for _, c := range s.cells {
		probSum += c.Probability
		if c.Probability > 0 {
			o.ReachableCells++
			stepSum += c.AvgSteps
			if c.AvgSteps > o.MaxAvgSteps {
				o.MaxAvgSteps = c.AvgSteps
			}
		}
	}
	if len(s.cells) > 0 {
		o.MeanProb = probSum / float64(len(s.cells))
	}
	if o.ReachableCells > 0 {
		o.MeanAvgSteps = stepSum / float64(o.ReachableCells)
	}
	return o
}
