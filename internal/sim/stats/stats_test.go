package stats

import (
	"context"
	"math"
	"math/rand/v2"
	"sync/atomic"
	"testing"

	"gridwalk.ai/internal/sim/obstacles"
	"gridwalk.ai/internal/sim/replication"
	"gridwalk.ai/internal/sim/walker"
	"gridwalk.ai/internal/sim/world"
)

func openWorld(t *testing.T, w, h int) *world.World {
	t.Helper()
	out, err := world.New(world.WorldConfig{Width: w, Height: h, Wrap: true}, nil)
	if err != nil {
		t.Fatalf("world.New: %v", err)
	}
	return out
}

func checkInvariants(t *testing.T, w *world.World, s *Summary) {
	t.Helper()
	if s.Len() != w.Cells() {
		t.Fatalf("summary len=%d want %d", s.Len(), w.Cells())
	}
	for i := 0; i < s.Len(); i++ {
		c := s.At(i)
		if c.Probability < 0 || c.Probability > 1 {
			t.Fatalf("cell %d probability=%v", i, c.Probability)
		}
		if c.AvgSteps < 0 {
			t.Fatalf("cell %d avg=%v", i, c.AvgSteps)
		}
		if c.Probability == 0 && c.AvgSteps != 0 {
			t.Fatalf("cell %d avg=%v with zero probability", i, c.AvgSteps)
		}
	}
	if got := s.At(w.Index(world.Target)); got != (SummaryCell{AvgSteps: 0, Probability: 1}) {
		t.Fatalf("target cell=%+v", got)
	}
}

func TestAggregator_Reduce(t *testing.T) {
	w := openWorld(t, 3, 3)
	agg := NewAggregator(w, 4)
	i := w.Index(world.Pos{X: 1, Y: 0})
	agg.Add(i, replication.Outcome{Hit: true, Steps: 2})
	agg.Add(i, replication.Outcome{Hit: true, Steps: 4})
	agg.Add(i, replication.Outcome{Hit: false, Steps: 99})
	agg.Add(i, replication.Outcome{})

	if c := agg.Cell(i); c.Hits != 2 || c.StepSum != 6 {
		t.Fatalf("cell=%+v", c)
	}
	s := agg.Summarize()
	got := s.At(i)
	if got.Probability != 0.5 || got.AvgSteps != 3 {
		t.Fatalf("summary cell=%+v", got)
	}
	// Untouched cells have no hits.
	if got := s.At(w.Index(world.Pos{X: -1, Y: -1})); got != (SummaryCell{}) {
		t.Fatalf("empty cell=%+v", got)
	}
	checkInvariants(t, w, s)
}

func TestSweep_OneStepScenario(t *testing.T) {
	w := openWorld(t, 3, 3)
	const reps = 1000
	s, err := Sweep(context.Background(), w, walker.Uniform(), reps, 1, SweepOptions{Seed: 11})
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	checkInvariants(t, w, s)
	got := s.At(w.Index(world.Pos{X: 1, Y: 0}))
	if math.Abs(got.Probability-0.25) > 5*math.Sqrt(0.25*0.75/reps) {
		t.Fatalf("probability=%v want about 0.25", got.Probability)
	}
	if got.AvgSteps != 1 {
		t.Fatalf("avg=%v want 1", got.AvgSteps)
	}
	// Diagonal cells cannot reach the target in one step.
	if d := s.At(w.Index(world.Pos{X: 1, Y: 1})); d.Probability != 0 {
		t.Fatalf("diagonal probability=%v", d.Probability)
	}
}

func TestSweep_DeterministicAcrossWorkerCounts(t *testing.T) {
	w := openWorld(t, 7, 5)
	probs := walker.Probabilities{Up: 0.1, Down: 0.2, Left: 0.3, Right: 0.4}
	a, err := Sweep(context.Background(), w, probs, 50, 40, SweepOptions{Seed: 5, Workers: 1})
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	b, err := Sweep(context.Background(), w, probs, 50, 40, SweepOptions{Seed: 5, Workers: 8})
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	for i := 0; i < a.Len(); i++ {
		if a.At(i) != b.At(i) {
			t.Fatalf("cell %d differs: %+v vs %+v", i, a.At(i), b.At(i))
		}
	}
}

func TestSweep_ObstaclesPinnedAndUnreachableNeverPositive(t *testing.T) {
	cfg := world.WorldConfig{Width: 5, Height: 5, Wrap: true}
	for seed := uint64(0); seed < 10; seed++ {
		res, err := obstacles.Ensure(rand.New(rand.NewPCG(seed, 1)), cfg, obstacles.MaxDensity, obstacles.DefaultRetries)
		if err != nil {
			t.Fatalf("Ensure: %v", err)
		}
		s, err := Sweep(context.Background(), res.World, walker.Uniform(), 20, 200, SweepOptions{Seed: seed})
		if err != nil {
			t.Fatalf("Sweep: %v", err)
		}
		checkInvariants(t, res.World, s)
		for i := 0; i < s.Len(); i++ {
			if res.World.Field().At(i) && s.At(i) != (SummaryCell{}) {
				t.Fatalf("seed %d: obstacle cell %d has %+v", seed, i, s.At(i))
			}
		}
	}
}

func TestSweep_ReportsProgress(t *testing.T) {
	w := openWorld(t, 5, 5)
	var calls, last atomic.Int64
	_, err := Sweep(context.Background(), w, walker.Uniform(), 3, 5, SweepOptions{
		Workers: 3,
		Progress: func(done, total int) {
			calls.Add(1)
			if total != 24 {
				t.Errorf("total=%d want 24", total)
			}
			if done == total {
				last.Store(int64(done))
			}
		},
	})
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if calls.Load() != 24 || last.Load() != 24 {
		t.Fatalf("calls=%d last=%d", calls.Load(), last.Load())
	}
}

func TestSweep_Cancelled(t *testing.T) {
	w := openWorld(t, 51, 51)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Sweep(ctx, w, walker.Uniform(), 10, 10, SweepOptions{Workers: 1}); err == nil {
		t.Fatalf("expected context error")
	}
}

func TestNewSummary_Validates(t *testing.T) {
	if _, err := NewSummary(3, 3, make([]SummaryCell, 8)); err == nil {
		t.Fatalf("expected length mismatch")
	}
	s, err := NewSummary(1, 1, []SummaryCell{{Probability: 1}})
	if err != nil {
		t.Fatalf("NewSummary: %v", err)
	}
	if o := s.Overview(); o.ReachableCells != 1 || o.MeanProb != 1 {
		t.Fatalf("overview=%+v", o)
	}
}
