// Package replication runs single walks from a start cell toward the target.
package replication

import (
	"gridwalk.ai/internal/sim/walker"
	"gridwalk.ai/internal/sim/world"
)

// Outcome of one walk. Steps counts ticks up to and including the one that hit the
// target; it is meaningless when Hit is false.
type Outcome struct {
	Hit   bool
	Steps uint32
}

// Run walks from start for at most maxSteps ticks.
// A walk that starts on the target is a trivial hit in zero steps.
func Run(rng walker.Rand, w *world.World, probs walker.Probabilities, start world.Pos, maxSteps uint32) Outcome {
	if start == world.Target {
		return Outcome{Hit: true}
	}
	pos := start
	for step := uint32(1); step <= maxSteps; step++ {
		pos = walker.Step(rng, w, probs, pos)
		if pos == world.Target {
			return Outcome{Hit: true, Steps: step}
		}
	}
	return Outcome{}
}

// StepFunc observes one tick of a traced walk. Returning false stops the trace.
type StepFunc func(pos world.Pos, step uint32) bool

// Trace is Run with a callback per tick, used to stream a walk live.
// Unlike Run it always simulates, so a trace starting on the target shows the
// walk leaving and coming back.
func Trace(rng walker.Rand, w *world.World, probs walker.Probabilities, start world.Pos, maxSteps uint32, fn StepFunc) Outcome {
	pos := start
	for step := uint32(1); step <= maxSteps; step++ {
		pos = walker.Step(rng, w, probs, pos)
		if fn != nil && !fn(pos, step) {
			return Outcome{Hit: pos == world.Target, Steps: step}
		}
		if pos == world.Target {
			return Outcome{Hit: true, Steps: step}
		}
	}
	return Outcome{}
}
