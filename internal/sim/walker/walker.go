package walker

import (
	"fmt"
	"math"

	"gridwalk.ai/internal/sim/world"
)

// SumTolerance is how far the four probabilities may drift from 1.0.
const SumTolerance = 0.001

// Rand is the subset of *rand.Rand the walker needs.
type Rand interface {
	Float64() float64
}

type Probabilities struct {
	Up    float64
	Down  float64
	Left  float64
	Right float64
}

// Uniform moves in every direction with equal weight.
func Uniform() Probabilities {
	return Probabilities{Up: 0.25, Down: 0.25, Left: 0.25, Right: 0.25}
}

func (p Probabilities) Sum() float64 {
	return p.Up + p.Down + p.Left + p.Right
}

func (p Probabilities) Validate() error {
	for _, v := range [...]struct {
		name string
		val  float64
	}{{"up", p.Up}, {"down", p.Down}, {"left", p.Left}, {"right", p.Right}} {
		if math.IsNaN(v.val) || v.val < 0 {
			return fmt.Errorf("probability %s must be non-negative: %v", v.name, v.val)
		}
	}
	if s := p.Sum(); math.IsNaN(s) || s < 1-SumTolerance || s > 1+SumTolerance {
		return fmt.Errorf("probabilities must sum to 1 (±%v): %v", SumTolerance, s)
	}
	return nil
}

// Step draws one move. Intervals are laid out up, down, left, right over [0,1).
// A move into an obstacle is discarded and the walker stays put for the tick.
func Step(rng Rand, w *world.World, probs Probabilities, p world.Pos) world.Pos {
	r := rng.Float64()
	a := probs.Up
	b := a + probs.Down
	c := b + probs.Left

	next := p
	switch {
	case r < a:
		next.Y++
	case r < b:
		next.Y--
	case r < c:
		next.X--
	default:
		next.X++
	}

	next = w.Wrap(next)
	if w.IsObstacle(next) {
		return p
	}
	return next
}
