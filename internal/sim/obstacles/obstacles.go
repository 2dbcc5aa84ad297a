// Package obstacles paints random obstacle fields and checks that every free
// cell can still reach the target.
package obstacles

import (
	"fmt"

	"gridwalk.ai/internal/sim/world"
)

const (
	// MaxDensity is the highest accepted obstacle density.
	MaxDensity = 0.6
	// DefaultRetries bounds the generate/validate loop.
	DefaultRetries = 200
)

type Rand interface {
	Float64() float64
}

// Generate marks every non-target cell as an obstacle with probability density.
// It never looks at connectivity; see Connected.
func Generate(rng Rand, cfg world.WorldConfig, density float64) (*world.Field, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	mask := world.EmptyMask(cfg.Width, cfg.Height)
	center := (cfg.Height/2)*cfg.Width + cfg.Width/2
	for i := range mask {
		if i == center {
			continue
		}
		if rng.Float64() < density {
			mask[i] = 1
		}
	}
	return world.NewField(cfg.Width, cfg.Height, mask)
}

// Connected reports whether the free cells of w form one component that contains
// the target, walking the wrapped 4-neighbourhood breadth first.
func Connected(w *world.World) bool {
	if w.IsObstacle(world.Target) {
		return false
	}
	visited := make([]bool, w.Cells())
	queue := make([]world.Pos, 0, w.Cells())

	visited[w.Index(world.Target)] = true
	queue = append(queue, world.Target)
	for head := 0; head < len(queue); head++ {
		for _, n := range w.Neighbors(queue[head]) {
			i := w.Index(n)
			if visited[i] || w.IsObstacle(n) {
				continue
			}
			visited[i] = true
			queue = append(queue, n)
		}
	}

	f := w.Field()
	for i, seen := range visited {
		if !seen && !f.At(i) {
			return false
		}
	}
	return true
}

// Result of Ensure.
type Result struct {
	World    *world.World
	Attempts int
	// Downgraded is set when no connected field was found and the world fell back
	// to having no obstacles at all.
	Downgraded bool
}

// Ensure generates candidate fields until one is connected, up to retries attempts.
// Each attempt builds a fresh field; a bad field is thrown away, never repaired.
func Ensure(rng Rand, cfg world.WorldConfig, density float64, retries int) (Result, error) {
	if density < 0 || density > MaxDensity {
		return Result{}, fmt.Errorf("obstacle density %v outside [0, %v]", density, MaxDensity)
	}
	if retries <= 0 {
		retries = DefaultRetries
	}
	for attempt := 1; attempt <= retries; attempt++ {
		f, err := Generate(rng, cfg, density)
		if err != nil {
			return Result{}, err
		}
		w, err := world.New(cfg, f)
		if err != nil {
			return Result{}, err
		}
		if Connected(w) {
			return Result{World: w, Attempts: attempt}, nil
		}
	}
	w, err := world.New(cfg, nil)
	if err != nil {
		return Result{}, err
	}
	return Result{World: w, Attempts: retries, Downgraded: true}, nil
}
