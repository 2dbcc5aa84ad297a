package obstacles

import (
	"math/rand/v2"
	"testing"

	"gridwalk.ai/internal/sim/world"
)

func fieldWorld(t *testing.T, w, h int, mask []uint8) *world.World {
	t.Helper()
	f, err := world.NewField(w, h, mask)
	if err != nil {
		t.Fatalf("NewField: %v", err)
	}
	out, err := world.New(world.WorldConfig{Width: w, Height: h, Wrap: true}, f)
	if err != nil {
		t.Fatalf("world.New: %v", err)
	}
	return out
}

func TestGenerate_NeverCoversTarget(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	cfg := world.WorldConfig{Width: 7, Height: 5, Wrap: true}
	center := (cfg.Height/2)*cfg.Width + cfg.Width/2
	for i := 0; i < 500; i++ {
		f, err := Generate(rng, cfg, MaxDensity)
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		if f.At(center) {
			t.Fatalf("attempt %d painted the target", i)
		}
	}
}

func TestGenerate_ZeroDensityIsEmpty(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	f, err := Generate(rng, world.WorldConfig{Width: 9, Height: 9, Wrap: true}, 0)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if f.Count() != 0 {
		t.Fatalf("count=%d", f.Count())
	}
}

func TestConnected_DetectsIsolatedCell(t *testing.T) {
	// 5x5, free cell at top-left corner (-2,2) walled in by obstacles on all four
	// wrapped neighbours: (-1,2), (-2,1), (2,2), (-2,-2).
	mask := world.EmptyMask(5, 5)
	for _, i := range []int{1, 5, 4, 20} {
		mask[i] = 1
	}
	w := fieldWorld(t, 5, 5, mask)
	if Connected(w) {
		t.Fatalf("expected isolated corner to fail validation")
	}

	// Opening one wall reconnects it.
	mask[1] = 0
	w = fieldWorld(t, 5, 5, mask)
	if !Connected(w) {
		t.Fatalf("expected field to be connected")
	}
}

func TestConnected_UsesWrap(t *testing.T) {
	// Column x=1 is a full wall on a 5x5; with wrap the cells at x=2 are still
	// reachable through the left edge.
	mask := world.EmptyMask(5, 5)
	for row := 0; row < 5; row++ {
		mask[row*5+3] = 1
	}
	w := fieldWorld(t, 5, 5, mask)
	if !Connected(w) {
		t.Fatalf("expected wrap to connect both sides of the wall")
	}

	walled, err := world.New(world.WorldConfig{Width: 5, Height: 5}, w.Field())
	if err != nil {
		t.Fatalf("world.New: %v", err)
	}
	if Connected(walled) {
		t.Fatalf("without wrap the wall must cut the grid")
	}
}

func TestEnsure_ProducesConnectedFieldOrFallsBack(t *testing.T) {
	cfg := world.WorldConfig{Width: 5, Height: 5, Wrap: true}
	for seed := uint64(0); seed < 50; seed++ {
		rng := rand.New(rand.NewPCG(seed, 99))
		res, err := Ensure(rng, cfg, MaxDensity, DefaultRetries)
		if err != nil {
			t.Fatalf("Ensure: %v", err)
		}
		if res.World.IsObstacle(world.Target) {
			t.Fatalf("seed %d: target covered", seed)
		}
		if res.Downgraded {
			if res.World.Field() != nil {
				t.Fatalf("seed %d: downgrade must be obstacle-free", seed)
			}
			continue
		}
		if !Connected(res.World) {
			t.Fatalf("seed %d: accepted a disconnected field", seed)
		}
		if res.Attempts < 1 || res.Attempts > DefaultRetries {
			t.Fatalf("seed %d: attempts=%d", seed, res.Attempts)
		}
	}
}

type alwaysBlock struct{}

func (alwaysBlock) Float64() float64 { return 0 }

func TestEnsure_FallsBackWhenNothingConnects(t *testing.T) {
	// A field where only the target is free is connected.
	cfg := world.WorldConfig{Width: 3, Height: 3, Wrap: true}
	res, err := Ensure(alwaysBlock{}, cfg, 0.5, 5)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if res.Downgraded || res.World.Field().Count() != 8 {
		t.Fatalf("all-obstacle field is connected: %+v", res)
	}

	res, err = Ensure(&isolating{}, cfg, 0.5, 5)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if !res.Downgraded || res.World.Field() != nil || res.Attempts != 5 {
		t.Fatalf("expected fallback after 5 attempts: %+v", res)
	}
}

// isolating leaves only the top-left corner free besides the target. On a 3x3
// the corner's neighbours are all obstacles, so the field is never connected.
type isolating struct{ n int }

func (s *isolating) Float64() float64 {
	i := s.n % 8
	s.n++
	if i == 0 {
		return 1
	}
	return 0
}

func TestEnsure_RejectsDensityOutOfRange(t *testing.T) {
	cfg := world.WorldConfig{Width: 3, Height: 3, Wrap: true}
	rng := rand.New(rand.NewPCG(1, 1))
	if _, err := Ensure(rng, cfg, 0.61, 1); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := Ensure(rng, cfg, -0.1, 1); err == nil {
		t.Fatalf("expected error")
	}
}
