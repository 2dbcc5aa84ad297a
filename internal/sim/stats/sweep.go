package stats

import (
	"context"
	"math/rand/v2"
	"runtime"
	"sync"
	"sync/atomic"

	"gridwalk.ai/internal/sim/replication"
	"gridwalk.ai/internal/sim/walker"
	"gridwalk.ai/internal/sim/world"
)

type SweepOptions struct {
	// Seed picks the random streams. Each cell draws from its own stream keyed by
	// (Seed, cell index), so results do not depend on Workers.
	Seed uint64
	// Workers defaults to GOMAXPROCS.
	Workers int
	// Progress, when set, is called after each finished cell from worker
	// goroutines. It must be safe for concurrent use.
	Progress func(done, total int)
}

// Sweep runs replications walks from every free non-target cell and returns the
// reduced summary. The context is only checked between cells.
func Sweep(ctx context.Context, w *world.World, probs walker.Probabilities, replications, maxSteps uint32, opts SweepOptions) (*Summary, error) {
	agg := NewAggregator(w, replications)

	target := w.Index(world.Target)
	work := make([]int, 0, w.Cells())
	for i := 0; i < w.Cells(); i++ {
		if i == target || w.Field().At(i) {
			continue
		}
		work = append(work, i)
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > len(work) {
		workers = len(work)
	}

	jobs := make(chan int)
	var (
		wg   sync.WaitGroup
		done atomic.Int64
	)
	for n := 0; n < workers; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				rng := rand.New(rand.NewPCG(opts.Seed, uint64(i)))
				start := w.Coord(i)
				for r := uint32(0); r < replications; r++ {
					agg.Add(i, replication.Run(rng, w, probs, start, maxSteps))
				}
				d := done.Add(1)
				if opts.Progress != nil {
					opts.Progress(int(d), len(work))
				}
			}
		}()
	}

	var err error
feed:
	for _, i := range work {
		select {
		case <-ctx.Done():
			err = ctx.Err()
			break feed
		case jobs <- i:
		}
	}
	close(jobs)
	wg.Wait()
	if err != nil {
		return nil, err
	}
	return agg.Summarize(), nil
}
