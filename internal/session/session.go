// Package session drives one simulation run and fans its frames out to
// observers. A session is configured exactly once; a new configuration needs a
// new process.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"gridwalk.ai/internal/persistence/snapshot"
	"gridwalk.ai/internal/protocol"
	"gridwalk.ai/internal/sim/obstacles"
	"gridwalk.ai/internal/sim/replication"
	"gridwalk.ai/internal/sim/stats"
	"gridwalk.ai/internal/sim/tuning"
	"gridwalk.ai/internal/sim/world"
)

var (
	ErrAlreadyConfigured = errors.New("session: already configured")
	ErrTooLarge          = errors.New("session: world exceeds max_cells")
	ErrHandshake         = errors.New("session: bad handshake")
)

type State int32

const (
	AwaitingConfig State = iota
	Running
	Done
)

func (s State) String() string {
	switch s {
	case AwaitingConfig:
		return "AWAITING_CONFIG"
	case Running:
		return "RUNNING"
	case Done:
		return "DONE"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// RNG streams outside the per-cell range used by the sweep.
const (
	streamObstacles   = math.MaxUint64
	streamInteractive = math.MaxUint64 - 1
)

type Options struct {
	Tuning tuning.Tuning
	Seed   uint64
	RunID  string
	Logger *log.Logger
}

type Session struct {
	tune   tuning.Tuning
	seed   uint64
	runID  string
	logger *log.Logger
	hub    *Hub
	events EventLogger

	mu         sync.Mutex
	state      State
	cfg        protocol.Config
	world      *world.World
	summary    *stats.Summary
	err        error
	downgraded bool
	savedPath  string
	startedAt  time.Time
	finishedAt time.Time

	configured chan struct{}
	done       chan struct{}

	cellsDone    atomic.Int64
	cellsTotal   atomic.Int64
	lastBucket   atomic.Int64
	stepsSent    atomic.Uint64
	rejectedCfgs atomic.Uint64
}

func New(opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	s := &Session{
		tune:       opts.Tuning,
		seed:       opts.Seed,
		runID:      opts.RunID,
		logger:     logger,
		hub:        NewHub(opts.Tuning.MaxObservers, opts.Tuning.WriteTimeout(), logger),
		configured: make(chan struct{}),
		done:       make(chan struct{}),
	}
	s.lastBucket.Store(-1)
	s.hub.SetDetachFunc(func(o *Observer, err error) {
		e := Event{Kind: EventObserverDetached, Observer: &ObserverInfo{ID: o.ID, Addr: o.Addr}}
		if err != nil {
			e.Error = err.Error()
		}
		s.emit(e)
	})
	return s
}

// SetEventLogger must be called before the session is shared.
func (s *Session) SetEventLogger(l EventLogger) { s.events = l }

func (s *Session) Hub() *Hub                   { return s.hub }
func (s *Session) RunID() string               { return s.runID }
func (s *Session) Seed() uint64                { return s.seed }
func (s *Session) Done() <-chan struct{}       { return s.done }
func (s *Session) Configured() <-chan struct{} { return s.configured }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Config returns the locked-in configuration once there is one.
func (s *Session) Config() (protocol.Config, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, s.state != AwaitingConfig
}

func (s *Session) Summary() *stats.Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summary
}

// Err is the reason a finished run has no summary.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// SavedPath is the output snapshot written by the run, if any.
func (s *Session) SavedPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.savedPath
}

// Configure validates c and locks it in. Only the first valid configuration is
// accepted; invalid ones leave the session untouched.
func (s *Session) Configure(c protocol.Config) error {
	if err := c.Validate(); err != nil {
		s.rejectedCfgs.Add(1)
		s.emit(Event{Kind: EventConfigRejected, Error: err.Error()})
		return err
	}
	s.mu.Lock()
	if s.state != AwaitingConfig {
		s.mu.Unlock()
		return ErrAlreadyConfigured
	}
	s.cfg = c
	s.state = Running
	s.startedAt = time.Now().UTC()
	close(s.configured)
	s.mu.Unlock()

	s.logger.Printf("run %s configured: start=%s mode=%s world=%s %dx%d reps=%d max_steps=%d",
		s.runID, c.StartType, c.Mode, c.WorldType, c.Width, c.Height, c.Replications, c.MaxSteps)
	s.emit(Event{Kind: EventConfigAccepted, Run: NewRunInfo(c, s.seed)})
	return nil
}

// Handshake runs the connect-time protocol for a new connection. While the
// session awaits its configuration the first frame read must be a valid CONFIG;
// afterwards read is not called and c joins as a plain observer. A CONFIG that
// loses the race to configure is ignored the same way. On error c is closed.
func (s *Session) Handshake(c Conn, read func() (protocol.Frame, error)) (*Observer, error) {
	if s.State() == AwaitingConfig {
		f, err := read()
		if err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
		}
		if f.Type != protocol.TypeConfig {
			_ = c.Close()
			return nil, fmt.Errorf("%w: first message is %s", ErrHandshake, protocol.TypeName(f.Type))
		}
		cfg, err := protocol.DecodeConfig(f.Payload)
		if err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
		}
		if err := s.Configure(cfg); err != nil && !errors.Is(err, ErrAlreadyConfigured) {
			_ = c.Close()
			return nil, err
		}
	}
	return s.Attach(c)
}

// Attach adds c to the observer set, replaying retained frames.
func (s *Session) Attach(c Conn) (*Observer, error) {
	o, err := s.hub.Attach(c)
	if err != nil {
		return nil, err
	}
	s.emit(Event{Kind: EventObserverAttached, Observer: &ObserverInfo{ID: o.ID, Addr: o.Addr}})
	return o, nil
}

// Run waits for the configuration and executes the run. Observers cannot stop
// it; cancelling ctx (server shutdown) can. The returned error is also kept in Err.
func (s *Session) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.configured:
	}
	cfg, _ := s.Config()

	var err error
	if cfg.StartType == protocol.StartLoad {
		err = s.load(cfg)
	} else {
		err = s.simulate(ctx, cfg)
	}
	if err == nil {
		s.save()
	}
	s.finish(err)
	return err
}

func (s *Session) simulate(ctx context.Context, cfg protocol.Config) error {
	wc := cfg.WorldConfig()
	if cells := wc.Width * wc.Height; s.tune.MaxCells > 0 && cells > s.tune.MaxCells {
		return fmt.Errorf("%w: %d > %d", ErrTooLarge, cells, s.tune.MaxCells)
	}

	var res obstacles.Result
	if cfg.WorldType == protocol.WorldObstacles {
		var err error
		rng := rand.New(rand.NewPCG(s.seed, streamObstacles))
		res, err = obstacles.Ensure(rng, wc, cfg.ObstacleDensity, s.tune.ObstacleRetries)
		if err != nil {
			return fmt.Errorf("obstacles: %w", err)
		}
		if res.Downgraded {
			s.logger.Printf("run %s: no connected obstacle field after %d attempts, running without obstacles", s.runID, res.Attempts)
		}
	} else {
		w, err := world.New(wc, nil)
		if err != nil {
			return err
		}
		res.World = w
	}
	s.install(res)

	if cfg.Mode == protocol.ModeInteractive {
		if err := s.interactive(ctx, res.World, cfg); err != nil {
			return err
		}
	}

	started := time.Now()
	summary, err := stats.Sweep(ctx, res.World, cfg.Probabilities(), cfg.Replications, cfg.MaxSteps, stats.SweepOptions{
		Seed:     s.seed,
		Workers:  s.tune.SweepWorkers,
		Progress: s.progress,
	})
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	s.logger.Printf("run %s: sweep finished in %s", s.runID, time.Since(started).Round(time.Millisecond))
	s.publish(summary)
	return nil
}

// install makes the world current and broadcasts its obstacle mask.
func (s *Session) install(res obstacles.Result) {
	w := res.World
	var mask []uint8
	count := 0
	if f := w.Field(); f != nil {
		mask = f.Mask()
		count = f.Count()
	}
	s.mu.Lock()
	s.world = w
	s.downgraded = res.Downgraded
	if res.Downgraded {
		// Report the world that actually ran.
		s.cfg.WorldType = protocol.WorldEmpty
	}
	s.mu.Unlock()

	s.hub.Retain(protocol.EncodeFrame(protocol.TypeObstacles, protocol.EncodeObstacles(mask, w.Cells())))
	if mask == nil {
		mask = world.EmptyMask(w.Width(), w.Height())
	}
	s.emit(Event{Kind: EventObstaclesReady, Obstacles: &ObstacleInfo{
		Count:      count,
		Attempts:   res.Attempts,
		Downgraded: res.Downgraded,
		Mask:       mask,
	}})
}

// interactive streams one traced walk per replication at the configured cadence.
func (s *Session) interactive(ctx context.Context, w *world.World, cfg protocol.Config) error {
	start := cfg.Start()
	if w.IsObstacle(start) {
		s.logger.Printf("run %s: interactive start (%d,%d) is an obstacle, skipping trace", s.runID, start.X, start.Y)
		return nil
	}
	rng := rand.New(rand.NewPCG(s.seed, streamInteractive))
	probs := cfg.Probabilities()
	tick := s.tune.InteractiveTick()
	var stopErr error
	for r := uint32(1); r <= cfg.Replications; r++ {
		replication.Trace(rng, w, probs, start, cfg.MaxSteps, func(p world.Pos, step uint32) bool {
			payload := protocol.EncodeStep(protocol.Step{
				X:                 int32(p.X),
				Y:                 int32(p.Y),
				Step:              step,
				Replication:       r,
				TotalReplications: cfg.Replications,
			})
			s.hub.Broadcast(protocol.EncodeFrame(protocol.TypeInteractiveStep, payload))
			s.stepsSent.Add(1)
			if err := sleepCtx(ctx, tick); err != nil {
				stopErr = err
				return false
			}
			return true
		})
		if stopErr != nil {
			return fmt.Errorf("interactive: %w", stopErr)
		}
	}
	return nil
}

func (s *Session) progress(done, total int) {
	s.cellsDone.Store(int64(done))
	s.cellsTotal.Store(int64(total))
	every := s.tune.ProgressEveryPct
	if every <= 0 || total == 0 {
		return
	}
	bucket := int64(done * 100 / total / every)
	for {
		last := s.lastBucket.Load()
		if bucket <= last {
			return
		}
		if s.lastBucket.CompareAndSwap(last, bucket) {
			break
		}
	}
	s.logger.Printf("run %s: sweep %d/%d cells", s.runID, done, total)
	s.emit(Event{Kind: EventSweepProgress, Progress: &Progress{Done: done, Total: total}})
}

// publish stores the summary and broadcasts it as the last retained frame.
func (s *Session) publish(summary *stats.Summary) {
	s.mu.Lock()
	s.summary = summary
	s.mu.Unlock()
	s.hub.Retain(protocol.EncodeFrame(protocol.TypeSummaryData, protocol.EncodeSummary(summary)))
	o := summary.Overview()
	s.logger.Printf("run %s: summary ready (reachable=%d mean_p=%.4f)", s.runID, o.ReachableCells, o.MeanProb)
	s.emit(Event{Kind: EventSummaryReady, Overview: &o})
}

// load serves a stored snapshot instead of simulating.
func (s *Session) load(req protocol.Config) error {
	path := req.InputPath()
	snap, err := snapshot.Read(path)
	if err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	cfg := snap.Config()
	cfg.InputFile = req.InputFile
	cfg.OutputFile = req.OutputFile
	if cells := snap.Width * snap.Height; s.tune.MaxCells > 0 && cells > s.tune.MaxCells {
		return fmt.Errorf("%w: %d > %d", ErrTooLarge, cells, s.tune.MaxCells)
	}
	field, err := snap.Field()
	if err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	w, err := world.New(cfg.WorldConfig(), field)
	if err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	s.logger.Printf("run %s: loaded %s (%dx%d)", s.runID, path, snap.Width, snap.Height)

	s.install(obstacles.Result{World: w})
	s.publish(snap.Summary)
	return nil
}

// save writes the output snapshot. A failed save is logged; the run keeps its summary.
func (s *Session) save() {
	s.mu.Lock()
	cfg, w, summary := s.cfg, s.world, s.summary
	s.mu.Unlock()
	path := cfg.OutputPath()
	if path == "" || summary == nil {
		return
	}
	if err := snapshot.Write(path, snapshot.FromRun(cfg, w.Field(), summary)); err != nil {
		s.logger.Printf("run %s: save snapshot %s: %v", s.runID, path, err)
		s.emit(Event{Kind: EventSnapshotSaved, Path: path, Error: err.Error()})
		return
	}
	s.mu.Lock()
	s.savedPath = path
	s.mu.Unlock()
	s.emit(Event{Kind: EventSnapshotSaved, Path: path})
}

func (s *Session) finish(err error) {
	s.mu.Lock()
	s.state = Done
	s.err = err
	s.finishedAt = time.Now().UTC()
	if err != nil {
		s.summary = nil
	}
	s.mu.Unlock()
	if err != nil {
		s.logger.Printf("run %s failed: %v", s.runID, err)
		s.emit(Event{Kind: EventRunFailed, Error: err.Error()})
	}
	close(s.done)
}

func (s *Session) emit(e Event) {
	if s.events == nil {
		return
	}
	e.Time = time.Now().UTC()
	e.RunID = s.runID
	if err := s.events.WriteEvent(e); err != nil {
		s.logger.Printf("run %s: event %s: %v", s.runID, e.Kind, err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
