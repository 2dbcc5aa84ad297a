// Command observer attaches to a gridwalk server, optionally submits a run
// definition as the session CONFIG, and logs every frame until the summary.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"time"

	"gridwalk.ai/internal/persistence/snapshot"
	"gridwalk.ai/internal/protocol"
	"gridwalk.ai/internal/runspec"
	"gridwalk.ai/internal/sim/stats"
	"gridwalk.ai/internal/sim/world"
	"gridwalk.ai/internal/transport/ws"
)

func main() {
	var (
		network = flag.String("network", "unix", "transport: unix, tcp or ws")
		addr    = flag.String("addr", "./data/gridwalk.sock", "socket path, host:port, or ws url (ws://host:8080/v1/observe)")
		runPath = flag.String("run", "", "run definition yaml sent as CONFIG (empty: watch only)")
		width   = flag.Int("width", 0, "grid width when watching without -run")
		height  = flag.Int("height", 0, "grid height when watching without -run")
		save    = flag.String("save", "", "write the received run as a snapshot (requires -run with start: new)")
		grid    = flag.Bool("grid", false, "print the probability grid after the summary")
		timeout = flag.Duration("timeout", 5*time.Second, "dial timeout")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[observer] ", log.LstdFlags|log.Lmicroseconds)

	var cfg *protocol.Config
	if *runPath != "" {
		spec, err := runspec.Load(*runPath)
		if err != nil {
			logger.Fatalf("run definition: %v", err)
		}
		c, err := spec.Config()
		if err != nil {
			logger.Fatalf("run definition: %v", err)
		}
		cfg = &c
	}

	conn, err := dial(*network, *addr, *timeout)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	go func() {
		<-stop
		_ = conn.Close()
	}()

	if cfg != nil {
		if err := conn.Send(protocol.TypeConfig, protocol.EncodeConfig(*cfg)); err != nil {
			logger.Fatalf("send CONFIG: %v", err)
		}
		logger.Printf("sent CONFIG %dx%d mode=%s", cfg.Width, cfg.Height, cfg.Mode)
	}

	w := &watcher{logger: logger, width: *width, height: *height}
	if cfg != nil && cfg.StartType == protocol.StartNew {
		w.width, w.height = int(cfg.Width), int(cfg.Height)
	}
	if err := w.run(conn); err != nil {
		logger.Fatalf("%v", err)
	}
	if w.summary == nil {
		logger.Printf("connection closed before the summary")
		os.Exit(1)
	}
	if *grid {
		printGrid(os.Stdout, w.summary)
	}
	if *save != "" {
		if cfg == nil || cfg.StartType != protocol.StartNew {
			logger.Fatalf("-save needs -run with start: new")
		}
		var field *world.Field
		if w.obstacles != nil {
			field, err = world.NewField(w.width, w.height, w.obstacles)
			if err != nil {
				logger.Fatalf("obstacles: %v", err)
			}
		}
		if err := snapshot.Write(*save, snapshot.FromRun(*cfg, field, w.summary)); err != nil {
			logger.Fatalf("save: %v", err)
		}
		logger.Printf("saved %s", *save)
	}
}

type frameConn interface {
	Send(typ uint32, payload []byte) error
	Recv() (protocol.Frame, error)
	Close() error
}

func dial(network, addr string, timeout time.Duration) (frameConn, error) {
	switch network {
	case "ws":
		if !strings.HasPrefix(addr, "ws://") && !strings.HasPrefix(addr, "wss://") {
			addr = "ws://" + addr + "/v1/observe"
		}
		return ws.Dial(addr, timeout)
	case "unix", "tcp":
		c, err := net.DialTimeout(network, addr, timeout)
		if err != nil {
			return nil, err
		}
		return &streamConn{c: c}, nil
	default:
		return nil, fmt.Errorf("unknown network %q", network)
	}
}

type streamConn struct{ c net.Conn }

func (s *streamConn) Send(typ uint32, payload []byte) error {
	return protocol.WriteFrame(s.c, typ, payload)
}
func (s *streamConn) Recv() (protocol.Frame, error) { return protocol.ReadFrame(s.c, 0) }
func (s *streamConn) Close() error                  { return s.c.Close() }

// watcher consumes frames until SUMMARY_DATA, which is always the last frame
// of a run.
type watcher struct {
	logger        *log.Logger
	width, height int

	steps     int
	obstacles []uint8
	summary   *stats.Summary
}

func (w *watcher) run(conn frameConn) error {
	for {
		f, err := conn.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("recv: %w", err)
		}
		if err := w.handle(f); err != nil {
			return err
		}
		if w.summary != nil {
			return nil
		}
	}
}

func (w *watcher) handle(f protocol.Frame) error {
	switch f.Type {
	case protocol.TypeObstacles:
		cells := len(f.Payload)
		if w.width*w.height == cells {
			mask, err := protocol.DecodeObstacles(f.Payload, cells)
			if err != nil {
				return err
			}
			w.obstacles = mask
		}
		n := 0
		for _, v := range f.Payload {
			if v != 0 {
				n++
			}
		}
		w.logger.Printf("OBSTACLES cells=%d blocked=%d", cells, n)
	case protocol.TypeInteractiveStep:
		s, err := protocol.DecodeStep(f.Payload)
		if err != nil {
			return err
		}
		w.steps++
		w.logger.Printf("STEP rep=%d/%d step=%d pos=(%d,%d)", s.Replication, s.TotalReplications, s.Step, s.X, s.Y)
	case protocol.TypeSummaryData:
		width, height := w.width, w.height
		cells := len(f.Payload) / protocol.SummaryCellSize
		if width*height != cells {
			width, height = cells, 1
		}
		sum, err := protocol.DecodeSummary(f.Payload, width, height)
		if err != nil {
			return err
		}
		w.summary = sum
		o := sum.Overview()
		w.logger.Printf("SUMMARY cells=%d reachable=%d mean_prob=%.4f mean_avg_steps=%.2f max_avg_steps=%.2f",
			cells, o.ReachableCells, o.MeanProb, o.MeanAvgSteps, o.MaxAvgSteps)
	default:
		w.logger.Printf("ignoring %s (%d bytes)", protocol.TypeName(f.Type), len(f.Payload))
	}
	return nil
}

func printGrid(out io.Writer, s *stats.Summary) {
	for y := 0; y < s.Height(); y++ {
		for x := 0; x < s.Width(); x++ {
			if x > 0 {
				fmt.Fprint(out, " ")
			}
			fmt.Fprintf(out, "%.3f", s.At(y*s.Width()+x).Probability)
		}
		fmt.Fprintln(out)
	}
}
