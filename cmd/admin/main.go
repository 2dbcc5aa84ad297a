// Command admin inspects a gridwalk data directory: the run index, saved
// snapshots, and the run event log.
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	persistlog "gridwalk.ai/internal/persistence/log"
	"gridwalk.ai/internal/persistence/snapshot"
	"gridwalk.ai/internal/session"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "runs":
			runsCmd(os.Args[2:])
			return
		case "run":
			runCmd(os.Args[2:])
			return
		case "snapshot":
			snapshotCmd(os.Args[2:])
			return
		case "events":
			eventsCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		}
	}
	runsCmd(os.Args[1:])
}

func snapshotCmd(args []string) {
	fs := flag.NewFlagSet("snapshot", flag.ExitOnError)
	grid := fs.Bool("grid", false, "print the obstacle field and probability grid")
	asJSON := fs.Bool("json", false, "print the overview as json")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: admin snapshot [-grid] [-json] <path>")
		os.Exit(2)
	}

	snap, err := snapshot.Read(fs.Arg(0))
	if err != nil {
		fmt.Fprintln(os.Stderr, "read snapshot:", err)
		os.Exit(1)
	}
	if *asJSON {
		_ = json.NewEncoder(os.Stdout).Encode(snapshotInfo(snap))
		return
	}
	describeSnapshot(os.Stdout, snap, *grid)
}

type snapInfo struct {
	Width        int        `json:"width"`
	Height       int        `json:"height"`
	Replications uint32     `json:"replications"`
	MaxSteps     uint32     `json:"max_steps"`
	Probs        [4]float64 `json:"probs"`
	WorldType    string     `json:"world_type"`
	Density      float64    `json:"obstacle_density"`
	Boundary     string     `json:"boundary"`
	Obstacles    int        `json:"obstacles"`
	Reachable    int        `json:"reachable_cells"`
	MeanProb     float64    `json:"mean_probability"`
	MeanAvgSteps float64    `json:"mean_avg_steps"`
	MaxAvgSteps  float64    `json:"max_avg_steps"`
}

func snapshotInfo(s snapshot.Snapshot) snapInfo {
	cfg := s.Config()
	o := s.Summary.Overview()
	n := 0
	for _, v := range s.Obstacles {
		if v != 0 {
			n++
		}
	}
	return snapInfo{
		Width:        s.Width,
		Height:       s.Height,
		Replications: s.Replications,
		MaxSteps:     s.MaxSteps,
		Probs:        [4]float64{cfg.Probs.Up, cfg.Probs.Down, cfg.Probs.Left, cfg.Probs.Right},
		WorldType:    s.WorldType.String(),
		Density:      s.ObstacleDensity,
		Boundary:     cfg.Boundary.String(),
		Obstacles:    n,
		Reachable:    o.ReachableCells,
		MeanProb:     o.MeanProb,
		MeanAvgSteps: o.MeanAvgSteps,
		MaxAvgSteps:  o.MaxAvgSteps,
	}
}

func describeSnapshot(w io.Writer, s snapshot.Snapshot, grid bool) {
	in := snapshotInfo(s)
	fmt.Fprintf(w, "world      %dx%d %s (%s, density %g)\n", in.Width, in.Height, in.WorldType, in.Boundary, in.Density)
	fmt.Fprintf(w, "walk       replications=%d max_steps=%d probs=%v\n", in.Replications, in.MaxSteps, in.Probs)
	fmt.Fprintf(w, "obstacles  %d\n", in.Obstacles)
	fmt.Fprintf(w, "summary    reachable=%d mean_prob=%.4f mean_avg_steps=%.2f max_avg_steps=%.2f\n",
		in.Reachable, in.MeanProb, in.MeanAvgSteps, in.MaxAvgSteps)
	if !grid {
		return
	}
	fmt.Fprintln(w)
	for y := 0; y < s.Height; y++ {
		var b strings.Builder
		for x := 0; x < s.Width; x++ {
			i := y*s.Width + x
			switch {
			case x == 0 && y == 0:
				b.WriteString("   T  ")
			case s.Obstacles[i] != 0:
				b.WriteString("   #  ")
			default:
				fmt.Fprintf(&b, "%.3f ", s.Summary.At(i).Probability)
			}
		}
		fmt.Fprintln(w, strings.TrimRight(b.String(), " "))
	}
}

func eventsCmd(args []string) {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	runID := fs.String("run", "", "run id filter (optional)")
	kind := fs.String("kind", "", "event kind filter (optional)")
	limit := fs.Int("limit", 0, "max events to print (0 = all)")
	_ = fs.Parse(args)

	files, err := persistlog.Files(filepath.Join(*dataDir, "events"), "events")
	if err != nil {
		fmt.Fprintln(os.Stderr, "list:", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "no event logs under", filepath.Join(*dataDir, "events"))
		os.Exit(2)
	}
	enc := json.NewEncoder(os.Stdout)
	n := 0
	err = filterEvents(files, *runID, session.EventKind(*kind), func(e session.Event) bool {
		_ = enc.Encode(e)
		n++
		return *limit <= 0 || n < *limit
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
}

var errStop = errors.New("stop")

// filterEvents streams matching events from files in order until fn returns false.
func filterEvents(files []string, runID string, kind session.EventKind, fn func(session.Event) bool) error {
	for _, path := range files {
		err := persistlog.ReadJSONL(path, func(raw json.RawMessage) error {
			var e session.Event
			if err := json.Unmarshal(raw, &e); err != nil {
				return fmt.Errorf("%s: %w", filepath.Base(path), err)
			}
			if runID != "" && e.RunID != runID {
				return nil
			}
			if kind != "" && e.Kind != kind {
				return nil
			}
			if !fn(e) {
				return errStop
			}
			return nil
		})
		if errors.Is(err, errStop) {
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// stateCmd asks a running server for its loopback-only status document.
func stateCmd(args []string) {
	fs := flag.NewFlagSet("state", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	timeout := fs.Duration("timeout", 5*time.Second, "request timeout")
	_ = fs.Parse(args)

	u := strings.TrimRight(strings.TrimSpace(*baseURL), "/") + "/admin/v1/state"
	resp, err := (&http.Client{Timeout: *timeout}).Get(u)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "%s: %s\n", resp.Status, strings.TrimSpace(string(body)))
		os.Exit(1)
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		_, _ = os.Stdout.Write(body)
		return
	}
	fmt.Println(pretty.String())
}
