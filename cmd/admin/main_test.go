package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	persistlog "gridwalk.ai/internal/persistence/log"
	"gridwalk.ai/internal/persistence/snapshot"
	"gridwalk.ai/internal/protocol"
	"gridwalk.ai/internal/session"
	"gridwalk.ai/internal/sim/stats"
	"gridwalk.ai/internal/sim/world"
)

func TestFilterEvents(t *testing.T) {
	dir := t.TempDir()
	l := persistlog.NewEventLogger(dir)
	for _, e := range []session.Event{
		{RunID: "a", Kind: session.EventConfigAccepted},
		{RunID: "b", Kind: session.EventConfigAccepted},
		{RunID: "a", Kind: session.EventSweepProgress},
		{RunID: "a", Kind: session.EventSweepProgress},
		{RunID: "a", Kind: session.EventSummaryReady},
	} {
		if err := l.WriteEvent(e); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	_ = l.Close()
	files, err := persistlog.Files(filepath.Join(dir, "events"), "events")
	if err != nil || len(files) != 1 {
		t.Fatalf("files=%v err=%v", files, err)
	}

	count := func(run string, kind session.EventKind, limit int) int {
		n := 0
		err := filterEvents(files, run, kind, func(session.Event) bool {
			n++
			return limit <= 0 || n < limit
		})
		if err != nil {
			t.Fatalf("filter: %v", err)
		}
		return n
	}
	if n := count("", "", 0); n != 5 {
		t.Fatalf("all=%d want 5", n)
	}
	if n := count("a", "", 0); n != 4 {
		t.Fatalf("run a=%d want 4", n)
	}
	if n := count("a", session.EventSweepProgress, 0); n != 2 {
		t.Fatalf("progress=%d want 2", n)
	}
	if n := count("", "", 2); n != 2 {
		t.Fatalf("limited=%d want 2", n)
	}
}

func TestDescribeSnapshot(t *testing.T) {
	cfg := protocol.Config{
		StartType:       protocol.StartNew,
		Mode:            protocol.ModeSummary,
		WorldType:       protocol.WorldObstacles,
		ObstacleDensity: 0.2,
		Width:           3,
		Height:          1,
		Replications:    10,
		MaxSteps:        50,
		Probs:           protocol.Probs{Up: 0.25, Down: 0.25, Left: 0.25, Right: 0.25},
		Boundary:        protocol.BoundaryWalls,
	}
	field, err := world.NewField(3, 1, []uint8{0, 0, 1})
	if err != nil {
		t.Fatalf("field: %v", err)
	}
	sum, err := stats.NewSummary(3, 1, []stats.SummaryCell{{}, {AvgSteps: 2, Probability: 0.5}, {}})
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	snap := snapshot.FromRun(cfg, field, sum)

	var out bytes.Buffer
	describeSnapshot(&out, snap, true)
	got := out.String()
	for _, want := range []string{"world      3x1 obstacles (walls", "obstacles  1", "   T  0.500    #"} {
		if !strings.Contains(got, want) {
			t.Fatalf("output missing %q:\n%s", want, got)
		}
	}

	in := snapshotInfo(snap)
	if in.Obstacles != 1 || in.Boundary != "walls" || in.Probs[0] != 0.25 {
		t.Fatalf("info=%+v", in)
	}
}
