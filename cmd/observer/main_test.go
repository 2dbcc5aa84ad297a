package main

import (
	"bytes"
	"io"
	"log"
	"net"
	"testing"

	"gridwalk.ai/internal/protocol"
	"gridwalk.ai/internal/sim/stats"
)

func TestWatcher_StopsAtSummary(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	sum, err := stats.NewSummary(3, 1, []stats.SummaryCell{{}, {AvgSteps: 1, Probability: 0.25}, {AvgSteps: 2, Probability: 0.5}})
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	go func() {
		_ = protocol.WriteFrame(b, protocol.TypeObstacles, []byte{0, 1, 0})
		_ = protocol.WriteFrame(b, protocol.TypeInteractiveStep, protocol.EncodeStep(protocol.Step{X: 1, Step: 1, TotalReplications: 1}))
		_ = protocol.WriteFrame(b, protocol.TypeSummaryData, protocol.EncodeSummary(sum))
		// Anything after the summary is not read.
		_ = protocol.WriteFrame(b, protocol.TypeInteractiveStep, protocol.EncodeStep(protocol.Step{}))
	}()

	w := &watcher{logger: log.New(io.Discard, "", 0), width: 3, height: 1}
	if err := w.run(&streamConn{c: a}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if w.steps != 1 {
		t.Fatalf("steps=%d want 1", w.steps)
	}
	if !bytes.Equal(w.obstacles, []uint8{0, 1, 0}) {
		t.Fatalf("obstacles=%v", w.obstacles)
	}
	if w.summary == nil || w.summary.At(2).Probability != 0.5 {
		t.Fatalf("summary=%v", w.summary)
	}

	var out bytes.Buffer
	printGrid(&out, w.summary)
	if got := out.String(); got != "0.000 0.250 0.500\n" {
		t.Fatalf("grid=%q", got)
	}
}

func TestWatcher_UnknownDimensionsFallBackToRow(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()

	sum, _ := stats.NewSummary(2, 2, make([]stats.SummaryCell, 4))
	go func() {
		_ = protocol.WriteFrame(b, protocol.TypeSummaryData, protocol.EncodeSummary(sum))
		_ = b.Close()
	}()

	w := &watcher{logger: log.New(io.Discard, "", 0)}
	if err := w.run(&streamConn{c: a}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if w.summary == nil || w.summary.Width() != 4 || w.summary.Height() != 1 {
		t.Fatalf("summary=%v", w.summary)
	}
}

func TestWatcher_ClosedBeforeSummary(t *testing.T) {
	a, b := net.Pipe()
	_ = b.Close()
	w := &watcher{logger: log.New(io.Discard, "", 0)}
	if err := w.run(&streamConn{c: a}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if w.summary != nil {
		t.Fatalf("unexpected summary")
	}
}

func TestDial_UnknownNetwork(t *testing.T) {
	if _, err := dial("udp", "x", 0); err == nil {
		t.Fatalf("expected error")
	}
}
