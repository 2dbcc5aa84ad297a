package indexdb

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"gridwalk.ai/internal/protocol"
	"gridwalk.ai/internal/session"
	"gridwalk.ai/internal/sim/stats"
)

func runEvents(runID string) []session.Event {
	cfg := protocol.Config{
		StartType:       protocol.StartNew,
		Mode:            protocol.ModeSummary,
		WorldType:       protocol.WorldObstacles,
		ObstacleDensity: 0.2,
		Width:           3,
		Height:          3,
		Replications:    10,
		MaxSteps:        20,
		Probs:           protocol.Probs{Up: 0.25, Down: 0.25, Left: 0.25, Right: 0.25},
	}
	now := time.Now().UTC()
	ev := func(k session.EventKind) session.Event {
		return session.Event{Time: now, RunID: runID, Kind: k}
	}
	accepted := ev(session.EventConfigAccepted)
	accepted.Run = session.NewRunInfo(cfg, 77)
	obstacles := ev(session.EventObstaclesReady)
	obstacles.Obstacles = &session.ObstacleInfo{Count: 2, Attempts: 3, Mask: []uint8{1, 0, 0, 0, 0, 0, 0, 0, 1}}
	attached := ev(session.EventObserverAttached)
	attached.Observer = &session.ObserverInfo{ID: 1, Addr: "unix:@"}
	progress := ev(session.EventSweepProgress)
	progress.Progress = &session.Progress{Done: 7, Total: 7}
	summary := ev(session.EventSummaryReady)
	summary.Overview = &stats.Overview{ReachableCells: 7, MeanProb: 0.5}
	saved := ev(session.EventSnapshotSaved)
	saved.Path = "/data/out.txt"
	detached := ev(session.EventObserverDetached)
	detached.Observer = attached.Observer
	detached.Error = "broken pipe"
	return []session.Event{accepted, obstacles, attached, progress, summary, saved, detached}
}

func TestSQLiteIndex_RecordsRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	idx, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	for _, e := range runEvents("run-1") {
		if err := idx.WriteEvent(e); err != nil {
			t.Fatalf("WriteEvent: %v", err)
		}
	}
	idx.RecordArchive("run-1", "/data/archives/run-1/out.txt")
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db, err := OpenReadOnly(path)
	if err != nil {
		t.Fatalf("OpenReadOnly: %v", err)
	}
	defer db.Close()
	ctx := context.Background()

	r, err := GetRun(ctx, db, "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if r.State != "done" || r.Width != 3 || r.Replications != 10 || r.Seed != 77 {
		t.Fatalf("row=%+v", r)
	}
	if r.Obstacles != 2 || r.Reachable != 7 || r.MeanProb != 0.5 {
		t.Fatalf("row=%+v", r)
	}
	if r.SnapshotPath != "/data/out.txt" || r.ArchivePath != "/data/archives/run-1/out.txt" {
		t.Fatalf("paths=%q %q", r.SnapshotPath, r.ArchivePath)
	}
	mask, err := r.Mask()
	if err != nil || len(mask) != 9 || mask[0] != 1 || mask[8] != 1 || mask[4] != 0 {
		t.Fatalf("mask=%v err=%v", mask, err)
	}

	counts, err := CountEvents(ctx, db, "run-1")
	if err != nil {
		t.Fatalf("CountEvents: %v", err)
	}
	if counts[string(session.EventSweepProgress)] != 1 || len(counts) != 7 {
		t.Fatalf("counts=%v", counts)
	}

	var detachedErr string
	if err := db.QueryRow(`SELECT error FROM observers WHERE run_id=? AND observer_id=1`, "run-1").Scan(&detachedErr); err != nil {
		t.Fatalf("observer row: %v", err)
	}
	if detachedErr != "broken pipe" {
		t.Fatalf("observer error=%q", detachedErr)
	}

	runs, err := ListRuns(ctx, db, 10)
	if err != nil || len(runs) != 1 {
		t.Fatalf("runs=%v err=%v", runs, err)
	}
}

func TestSQLiteIndex_FailedRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	idx, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	events := runEvents("run-2")
	failed := session.Event{Time: time.Now(), RunID: "run-2", Kind: session.EventRunFailed, Error: "world exceeds max_cells"}
	_ = idx.WriteEvent(events[0])
	_ = idx.WriteEvent(failed)
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db, err := OpenReadOnly(path)
	if err != nil {
		t.Fatalf("OpenReadOnly: %v", err)
	}
	defer db.Close()
	r, err := GetRun(context.Background(), db, "run-2")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if r.State != "failed" || r.Error == "" || r.FinishedAt == "" {
		t.Fatalf("row=%+v", r)
	}
	if _, err := r.Mask(); err == nil {
		t.Fatalf("expected no mask for a run without obstacles_ready")
	}
}

func TestSQLiteIndex_QueueDropStats(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan req, 1)}
	s.ch <- req{kind: reqEvent}

	_ = s.WriteEvent(session.Event{Kind: session.EventSweepProgress})
	s.RecordArchive("r", "/tmp/x")

	st := s.Stats()
	if st.DropEventTotal != 1 || st.DropArchiveTotal != 1 {
		t.Fatalf("stats=%+v", st)
	}
	if st.QueueDepth != 1 || st.QueueCapacity != 1 {
		t.Fatalf("queue stats mismatch: depth=%d cap=%d", st.QueueDepth, st.QueueCapacity)
	}
}

func TestSQLiteIndex_DowngradeRecordsEmptyWorld(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	idx, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	events := runEvents("run-3")
	events[1].Obstacles = &session.ObstacleInfo{Attempts: 1, Downgraded: true, Mask: make([]uint8, 9)}
	for _, e := range events[:2] {
		if err := idx.WriteEvent(e); err != nil {
			t.Fatalf("WriteEvent: %v", err)
		}
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db, err := OpenReadOnly(path)
	if err != nil {
		t.Fatalf("OpenReadOnly: %v", err)
	}
	defer db.Close()
	r, err := GetRun(context.Background(), db, "run-3")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if !r.Downgraded || r.WorldType != protocol.WorldEmpty.String() || r.Obstacles != 0 {
		t.Fatalf("row=%+v", r)
	}
}

func TestWithSavepoint_FailureKeepsBatch(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "sp.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`CREATE TABLE kv(k TEXT PRIMARY KEY, v INTEGER NOT NULL)`); err != nil {
		t.Fatalf("create: %v", err)
	}

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	ins := func(k string) func() error {
		return func() error {
			_, err := tx.Exec(`INSERT INTO kv(k,v) VALUES(?,1)`, k)
			return err
		}
	}
	if err := withSavepoint(tx, ins("a")); err != nil {
		t.Fatalf("first: %v", err)
	}
	bad := func() error {
		if _, err := tx.Exec(`INSERT INTO kv(k,v) VALUES('b',1)`); err != nil {
			return err
		}
		_, err := tx.Exec(`INSERT INTO kv(k,v) VALUES('c',NULL)`)
		return err
	}
	err = withSavepoint(tx, bad)
	if err == nil || errors.Is(err, errSavepoint) {
		t.Fatalf("bad statement err=%v", err)
	}
	if err := withSavepoint(tx, ins("d")); err != nil {
		t.Fatalf("after failure: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	rows, err := db.Query(`SELECT k FROM kv ORDER BY k`)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			t.Fatalf("Scan: %v", err)
		}
		keys = append(keys, k)
	}
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "d" {
		t.Fatalf("keys=%v", keys)
	}
}
