// Package indexdb keeps a queryable SQLite read model of runs, their events and
// observers. It is fed asynchronously and never slows the run down; the JSONL
// event log stays the source of truth.
package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"gridwalk.ai/internal/protocol"
	"gridwalk.ai/internal/session"
	"gridwalk.ai/internal/sim/encoding"
)

type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropEvents  atomic.Uint64
	dropArchive atomic.Uint64
}

type reqKind int

const (
	reqEvent reqKind = iota + 1
	reqArchive
)

type req struct {
	kind reqKind

	event   session.Event
	archive archiveRow
}

type archiveRow struct {
	RunID string
	Path  string
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		// Progress and observer churn are bursty; a deep buffer keeps emit non-blocking.
		ch: make(chan req, 16384),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT,
			start_type TEXT NOT NULL,
			mode TEXT NOT NULL,
			world_type TEXT NOT NULL,
			boundary TEXT NOT NULL,
			width INTEGER NOT NULL,
			height INTEGER NOT NULL,
			replications INTEGER NOT NULL,
			max_steps INTEGER NOT NULL,
			p_up REAL NOT NULL,
			p_down REAL NOT NULL,
			p_left REAL NOT NULL,
			p_right REAL NOT NULL,
			density REAL NOT NULL,
			start_x INTEGER NOT NULL,
			start_y INTEGER NOT NULL,
			seed INTEGER NOT NULL,
			input_file TEXT,
			output_file TEXT,
			obstacle_count INTEGER,
			obstacle_attempts INTEGER,
			downgraded INTEGER,
			obstacle_rle TEXT,
			reachable_cells INTEGER,
			mean_probability REAL,
			mean_avg_steps REAL,
			max_avg_steps REAL,
			snapshot_path TEXT,
			archive_path TEXT,
			error TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS events (
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			ts TEXT NOT NULL,
			kind TEXT NOT NULL,
			raw_json TEXT NOT NULL,
			PRIMARY KEY (run_id, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind, run_id);`,
		`CREATE TABLE IF NOT EXISTS observers (
			run_id TEXT NOT NULL,
			observer_id INTEGER NOT NULL,
			addr TEXT NOT NULL,
			attached_at TEXT NOT NULL,
			detached_at TEXT,
			error TEXT,
			PRIMARY KEY (run_id, observer_id)
		);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// WriteEvent queues e. Events are dropped (and counted) when the writer falls behind.
func (s *SQLiteIndex) WriteEvent(e session.Event) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqEvent, event: e}:
	default:
		s.dropEvents.Add(1)
	}
	return nil
}

func (s *SQLiteIndex) RecordArchive(runID, path string) {
	if s == nil || s.closed.Load() || runID == "" || path == "" {
		return
	}
	select {
	case s.ch <- req{kind: reqArchive, archive: archiveRow{RunID: runID, Path: path}}:
	default:
		s.dropArchive.Add(1)
	}
}

type QueueStats struct {
	QueueDepth       int    `json:"queue_depth"`
	QueueCapacity    int    `json:"queue_capacity"`
	DropEventTotal   uint64 `json:"drop_event_total"`
	DropArchiveTotal uint64 `json:"drop_archive_total"`
}

func (s *SQLiteIndex) Stats() QueueStats {
	if s == nil {
		return QueueStats{}
	}
	return QueueStats{
		QueueDepth:       len(s.ch),
		QueueCapacity:    cap(s.ch),
		DropEventTotal:   s.dropEvents.Load(),
		DropArchiveTotal: s.dropArchive.Load(),
	}
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 500
		commitMaxWait = time.Second

		seq = map[string]int{}
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		err := withSavepoint(tx, func() error {
			switch r.kind {
			case reqEvent:
				n := seq[r.event.RunID]
				seq[r.event.RunID] = n + 1
				return applyEvent(tx, n, r.event)
			case reqArchive:
				_, err := tx.Exec(`UPDATE runs SET archive_path=? WHERE run_id=?`, r.archive.Path, r.archive.RunID)
				return err
			}
			return nil
		})
		if errors.Is(err, errSavepoint) {
			rollback()
			continue
		}
		if err != nil {
			// Only this request's writes were undone; the batch stays open.
			continue
		}
		opCount++
		// Run milestones are committed at once so admin reads see them.
		if r.kind == reqArchive || isMilestone(r.event.Kind) || opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}
	commit()
}

var errSavepoint = errors.New("indexdb: savepoint")

// withSavepoint runs fn inside a savepoint of tx. When fn fails only its own
// writes are rolled back. A failure of the savepoint itself wraps errSavepoint
// and leaves tx unusable.
func withSavepoint(tx *sql.Tx, fn func() error) error {
	if _, err := tx.Exec(`SAVEPOINT req`); err != nil {
		return fmt.Errorf("%w: %v", errSavepoint, err)
	}
	if err := fn(); err != nil {
		if _, rerr := tx.Exec(`ROLLBACK TO req`); rerr != nil {
			return fmt.Errorf("%w: %v", errSavepoint, rerr)
		}
		if _, rerr := tx.Exec(`RELEASE req`); rerr != nil {
			return fmt.Errorf("%w: %v", errSavepoint, rerr)
		}
		return err
	}
	if _, err := tx.Exec(`RELEASE req`); err != nil {
		return fmt.Errorf("%w: %v", errSavepoint, err)
	}
	return nil
}

func isMilestone(k session.EventKind) bool {
	switch k {
	case session.EventConfigAccepted, session.EventSummaryReady, session.EventRunFailed, session.EventSnapshotSaved:
		return true
	}
	return false
}

func applyEvent(tx *sql.Tx, seq int, e session.Event) error {
	ts := e.Time.UTC().Format(time.RFC3339Nano)
	raw, _ := json.Marshal(e)
	if _, err := tx.Exec(`INSERT OR REPLACE INTO events(run_id,seq,ts,kind,raw_json) VALUES(?,?,?,?,?)`,
		e.RunID, seq, ts, string(e.Kind), string(raw)); err != nil {
		return err
	}

	var err error
	switch e.Kind {
	case session.EventConfigAccepted:
		if e.Run == nil {
			return nil
		}
		r := e.Run
		_, err = tx.Exec(`INSERT OR REPLACE INTO runs(
			run_id,state,started_at,start_type,mode,world_type,boundary,width,height,replications,max_steps,
			p_up,p_down,p_left,p_right,density,start_x,start_y,seed,input_file,output_file)
			VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			e.RunID, "running", ts, r.StartType, r.Mode, r.WorldType, r.Boundary, r.Width, r.Height,
			int64(r.Replications), int64(r.MaxSteps), r.Probs[0], r.Probs[1], r.Probs[2], r.Probs[3],
			r.Density, r.StartX, r.StartY, int64(r.Seed), r.InputFile, r.OutputFile)
	case session.EventObstaclesReady:
		if o := e.Obstacles; o != nil {
			_, err = tx.Exec(`UPDATE runs SET obstacle_count=?,obstacle_attempts=?,downgraded=?,obstacle_rle=? WHERE run_id=?`,
				o.Count, o.Attempts, o.Downgraded, encoding.EncodeMask(o.Mask), e.RunID)
			if err == nil && o.Downgraded {
				_, err = tx.Exec(`UPDATE runs SET world_type=? WHERE run_id=?`, protocol.WorldEmpty.String(), e.RunID)
			}
		}
	case session.EventSummaryReady:
		if o := e.Overview; o != nil {
			_, err = tx.Exec(`UPDATE runs SET state='done',finished_at=?,reachable_cells=?,mean_probability=?,mean_avg_steps=?,max_avg_steps=? WHERE run_id=?`,
				ts, o.ReachableCells, o.MeanProb, o.MeanAvgSteps, o.MaxAvgSteps, e.RunID)
		}
	case session.EventSnapshotSaved:
		if e.Error == "" {
			_, err = tx.Exec(`UPDATE runs SET snapshot_path=? WHERE run_id=?`, e.Path, e.RunID)
		}
	case session.EventRunFailed:
		_, err = tx.Exec(`UPDATE runs SET state='failed',finished_at=?,error=? WHERE run_id=?`, ts, e.Error, e.RunID)
	case session.EventObserverAttached:
		if o := e.Observer; o != nil {
			_, err = tx.Exec(`INSERT OR REPLACE INTO observers(run_id,observer_id,addr,attached_at) VALUES(?,?,?,?)`,
				e.RunID, int64(o.ID), o.Addr, ts)
		}
	case session.EventObserverDetached:
		if o := e.Observer; o != nil {
			_, err = tx.Exec(`UPDATE observers SET detached_at=?,error=? WHERE run_id=? AND observer_id=?`,
				ts, nullString(e.Error), e.RunID, int64(o.ID))
		}
	}
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
