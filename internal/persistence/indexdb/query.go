package indexdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"gridwalk.ai/internal/sim/encoding"
)

// RunRow is one row of the runs table as read back by admin tooling.
type RunRow struct {
	RunID        string  `json:"run_id"`
	State        string  `json:"state"`
	StartedAt    string  `json:"started_at"`
	FinishedAt   string  `json:"finished_at,omitempty"`
	StartType    string  `json:"start_type"`
	Mode         string  `json:"mode"`
	WorldType    string  `json:"world_type"`
	Width        int     `json:"width"`
	Height       int     `json:"height"`
	Replications int64   `json:"replications"`
	MaxSteps     int64   `json:"max_steps"`
	Seed         int64   `json:"seed"`
	Downgraded   bool    `json:"downgraded"`
	Obstacles    int     `json:"obstacles"`
	ObstacleRLE  string  `json:"obstacle_rle,omitempty"`
	Reachable    int     `json:"reachable_cells"`
	MeanProb     float64 `json:"mean_probability"`
	SnapshotPath string  `json:"snapshot_path,omitempty"`
	ArchivePath  string  `json:"archive_path,omitempty"`
	Error        string  `json:"error,omitempty"`
}

// Mask decodes the stored obstacle field.
func (r RunRow) Mask() ([]uint8, error) {
	if r.ObstacleRLE == "" {
		return nil, errors.New("no obstacle field recorded")
	}
	return encoding.DecodeMask(r.ObstacleRLE, r.Width*r.Height)
}

// OpenReadOnly opens an existing index for queries without starting a writer.
func OpenReadOnly(path string) (*sql.DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	for _, p := range []string{"PRAGMA busy_timeout=5000;", "PRAGMA query_only=ON;"} {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
	}
	return db, nil
}

const runColumns = `run_id,state,started_at,COALESCE(finished_at,''),start_type,mode,world_type,width,height,
	replications,max_steps,seed,COALESCE(downgraded,0),COALESCE(obstacle_count,0),COALESCE(obstacle_rle,''),
	COALESCE(reachable_cells,0),COALESCE(mean_probability,0),COALESCE(snapshot_path,''),COALESCE(archive_path,''),COALESCE(error,'')`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (RunRow, error) {
	var r RunRow
	err := sc.Scan(&r.RunID, &r.State, &r.StartedAt, &r.FinishedAt, &r.StartType, &r.Mode, &r.WorldType,
		&r.Width, &r.Height, &r.Replications, &r.MaxSteps, &r.Seed, &r.Downgraded, &r.Obstacles, &r.ObstacleRLE,
		&r.Reachable, &r.MeanProb, &r.SnapshotPath, &r.ArchivePath, &r.Error)
	return r, err
}

func ListRuns(ctx context.Context, db *sql.DB, limit int) ([]RunRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RunRow
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func GetRun(ctx context.Context, db *sql.DB, runID string) (RunRow, error) {
	return scanRun(db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id=?`, runID))
}

func CountEvents(ctx context.Context, db *sql.DB, runID string) (map[string]int, error) {
	rows, err := db.QueryContext(ctx, `SELECT kind,COUNT(*) FROM events WHERE run_id=? GROUP BY kind`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var k string
		var n int
		if err := rows.Scan(&k, &n); err != nil {
			return nil, err
		}
		out[k] = n
	}
	return out, rows.Err()
}
