package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gridwalk.ai/internal/persistence/indexdb"
)

func openIndex(fs *flag.FlagSet, dataDir, dbPath string) *sql.DB {
	path := strings.TrimSpace(dbPath)
	if path == "" {
		path = filepath.Join(dataDir, "index", "runs.sqlite")
	}
	db, err := indexdb.OpenReadOnly(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: open: %v\n", fs.Name(), err)
		os.Exit(1)
	}
	return db
}

func runsCmd(args []string) {
	fs := flag.NewFlagSet("runs", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite db path (optional)")
	limit := fs.Int("limit", 20, "result limit")
	_ = fs.Parse(args)

	db := openIndex(fs, *dataDir, *dbPath)
	defer db.Close()

	runs, err := indexdb.ListRuns(context.Background(), db, *limit)
	if err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(1)
	}
	enc := json.NewEncoder(os.Stdout)
	for _, r := range runs {
		r.ObstacleRLE = ""
		_ = enc.Encode(r)
	}
}

func runCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite db path (optional)")
	showMask := fs.Bool("mask", false, "print the recorded obstacle field")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: admin run [-mask] <run_id>")
		os.Exit(2)
	}

	db := openIndex(fs, *dataDir, *dbPath)
	defer db.Close()

	ctx := context.Background()
	r, err := indexdb.GetRun(ctx, db, fs.Arg(0))
	if errors.Is(err, sql.ErrNoRows) {
		fmt.Fprintln(os.Stderr, "no such run:", fs.Arg(0))
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(1)
	}
	counts, err := indexdb.CountEvents(ctx, db, r.RunID)
	if err != nil {
		fmt.Fprintln(os.Stderr, "query events:", err)
		os.Exit(1)
	}

	rle := r.ObstacleRLE
	r.ObstacleRLE = ""
	out := struct {
		indexdb.RunRow
		Events map[string]int `json:"events"`
	}{RunRow: r, Events: counts}
	b, _ := json.MarshalIndent(out, "", "  ")
	fmt.Println(string(b))

	if !*showMask {
		return
	}
	r.ObstacleRLE = rle
	mask, err := r.Mask()
	if err != nil {
		fmt.Fprintln(os.Stderr, "mask:", err)
		os.Exit(1)
	}
	for y := 0; y < r.Height; y++ {
		row := make([]byte, r.Width)
		for x := range row {
			row[x] = '.'
			if mask[y*r.Width+x] != 0 {
				row[x] = '#'
			}
		}
		fmt.Println(string(row))
	}
}
