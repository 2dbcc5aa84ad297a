// Package archive keeps a copy of every saved run snapshot under the data directory.
package archive

import (
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"time"

	"gridwalk.ai/internal/session"
	"gridwalk.ai/internal/sim/stats"
)

type Meta struct {
	RunID     string           `json:"run_id"`
	Snapshot  string           `json:"snapshot"`
	Source    string           `json:"source"`
	CreatedAt string           `json:"created_at"`
	Run       *session.RunInfo `json:"run,omitempty"`
	Overview  *stats.Overview  `json:"overview,omitempty"`
}

// ArchiveRun copies snapshotPath into `dataDir/archives/<runID>/` next to a meta.json.
// It returns the archived snapshot path.
func ArchiveRun(dataDir, runID, snapshotPath string, run *session.RunInfo, overview *stats.Overview) (string, error) {
	if runID == "" {
		return "", errors.New("archive: empty run id")
	}
	if snapshotPath == "" {
		return "", errors.New("archive: no snapshot")
	}
	dir := filepath.Join(dataDir, "archives", runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	dst := filepath.Join(dir, filepath.Base(snapshotPath))
	if err := copyFile(snapshotPath, dst); err != nil {
		return "", err
	}

	abs, err := filepath.Abs(snapshotPath)
	if err != nil {
		abs = snapshotPath
	}
	meta := Meta{
		RunID:     runID,
		Snapshot:  filepath.Base(dst),
		Source:    abs,
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
		Run:       run,
		Overview:  overview,
	}
	b, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, "meta.json"), b, 0o644); err != nil {
		return "", err
	}
	return dst, nil
}

// ReadMeta loads the meta.json of an archived run.
func ReadMeta(dataDir, runID string) (Meta, error) {
	var m Meta
	b, err := os.ReadFile(filepath.Join(dataDir, "archives", runID, "meta.json"))
	if err != nil {
		return m, err
	}
	err = json.Unmarshal(b, &m)
	return m, err
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
