package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gridwalk.ai/internal/persistence/indexdb"
	"gridwalk.ai/internal/session"
)

type runtimeIndex interface {
	session.EventLogger
	Close() error
	RecordArchive(runID, path string)
	Stats() indexdb.QueueStats
}

func openRuntimeIndex(dataDir string, disableDB bool) (runtimeIndex, error) {
	if disableDB {
		return nil, nil
	}

	backend := strings.ToLower(strings.TrimSpace(os.Getenv("GW_INDEX_BACKEND")))
	if backend == "" {
		backend = "sqlite"
	}

	switch backend {
	case "none", "off", "disabled":
		return nil, nil
	case "sqlite":
		return indexdb.OpenSQLite(filepath.Join(dataDir, "index", "runs.sqlite"))
	default:
		return nil, fmt.Errorf("unsupported GW_INDEX_BACKEND: %s", backend)
	}
}
