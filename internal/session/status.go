package session

import (
	"time"

	"gridwalk.ai/internal/sim/stats"
)

// Status is the admin view of a session.
type Status struct {
	RunID           string          `json:"run_id"`
	State           string          `json:"state"`
	Run             *RunInfo        `json:"run,omitempty"`
	Downgraded      bool            `json:"downgraded"`
	CellsDone       int64           `json:"cells_done"`
	CellsTotal      int64           `json:"cells_total"`
	StepsStreamed   uint64          `json:"steps_streamed"`
	RejectedConfigs uint64          `json:"rejected_configs"`
	Hub             HubStats        `json:"hub"`
	Overview        *stats.Overview `json:"overview,omitempty"`
	SnapshotPath    string          `json:"snapshot_path,omitempty"`
	Error           string          `json:"error,omitempty"`
	StartedAt       string          `json:"started_at,omitempty"`
	FinishedAt      string          `json:"finished_at,omitempty"`
}

func (s *Session) Status() Status {
	s.mu.Lock()
	st := Status{
		RunID:        s.runID,
		State:        s.state.String(),
		Downgraded:   s.downgraded,
		SnapshotPath: s.savedPath,
	}
	if s.state != AwaitingConfig {
		st.Run = NewRunInfo(s.cfg, s.seed)
		st.StartedAt = s.startedAt.Format(time.RFC3339Nano)
	}
	if s.state == Done {
		st.FinishedAt = s.finishedAt.Format(time.RFC3339Nano)
	}
	if s.summary != nil {
		o := s.summary.Overview()
		st.Overview = &o
	}
	if s.err != nil {
		st.Error = s.err.Error()
	}
	s.mu.Unlock()

	st.CellsDone = s.cellsDone.Load()
	st.CellsTotal = s.cellsTotal.Load()
	st.StepsStreamed = s.stepsSent.Load()
	st.RejectedConfigs = s.rejectedCfgs.Load()
	st.Hub = s.hub.Stats()
	return st
}
