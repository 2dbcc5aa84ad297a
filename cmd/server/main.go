package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"gridwalk.ai/internal/persistence/archive"
	"gridwalk.ai/internal/persistence/indexdb"
	persistlog "gridwalk.ai/internal/persistence/log"
	"gridwalk.ai/internal/runspec"
	"gridwalk.ai/internal/session"
	"gridwalk.ai/internal/sim/tuning"
	"gridwalk.ai/internal/transport/stream"
	"gridwalk.ai/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address (healthz, metrics, admin, websocket observers; empty to disable)")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		tuningPath = flag.String("tuning", "./configs/tuning.yaml", "path to tuning.yaml (defaults apply when missing)")
		seed       = flag.Uint64("seed", 0, "run seed (0 derives one from the clock)")
		runID      = flag.String("run_id", "", "run id (default: start time)")
		runPath    = flag.String("run", "", "run definition yaml; configures the run without waiting for an observer")
		network    = flag.String("network", "", "stream listener network override (unix|tcp)")
		listen     = flag.String("listen", "", "stream listener address override (socket path or host:port)")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite run index")
		exitOnDone = flag.Bool("exit_on_done", false, "shut down once the run is done instead of serving late observers")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	tune, err := tuning.Load(*tuningPath)
	if err != nil {
		logger.Fatalf("load tuning: %v", err)
	}
	if *network != "" {
		tune.ListenNetwork = *network
	}
	if *listen != "" {
		tune.ListenAddr = *listen
	}
	if tune.ListenNetwork == "unix" && tune.ListenAddr == "" {
		tune.ListenAddr = filepath.Join(*dataDir, "gridwalk.sock")
	}
	if err := tune.Validate(); err != nil {
		logger.Fatalf("tuning: %v", err)
	}
	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		logger.Fatalf("data dir: %v", err)
	}

	started := time.Now()
	if *seed == 0 {
		*seed = uint64(started.UnixNano())
	}
	id := strings.TrimSpace(*runID)
	if id == "" {
		id = started.UTC().Format("20060102T150405") + "-" + strconv.FormatUint(*seed%0xffff, 16)
	}

	// Optional: read-model index (does not affect the simulation).
	idx, err := openRuntimeIndex(*dataDir, *disableDB)
	if err != nil {
		logger.Fatalf("open index backend: %v", err)
	}
	if idx != nil {
		defer idx.Close()
	}
	eventLog := persistlog.NewEventLogger(*dataDir)
	defer eventLog.Close()

	sess := session.New(session.Options{Tuning: tune, Seed: *seed, RunID: id, Logger: logger})
	sess.SetEventLogger(multiEventLogger{a: eventLog, b: idx})

	if *runPath != "" {
		spec, err := runspec.Load(*runPath)
		if err != nil {
			logger.Fatalf("run definition: %v", err)
		}
		cfg, err := spec.Config()
		if err != nil {
			logger.Fatalf("run definition: %v", err)
		}
		if err := sess.Configure(cfg); err != nil {
			logger.Fatalf("configure: %v", err)
		}
		logger.Printf("configured from %s", *runPath)
	}

	ctx, cancel := signalContext()
	defer cancel()

	ln, err := stream.Listen(tune.ListenNetwork, tune.ListenAddr)
	if err != nil {
		logger.Fatalf("listen: %v", err)
	}
	streamDone := make(chan struct{})
	go func() {
		defer close(streamDone)
		if err := stream.NewServer(sess, tune, logger).Serve(ctx, ln); err != nil {
			logger.Printf("stream server: %v", err)
		}
	}()
	logger.Printf("run=%s seed=%d observers on %s:%s", id, *seed, tune.ListenNetwork, tune.ListenAddr)

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := sess.Run(ctx); err != nil && !interrupted(err) {
			logger.Printf("run stopped: %v", err)
		}
		archiveRun(sess, *dataDir, idx, logger)
		if *exitOnDone {
			cancel()
		}
	}()

	if *addr != "" {
		srv := &http.Server{
			Addr:              *addr,
			Handler:           newMux(sess, tune, idx, logger),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			<-ctx.Done()
			ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel2()
			_ = srv.Shutdown(ctx2)
		}()
		go func() {
			logger.Printf("http listening on %s", *addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Printf("ListenAndServe: %v", err)
				cancel()
			}
		}()
	}

	<-ctx.Done()
	<-streamDone
	<-runDone
	logger.Printf("shutdown (state=%s)", sess.State())
}

func newMux(sess *session.Session, tune tuning.Tuning, idx runtimeIndex, logger *log.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		writeMetrics(rw, sess.Status(), idx)
	})

	enableAdminHTTP := envBool("GW_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP())
	enablePprofHTTP := envBool("GW_ENABLE_PPROF_HTTP", false)
	if enableAdminHTTP {
		mux.HandleFunc("/admin/v1/state", func(rw http.ResponseWriter, r *http.Request) {
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			rw.Header().Set("Content-Type", "application/json")
			resp := struct {
				session.Status
				Index *indexdb.QueueStats `json:"index,omitempty"`
			}{Status: sess.Status()}
			if idx != nil {
				s := idx.Stats()
				resp.Index = &s
			}
			_ = json.NewEncoder(rw).Encode(resp)
		})
	} else {
		logger.Printf("admin endpoints disabled (GW_ENABLE_ADMIN_HTTP=false)")
	}
	if enablePprofHTTP {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	} else {
		logger.Printf("pprof endpoints disabled (GW_ENABLE_PPROF_HTTP=false)")
	}
	mux.HandleFunc("/v1/observe", ws.NewServer(sess, tune, logger).Handler())
	return mux
}

// archiveRun keeps a copy of the saved snapshot once the run is done.
func archiveRun(sess *session.Session, dataDir string, idx runtimeIndex, logger *log.Logger) {
	path := sess.SavedPath()
	if path == "" {
		return
	}
	st := sess.Status()
	archived, err := archive.ArchiveRun(dataDir, sess.RunID(), path, st.Run, st.Overview)
	if err != nil {
		logger.Printf("archive run: %v", err)
		return
	}
	if idx != nil {
		idx.RecordArchive(sess.RunID(), archived)
	}
	logger.Printf("archived %s", archived)
}

// interrupted reports whether err only says the run was cancelled.
func interrupted(err error) bool {
	return errors.Is(err, context.Canceled)
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

type multiEventLogger struct {
	a session.EventLogger
	b session.EventLogger
}

func (m multiEventLogger) WriteEvent(e session.Event) error {
	if m.a != nil {
		_ = m.a.WriteEvent(e)
	}
	if m.b != nil {
		_ = m.b.WriteEvent(e)
	}
	return nil
}

func stateValue(state string) int {
	switch state {
	case session.AwaitingConfig.String():
		return 0
	case session.Running.String():
		return 1
	default:
		return 2
	}
}

func writeMetrics(rw http.ResponseWriter, st session.Status, idx runtimeIndex) {
	// Minimal Prometheus exposition format.
	fmt.Fprintf(rw, "# HELP gridwalk_run_state Session state (0 awaiting config, 1 running, 2 done).\n")
	fmt.Fprintf(rw, "# TYPE gridwalk_run_state gauge\n")
	fmt.Fprintf(rw, "gridwalk_run_state{run=%q} %d\n", st.RunID, stateValue(st.State))

	fmt.Fprintf(rw, "# HELP gridwalk_sweep_cells Sweep progress in cells.\n")
	fmt.Fprintf(rw, "# TYPE gridwalk_sweep_cells gauge\n")
	fmt.Fprintf(rw, "gridwalk_sweep_cells{run=%q,kind=%q} %d\n", st.RunID, "done", st.CellsDone)
	fmt.Fprintf(rw, "gridwalk_sweep_cells{run=%q,kind=%q} %d\n", st.RunID, "total", st.CellsTotal)

	fmt.Fprintf(rw, "# HELP gridwalk_steps_streamed_total Interactive steps broadcast to observers.\n")
	fmt.Fprintf(rw, "# TYPE gridwalk_steps_streamed_total counter\n")
	fmt.Fprintf(rw, "gridwalk_steps_streamed_total{run=%q} %d\n", st.RunID, st.StepsStreamed)

	fmt.Fprintf(rw, "# HELP gridwalk_rejected_configs_total CONFIG frames rejected by validation.\n")
	fmt.Fprintf(rw, "# TYPE gridwalk_rejected_configs_total counter\n")
	fmt.Fprintf(rw, "gridwalk_rejected_configs_total{run=%q} %d\n", st.RunID, st.RejectedConfigs)

	fmt.Fprintf(rw, "# HELP gridwalk_observers Current number of attached observers.\n")
	fmt.Fprintf(rw, "# TYPE gridwalk_observers gauge\n")
	fmt.Fprintf(rw, "gridwalk_observers{run=%q} %d\n", st.RunID, st.Hub.Observers)

	fmt.Fprintf(rw, "# HELP gridwalk_frames_sent_total Frames written to observers.\n")
	fmt.Fprintf(rw, "# TYPE gridwalk_frames_sent_total counter\n")
	fmt.Fprintf(rw, "gridwalk_frames_sent_total{run=%q} %d\n", st.RunID, st.Hub.FramesSent)

	fmt.Fprintf(rw, "# HELP gridwalk_observers_dropped_total Observers dropped after a failed write.\n")
	fmt.Fprintf(rw, "# TYPE gridwalk_observers_dropped_total counter\n")
	fmt.Fprintf(rw, "gridwalk_observers_dropped_total{run=%q} %d\n", st.RunID, st.Hub.DroppedTotal)

	if st.Overview != nil {
		fmt.Fprintf(rw, "# HELP gridwalk_summary Summary overview of the finished run.\n")
		fmt.Fprintf(rw, "# TYPE gridwalk_summary gauge\n")
		fmt.Fprintf(rw, "gridwalk_summary{run=%q,metric=%q} %d\n", st.RunID, "reachable_cells", st.Overview.ReachableCells)
		fmt.Fprintf(rw, "gridwalk_summary{run=%q,metric=%q} %.6f\n", st.RunID, "mean_prob", st.Overview.MeanProb)
		fmt.Fprintf(rw, "gridwalk_summary{run=%q,metric=%q} %.6f\n", st.RunID, "mean_avg_steps", st.Overview.MeanAvgSteps)
		fmt.Fprintf(rw, "gridwalk_summary{run=%q,metric=%q} %.6f\n", st.RunID, "max_avg_steps", st.Overview.MaxAvgSteps)
	}

	if idx == nil {
		return
	}
	s := idx.Stats()
	fmt.Fprintf(rw, "# HELP gridwalk_index_queue_depth Current index writer queue depth.\n")
	fmt.Fprintf(rw, "# TYPE gridwalk_index_queue_depth gauge\n")
	fmt.Fprintf(rw, "gridwalk_index_queue_depth %d\n", s.QueueDepth)

	fmt.Fprintf(rw, "# HELP gridwalk_index_dropped_total Index writes dropped because the queue was full.\n")
	fmt.Fprintf(rw, "# TYPE gridwalk_index_dropped_total counter\n")
	fmt.Fprintf(rw, "gridwalk_index_dropped_total{kind=%q} %d\n", "event", s.DropEventTotal)
	fmt.Fprintf(rw, "gridwalk_index_dropped_total{kind=%q} %d\n", "archive", s.DropArchiveTotal)
}
