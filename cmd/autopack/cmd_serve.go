package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"autopack/internal/httpapi"
	"autopack/internal/plan"
	"autopack/internal/run"
	"autopack/internal/store"
)

// schedulePollInterval is how often the daemon sweeps the store for runs
// queued by a CLI that has no daemon connection.
const schedulePollInterval = 3 * time.Second

// serveCmd runs the daemon
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the autopack daemon for this workspace",
	Long: `Executes queued runs, resumes parked ones, sweeps approval timeouts,
watches the approval inbox, and serves the HTTP API.

Ctrl-C drains: executing runs park at their next checkpoint and resume on
the next start. New runs arrive via the API (POST /api/v1/runs) or via
'autopack run submit' against the same workspace.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("addr", "", "API listen address (overrides config; empty config disables the API)")
	rootCmd.AddCommand(serveCmd)
}

// daemonScheduler adapts the engine for the HTTP API and the poll loop.
// Launch binds execution to the daemon context, never a request context,
// and remembers what it launched so the poller does not double-schedule a
// run still waiting for an execution slot.
type daemonScheduler struct {
	ctx context.Context
	eng *engine

	mu       sync.Mutex
	launched map[string]bool
}

func newDaemonScheduler(ctx context.Context, eng *engine) *daemonScheduler {
	return &daemonScheduler{ctx: ctx, eng: eng, launched: make(map[string]bool)}
}

func (d *daemonScheduler) Submit(p *plan.Plan) (*run.Run, error) {
	return d.eng.orch.Submit(p)
}

func (d *daemonScheduler) Launch(runID string) error {
	d.mu.Lock()
	if d.launched[runID] {
		d.mu.Unlock()
		return nil
	}
	d.launched[runID] = true
	d.mu.Unlock()

	if err := d.eng.mgr.Launch(d.ctx, runID); err != nil {
		d.mu.Lock()
		delete(d.launched, runID)
		d.mu.Unlock()
		return err
	}
	return nil
}

func (d *daemonScheduler) Abort(runID string) error {
	return d.eng.orch.Abort(runID)
}

// sweep launches stored runs the daemon is not already executing. Startup
// passes queued and paused so shutdown-parked runs resume; the poll tick
// passes only queued — a run paused mid-daemon tripped a budget and waits
// for operator action, relaunching it would just pause it again.
func (d *daemonScheduler) sweep(st *store.Store, states ...run.RunState) {
	runs, err := st.ListRuns(states...)
	if err != nil {
		zlog.Warn("scheduling sweep failed", zap.Error(err))
		return
	}
	for _, r := range runs {
		if err := d.Launch(r.ID); err != nil {
			zlog.Warn("run not scheduled", zap.String("run", r.ID), zap.Error(err))
		}
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ws, err := resolveWorkspace()
	if err != nil {
		return exitf(exitInfra, "resolving workspace: %v", err)
	}
	cfg, err := loadConfigFor(ws)
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.API.Addr = addr
	}
	bootLogging(ws)

	st, err := openStore(cfg, ws)
	if err != nil {
		return err
	}
	defer st.Close()

	eng, err := newEngine(cfg, ws, st)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	eng.start(ctx)
	defer eng.stop()

	// Age out learned rules nobody has reinforced lately; daemon start is
	// the one moment every workspace reliably passes through.
	if err := eng.learn.DecayRules(0.5); err != nil {
		zlog.Warn("learned-rule decay failed", zap.Error(err))
	}

	sched := newDaemonScheduler(ctx, eng)
	sched.sweep(st, run.RunQueued, run.RunPaused)

	apiErr := make(chan error, 1)
	if cfg.API.Addr != "" {
		srv, err := httpapi.NewServer(cfg, st, eng.broker, sched)
		if err != nil {
			return exitf(exitInfra, "building api server: %v", err)
		}
		ln, err := srv.Listen()
		if err != nil {
			return exitf(exitInfra, "%v", err)
		}
		zlog.Info("api listening", zap.String("addr", ln.Addr().String()))
		go func() { apiErr <- srv.Serve(ctx, ln) }()
	} else {
		zlog.Info("api disabled (no listen address configured)")
	}
	zlog.Info("daemon up", zap.String("workspace", ws))

	ticker := time.NewTicker(schedulePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			zlog.Info("shutting down; executing runs park at their next checkpoint")
			if err := eng.mgr.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				zlog.Warn("run finished with error during shutdown", zap.Error(err))
			}
			return nil
		case err := <-apiErr:
			if err != nil {
				stop()
				_ = eng.mgr.Wait()
				return exitf(exitInfra, "api server: %v", err)
			}
		case <-ticker.C:
			sched.sweep(st, run.RunQueued)
		}
	}
}
