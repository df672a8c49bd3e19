// Package master implements the lifecycle driver described in spec
// section 4.8: it parses the program's options, opens the program
// bookkeeping database, starts the hold coordinator's control plane,
// mints and logs a program identity, runs the user-supplied cluster
// computation, and tears everything down on the way out.
package master

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/clusterrun/internal/clog"
	"github.com/ChuLiYu/clusterrun/internal/closure"
	"github.com/ChuLiYu/clusterrun/internal/hold"
	"github.com/ChuLiYu/clusterrun/internal/launcher"
	"github.com/ChuLiYu/clusterrun/internal/metrics"
	"github.com/ChuLiYu/clusterrun/internal/serviceid"
	"github.com/ChuLiYu/clusterrun/internal/store"
	"github.com/ChuLiYu/clusterrun/internal/transport"
)

// Options are the master program's externally supplied settings — the
// fields a program's YAML config or CLI flags populate.
type Options struct {
	BindHost   string
	DBPath     string
	LogFile    string
	HoldHost   string
	MetricsPort int // 0 disables the /metrics server

	// WorkerBinaryPath/WorkerLogDir parameterize the LocalLauncher used for spawning
	// workers; see internal/launcher.
	WorkerBinaryPath string
	WorkerLogDir     string
}

func (o Options) withDefaults() Options {
	if o.BindHost == "" {
		o.BindHost = "0.0.0.0"
	}
	if o.DBPath == "" {
		o.DBPath = "clusterrun.db"
	}
	if o.HoldHost == "" {
		o.HoldHost = "0.0.0.0"
	}
	if o.WorkerLogDir == "" {
		o.WorkerLogDir = "."
	}
	return o
}

// Driver is what a cluster computation runs against: everything it needs
// to call remote.WithService / remote.WithRemoteRunProcess.
type Driver struct {
	ProgramId  string
	MasterAddr string

	Registry *serviceid.Registry
	Launcher launcher.Launcher
	Hold     *hold.Map
	Metrics  *metrics.Collector
	Closures *closure.Registry
}

// Run drives one master program end to end, invoking compute once
// everything is wired up and tearing it all down afterward regardless of
// whether compute returns an error.
func Run(ctx context.Context, opts Options, registry *closure.Registry, compute func(ctx context.Context, d *Driver) error) (err error) {
	opts = opts.withDefaults()

	if opts.LogFile != "" {
		f, ferr := os.OpenFile(opts.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if ferr != nil {
			return fmt.Errorf("master: opening log file %s: %w", opts.LogFile, ferr)
		}
		defer f.Close()
		clog.Init(clog.Config{JSON: true, Output: f})
	}

	programID := uuid.New().String()
	logger := clog.WithProgram(programID)
	logger.Info().Msg("master: starting program")

	db, err := store.Open(opts.DBPath)
	if err != nil {
		return fmt.Errorf("master: opening program database: %w", err)
	}
	defer db.Close()

	if err := db.RecordStart(store.ProgramRecord{ProgramId: programID, StartedAt: time.Now()}); err != nil {
		return fmt.Errorf("master: recording program start: %w", err)
	}

	outcome := "success"
	defer func() {
		if err != nil {
			outcome = "failed: " + err.Error()
		}
		if rerr := db.RecordFinish(programID, outcome, time.Now()); rerr != nil {
			logger.Error().Err(rerr).Msg("master: recording program finish")
		}
		logger.Info().Str("outcome", outcome).Msg("master: program finished")
	}()

	t, err := transport.CreateTransport(opts.BindHost, nil)
	if err != nil {
		return fmt.Errorf("master: binding master node: %w", err)
	}
	masterAddr := t.NewLocalNode().String()
	logger.Info().Str("node", masterAddr).Msg("master: bound node")

	// The registration accept loop and the metrics server are long-lived
	// daemons that are only expected to exit once the master node is
	// closed on the way out; an errgroup supervises them so the first
	// unexpected error from either is logged once at teardown instead of
	// silently vanishing in a bare goroutine.
	daemonCtx, cancelDaemons := context.WithCancel(context.Background())
	defer cancelDaemons()

	var g errgroup.Group
	mcol := metrics.NewCollector()
	reg := serviceid.NewRegistry(mcol)
	g.Go(func() error {
		if serveErr := reg.Serve(t.Listener()); serveErr != nil && !errors.Is(serveErr, net.ErrClosed) {
			return fmt.Errorf("registration accept loop: %w", serveErr)
		}
		return nil
	})

	if opts.MetricsPort > 0 {
		g.Go(func() error {
			if serveErr := metrics.StartServer(daemonCtx, opts.MetricsPort); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", serveErr)
			}
			return nil
		})
	}

	hm := hold.NewMap(mcol)
	holdSrv := hold.NewServer(hm)
	if err := holdSrv.Start(opts.HoldHost); err != nil {
		_ = t.Close()
		return fmt.Errorf("master: starting hold control plane: %w", err)
	}
	logger.Info().Str("addr", holdSrv.BoundAt).Msg("master: hold control plane ready")

	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = holdSrv.Stop(stopCtx)
		cancelDaemons()
		_ = t.Close()
		if gerr := g.Wait(); gerr != nil {
			logger.Warn().Err(gerr).Msg("master: background daemon exited with error")
		}
	}()

	l := launcher.NewLocalLauncher(opts.WorkerBinaryPath, opts.WorkerLogDir, mcol)

	driver := &Driver{
		ProgramId:  programID,
		MasterAddr: masterAddr,
		Registry:   reg,
		Launcher:   l,
		Hold:       hm,
		Metrics:    mcol,
		Closures:   registry,
	}

	err = compute(ctx, driver)
	return err
}
