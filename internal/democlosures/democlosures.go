// Package democlosures registers the framework's bundled example
// computation — the "+1" remote function the spec's S1 happy-path
// scenario dispatches — and supplies the RunDemo cluster computation the
// master subcommand runs out of the box. A real deployment would replace
// RunDemo with its own program wired against the same master.Driver; this
// package exists so the clusterrun binary does something observable
// without an operator having to write Go first.
package democlosures

import (
	"context"
	"fmt"

	"github.com/ChuLiYu/clusterrun/internal/closure"
	"github.com/ChuLiYu/clusterrun/internal/clog"
	"github.com/ChuLiYu/clusterrun/internal/master"
	"github.com/ChuLiYu/clusterrun/internal/remote"
	"github.com/ChuLiYu/clusterrun/pkg/types"
)

// PlusOne is the remote function registered under the "plusOne"
// identifier: given an int, returns it incremented by one.
var PlusOne = closure.NewRemoteFunction[int, int]("plusOne")

var registry = buildRegistry()

func buildRegistry() *closure.Registry {
	r := closure.NewRegistry()
	closure.Register(r, "plusOne", func(n int) (int, error) {
		return n + 1, nil
	})
	return r
}

// Registry returns the closure registry every worker and master process
// launched by this binary links against.
func Registry() *closure.Registry { return registry }

// RunDemo launches a single worker, dispatches PlusOne against 41, logs
// the result, and returns. It is the master subcommand's default cluster
// computation.
func RunDemo(ctx context.Context, d *master.Driver) error {
	logger := clog.WithProgram(d.ProgramId)

	process := closure.NewProcess(func() (types.Closure, error) {
		return PlusOne.Closure(41)
	})

	result, err := remote.WithRemoteRunProcess(ctx, d.Registry, d.MasterAddr, d.Launcher, remote.Options{
		Hold:    d.Hold,
		Metrics: d.Metrics,
	}, process)
	if err != nil {
		return fmt.Errorf("democlosures: running plusOne: %w", err)
	}

	v, err := PlusOne.DecodeResult(result.EncodedValue)
	if err != nil {
		return fmt.Errorf("democlosures: decoding plusOne result: %w", err)
	}

	logger.Info().Int("result", v).Msg("democlosures: plusOne(41) completed")
	return nil
}
