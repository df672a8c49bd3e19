// Package worker is the worker process's concurrent closure-execution
// engine: a fixed pool of goroutines pulling dispatched closures off a
// channel, invoking the process-wide closure.Registry, and returning a
// ClosureReply per call. Adapted from the teacher's generic task/result
// pool — same worker-id/task-channel/result-channel shape — generalized
// from a simulated workload to real closure invocation.
package worker

import "github.com/ChuLiYu/clusterrun/pkg/types"

// Job is one unit of work handed to the pool: a dispatched closure call
// paired with its correlation id.
type Job struct {
	Call types.ClosureCall
}

// Outcome is what the pool reports back for a completed Job.
type Outcome struct {
	Reply types.ClosureReply
}
