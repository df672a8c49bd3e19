package worker

import (
	"github.com/ChuLiYu/clusterrun/internal/closure"
	"github.com/ChuLiYu/clusterrun/pkg/types"
)

// execWorker is one goroutine of the pool: it pulls Jobs off jobCh,
// invokes the closure registry, and reports an Outcome on resultCh. Each
// execWorker runs until jobCh is closed.
type execWorker struct {
	id        int
	registry  *closure.Registry
	jobCh     <-chan Job
	resultCh  chan<- Outcome
}

func newExecWorker(id int, registry *closure.Registry, jobCh <-chan Job, resultCh chan<- Outcome) *execWorker {
	return &execWorker{id: id, registry: registry, jobCh: jobCh, resultCh: resultCh}
}

// run is the worker goroutine's main loop. Closure invocation already
// recovers from panics inside Registry.Invoke, so a single misbehaving
// closure cannot take this goroutine down.
func (w *execWorker) run() {
	for job := range w.jobCh {
		result := w.registry.Invoke(job.Call.Closure)
		w.resultCh <- Outcome{Reply: types.ClosureReply{CallId: job.Call.CallId, Result: result}}
	}
}
