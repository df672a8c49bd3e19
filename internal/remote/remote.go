// Package remote is the heart of the framework: WithService stands up a
// worker for the lifetime of a callback (spec section 4.7's "remote
// runner"), and WithRemoteRunProcess owns dispatching a single closure
// against a freshly launched worker, translating every failure mode into a
// RemoteError and — when the caller has supplied a HoldMap — retrying the
// entire scope (fresh ServiceId, fresh worker) once an operator releases
// the hold.
package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/ChuLiYu/clusterrun/internal/closure"
	"github.com/ChuLiYu/clusterrun/internal/clog"
	"github.com/ChuLiYu/clusterrun/internal/hold"
	"github.com/ChuLiYu/clusterrun/internal/launcher"
	"github.com/ChuLiYu/clusterrun/internal/metrics"
	"github.com/ChuLiYu/clusterrun/internal/serviceid"
	"github.com/ChuLiYu/clusterrun/internal/wire"
	"github.com/ChuLiYu/clusterrun/pkg/types"
)

// Scope is the live connection to a registered worker: the channel over
// which ClosureCall/ClosureReply and the final ShutDown travel, opened by
// the master dialing back to the worker's own bound node once the
// registration handshake completes.
type Scope struct {
	sid    types.ServiceId
	conn   *wire.Conn
	mu     sync.Mutex
	nextID uint64
	pending map[uint64]chan types.ClosureReply
	closed bool
}

func newScope(sid types.ServiceId, conn *wire.Conn) *Scope {
	return &Scope{sid: sid, conn: conn, pending: make(map[uint64]chan types.ClosureReply)}
}

// ServiceId returns the scope's service identifier.
func (s *Scope) ServiceId() types.ServiceId { return s.sid }

func (s *Scope) readLoop(logger zerolog.Logger) {
	for {
		msg, err := s.conn.Recv()
		if err != nil {
			s.failAllPending(err)
			return
		}
		reply, ok := msg.(types.ClosureReply)
		if !ok {
			logger.Warn().Msg("remote: unexpected message type on worker channel")
			continue
		}
		s.mu.Lock()
		ch, ok := s.pending[reply.CallId]
		if ok {
			delete(s.pending, reply.CallId)
		}
		s.mu.Unlock()
		if ok {
			ch <- reply
		}
	}
}

func (s *Scope) failAllPending(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.pending {
		ch <- types.ClosureReply{CallId: id, Result: types.ClosureResult{Err: err.Error()}}
		delete(s.pending, id)
	}
	s.closed = true
}

// Call dispatches c to the worker and blocks for its reply, or until ctx
// is cancelled.
func (s *Scope) Call(ctx context.Context, c types.Closure) (types.ClosureResult, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return types.ClosureResult{}, fmt.Errorf("remote: service %s connection already closed", s.sid)
	}
	id := s.nextID
	s.nextID++
	ch := make(chan types.ClosureReply, 1)
	s.pending[id] = ch
	s.mu.Unlock()

	if err := s.conn.Send(types.ClosureCall{CallId: id, Closure: c}); err != nil {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return types.ClosureResult{}, fmt.Errorf("remote: dispatching closure to service %s: %w", s.sid, err)
	}

	select {
	case reply := <-ch:
		return reply.Result, nil
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return types.ClosureResult{}, ctx.Err()
	}
}

func (s *Scope) shutdown() error {
	return s.conn.Send(types.WorkerMessage{Tag: types.ShutDown})
}

// Options controls WithService's handshake behaviour.
type Options struct {
	// HandshakeTimeout bounds how long WithService waits for the launched
	// worker to register. Zero means wait indefinitely.
	HandshakeTimeout time.Duration
	// Hold, if non-nil, makes WithRemoteRunProcess hold a failed
	// service-id and retry after its release instead of propagating the
	// failure immediately. WithService clears the scope's service-id from
	// it on teardown.
	Hold *hold.Map
	// Metrics, if non-nil, receives handshake and closure-dispatch
	// counters.
	Metrics *metrics.Collector
}

// WithService allocates a fresh ServiceId, launches a worker via l bound
// for masterAddr, awaits its registration (filtering anything the registry
// cannot match as stale), replies Connected, and invokes body with a Scope
// for the resulting connection. Every exit path — body returning
// normally, returning an error, or ctx being cancelled — sends ShutDown
// and tears the worker connection down before WithService returns,
// matching spec invariant 2 ("guaranteed cleanup on every exit path").
func WithService(ctx context.Context, registry *serviceid.Registry, masterAddr string, l launcher.Launcher, opts Options, body func(ctx context.Context, s *Scope) error) (err error) {
	sid := serviceid.New()
	logger := clog.WithService(sid)

	type awaitResult struct {
		reg  types.Registration
		conn *wire.Conn
		err  error
	}
	awaitCh := make(chan awaitResult, 1)
	go func() {
		reg, conn, aerr := registry.Await(sid)
		awaitCh <- awaitResult{reg, conn, aerr}
	}()

	handle, launchErr := l.Launch(ctx, masterAddr, sid)
	if launchErr != nil {
		return fmt.Errorf("remote: launching worker for service %s: %w", sid, launchErr)
	}

	var timeoutCh <-chan time.Time
	if opts.HandshakeTimeout > 0 {
		timer := time.NewTimer(opts.HandshakeTimeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	var reg types.Registration
	var regConn *wire.Conn
	select {
	case res := <-awaitCh:
		if res.err != nil {
			_ = handle.Kill()
			return fmt.Errorf("remote: awaiting registration for service %s: %w", sid, res.err)
		}
		reg, regConn = res.reg, res.conn
	case <-timeoutCh:
		_ = handle.Kill()
		if opts.Metrics != nil {
			opts.Metrics.RecordHandshakeTimedOut()
		}
		return &types.WorkerConnectionTimeoutError{ServiceId: sid}
	case <-ctx.Done():
		_ = handle.Kill()
		return ctx.Err()
	}

	if opts.Metrics != nil {
		opts.Metrics.RecordHandshakeSucceeded()
	}
	logger.Info().Str("worker_addr", reg.WorkerAddr).Msg("remote: worker registered")

	if sendErr := regConn.Send(types.WorkerMessage{Tag: types.Connected}); sendErr != nil {
		_ = regConn.Close()
		_ = handle.Kill()
		return fmt.Errorf("remote: replying Connected to service %s: %w", sid, sendErr)
	}

	workerConn, dialErr := wire.Dial(reg.WorkerAddr)
	if dialErr != nil {
		_ = regConn.Close()
		_ = handle.Kill()
		return fmt.Errorf("remote: dialing worker %s for service %s: %w", reg.WorkerAddr, sid, dialErr)
	}

	scope := newScope(sid, workerConn)
	go scope.readLoop(logger)

	defer func() {
		// Every teardown step runs regardless of whether an earlier one
		// failed — a dead connection shouldn't stop us from still trying
		// to kill the worker process — so failures are combined into one
		// aggregate error for a single log line rather than only
		// surfacing the first.
		var teardown *multierror.Error
		teardown = multierror.Append(teardown, scope.shutdown())
		teardown = multierror.Append(teardown, workerConn.Close())
		teardown = multierror.Append(teardown, regConn.Close())
		teardown = multierror.Append(teardown, handle.Kill())
		if opts.Hold != nil {
			opts.Hold.Clear(sid)
		}
		if err := teardown.ErrorOrNil(); err != nil {
			logger.Warn().Err(err).Msg("remote: service scope torn down with errors")
		} else {
			logger.Info().Msg("remote: service scope torn down")
		}
	}()

	return body(ctx, scope)
}

// dispatchOnce forces process (memoized: the producing action runs at most
// once even across retries, since the same *closure.Process is reused for
// every attempt), dispatches the resulting closure on scope exactly once,
// and translates the outcome into a RemoteError on failure. It never
// retries — retrying is WithRemoteRunProcess's job, one whole WithService
// scope at a time.
func dispatchOnce(ctx context.Context, scope *Scope, m *metrics.Collector, process *closure.Process[types.Closure]) (types.ClosureResult, *types.RemoteError) {
	sid := scope.ServiceId()

	c, err := process.Get()
	if err != nil {
		return types.ClosureResult{}, types.NewRemoteError(sid, types.Exception, err.Error())
	}

	if m != nil {
		m.RecordClosureDispatched()
	}
	start := time.Now()
	result, callErr := scope.Call(ctx, c)

	if callErr != nil {
		kind := types.AsyncLinkFailed
		if errors.Is(callErr, context.Canceled) || ctx.Err() != nil {
			kind = types.AsyncCancelled
		}
		if m != nil {
			m.RecordClosureFailed(kind.String())
		}
		return types.ClosureResult{}, types.NewRemoteError(sid, kind, callErr.Error())
	}

	if result.Err != "" {
		if m != nil {
			m.RecordClosureFailed(types.Exception.String())
		}
		return types.ClosureResult{}, types.NewRemoteError(sid, types.Exception, result.Err)
	}

	if m != nil {
		m.RecordClosureSucceeded(time.Since(start).Seconds())
	}
	return result, nil
}

// WithRemoteRunProcess stands up a worker via WithService, dispatches
// process against it, and returns the translated result. If opts.Hold is
// non-nil and the failure is not due to context cancellation, the failed
// service-id enters a hold and, once an operator releases it, the whole
// scope is retried from scratch — a fresh ServiceId and a fresh Launch
// call — per spec section 7 ("the master retries the entire
// WithRemoteRunProcess scope: new service-id, new worker") and section
// 4.7's hold-on-error wrapping. The worker that failed is never reused: by
// the time the hold fires, WithService has already torn it down.
func WithRemoteRunProcess(ctx context.Context, registry *serviceid.Registry, masterAddr string, l launcher.Launcher, opts Options, process *closure.Process[types.Closure]) (types.ClosureResult, error) {
	for {
		var result types.ClosureResult
		var dispatchErr *types.RemoteError

		scopeErr := WithService(ctx, registry, masterAddr, l, opts, func(ctx context.Context, s *Scope) error {
			result, dispatchErr = dispatchOnce(ctx, s, opts.Metrics, process)
			if dispatchErr != nil {
				return dispatchErr
			}
			return nil
		})
		if scopeErr == nil {
			return result, nil
		}

		var remoteErr *types.RemoteError
		if !errors.As(scopeErr, &remoteErr) {
			// WithService failed before a closure was ever dispatched (launch
			// or handshake failure) — nothing to hold-and-retry against.
			return types.ClosureResult{}, scopeErr
		}
		if remoteErr.Kind == types.AsyncCancelled || opts.Hold == nil {
			return types.ClosureResult{}, remoteErr
		}

		logger := clog.WithService(remoteErr.ServiceId)
		logger.Warn().Err(remoteErr).Msg("remote: closure failed, entering hold for operator intervention")

		opts.Hold.Enter(remoteErr.ServiceId)
		holdErr := opts.Hold.BlockUntilReleased(ctx, remoteErr.ServiceId)
		opts.Hold.Clear(remoteErr.ServiceId)
		if holdErr != nil {
			return types.ClosureResult{}, remoteErr
		}

		logger.Info().Msg("remote: hold released, retrying with a fresh worker")
	}
}
