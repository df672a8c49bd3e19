// Package workerproc implements the worker executable: spec section 4.3's
// "worker process" that binds its own node, performs the registration
// handshake with a master, then services concurrently dispatched closures
// until it is told to shut down.
package workerproc

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/ChuLiYu/clusterrun/internal/clog"
	"github.com/ChuLiYu/clusterrun/internal/closure"
	"github.com/ChuLiYu/clusterrun/internal/transport"
	"github.com/ChuLiYu/clusterrun/internal/wire"
	"github.com/ChuLiYu/clusterrun/internal/worker"
	"github.com/ChuLiYu/clusterrun/pkg/types"
)

// Config parameterizes a worker process run — the fields a launched
// worker's CLI flags populate.
type Config struct {
	MasterAddr string
	ServiceId  types.ServiceId
	LogFile    string
	BindHost   string
	PoolSize   int

	// HandshakeAttempts and HandshakeTimeout bound the registration retry
	// loop: the worker dials, sends Registration, and waits up to
	// HandshakeTimeout for Connected, making at most HandshakeAttempts
	// attempts in all before giving up entirely.
	HandshakeAttempts int
	HandshakeTimeout  time.Duration

	Registry *closure.Registry
}

const (
	defaultPoolSize         = 8
	defaultHandshakeAttempt = 5
	defaultHandshakeTimeout = 10 * time.Second
)

func (c Config) withDefaults() Config {
	if c.PoolSize <= 0 {
		c.PoolSize = defaultPoolSize
	}
	if c.HandshakeAttempts <= 0 {
		c.HandshakeAttempts = defaultHandshakeAttempt
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.BindHost == "" {
		c.BindHost = "0.0.0.0"
	}
	if c.Registry == nil {
		c.Registry = closure.NewRegistry()
	}
	return c
}

// Run drives the worker process end to end. It returns only once the
// worker has been told to shut down (or the handshake permanently fails);
// the CLI layer is responsible for turning a non-nil error into a nonzero
// exit code.
func Run(cfg Config) error {
	cfg = cfg.withDefaults()

	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("workerproc: opening log file %s: %w", cfg.LogFile, err)
		}
		defer f.Close()
		clog.Init(clog.Config{JSON: true, Output: f})
	}

	logger := clog.WithService(cfg.ServiceId)
	logger.Info().Msg("workerproc: starting")
	logger.Info().Strs("environ", os.Environ()).Msg("workerproc: environment")

	t, err := transport.CreateTransport(cfg.BindHost, nil)
	if err != nil {
		return fmt.Errorf("workerproc: binding local node: %w", err)
	}
	defer t.Close()

	localNode := t.NewLocalNode()
	logger.Info().Str("node", localNode.String()).Msg("workerproc: bound local node")

	if err := handshake(cfg, localNode); err != nil {
		return err
	}
	logger.Info().Msg("workerproc: handshake complete, servicing closures")

	pool := worker.NewPool(cfg.PoolSize)
	if err := pool.Start(cfg.PoolSize, cfg.Registry); err != nil {
		return fmt.Errorf("workerproc: starting execution pool: %w", err)
	}
	defer pool.Stop()

	return serve(t.Listener(), pool)
}

// handshake dials cfg.MasterAddr, announces localNode under cfg.ServiceId,
// and waits for Connected, making at most cfg.HandshakeAttempts attempts.
func handshake(cfg Config, localNode types.NodeId) error {
	logger := clog.WithService(cfg.ServiceId)

	var lastErr error
	for attempt := 1; attempt <= cfg.HandshakeAttempts; attempt++ {
		if err := tryHandshakeOnce(cfg, localNode); err != nil {
			lastErr = err
			logger.Warn().Err(err).Int("attempt", attempt).Msg("workerproc: handshake attempt failed")
			continue
		}
		return nil
	}
	return fmt.Errorf("workerproc: handshake with %s failed after %d attempts: %w", cfg.MasterAddr, cfg.HandshakeAttempts, lastErr)
}

func tryHandshakeOnce(cfg Config, localNode types.NodeId) error {
	conn, err := wire.Dial(cfg.MasterAddr)
	if err != nil {
		return fmt.Errorf("dialing master: %w", err)
	}
	defer conn.Close()

	reg := types.Registration{WorkerAddr: localNode.String(), ServiceId: cfg.ServiceId}
	if err := conn.Send(reg); err != nil {
		return fmt.Errorf("sending registration: %w", err)
	}

	type recvResult struct {
		msg interface{}
		err error
	}
	recvCh := make(chan recvResult, 1)
	go func() {
		msg, err := conn.Recv()
		recvCh <- recvResult{msg, err}
	}()

	select {
	case r := <-recvCh:
		if r.err != nil {
			return fmt.Errorf("awaiting Connected: %w", r.err)
		}
		wm, ok := r.msg.(types.WorkerMessage)
		if !ok || wm.Tag != types.Connected {
			return fmt.Errorf("unexpected handshake reply: %#v", r.msg)
		}
		return nil
	case <-time.After(cfg.HandshakeTimeout):
		return fmt.Errorf("timed out waiting for Connected")
	}
}

// serve accepts the master's single long-lived closure/shutdown
// connection on ln and services it until ShutDown arrives or the
// connection drops.
func serve(ln net.Listener, pool *worker.Pool) error {
	// The accept loop only ever expects one connection — the master dials
	// back exactly once per WithService scope — but Accept is used rather
	// than a bare Dial-side handshake so the worker stays a passive
	// listener until the master is ready to talk.
	nc, err := ln.Accept()
	if err != nil {
		return fmt.Errorf("workerproc: accepting master connection: %w", err)
	}
	conn := wire.New(nc)
	defer conn.Close()

	done := make(chan struct{})
	go forwardResults(conn, pool, done)
	defer close(done)

	for {
		msg, err := conn.Recv()
		if err != nil {
			return fmt.Errorf("workerproc: connection to master lost: %w", err)
		}

		switch v := msg.(type) {
		case types.WorkerMessage:
			switch v.Tag {
			case types.ShutDown:
				return nil
			case types.Connected:
				// A second Connected on an already-established control
				// channel is a protocol violation per spec section 4.3
				// step 5 / section 7's UnexpectedConnected — fatal to the
				// worker, not a message to ignore.
				return fmt.Errorf("workerproc: unexpected duplicate Connected on control channel")
			}
		case types.ClosureCall:
			if err := pool.Submit(worker.Job{Call: v}); err != nil {
				_ = conn.Send(types.ClosureReply{
					CallId: v.CallId,
					Result: types.ClosureResult{Err: err.Error()},
				})
			}
		}
	}
}

// forwardResults drains the pool's result channel and writes each
// ClosureReply back to the master over conn, until done is closed.
func forwardResults(conn *wire.Conn, pool *worker.Pool, done <-chan struct{}) {
	for {
		out, err := pool.ReceiveResult()
		if err != nil {
			return
		}
		select {
		case <-done:
			return
		default:
		}
		_ = conn.Send(out.Reply)
	}
}
