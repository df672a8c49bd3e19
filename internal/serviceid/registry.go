// Package serviceid mints ServiceId values and runs the master's single
// shared accept loop: every worker dials in to the same listener and
// announces the ServiceId it is joining under, and this package routes
// each arriving types.Registration to whichever goroutine is waiting for
// it, discarding registrations nobody claimed (spec invariant 9, "stale
// worker filtered").
package serviceid

import (
	"crypto/rand"
	"fmt"
	"net"
	"sync"

	"github.com/ChuLiYu/clusterrun/internal/clog"
	"github.com/ChuLiYu/clusterrun/internal/metrics"
	"github.com/ChuLiYu/clusterrun/internal/wire"
	"github.com/ChuLiYu/clusterrun/pkg/types"
)

const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// New mints a fresh, random 5-character ServiceId (spec section 3's "short
// random string (5 printable characters)"). Collisions are possible only
// in principle; Registry.claim rejects a duplicate outright rather than
// silently overwriting a live waiter.
func New() types.ServiceId {
	buf := make([]byte, 5)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the platform's entropy source is broken;
		// there is nothing sensible left to do but panic, same as the
		// standard library does internally when this happens.
		panic(fmt.Sprintf("serviceid: rand.Read: %v", err))
	}
	for i, b := range buf {
		buf[i] = alphabet[int(b)%len(alphabet)]
	}
	return types.ServiceId(buf)
}

// arrival is what the accept loop hands to a claimed waiter: the decoded
// registration plus the live connection it arrived on, so the waiter can
// reply Connected on the same socket.
type arrival struct {
	reg  types.Registration
	conn *wire.Conn
}

// Registry is the master-side table of in-flight WithService scopes,
// keyed by the ServiceId each scope is waiting to hear from.
type Registry struct {
	mu      sync.Mutex
	waiters map[types.ServiceId]chan arrival
	metrics *metrics.Collector
}

// NewRegistry constructs an empty Registry. m may be nil, in which case
// stale-registration events are not recorded.
func NewRegistry(m *metrics.Collector) *Registry {
	return &Registry{waiters: make(map[types.ServiceId]chan arrival), metrics: m}
}

// claim registers interest in sid, returning the channel the accept loop
// will deliver a matching registration on. Returns false if sid is already
// claimed by another in-flight scope.
func (r *Registry) claim(sid types.ServiceId) (chan arrival, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.waiters[sid]; exists {
		return nil, false
	}
	ch := make(chan arrival, 1)
	r.waiters[sid] = ch
	return ch, true
}

// release removes sid's waiter entry. Safe to call more than once.
func (r *Registry) release(sid types.ServiceId) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.waiters, sid)
}

// dispatch routes a decoded registration to its waiter, if any. Reports
// whether a waiter was found.
func (r *Registry) dispatch(a arrival) bool {
	r.mu.Lock()
	ch, ok := r.waiters[a.reg.ServiceId]
	r.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- a:
		return true
	default:
		// A second registration for a ServiceId already matched: the
		// buffered slot is full, so this one is stale by definition.
		return false
	}
}

// Await blocks until a worker registers under sid. Stopping the accept
// loop does not unblock it: nothing closes a waiter's channel, so Await
// keeps waiting (and sid stays claimed) until a matching registration
// arrives. The returned *wire.Conn is the live connection the
// registration arrived on — the caller replies Connected on it.
func (r *Registry) Await(sid types.ServiceId) (types.Registration, *wire.Conn, error) {
	ch, ok := r.claim(sid)
	if !ok {
		return types.Registration{}, nil, fmt.Errorf("serviceid: %s already has a waiter", sid)
	}
	defer r.release(sid)

	a, ok := <-ch
	if !ok {
		return types.Registration{}, nil, fmt.Errorf("serviceid: registry closed while awaiting %s", sid)
	}
	return a.reg, a.conn, nil
}

// Serve runs the master's shared accept loop on ln until ln is closed. Each
// accepted connection is expected to open with exactly one types.Registration
// envelope; Serve starts one goroutine per accepted connection, which reads
// that one envelope and either hands the connection off via dispatch, or
// closes it if no scope is waiting.
func (r *Registry) Serve(ln net.Listener) error {
	for {
		nc, err := ln.Accept()
		if err != nil {
			return err
		}
		go r.handleAccept(nc)
	}
}

func (r *Registry) handleAccept(nc net.Conn) {
	c := wire.New(nc)
	msg, err := c.Recv()
	if err != nil {
		clog.Logger.Warn().Err(err).Str("remote", nc.RemoteAddr().String()).
			Msg("serviceid: failed to read registration")
		_ = c.Close()
		return
	}

	reg, ok := msg.(types.Registration)
	if !ok {
		clog.Logger.Warn().Str("remote", nc.RemoteAddr().String()).
			Msg("serviceid: first message was not a registration")
		_ = c.Close()
		return
	}

	if !r.dispatch(arrival{reg: reg, conn: c}) {
		clog.Logger.Info().Str("service_id", reg.ServiceId.String()).
			Str("worker_addr", reg.WorkerAddr).
			Msg("serviceid: stale or unmatched registration dropped")
		if r.metrics != nil {
			r.metrics.RecordHandshakeStale()
		}
		_ = c.Close()
	}
}
