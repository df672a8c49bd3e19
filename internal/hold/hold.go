// Package hold implements the HoldMap coordinator described in spec
// section 4.5: a table of one-shot release latches keyed by ServiceId, and
// the small HTTP control plane (grounded on gorilla/mux, per the
// PacktPublishing example repo's dependency on it) an operator uses to
// fire them from outside the process.
package hold

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"

	"github.com/gorilla/mux"

	"github.com/ChuLiYu/clusterrun/internal/clog"
	"github.com/ChuLiYu/clusterrun/internal/metrics"
	"github.com/ChuLiYu/clusterrun/pkg/types"
)

// firstPort is where the control-plane HTTP listener first tries to bind;
// on failure it increments and retries, the same linear-probe shape
// transport.CreateTransport uses for the node listener.
const firstPort = 11132

const maxPortProbe = 200

// latch is a one-shot gate: the first call to fire closes ch, every
// subsequent call is a no-op.
type latch struct {
	once sync.Once
	ch   chan struct{}
}

func newLatch() *latch {
	return &latch{ch: make(chan struct{})}
}

func (l *latch) fire() (fired bool) {
	l.once.Do(func() {
		fired = true
		close(l.ch)
	})
	return fired
}

// Map is the HoldMap: a registry of in-flight holds, one per ServiceId
// currently blocked in BlockUntilReleased.
type Map struct {
	mu      sync.Mutex
	latches map[types.ServiceId]*latch
	metrics *metrics.Collector
}

// NewMap constructs an empty HoldMap. m may be nil, in which case hold
// events are not recorded.
func NewMap(m *metrics.Collector) *Map {
	return &Map{latches: make(map[types.ServiceId]*latch), metrics: m}
}

// Enter registers sid as held by installing a fresh latch for it, which
// BlockUntilReleased then waits on. Calling Enter twice for the same sid
// replaces the first latch — the framework never does this itself, but
// tests may exercise it.
func (m *Map) Enter(sid types.ServiceId) {
	m.mu.Lock()
	m.latches[sid] = newLatch()
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.RecordHoldEntered()
	}
}

// BlockUntilReleased blocks until sid is released via Release/ReleaseAll,
// or ctx is cancelled, matching spec invariant 7 ("released hold proceeds,
// cancellation during hold propagates").
func (m *Map) BlockUntilReleased(ctx context.Context, sid types.ServiceId) error {
	m.mu.Lock()
	l, ok := m.latches[sid]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("hold: %s is not currently held", sid)
	}

	select {
	case <-l.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release fires the latch for sid, if any is held, and reports whether it
// actually did — distinguishing "released" from "unknown or already
// released" lets callers (notably the HTTP control plane) tell a real
// release apart from a no-op, per spec invariant 4 ("release(s) on an
// unknown service-id returns null and does not insert"). A second release
// for an already-released sid is logged, never an error, per spec's
// "double release logged not erroring" edge case.
func (m *Map) Release(sid types.ServiceId) bool {
	m.mu.Lock()
	l, ok := m.latches[sid]
	if ok {
		delete(m.latches, sid)
	}
	m.mu.Unlock()
	if !ok {
		clog.WithService(sid).Info().Msg("hold: release requested for unknown or already-cleared service")
		return false
	}
	if !l.fire() {
		clog.WithService(sid).Info().Msg("hold: duplicate release ignored")
		return false
	}
	if m.metrics != nil {
		m.metrics.RecordHoldReleased()
	}
	return true
}

// ReleaseAll fires every currently held latch, removing each entry as it is
// released, and returns the ServiceIds that were actually released.
func (m *Map) ReleaseAll() []types.ServiceId {
	m.mu.Lock()
	sids := make([]types.ServiceId, 0, len(m.latches))
	for sid := range m.latches {
		sids = append(sids, sid)
	}
	m.mu.Unlock()

	released := make([]types.ServiceId, 0, len(sids))
	for _, sid := range sids {
		m.mu.Lock()
		l, ok := m.latches[sid]
		if ok {
			delete(m.latches, sid)
		}
		m.mu.Unlock()
		if ok && l.fire() {
			released = append(released, sid)
			if m.metrics != nil {
				m.metrics.RecordHoldReleased()
			}
		}
	}
	sort.Slice(released, func(i, j int) bool { return released[i] < released[j] })
	if m.metrics != nil {
		m.metrics.RecordHoldReleaseAll()
	}
	return released
}

// Clear removes sid's entry once its holding scope has exited, so List
// reflects only live holds.
func (m *Map) Clear(sid types.ServiceId) {
	m.mu.Lock()
	delete(m.latches, sid)
	m.mu.Unlock()
}

// List returns the ServiceIds currently held, sorted for deterministic
// output.
func (m *Map) List() []types.ServiceId {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.ServiceId, 0, len(m.latches))
	for sid := range m.latches {
		out = append(out, sid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Server is the HTTP control plane that exposes a Map's Release/ReleaseAll/
// List operations.
type Server struct {
	m        *Map
	httpSrv  *http.Server
	BoundAt  string
}

// NewServer wires a mux.Router over m's operations. Every response is
// application/json per spec section 6's external-interface table.
func NewServer(m *Map) *Server {
	r := mux.NewRouter()
	s := &Server{m: m}

	r.HandleFunc("/release/{service}", func(w http.ResponseWriter, req *http.Request) {
		sid := types.ServiceId(mux.Vars(req)["service"])
		var body interface{}
		if s.m.Release(sid) {
			body = sid.String()
		}
		writeJSON(w, body)
	}).Methods(http.MethodGet)

	r.HandleFunc("/release-all", func(w http.ResponseWriter, req *http.Request) {
		ids := s.m.ReleaseAll()
		out := make([]string, len(ids))
		for i, sid := range ids {
			out[i] = sid.String()
		}
		writeJSON(w, out)
	}).Methods(http.MethodGet)

	r.HandleFunc("/list", func(w http.ResponseWriter, req *http.Request) {
		ids := s.m.List()
		out := make([]string, len(ids))
		for i, sid := range ids {
			out[i] = sid.String()
		}
		writeJSON(w, out)
	}).Methods(http.MethodGet)

	s.httpSrv = &http.Server{Handler: r}
	return s
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		clog.Logger.Error().Err(err).Msg("hold: encoding control-plane response")
	}
}

// Start binds the control-plane listener, probing ports starting at
// firstPort, and serves in a background goroutine. The bound address is
// left in s.BoundAt for the caller (the lifecycle driver) to log and
// publish.
func (s *Server) Start(host string) error {
	var ln net.Listener
	var err error
	for i := 0; i < maxPortProbe; i++ {
		addr := fmt.Sprintf("%s:%d", host, firstPort+i)
		ln, err = net.Listen("tcp", addr)
		if err == nil {
			break
		}
	}
	if ln == nil {
		return fmt.Errorf("hold: no available control-plane port near %d: %w", firstPort, err)
	}

	s.BoundAt = ln.Addr().String()
	clog.Logger.Info().Str("addr", s.BoundAt).Msg("hold: control plane listening")

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			clog.Logger.Error().Err(err).Msg("hold: control plane server exited")
		}
	}()
	return nil
}

// Stop gracefully shuts the control-plane server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
