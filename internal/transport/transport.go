// Package transport provides the node-addressable TCP endpoint every master
// and worker process binds on startup: a listener bound by trying an
// ordered list of candidate ports, and the NodeId (dialable address) that
// names it.
//
// Messages between nodes are framed encoding/gob values — see package wire —
// which is why a NodeId is nothing more than its dialable "host:port".
package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/ChuLiYu/clusterrun/pkg/types"
)

// DefaultCandidatePorts returns the framework's default bind range,
// 10090–10990 inclusive.
func DefaultCandidatePorts() []int {
	ports := make([]int, 0, 10990-10090+1)
	for p := 10090; p <= 10990; p++ {
		ports = append(ports, p)
	}
	return ports
}

// bindTimeout bounds how long a single candidate port gets before transport
// creation moves on to the next one.
const bindTimeout = 5 * time.Second

// ErrPortsExhausted is returned when every candidate port failed to bind.
type ErrPortsExhausted struct {
	Host  string
	Ports []int
}

func (e *ErrPortsExhausted) Error() string {
	return fmt.Sprintf("transport: no available port for %s among %v", e.Host, e.Ports)
}

// Transport owns a bound TCP listener. Creating one is the precondition for
// minting a NodeId with NewLocalNode.
type Transport struct {
	listener net.Listener
	nodeID   types.NodeId
}

// CreateTransport binds a listener on host, trying each of candidatePorts
// in order until one succeeds; each attempt gets bindTimeout to complete.
// The caller terminates the process on error per spec section 4.1 — this
// function only reports the failure, it does not itself call os.Exit so
// that it stays testable.
func CreateTransport(host string, candidatePorts []int) (*Transport, error) {
	if len(candidatePorts) == 0 {
		candidatePorts = DefaultCandidatePorts()
	}

	for _, port := range candidatePorts {
		addr := fmt.Sprintf("%s:%d", host, port)
		lc := net.ListenConfig{}
		ctx, cancel := context.WithTimeout(context.Background(), bindTimeout)
		ln, err := lc.Listen(ctx, "tcp", addr)
		cancel()
		if err != nil {
			continue
		}
		return &Transport{
			listener: ln,
			nodeID:   types.NewNodeId(ln.Addr().String()),
		}, nil
	}

	return nil, &ErrPortsExhausted{Host: host, Ports: candidatePorts}
}

// NewLocalNode returns the NodeId naming this transport's bound endpoint.
func (t *Transport) NewLocalNode() types.NodeId { return t.nodeID }

// Listener exposes the underlying net.Listener so the master's registration
// accept loop (package serviceid) and the worker's serve loop (package
// workerproc) can accept connections on it.
func (t *Transport) Listener() net.Listener { return t.listener }

// Close releases the bound listener.
func (t *Transport) Close() error { return t.listener.Close() }
