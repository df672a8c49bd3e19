// Package wire implements the framing used on every master<->worker
// connection: a 4-byte big-endian length prefix followed by a gob-encoded
// envelope. gob is itself a self-describing format, which is what spec
// section 6 means by "length-prefixed, self-describing serialisations" —
// see DESIGN.md for why this framework favors a small custom RPC over gob
// (grounded on grailbio/bigmachine) instead of a generated-stub RPC
// framework.
package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/ChuLiYu/clusterrun/pkg/types"
)

func init() {
	gob.Register(types.Registration{})
	gob.Register(types.WorkerMessage{})
	gob.Register(types.ClosureCall{})
	gob.Register(types.ClosureReply{})
}

// envelope is the only concrete type gob ever sees on the wire; Payload
// holds one of the registered message types above.
type envelope struct {
	Payload interface{}
}

// maxFrame bounds a single frame so a corrupt or hostile peer cannot make a
// node allocate unbounded memory decoding a length prefix.
const maxFrame = 64 << 20 // 64MiB

// Conn is a framed, concurrency-safe wrapper around a net.Conn. Multiple
// goroutines may call Send concurrently (the worker's closure handlers each
// write their own reply); Recv is expected to be called from a single
// reader loop.
type Conn struct {
	nc net.Conn
	wg sync.Mutex
}

// New wraps an already-established connection.
func New(nc net.Conn) *Conn { return &Conn{nc: nc} }

// Dial opens a new framed connection to addr.
func Dial(addr string) (*Conn, error) {
	nc, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("wire: dial %s: %w", addr, err)
	}
	return New(nc), nil
}

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.nc.Close() }

// RemoteAddr returns the address of the peer.
func (c *Conn) RemoteAddr() string { return c.nc.RemoteAddr().String() }

// Send gob-encodes v and writes it length-prefixed. Safe for concurrent use.
func (c *Conn) Send(v interface{}) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(envelope{Payload: v}); err != nil {
		return fmt.Errorf("wire: encode: %w", err)
	}
	if buf.Len() > maxFrame {
		return fmt.Errorf("wire: frame too large (%d bytes)", buf.Len())
	}

	c.wg.Lock()
	defer c.wg.Unlock()

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(buf.Len()))
	if _, err := c.nc.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("wire: write length: %w", err)
	}
	if _, err := c.nc.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("wire: write payload: %w", err)
	}
	return nil
}

// Recv blocks for the next framed message and gob-decodes it. The
// concrete type of the returned value is one of the types registered in
// init above.
func (c *Conn) Recv() (interface{}, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(c.nc, lenPrefix[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	if n > maxFrame {
		return nil, fmt.Errorf("wire: frame too large (%d bytes)", n)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(c.nc, payload); err != nil {
		return nil, fmt.Errorf("wire: read payload: %w", err)
	}

	var env envelope
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&env); err != nil {
		return nil, fmt.Errorf("wire: decode: %w", err)
	}
	return env.Payload, nil
}
