package democlosures

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/clusterrun/internal/closure"
	"github.com/ChuLiYu/clusterrun/internal/hold"
	"github.com/ChuLiYu/clusterrun/internal/launcher"
	"github.com/ChuLiYu/clusterrun/internal/master"
	"github.com/ChuLiYu/clusterrun/internal/metrics"
	"github.com/ChuLiYu/clusterrun/internal/serviceid"
	"github.com/ChuLiYu/clusterrun/internal/transport"
	"github.com/ChuLiYu/clusterrun/internal/wire"
	"github.com/ChuLiYu/clusterrun/pkg/types"
)

func TestRegistryInvokesPlusOne(t *testing.T) {
	c, err := closure.Build("plusOne", 41)
	require.NoError(t, err)

	result := Registry().Invoke(c)
	require.Empty(t, result.Err)

	v, err := PlusOne.DecodeResult(result.EncodedValue)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

// fakeLauncher spins up an in-process goroutine that speaks the worker
// protocol against democlosures' own registry, standing in for a real
// worker binary the way internal/remote's test suite does.
type fakeLauncher struct{}
type fakeHandle struct{ t *transport.Transport }

func (h *fakeHandle) Kill() error { return h.t.Close() }

func (fakeLauncher) Launch(ctx context.Context, masterAddr string, sid types.ServiceId) (launcher.Handle, error) {
	tr, err := transport.CreateTransport("127.0.0.1", nil)
	if err != nil {
		return nil, err
	}
	go runFakeWorker(tr, masterAddr, sid)
	return &fakeHandle{t: tr}, nil
}

func runFakeWorker(tr *transport.Transport, masterAddr string, sid types.ServiceId) {
	defer tr.Close()

	conn, err := wire.Dial(masterAddr)
	if err != nil {
		return
	}
	defer conn.Close()

	local := tr.NewLocalNode()
	if err := conn.Send(types.Registration{WorkerAddr: local.String(), ServiceId: sid}); err != nil {
		return
	}
	if msg, err := conn.Recv(); err != nil {
		return
	} else if wm, ok := msg.(types.WorkerMessage); !ok || wm.Tag != types.Connected {
		return
	}

	nc, err := tr.Listener().Accept()
	if err != nil {
		return
	}
	wconn := wire.New(nc)
	defer wconn.Close()

	for {
		m, err := wconn.Recv()
		if err != nil {
			return
		}
		switch v := m.(type) {
		case types.WorkerMessage:
			if v.Tag == types.ShutDown {
				return
			}
		case types.ClosureCall:
			result := Registry().Invoke(v.Closure)
			_ = wconn.Send(types.ClosureReply{CallId: v.CallId, Result: result})
		}
	}
}

func TestRunDemoCompletesAgainstFakeWorker(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	reg := serviceid.NewRegistry(nil)
	go reg.Serve(ln)

	d := &master.Driver{
		ProgramId:  "test-program",
		MasterAddr: ln.Addr().String(),
		Registry:   reg,
		Launcher:   fakeLauncher{},
		Hold:       hold.NewMap(nil),
		Metrics:    metrics.NewCollector(),
		Closures:   Registry(),
	}

	err = RunDemo(context.Background(), d)
	assert.NoError(t, err)
}
