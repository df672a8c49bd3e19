package wire

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/clusterrun/pkg/types"
)

func listenPair(t *testing.T) (*Conn, *Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	acceptCh := make(chan net.Conn, 1)
	go func() {
		nc, _ := ln.Accept()
		acceptCh <- nc
	}()

	clientConn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	serverConn := <-acceptCh
	require.NotNil(t, serverConn)

	return New(clientConn), New(serverConn)
}

func TestSendRecvRoundTrip(t *testing.T) {
	client, server := listenPair(t)
	defer client.Close()
	defer server.Close()

	reg := types.Registration{WorkerAddr: "127.0.0.1:10090", ServiceId: "abcde"}
	require.NoError(t, client.Send(reg))

	msg, err := server.Recv()
	require.NoError(t, err)
	got, ok := msg.(types.Registration)
	require.True(t, ok)
	assert.Equal(t, reg, got)
}

func TestSendRecvClosureRoundTrip(t *testing.T) {
	client, server := listenPair(t)
	defer client.Close()
	defer server.Close()

	call := types.ClosureCall{CallId: 42, Closure: types.Closure{Identifier: "plusOne", EncodedArg: []byte{1, 2, 3}}}
	require.NoError(t, server.Send(call))

	msg, err := client.Recv()
	require.NoError(t, err)
	got, ok := msg.(types.ClosureCall)
	require.True(t, ok)
	assert.Equal(t, call, got)
}

func TestRecvErrorsOnClosedConnection(t *testing.T) {
	client, server := listenPair(t)
	defer client.Close()

	server.Close()

	done := make(chan error, 1)
	go func() {
		_, err := client.Recv()
		done <- err
	}()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Recv did not return after peer closed")
	}
}
