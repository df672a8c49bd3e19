package transport

import (
	"net"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateTransportBindsAndAllocatesNode(t *testing.T) {
	tr, err := CreateTransport("127.0.0.1", nil)
	require.NoError(t, err)
	defer tr.Close()

	assert.False(t, tr.NewLocalNode().IsZero())
	assert.NotNil(t, tr.Listener())
}

func TestCreateTransportExhaustsCandidates(t *testing.T) {
	first, err := CreateTransport("127.0.0.1", nil)
	require.NoError(t, err)
	defer first.Close()

	addr := first.Listener().Addr().String()
	_, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	_, err = CreateTransport("127.0.0.1", []int{port})
	require.Error(t, err)
	var exhausted *ErrPortsExhausted
	assert.ErrorAs(t, err, &exhausted)
}

func TestDefaultCandidatePorts(t *testing.T) {
	ports := DefaultCandidatePorts()
	assert.Equal(t, 10090, ports[0])
	assert.Equal(t, 10990, ports[len(ports)-1])
}
