package hold

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/clusterrun/pkg/types"
)

func TestEnterAndReleaseUnblocks(t *testing.T) {
	m := NewMap(nil)
	sid := types.ServiceId("svc1")
	m.Enter(sid)

	done := make(chan error, 1)
	go func() {
		done <- m.BlockUntilReleased(context.Background(), sid)
	}()

	m.Release(sid)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("BlockUntilReleased did not return after Release")
	}
}

func TestDoubleReleaseIsNotAnError(t *testing.T) {
	m := NewMap(nil)
	sid := types.ServiceId("svc1")
	m.Enter(sid)
	m.Release(sid)
	m.Release(sid) // must not panic or block
}

func TestReleaseUnknownServiceIsNotAnError(t *testing.T) {
	m := NewMap(nil)
	m.Release(types.ServiceId("never-entered"))
}

func TestBlockUntilReleasedHonorsCancellation(t *testing.T) {
	m := NewMap(nil)
	sid := types.ServiceId("svc2")
	m.Enter(sid)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := m.BlockUntilReleased(ctx, sid)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReleaseAllFiresEveryHold(t *testing.T) {
	m := NewMap(nil)
	m.Enter("a")
	m.Enter("b")
	m.Enter("c")

	released := m.ReleaseAll()
	assert.Len(t, released, 3)

	require.NoError(t, m.BlockUntilReleased(context.Background(), "a"))
	require.NoError(t, m.BlockUntilReleased(context.Background(), "b"))
	require.NoError(t, m.BlockUntilReleased(context.Background(), "c"))
}

func TestListReturnsSortedHeldServices(t *testing.T) {
	m := NewMap(nil)
	m.Enter("zzz")
	m.Enter("aaa")

	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, types.ServiceId("aaa"), list[0])
	assert.Equal(t, types.ServiceId("zzz"), list[1])
}

func TestClearRemovesFromList(t *testing.T) {
	m := NewMap(nil)
	m.Enter("svc")
	m.Clear("svc")
	assert.Empty(t, m.List())
}
