package closure

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/clusterrun/pkg/types"
)

func TestRegisterAndInvoke(t *testing.T) {
	r := NewRegistry()
	Register(r, "plusOne", func(n int) (int, error) { return n + 1, nil })

	c, err := Build("plusOne", 41)
	require.NoError(t, err)

	result := r.Invoke(c)
	require.Empty(t, result.Err)

	v, err := Decode[int](result.EncodedValue)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestInvokeUnknownIdentifier(t *testing.T) {
	r := NewRegistry()
	result := r.Invoke(types.Closure{Identifier: "nope"})
	assert.Contains(t, result.Err, "unknown identifier")
}

func TestInvokeHandlerErrorIsCaught(t *testing.T) {
	r := NewRegistry()
	Register(r, "alwaysFails", func(n int) (int, error) { return 0, errors.New("boom") })

	c, err := Build("alwaysFails", 1)
	require.NoError(t, err)

	result := r.Invoke(c)
	assert.Equal(t, "boom", result.Err)
}

func TestInvokeHandlerPanicIsCaught(t *testing.T) {
	r := NewRegistry()
	Register(r, "panics", func(n int) (int, error) {
		panic("unexpected")
	})

	c, err := Build("panics", 1)
	require.NoError(t, err)

	result := r.Invoke(c)
	assert.Contains(t, result.Err, "panic")
}

func TestRegisterDuplicateIdentifierPanics(t *testing.T) {
	r := NewRegistry()
	Register(r, "dup", func(n int) (int, error) { return n, nil })

	assert.Panics(t, func() {
		Register(r, "dup", func(n int) (int, error) { return n, nil })
	})
}

func TestProcessRunsProducerAtMostOnce(t *testing.T) {
	calls := 0
	p := NewProcess(func() (int, error) {
		calls++
		return 7, nil
	})

	v1, err := p.Get()
	require.NoError(t, err)
	v2, err := p.Get()
	require.NoError(t, err)

	assert.Equal(t, 7, v1)
	assert.Equal(t, 7, v2)
	assert.Equal(t, 1, calls)
}

func TestRemoteFunctionClosureAndDecode(t *testing.T) {
	fn := NewRemoteFunction[int, int]("double")
	r := NewRegistry()
	Register(r, "double", func(n int) (int, error) { return n * 2, nil })

	c, err := fn.Closure(21)
	require.NoError(t, err)

	result := r.Invoke(c)
	require.Empty(t, result.Err)

	v, err := fn.DecodeResult(result.EncodedValue)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}
