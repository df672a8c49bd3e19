// Package closure implements the registry of remotely invocable functions
// and the generic helpers spec section 3 calls SerializableDict,
// SerializableClosureProcess, and RemoteFunction. A closure crossing the
// wire is never a Go func value — it is a stable string identifier plus
// already-encoded argument bytes (types.Closure); this package is what
// turns that identifier back into code on the worker side, and what turns
// a typed argument into that wire shape on the master side.
package closure

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sync"

	"github.com/ChuLiYu/clusterrun/internal/clog"
	"github.com/ChuLiYu/clusterrun/pkg/types"
)

// handlerFunc is the type-erased form every registered closure reduces to:
// decode the argument, run, encode the result.
type handlerFunc func(encodedArg []byte) (encodedValue []byte, err error)

// Registry maps stable closure identifiers to their handlers. Both the
// master and worker process link against the same Registry contents (they
// are the same binary), which is what makes an Identifier portable across
// the wire.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]handlerFunc
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]handlerFunc)}
}

// Register installs fn under identifier. Registering the same identifier
// twice is a programming error and panics, the same way e.g. driver
// registration in the standard library's database/sql does.
func Register[A, B any](r *Registry, identifier string, fn func(A) (B, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[identifier]; exists {
		panic(fmt.Sprintf("closure: identifier %q already registered", identifier))
	}
	r.handlers[identifier] = func(encodedArg []byte) ([]byte, error) {
		var arg A
		if err := gobDecode(encodedArg, &arg); err != nil {
			return nil, fmt.Errorf("closure: decode argument: %w", err)
		}
		result, err := fn(arg)
		if err != nil {
			return nil, err
		}
		encoded, err := gobEncode(result)
		if err != nil {
			return nil, fmt.Errorf("closure: encode result: %w", err)
		}
		return encoded, nil
	}
}

// Invoke runs the handler registered under c.Identifier against c.EncodedArg,
// converting panics raised by the handler into an error per the "exception
// caught, never crashes the worker" invariant. Every failure — unknown
// identifier, handler error, or panic — is logged here before being
// converted to the Left/ClosureResult.Err the master sees, per spec
// section 4.2's "catch all exceptions locally, log them, and convert them
// to Left."
func (r *Registry) Invoke(c types.Closure) (result types.ClosureResult) {
	r.mu.RLock()
	fn, ok := r.handlers[c.Identifier]
	r.mu.RUnlock()
	if !ok {
		msg := fmt.Sprintf("closure: unknown identifier %q", c.Identifier)
		clog.Logger.Error().Str("closure_id", c.Identifier).Msg(msg)
		return types.ClosureResult{Err: msg}
	}

	defer func() {
		if rec := recover(); rec != nil {
			msg := fmt.Sprintf("panic: %v", rec)
			clog.Logger.Error().Str("closure_id", c.Identifier).Interface("panic", rec).Msg(msg)
			result = types.ClosureResult{Err: msg}
		}
	}()

	encoded, err := fn(c.EncodedArg)
	if err != nil {
		clog.Logger.Error().Str("closure_id", c.Identifier).Err(err).Msg("closure: handler returned an error")
		return types.ClosureResult{Err: err.Error()}
	}
	return types.ClosureResult{EncodedValue: encoded}
}

// Build encodes arg and pairs it with identifier, producing the wire-shape
// types.Closure a RemoteFunction hands to the remote runner.
func Build[A any](identifier string, arg A) (types.Closure, error) {
	encoded, err := gobEncode(arg)
	if err != nil {
		return types.Closure{}, fmt.Errorf("closure: encode argument: %w", err)
	}
	return types.Closure{Identifier: identifier, EncodedArg: encoded}, nil
}

// Decode gob-decodes a ClosureResult's EncodedValue into a B, the
// counterpart to Build on the caller side once a result comes back.
func Decode[B any](encodedValue []byte) (B, error) {
	var v B
	if err := gobDecode(encodedValue, &v); err != nil {
		return v, fmt.Errorf("closure: decode result: %w", err)
	}
	return v, nil
}

func gobEncode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gobDecode(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

// RemoteFunction is a typed handle a caller uses to build a Closure for a
// registered identifier, mirroring spec section 3's RemoteFunction⟨A,B⟩.
type RemoteFunction[A, B any] struct {
	Identifier string
}

// NewRemoteFunction names a RemoteFunction without registering it — the
// corresponding Register call must have already installed a handler under
// the same identifier, typically in the same package init.
func NewRemoteFunction[A, B any](identifier string) RemoteFunction[A, B] {
	return RemoteFunction[A, B]{Identifier: identifier}
}

// Closure encodes arg into the wire-shape types.Closure this remote
// function dispatches as.
func (f RemoteFunction[A, B]) Closure(arg A) (types.Closure, error) {
	return Build(f.Identifier, arg)
}

// DecodeResult decodes a ClosureResult's success payload as B.
func (f RemoteFunction[A, B]) DecodeResult(encodedValue []byte) (B, error) {
	return Decode[B](encodedValue)
}

// Process is a SerializableClosureProcess⟨T⟩: a closure-producing action
// that runs at most once and memoizes its result (or its error) for every
// subsequent call, matching the "producing action runs at most once"
// invariant. The producer itself is never sent across the wire — only its
// memoized T is (in the remote runner, T is the types.Closure that
// dispatchOnce sends to the worker over its Scope).
type Process[T any] struct {
	once   sync.Once
	value  T
	err    error
	produce func() (T, error)
}

// NewProcess wraps produce so it runs at most once regardless of how many
// times Get is called.
func NewProcess[T any](produce func() (T, error)) *Process[T] {
	return &Process[T]{produce: produce}
}

// Get runs the wrapped producer on first call and returns its memoized
// result on every call thereafter.
func (p *Process[T]) Get() (T, error) {
	p.once.Do(func() {
		p.value, p.err = p.produce()
	})
	return p.value, p.err
}
