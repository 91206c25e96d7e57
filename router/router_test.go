package router

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scard-broker/message"
	"scard-broker/value"
)

type countingListener struct {
	calls atomic.Int32
	last  atomic.Value
}

func (l *countingListener) OnTypedMessageReceived(_ context.Context, data value.Value) bool {
	l.calls.Add(1)
	l.last.Store(data)
	return true
}

func TestDispatchToRegisteredRoute(t *testing.T) {
	r := New(nil, nil)
	l := &countingListener{}
	r.AddRoute("foo", l)

	handled := r.Dispatch(context.Background(), message.TypedMessage{Type: "foo", Data: value.Int(5)})
	assert.True(t, handled)
	assert.Equal(t, int32(1), l.calls.Load())
	assert.True(t, value.Int(5).Equal(l.last.Load().(value.Value)))
}

func TestDispatchWithoutRouteIsUnhandled(t *testing.T) {
	r := New(nil, nil)
	assert.NotPanics(t, func() {
		assert.False(t, r.Dispatch(context.Background(), message.TypedMessage{Type: "nobody"}))
		assert.False(t, r.Dispatch(context.Background(), message.TypedMessage{}))
		assert.False(t, r.DispatchValue(context.Background(), value.String("not an envelope")))
	})
}

func TestDuplicateRoutePanics(t *testing.T) {
	r := New(nil, nil)
	r.AddRoute("foo", &countingListener{})
	assert.Panics(t, func() { r.AddRoute("foo", &countingListener{}) })
}

func TestRemoveRoute(t *testing.T) {
	r := New(nil, nil)
	l := &countingListener{}
	r.AddRoute("a", l)
	r.AddRoute("b", l)
	r.RemoveRoute(l)
	assert.False(t, r.HasRoute("a"))
	assert.False(t, r.HasRoute("b"))
	assert.Panics(t, func() { r.RemoveRoute(l) })

	// the type can be taken again
	r.AddRoute("a", &countingListener{})
}

func TestDispatchValue(t *testing.T) {
	r := New(nil, nil)
	l := &countingListener{}
	r.AddRoute("update_admin_policy", l)
	env, err := message.TypedMessage{Type: "update_admin_policy", Data: value.Dictionary(nil)}.ToValue()
	require.NoError(t, err)
	assert.True(t, r.DispatchValue(context.Background(), env))
}

func TestListenerMayRemoveItselfDuringDispatch(t *testing.T) {
	r := New(nil, nil)
	var route *Route
	route = &Route{F: func(context.Context, value.Value) bool {
		r.RemoveRoute(route)
		return true
	}}
	r.AddRoute("once", route)
	assert.True(t, r.Dispatch(context.Background(), message.TypedMessage{Type: "once"}))
	assert.False(t, r.Dispatch(context.Background(), message.TypedMessage{Type: "once"}))
}

func TestConcurrentDispatch(t *testing.T) {
	r := New(nil, nil)
	l := &countingListener{}
	r.AddRoute("x", l)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Dispatch(context.Background(), message.TypedMessage{Type: "x"})
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1600), l.calls.Load())
}
