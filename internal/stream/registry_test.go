package stream

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func idSource(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

func TestRegistryAddRemove(t *testing.T) {
	r := NewRegistry()
	noop := func(Message) {}

	assert.True(t, r.Add("reg-1", "/topic/a", noop))
	assert.False(t, r.Add("reg-2", "/topic/a", noop))
	assert.True(t, r.Add("reg-3", "/topic/b", noop))
	assert.Equal(t, []string{"/topic/a", "/topic/b"}, r.Topics())
	assert.Equal(t, 2, r.Len())

	dest, _, last, ok := r.Remove("reg-1")
	require.True(t, ok)
	assert.Equal(t, "/topic/a", dest)
	assert.False(t, last)

	_, _, last, ok = r.Remove("reg-2")
	require.True(t, ok)
	assert.True(t, last)
	assert.Equal(t, []string{"/topic/b"}, r.Topics())

	_, _, _, ok = r.Remove("reg-2")
	assert.False(t, ok)
}

func TestRegistryBindOncePerConnection(t *testing.T) {
	r := NewRegistry()
	r.Add("reg-1", "/topic/b", func(Message) {})
	r.Add("reg-2", "/topic/a", func(Message) {})

	first := r.Bind(1, idSource("sub-1"))
	require.Len(t, first, 2)
	assert.Equal(t, "/topic/a", first[0].destination)
	assert.Equal(t, "/topic/b", first[1].destination)
	assert.Equal(t, 2, r.LiveCount())

	assert.Empty(t, r.Bind(1, idSource("sub-1")), "second bind on the same connection")

	r.Reset()
	assert.Equal(t, 0, r.LiveCount())
	assert.Equal(t, 2, r.Len(), "reset keeps registrations")

	second := r.Bind(2, idSource("sub-2"))
	assert.Len(t, second, 2)
	assert.Equal(t, map[string]string{"/topic/a": "sub-2-1", "/topic/b": "sub-2-2"}, r.Live())
}

func TestRegistryBindOne(t *testing.T) {
	r := NewRegistry()
	r.Add("reg-1", "/topic/a", func(Message) {})
	r.Bind(1, idSource("sub-1"))

	_, ok := r.BindOne("/topic/a", 1, idSource("x"))
	assert.False(t, ok, "already bound on this connection")

	r.Add("reg-2", "/topic/b", func(Message) {})
	b, ok := r.BindOne("/topic/b", 1, idSource("sub-1-b"))
	require.True(t, ok)
	assert.Equal(t, "sub-1-b-1", b.subID)

	_, ok = r.BindOne("/topic/unknown", 1, idSource("x"))
	assert.False(t, ok)
}

func TestRegistryRemoveReturnsLiveSubscription(t *testing.T) {
	r := NewRegistry()
	r.Add("reg-1", "/topic/a", func(Message) {})
	r.Bind(1, idSource("sub"))

	_, subID, last, ok := r.Remove("reg-1")
	require.True(t, ok)
	assert.True(t, last)
	assert.Equal(t, "sub-1", subID)
	assert.Equal(t, 0, r.LiveCount())
}

func TestRegistryRoute(t *testing.T) {
	r := NewRegistry()
	var calls []string
	r.Add("reg-1", "/topic/a", func(Message) { calls = append(calls, "first") })
	r.Add("reg-2", "/topic/a", func(Message) { calls = append(calls, "second") })
	r.Bind(1, idSource("sub"))

	for _, h := range r.Route("sub-1", "") {
		h(Message{})
	}
	assert.Equal(t, []string{"first", "second"}, calls, "handlers run in registration order")

	assert.Len(t, r.Route("unknown-sub", "/topic/a"), 2, "falls back to destination")
	assert.Empty(t, r.Route("unknown-sub", "/topic/none"))
}
