package realtime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushToUser_OfflineIsNoop(t *testing.T) {
	h := NewHub(4)
	require.NoError(t, h.PushToUser(context.Background(), "nobody", "message", map[string]string{"content": "hi"}))
	assert.Zero(t, h.Online("nobody"))
}

func TestPushToUser_DeliversToEveryConnection(t *testing.T) {
	h := NewHub(4)
	c1, cancel1 := h.Subscribe("b")
	defer cancel1()
	c2, cancel2 := h.Subscribe("b")
	defer cancel2()

	require.NoError(t, h.PushToUser(context.Background(), "b", "message", map[string]string{"content": "hi"}))

	for _, c := range []*Conn{c1, c2} {
		f := <-c.Frames()
		assert.Equal(t, "message", f.Event)
		assert.JSONEq(t, `{"content":"hi"}`, string(f.Data))
	}
}

func TestPushToUser_FullBufferDrops(t *testing.T) {
	h := NewHub(1)
	c, cancel := h.Subscribe("b")
	defer cancel()
	ctx := context.Background()

	require.NoError(t, h.PushToUser(ctx, "b", "n", 1))
	require.NoError(t, h.PushToUser(ctx, "b", "n", 2))
	assert.EqualValues(t, 1, h.Dropped())

	f := <-c.Frames()
	assert.Equal(t, "1", string(f.Data))
}

func TestSubscribe_CancelClosesAndUnregisters(t *testing.T) {
	h := NewHub(1)
	c, cancel := h.Subscribe("b")
	assert.Equal(t, 1, h.Online("b"))

	cancel()
	cancel()
	_, ok := <-c.Frames()
	assert.False(t, ok)
	assert.Zero(t, h.Online("b"))
}
