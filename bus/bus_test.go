package bus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "channel closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for bus message")
	}
	return Message{}
}

func TestMemory_FanOut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewMemory()
	first, err := b.Subscribe(ctx)
	require.NoError(t, err)
	second, err := b.Subscribe(ctx)
	require.NoError(t, err)

	msg := Message{Node: "n1", Room: "r1", Kind: KindUpdate, Update: []byte{1, 2}}
	require.NoError(t, b.Publish(ctx, msg))

	assert.Equal(t, msg, receive(t, first))
	assert.Equal(t, msg, receive(t, second))
}

func TestMemory_Close(t *testing.T) {
	b := NewMemory()
	ch, err := b.Subscribe(context.Background())
	require.NoError(t, err)
	require.NoError(t, b.Close())

	_, ok := <-ch
	assert.False(t, ok)
	assert.ErrorIs(t, b.Publish(context.Background(), Message{Room: "r1"}), ErrClosed)
	require.NoError(t, b.Close())
}

func TestRedis_PublishSubscribe(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := DialRedis(ctx, mr.Addr(), 3)
	require.NoError(t, err)
	b := NewRedis(client, "test:room:", nil)
	defer b.Close()

	ch, err := b.Subscribe(ctx)
	require.NoError(t, err)

	msg := Message{Node: "n1", Room: "prompt-42", Kind: KindStateRequest}
	require.NoError(t, b.Publish(ctx, msg))
	assert.Equal(t, msg, receive(t, ch))

	// Channels outside the prefix are not delivered.
	other := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer other.Close()
	require.NoError(t, other.Publish(ctx, "unrelated", "x").Err())
	update := Message{Node: "n2", Room: "prompt-42", Kind: KindUpdate, Update: []byte{9}}
	require.NoError(t, b.Publish(ctx, update))
	assert.Equal(t, update, receive(t, ch))
}

func TestDialRedis_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := DialRedis(ctx, "127.0.0.1:1", 1)
	assert.Error(t, err)
}
