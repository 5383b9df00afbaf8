package channel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/wsfork/api"
)

func TestCapacity(t *testing.T) {
	cases := []struct {
		name     string
		target   time.Duration
		interval time.Duration
		want     int
	}{
		{"100ms over 20ms", 100 * time.Millisecond, 20 * time.Millisecond, 5},
		{"rounds up", 50 * time.Millisecond, 20 * time.Millisecond, 3},
		{"clamped high", time.Second, 20 * time.Millisecond, MaxCapacity},
		{"clamped low", time.Millisecond, 20 * time.Millisecond, MinCapacity},
		{"unknown interval", 100 * time.Millisecond, 0, DefaultCapacity},
		{"default target", 0, 30 * time.Millisecond, 4},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Capacity(tc.target, tc.interval))
		})
	}
}

func fill(t *testing.T, tx *FrameSender, payload []byte) {
	t.Helper()
	slot, err := tx.Acquire()
	require.NoError(t, err)
	n := copy(slot.Buffer(), payload)
	require.NoError(t, slot.Commit(n))
}

func TestForwardingFullAfterCapacity(t *testing.T) {
	for capacity := MinCapacity; capacity <= MaxCapacity; capacity++ {
		tx, rx := NewForwarding(320, capacity)
		for i := 0; i < capacity; i++ {
			fill(t, tx, []byte{byte(i)})
		}
		_, err := tx.Acquire()
		assert.ErrorIs(t, err, api.ErrFull, "capacity %d", capacity)
		assert.Equal(t, uint64(1), tx.Dropped())

		buf, err := rx.Receive(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []byte{0}, buf.Bytes())
		rx.Release(buf)

		_, err = tx.Acquire()
		assert.NoError(t, err, "slot frees after consume, capacity %d", capacity)
	}
}

func TestForwardingFIFOAndExactLength(t *testing.T) {
	tx, rx := NewForwarding(8, 3)
	fill(t, tx, []byte("ab"))
	fill(t, tx, []byte("cdefghijkl"))
	tx.Close()

	ctx := context.Background()
	first, err := rx.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ab", string(first.Bytes()))
	rx.Release(first)

	second, err := rx.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "cdefghij", string(second.Bytes()), "truncated to frame size")
	rx.Release(second)

	_, err = rx.Receive(ctx)
	assert.ErrorIs(t, err, api.ErrClosed)
}

func TestForwardingConsumerGone(t *testing.T) {
	tx, rx := NewForwarding(160, 2)
	slot, err := tx.Acquire()
	require.NoError(t, err)

	rx.Close()
	assert.True(t, tx.Closed())
	assert.ErrorIs(t, slot.Commit(4), api.ErrClosed)

	_, err = tx.Acquire()
	assert.ErrorIs(t, err, api.ErrClosed)
	assert.Equal(t, int64(0), rx.PoolStats().InUse)
}

func TestForwardingProducerCloseIdempotent(t *testing.T) {
	tx, _ := NewForwarding(160, 2)
	tx.Close()
	tx.Close()
	_, err := tx.Acquire()
	assert.ErrorIs(t, err, api.ErrClosed)
}

func TestForwardingDiscardReturnsBuffer(t *testing.T) {
	tx, rx := NewForwarding(160, 1)
	for i := 0; i < 10; i++ {
		slot, err := tx.Acquire()
		require.NoError(t, err)
		slot.Discard()
	}
	assert.Equal(t, int64(0), rx.PoolStats().InUse)
	assert.Equal(t, int64(0), rx.PoolStats().Misses)
}

func TestForwardingReceiveContext(t *testing.T) {
	_, rx := NewForwarding(160, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := rx.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestControlBounded(t *testing.T) {
	c := NewControl(2)
	require.NoError(t, c.TrySend([]byte("a")))
	require.NoError(t, c.TrySend([]byte("b")))
	assert.ErrorIs(t, c.TrySend([]byte("c")), api.ErrFull)

	select {
	case <-c.Ready():
	default:
		t.Fatal("ready not signalled")
	}
	msg, ok := c.TryRecv()
	require.True(t, ok)
	assert.Equal(t, "a", string(msg))

	select {
	case <-c.Ready():
	default:
		t.Fatal("ready not re-signalled while messages remain")
	}
	msg, ok = c.TryRecv()
	require.True(t, ok)
	assert.Equal(t, "b", string(msg))

	_, ok = c.TryRecv()
	assert.False(t, ok)
}

func TestControlClosed(t *testing.T) {
	c := NewControl(4)
	require.NoError(t, c.TrySend([]byte("pending")))
	c.Close()
	c.Close()
	assert.ErrorIs(t, c.TrySend([]byte("late")), api.ErrClosed)
	assert.Equal(t, 0, c.Len())
	assert.True(t, c.Closed())
}

func TestChannelsIndependent(t *testing.T) {
	t.Run("full audio keeps text flowing", func(t *testing.T) {
		tx, _ := NewForwarding(160, 1)
		ctl := NewControl(1)
		fill(t, tx, []byte{1})
		_, err := tx.Acquire()
		require.ErrorIs(t, err, api.ErrFull)
		assert.NoError(t, ctl.TrySend([]byte("hello")))
	})

	t.Run("full control keeps audio flowing", func(t *testing.T) {
		tx, _ := NewForwarding(160, 1)
		ctl := NewControl(1)
		require.NoError(t, ctl.TrySend([]byte("a")))
		require.ErrorIs(t, ctl.TrySend([]byte("b")), api.ErrFull)
		fill(t, tx, []byte{1})
		assert.Equal(t, uint64(1), tx.Committed())
	})
}
