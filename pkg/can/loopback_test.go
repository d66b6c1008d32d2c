package can

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoopbackBroadcastsToAllEndpoints(t *testing.T) {
	bus := NewLoopbackBus()
	a := bus.Open()
	b := bus.Open()
	defer a.Close()
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	frame := NewFrame(0x123, []byte{0x01, 0x02})
	require.NoError(t, a.Send(ctx, frame))

	got, err := b.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, frame, got)
}

func TestLoopbackDoesNotEchoToSender(t *testing.T) {
	bus := NewLoopbackBus()
	a := bus.Open()
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Millisecond)
	defer cancel()
	require.NoError(t, a.Send(ctx, NewFrame(0x1, nil)))

	_, err := a.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLoopbackReceiveTimesOut(t *testing.T) {
	bus := NewLoopbackBus()
	ep := bus.Open()
	defer ep.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := ep.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLoopbackSendAfterCloseFails(t *testing.T) {
	bus := NewLoopbackBus()
	ep := bus.Open()
	require.NoError(t, ep.Close())

	ctx := context.Background()
	err := ep.Send(ctx, NewFrame(0x1, nil))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNewFramePanicsOnOversizedPayload(t *testing.T) {
	assert.Panics(t, func() {
		NewFrame(0x1, make([]byte, 9))
	})
}
