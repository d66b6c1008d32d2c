// Package socketcan adapts github.com/brutella/can, a callback-driven
// SocketCAN binding, into the pull/timeout can.Driver this module's
// services expect.
package socketcan

import (
	"context"

	sockcan "github.com/brutella/can"

	"github.com/canmrex/node/pkg/can"
)

// Bus is a can.Driver backed by a real (or vcan) SocketCAN interface.
// brutella/can delivers frames through a callback running on its own
// goroutine; Bus buffers them into a channel so Receive can be polled with
// a context deadline the way the rest of this module expects.
type Bus struct {
	bus *sockcan.Bus
	rx  chan can.Frame
}

// Open connects to the named SocketCAN interface (e.g. "can0", "vcan0") and
// starts the background publish loop.
func Open(name string) (*Bus, error) {
	raw, err := sockcan.NewBusForInterfaceWithName(name)
	if err != nil {
		return nil, err
	}
	b := &Bus{bus: raw, rx: make(chan can.Frame, 64)}
	raw.Subscribe(b)
	go raw.ConnectAndPublish()
	return b, nil
}

// Handle implements brutella/can's frame-handler interface.
func (b *Bus) Handle(frame sockcan.Frame) {
	f := can.Frame{ID: frame.ID, DLC: frame.Length, Data: frame.Data}
	select {
	case b.rx <- f:
	default:
		// Slow consumer: drop rather than block brutella's publish loop.
	}
}

// Send implements can.Driver.
func (b *Bus) Send(ctx context.Context, frame can.Frame) error {
	done := make(chan error, 1)
	go func() {
		done <- b.bus.Publish(sockcan.Frame{
			ID:     frame.ID,
			Length: frame.DLC,
			Data:   frame.Data,
		})
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive implements can.Driver.
func (b *Bus) Receive(ctx context.Context) (can.Frame, error) {
	select {
	case f := <-b.rx:
		return f, nil
	case <-ctx.Done():
		return can.Frame{}, ctx.Err()
	}
}

// Close implements can.Driver.
func (b *Bus) Close() error {
	return b.bus.Disconnect()
}
