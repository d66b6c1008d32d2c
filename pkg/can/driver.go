package can

import (
	"context"
	"errors"
)

// ErrClosed is returned by Send/Receive once the driver has been closed.
var ErrClosed = errors.New("can: driver closed")

// Driver is the transceiver primitive every service in this module is built
// on: a single outgoing frame at a time, and a blocking pull for the next
// incoming one. Every timeout in this module (the 5ms dispatcher poll, the
// 10ms PDO/SDO transmit budget, the 50ms SDO client poll, ...) is expressed
// as a context deadline on Receive/Send rather than a driver-level timer, so
// a Driver implementation never needs to know CANopen timing at all.
type Driver interface {
	// Send transmits a frame, blocking at most until ctx is done.
	Send(ctx context.Context, frame Frame) error
	// Receive blocks for the next frame until one arrives or ctx is done.
	// A ctx deadline expiring is reported as ctx.Err(), not as ErrClosed.
	Receive(ctx context.Context) (Frame, error)
	// Close releases the underlying transport. Send/Receive return
	// ErrClosed afterwards.
	Close() error
}
