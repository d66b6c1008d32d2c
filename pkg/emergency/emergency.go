// Package emergency implements the EMCY producer and consumer: the bus's
// error-reporting channel, including the minor-to-major escalation policy.
// Structure follows samsamfire/gocanopen's pkg/emergency (logger injection,
// BusManager-style driver dependency), trimmed to the priority/counter
// model this node's spec defines rather than the full CiA-301 error
// register/history it implements.
package emergency

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/canmrex/node/pkg/can"
)

// ServiceID is the base identifier EMCY frames are transmitted to/from:
// 0x080 + nodeID.
const ServiceID = 0x080

// Priority selects escalation behavior for an emitted EMCY frame.
type Priority uint8

const (
	Major Priority = 0x00
	Minor Priority = 0x01
)

// EscalationThreshold is the number of consecutive minor errors that force
// a major escalation, per spec §4.3.
const EscalationThreshold = 5

// EscalationCode is the error code emitted when the minor counter reaches
// EscalationThreshold.
const EscalationCode uint32 = 0x00000301

const transmitTimeout = 100 * time.Millisecond

var ErrTransmitFailed = errors.New("emergency: transmit failed")

// StateSetter is the minimal hook EMCY needs into the engine's operating
// mode: a major error forces the node to Stopped.
type StateSetter interface {
	SetStopped()
}

// EMCY is both the producer and the consumer of emergency frames for a
// single node.
type EMCY struct {
	mu       sync.Mutex
	driver   can.Driver
	nodeID   uint8
	logger   *slog.Logger
	state    StateSetter
	minorCnt int
}

// New builds an EMCY service bound to driver and nodeID. state receives the
// Stopped transition a major error triggers. A nil logger uses slog's
// default.
func New(driver can.Driver, nodeID uint8, state StateSetter, logger *slog.Logger) *EMCY {
	if logger == nil {
		logger = slog.Default()
	}
	return &EMCY{
		driver: driver,
		nodeID: nodeID,
		state:  state,
		logger: logger.With("service", "[EMCY]"),
	}
}

// Send emits an emergency frame identifying this node, with the given
// priority and error code. Minor errors accumulate toward
// EscalationThreshold; reaching it resets the counter and recursively
// emits a major EscalationCode instead of the original frame.
func (e *EMCY) Send(ctx context.Context, priority Priority, errorCode uint32) {
	e.SendFor(ctx, priority, e.nodeID, errorCode)
}

// SendFor emits an emergency frame on behalf of targetNodeID rather than
// this node: the wire identifier is 0x080+targetNodeID and data[1] ==
// targetNodeID, matching the source's free-function sendEMCY(priority,
// nodeID, errorCode) signature where nodeID is a parameter, not implicitly
// self. This is how CM_Heartbeat.cpp reports a silent peer's timeout
// (sendEMCY(0x00, i, 0x00000101), i being the peer's index) without that
// peer having to transmit about itself. A Major priority still transitions
// this node to Stopped regardless of whose ID is on the wire, since that
// transition reflects this node's own reaction to the condition.
func (e *EMCY) SendFor(ctx context.Context, priority Priority, targetNodeID uint8, errorCode uint32) {
	e.mu.Lock()
	if priority == Major {
		e.state.SetStopped()
	} else {
		e.minorCnt++
		if e.minorCnt >= EscalationThreshold {
			e.minorCnt = 0
			e.mu.Unlock()
			e.logger.Warn("minor EMCY threshold reached, escalating", "code", errorCode)
			e.SendFor(ctx, Major, targetNodeID, EscalationCode)
			return
		}
	}
	e.mu.Unlock()
	e.transmit(ctx, priority, targetNodeID, errorCode)
}

func (e *EMCY) transmit(ctx context.Context, priority Priority, targetNodeID uint8, errorCode uint32) {
	data := make([]byte, 6)
	data[0] = byte(priority)
	data[1] = targetNodeID
	binary.LittleEndian.PutUint32(data[2:], errorCode)
	frame := can.NewFrame(uint32(ServiceID)+uint32(targetNodeID), data)

	for attempt := 0; attempt < 2; attempt++ {
		sendCtx, cancel := context.WithTimeout(ctx, transmitTimeout)
		err := e.driver.Send(sendCtx, frame)
		cancel()
		if err == nil {
			return
		}
		e.logger.Warn("EMCY transmit failed", "attempt", attempt, "error", err)
	}
	e.logger.Error("EMCY transmit failed twice, giving up", "code", errorCode)
}

// Handle processes an incoming EMCY frame from a peer: data[0] == 0x00
// forces Stopped, data[0] == 0x01 increments the minor counter. No other
// fields are interpreted, matching the consumer contract in spec §4.3.
func (e *EMCY) Handle(frame can.Frame) {
	if frame.DLC < 1 {
		return
	}
	switch frame.Data[0] {
	case byte(Major):
		e.state.SetStopped()
	case byte(Minor):
		e.mu.Lock()
		e.minorCnt++
		e.mu.Unlock()
	}
}

// Matches reports whether frame.ID falls in the EMCY consumer's identifier
// range (0x081..0x0FF per the dispatcher's routing table).
func Matches(id uint32) bool {
	return id >= 0x081 && id <= 0x0FF
}
