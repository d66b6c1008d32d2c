// Package nmt implements Network Management: the state gate that
// selectively enables PDO/SDO service elsewhere in the engine. Structure
// (logger injection, driver dependency) follows samsamfire/gocanopen's
// pkg/nmt/nmt.go; the state values and transition rule are this node's own
// (no validation, unlike the teacher's full CiA-301 NMT state machine).
package nmt

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/canmrex/node/pkg/can"
	"github.com/canmrex/node/pkg/emergency"
)

// ServiceID is the NMT command identifier: always 0x000.
const ServiceID = 0x000

// OperatingMode is the node's single-byte state. Only the three named
// values are meaningful; any other byte received over the wire is stored
// verbatim (spec §9: "accepts any byte value... without validation").
type OperatingMode uint8

const (
	Operational    OperatingMode = 0x01
	Stopped        OperatingMode = 0x02
	PreOperational OperatingMode = 0x80
)

const transmitTimeout = 100 * time.Millisecond

// NMT owns the node's operating mode and the NMT producer/consumer pair.
type NMT struct {
	mu     sync.RWMutex
	driver can.Driver
	nodeID uint8
	logger *slog.Logger
	emcy   *emergency.EMCY
	mode   OperatingMode
}

// New constructs the NMT service with the node starting in Stopped, per
// spec §3.
func New(driver can.Driver, nodeID uint8, emcy *emergency.EMCY, logger *slog.Logger) *NMT {
	if logger == nil {
		logger = slog.Default()
	}
	return &NMT{
		driver: driver,
		nodeID: nodeID,
		emcy:   emcy,
		logger: logger.With("service", "[NMT]"),
		mode:   Stopped,
	}
}

// SetEmergency wires the EMCY service used by SendCommand after
// construction, breaking the NMT/EMCY constructor cycle (EMCY's
// StateSetter dependency is NMT itself).
func (n *NMT) SetEmergency(emcy *emergency.EMCY) {
	n.emcy = emcy
}

// Mode returns the current operating mode.
func (n *NMT) Mode() OperatingMode {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.mode
}

// SetStopped forces the node into Stopped. It is the hook EMCY uses on a
// major error and satisfies emergency.StateSetter.
func (n *NMT) SetStopped() {
	n.mu.Lock()
	n.mode = Stopped
	n.mu.Unlock()
}

// Handle processes an incoming NMT command frame. data[1] is the target
// node ID; frames not addressed to this node are ignored. data[0] becomes
// the new operating mode unconditionally.
func (n *NMT) Handle(frame can.Frame) {
	if frame.DLC < 2 {
		return
	}
	if frame.Data[1] != n.nodeID {
		return
	}
	n.mu.Lock()
	n.mode = OperatingMode(frame.Data[0])
	n.mu.Unlock()
	n.logger.Debug("operating mode set by NMT command", "mode", frame.Data[0])
}

// SendCommand emits an NMT state-change command addressed to target. On
// transmit failure it raises a major EMCY 0x00000201.
func (n *NMT) SendCommand(ctx context.Context, state OperatingMode, target uint8) {
	frame := can.NewFrame(ServiceID, []byte{byte(state), target})
	sendCtx, cancel := context.WithTimeout(ctx, transmitTimeout)
	defer cancel()
	if err := n.driver.Send(sendCtx, frame); err != nil {
		n.logger.Warn("NMT command transmit failed", "error", err)
		n.emcy.Send(ctx, emergency.Major, 0x00000201)
	}
}

// Matches reports whether frame.ID is the NMT identifier.
func Matches(id uint32) bool {
	return id == ServiceID
}
