// Package heartbeat implements the heartbeat producer and consumer.
// Structure (logger injection, table-based consumer state) follows
// samsamfire/gocanopen's pkg/heartbeat/consumer.go; the timeout/table
// semantics follow spec.md §4.5 and the original firmware's
// CM_Heartbeat.cpp rather than the teacher's full HBConsumer state
// machine (Unconfigured/Unknown/Active/Timeout events).
package heartbeat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/canmrex/node/pkg/can"
	"github.com/canmrex/node/pkg/emergency"
	"github.com/canmrex/node/pkg/nmt"
)

// ServiceID is the base heartbeat identifier: 0x700 + nodeID.
const ServiceID = 0x700

// MaxNodes bounds the consumer table, matching CM_Heartbeat.cpp's
// heartbeatTable[MAX_NODES].
const MaxNodes = 16

// DefaultIntervalMs is the producer's default self-throttle period.
const DefaultIntervalMs = 1000

// TimeoutMs is the consumer's peer liveness window.
const TimeoutMs = 1500

const transmitTimeout = 100 * time.Millisecond

// peerRecord is one consumer table slot.
type peerRecord struct {
	mode          uint8
	lastHeartbeat time.Time
	seen          bool
}

// Clock returns the current monotonic time; overridable in tests.
type Clock func() time.Time

// ModeGetter exposes the node's current operating mode to the producer.
type ModeGetter interface {
	Mode() nmt.OperatingMode
}

// Heartbeat owns both the producer (this node's own emission) and the
// consumer (the peer liveness table).
type Heartbeat struct {
	driver      can.Driver
	nodeID      uint8
	logger      *slog.Logger
	emcy        *emergency.EMCY
	modeGetter  ModeGetter
	now         Clock
	intervalMs  uint32 // mirrors OD 0x1017, read by the caller on config
	lastSendMs  time.Time
	sentOnce    bool

	mu             sync.Mutex
	table          [MaxNodes]peerRecord
	lastTimeoutChk time.Time
}

// New constructs the heartbeat service. now defaults to time.Now.
func New(driver can.Driver, nodeID uint8, modeGetter ModeGetter, emcy *emergency.EMCY, logger *slog.Logger, now Clock) *Heartbeat {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Heartbeat{
		driver:     driver,
		nodeID:     nodeID,
		modeGetter: modeGetter,
		emcy:       emcy,
		logger:     logger.With("service", "[HB]"),
		now:        now,
		intervalMs: DefaultIntervalMs,
	}
}

// SetInterval updates the self-throttle period, typically mirroring a
// write to OD 0x1017.
func (h *Heartbeat) SetInterval(ms uint32) {
	h.intervalMs = ms
}

// Produce emits a heartbeat frame if the configured interval has elapsed
// since the last successful transmit. Self-gated, so calling it every tick
// is safe.
func (h *Heartbeat) Produce(ctx context.Context) {
	now := h.now()
	if h.sentOnce && now.Sub(h.lastSendMs) < time.Duration(h.intervalMs)*time.Millisecond {
		return
	}
	frame := can.NewFrame(ServiceID+uint32(h.nodeID), []byte{byte(h.modeGetter.Mode())})
	sendCtx, cancel := context.WithTimeout(ctx, transmitTimeout)
	err := h.driver.Send(sendCtx, frame)
	cancel()
	if err != nil {
		h.logger.Warn("heartbeat transmit failed", "error", err)
		return
	}
	h.sentOnce = true
	h.lastSendMs = now
}

// Handle records an incoming peer heartbeat frame.
func (h *Heartbeat) Handle(frame can.Frame) {
	if frame.DLC < 1 {
		return
	}
	k := int(frame.ID - ServiceID)
	if k < 0 || k >= MaxNodes {
		return
	}
	h.mu.Lock()
	h.table[k] = peerRecord{mode: frame.Data[0], lastHeartbeat: h.now(), seen: true}
	h.mu.Unlock()
}

// Matches reports whether frame.ID is a consumer-tracked heartbeat
// identifier.
func Matches(id uint32) bool {
	return id >= ServiceID && id < ServiceID+MaxNodes
}

// CheckTimeouts scans the consumer table for peers silent longer than
// TimeoutMs, emitting a major EMCY 0x00000101 per timed-out peer. It
// self-throttles to at most once per second, matching CM_Heartbeat.cpp,
// and is only invoked when the engine opts in (default off per spec §4.1).
func (h *Heartbeat) CheckTimeouts(ctx context.Context) {
	now := h.now()
	h.mu.Lock()
	if !h.lastTimeoutChk.IsZero() && now.Sub(h.lastTimeoutChk) < time.Second {
		h.mu.Unlock()
		return
	}
	h.lastTimeoutChk = now
	var timedOut []uint8
	for k := range h.table {
		rec := h.table[k]
		if rec.seen && now.Sub(rec.lastHeartbeat) > TimeoutMs*time.Millisecond {
			timedOut = append(timedOut, uint8(k))
		}
	}
	h.mu.Unlock()

	for _, peer := range timedOut {
		h.logger.Warn("peer heartbeat timeout", "peer", peer)
		h.emcy.SendFor(ctx, emergency.Major, peer, 0x00000101)
	}
}
