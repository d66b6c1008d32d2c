package pdo

import (
	"context"
	"encoding/binary"
	"log/slog"
	"time"

	"github.com/canmrex/node/pkg/can"
	"github.com/canmrex/node/pkg/emergency"
	"github.com/canmrex/node/pkg/od"
)

const transmitTimeout = 10 * time.Millisecond

// tpdoState is one TPDO channel's communication parameters, mapping and
// transmission-scheduler state, per spec §3.
type tpdoState struct {
	comm    CommParams
	mapping Mapping

	lastTxMs    time.Time // baseline for inhibit/event-timer comparisons; set at configure time and on every successful transmit
	lastPayload [8]byte
	lastLen    int
	lastValid  bool
	dirty      bool
}

// rpdoState is one RPDO channel's communication parameters and mapping.
type rpdoState struct {
	comm    CommParams
	mapping Mapping
}

// Engine owns all four TPDO and four RPDO channels for a node: their
// communication parameters, mapping lists, and (for TPDOs) the
// dirty/inhibit/event-timer scheduler state. It does not own OD storage -
// only the dictionary reference needed to pack/unpack against it.
type Engine struct {
	driver can.Driver
	dict   *od.ObjectDictionary
	emcy   *emergency.EMCY
	logger *slog.Logger
	now    func() time.Time

	nodeID uint8
	tpdo   [NumChannels]tpdoState
	rpdo   [NumChannels]rpdoState
}

// NewEngine constructs a PDO engine. Its channels hold zero-valued
// communication parameters until Init assigns each one its standard
// default COB-ID, disabled.
func NewEngine(driver can.Driver, dict *od.ObjectDictionary, emcy *emergency.EMCY, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		driver: driver,
		dict:   dict,
		emcy:   emcy,
		logger: logger.With("service", "[PDO]"),
		now:    time.Now,
	}
}

// SetClock overrides the engine's time source. Exposed for tests driving
// the event-timer/inhibit scheduler against a fake clock; production
// callers never need it since NewEngine already defaults to time.Now.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Init resets every channel to its standard default COB-ID (disabled) for
// the given node ID. Call once during node bring-up, after NewEngine and
// before any ConfigureTPDO/ConfigureRPDO call.
func (e *Engine) Init(nodeID uint8) {
	e.nodeID = nodeID
	for i := 0; i < NumChannels; i++ {
		e.tpdo[i].comm = CommParams{CobID: DefaultTPDOCobID(i, nodeID)}
		e.rpdo[i].comm = CommParams{CobID: DefaultRPDOCobID(i, nodeID)}
	}
}

// ConfigureTPDO sets channel i's communication parameters. The channel's
// inhibit/event-timer baseline is reset to now, so a freshly (re)configured
// channel's first transmission is scheduled event_timer ms out rather than
// firing immediately.
func (e *Engine) ConfigureTPDO(i int, comm CommParams) error {
	if i < 0 || i >= NumChannels {
		return ErrChannelIndex
	}
	e.tpdo[i].comm = comm
	e.tpdo[i].lastTxMs = e.now()
	e.tpdo[i].lastValid = false
	e.tpdo[i].dirty = false
	return nil
}

// ConfigureRPDO sets channel i's communication parameters.
func (e *Engine) ConfigureRPDO(i int, comm CommParams) error {
	if i < 0 || i >= NumChannels {
		return ErrChannelIndex
	}
	e.rpdo[i].comm = comm
	return nil
}

// MapTPDO sets channel i's mapping list.
func (e *Engine) MapTPDO(i int, mapping Mapping) error {
	if i < 0 || i >= NumChannels {
		return ErrChannelIndex
	}
	if err := mapping.Validate(); err != nil {
		return err
	}
	e.tpdo[i].mapping = mapping
	return nil
}

// MapRPDO sets channel i's mapping list.
func (e *Engine) MapRPDO(i int, mapping Mapping) error {
	if i < 0 || i >= NumChannels {
		return ErrChannelIndex
	}
	if err := mapping.Validate(); err != nil {
		return err
	}
	e.rpdo[i].mapping = mapping
	return nil
}

// MarkTpdoDirty is the application-facing hook requesting an event-driven
// send of channel i on the next ServiceTPDOs call.
func (e *Engine) MarkTpdoDirty(i int) error {
	if i < 0 || i >= NumChannels {
		return ErrChannelIndex
	}
	e.tpdo[i].dirty = true
	return nil
}

// packTPDO packs channel i's mapped OD values into a wire payload, per
// spec §4.4. Any failure raises minor EMCY 0x00000401.
func (e *Engine) packTPDO(ctx context.Context, i int) ([8]byte, int, error) {
	var payload [8]byte
	ch := &e.tpdo[i]
	if !ch.comm.Enabled() {
		return payload, 0, ErrChannelDisabled
	}
	offset := 0
	for _, m := range ch.mapping {
		if m.LenBits%8 != 0 {
			e.emcy.Send(ctx, emergency.Minor, 0x00000401)
			return payload, 0, ErrBadLenBits
		}
		n := int(m.LenBits) / 8
		if offset+n > MaxPayloadBytes {
			e.emcy.Send(ctx, emergency.Minor, 0x00000401)
			return payload, 0, ErrMappingOverflow
		}
		entry, err := e.dict.Find(m.Index, m.SubIndex)
		if err != nil {
			e.emcy.Send(ctx, emergency.Minor, 0x00000401)
			return payload, 0, err
		}
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], entry.ReadLE())
		copy(payload[offset:offset+n], buf[:n])
		offset += n
	}
	return payload, offset, nil
}

// unpackRPDO writes an incoming frame's payload into channel i's mapped OD
// entries, per spec §4.4. The sum of mapped sizes must equal the frame's
// DLC exactly, and each entry's declared OD size must equal its mapping's
// len_bits/8, or the write is rejected with minor EMCY 0x00000402 and no OD
// storage is mutated (testable property 4).
func (e *Engine) unpackRPDO(ctx context.Context, i int, data []byte) error {
	ch := &e.rpdo[i]
	if !ch.comm.Enabled() {
		return ErrChannelDisabled
	}
	if ch.mapping.ByteLen() != len(data) {
		e.emcy.Send(ctx, emergency.Minor, 0x00000402)
		return ErrDLCMismatch
	}
	// Resolve and validate every entry before mutating anything, so a
	// failure partway through the mapping list never leaves OD storage
	// partially written.
	entries := make([]*od.Entry, len(ch.mapping))
	offset := 0
	for idx, m := range ch.mapping {
		entry, err := e.dict.Find(m.Index, m.SubIndex)
		if err != nil {
			e.emcy.Send(ctx, emergency.Minor, 0x00000402)
			return err
		}
		if int(entry.Size) != int(m.LenBits)/8 {
			e.emcy.Send(ctx, emergency.Minor, 0x00000402)
			return ErrDLCMismatch
		}
		entries[idx] = entry
		offset += int(entry.Size)
	}
	offset = 0
	for idx, m := range ch.mapping {
		n := int(m.LenBits) / 8
		var buf [4]byte
		copy(buf[:n], data[offset:offset+n])
		entries[idx].WriteLE(binary.LittleEndian.Uint32(buf[:]))
		offset += n
	}
	return nil
}

// MatchesRPDO reports whether id falls in the RPDO consumer's identifier
// range (0x180..0x57F per the dispatcher's routing table).
func (e *Engine) MatchesRPDO(id uint32) bool {
	return id >= 0x180 && id <= 0x57F
}

// ProcessRPDO selects the first enabled channel (0..3) whose masked COB-ID
// matches frame.ID and unpacks it. Frames matching no channel are silently
// dropped, per spec §4.4/§9 (open question: whether this should raise a
// diagnostic EMCY is left unresolved by the source).
func (e *Engine) ProcessRPDO(ctx context.Context, frame can.Frame) {
	for i := 0; i < NumChannels; i++ {
		ch := &e.rpdo[i]
		if !ch.comm.Enabled() || ch.comm.WireID() != frame.ID {
			continue
		}
		if err := e.unpackRPDO(ctx, i, frame.Data[:frame.DLC]); err != nil {
			e.emcy.Send(ctx, emergency.Minor, 0x00000404)
		}
		return
	}
}

// ServiceTPDOs is the transmission scheduler of spec §4.4: for each
// enabled channel in index order, it determines whether the channel is
// due (event timer elapsed, or marked dirty), enforces the inhibit-time
// floor, packs and coalesces against the last transmitted payload, and
// transmits.
func (e *Engine) ServiceTPDOs(ctx context.Context) {
	now := e.now()
	for i := 0; i < NumChannels; i++ {
		e.serviceOne(ctx, i, now)
	}
}

func (e *Engine) serviceOne(ctx context.Context, i int, now time.Time) {
	ch := &e.tpdo[i]
	if !ch.comm.Enabled() || !ch.comm.Asynchronous() {
		return
	}

	due := ch.dirty
	if ch.comm.EventTimer > 0 && now.Sub(ch.lastTxMs) >= time.Duration(ch.comm.EventTimer)*time.Millisecond {
		due = true
	}
	if !due {
		return
	}

	if ch.comm.InhibitTime > 0 && now.Sub(ch.lastTxMs) < time.Duration(ch.comm.InhibitTime)*time.Millisecond {
		return // inhibited: dirty stays set for the next tick
	}

	payload, n, err := e.packTPDO(ctx, i)
	if err != nil {
		return // EMCY already raised by packTPDO
	}

	if ch.lastValid && ch.lastLen == n && ch.lastPayload == payload {
		ch.dirty = false
		return // coalesced: unchanged payload, no wire traffic
	}

	sendCtx, cancel := context.WithTimeout(ctx, transmitTimeout)
	sendErr := e.driver.Send(sendCtx, can.NewFrame(ch.comm.WireID(), payload[:n]))
	cancel()
	if sendErr != nil {
		e.logger.Warn("TPDO transmit failed", "channel", i, "error", sendErr)
		e.emcy.Send(ctx, emergency.Minor, 0x00000403)
		return
	}

	ch.lastTxMs = now
	ch.lastPayload = payload
	ch.lastLen = n
	ch.lastValid = true
	ch.dirty = false
}
