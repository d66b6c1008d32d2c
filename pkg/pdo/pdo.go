// Package pdo implements the Process Data Object engine: four TPDO
// (outgoing) and four RPDO (incoming) channels, their communication
// parameters and byte-aligned mappings, and the dirty/inhibit/event-timer
// transmission scheduler. Structure (per-channel comm params, mapping
// validation, logger injection) follows samsamfire/gocanopen's
// pkg/pdo/tpdo.go and common.go; the scheduling model is cooperative and
// single-threaded per spec §5, not goroutine/timer-driven like the
// teacher's.
package pdo

import "errors"

// NumChannels is the fixed number of TPDO and RPDO channels per node.
const NumChannels = 4

// MaxMappingEntries bounds a channel's mapping list.
const MaxMappingEntries = 8

// MaxPayloadBytes bounds a channel's packed payload.
const MaxPayloadBytes = 8

// DisabledBit is bit 31 of a COB-ID: set means the channel is disabled.
const DisabledBit = uint32(1) << 31

// CobIDMask extracts the 11-bit wire identifier from a 32-bit COB-ID.
const CobIDMask = 0x7FF

var (
	ErrChannelIndex   = errors.New("pdo: channel index out of range")
	ErrMappingOverflow = errors.New("pdo: mapping exceeds 8 entries or 8 bytes")
	ErrBadLenBits     = errors.New("pdo: len_bits must be 8, 16 or 32")
	ErrChannelDisabled = errors.New("pdo: channel disabled")
	ErrDLCMismatch    = errors.New("pdo: dlc does not match mapped size")
)

// DefaultTPDOCobID returns the standard default COB-ID for TPDO channel i
// on nodeID, disabled (bit 31 set).
func DefaultTPDOCobID(i int, nodeID uint8) uint32 {
	return DisabledBit | (0x180 + uint32(i)*0x100 + uint32(nodeID))
}

// DefaultRPDOCobID returns the standard default COB-ID for RPDO channel i
// on nodeID, disabled (bit 31 set).
func DefaultRPDOCobID(i int, nodeID uint8) uint32 {
	return DisabledBit | (0x200 + uint32(i)*0x100 + uint32(nodeID))
}
