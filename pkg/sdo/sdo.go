// Package sdo implements expedited Service Data Object transfer: the
// server half addressed to this node and the client half used to configure
// peers. Only expedited (single-frame, 1/2/4-byte) transfers are in scope;
// segmented and block transfer are out of scope per spec.md's non-goals,
// unlike samsamfire/gocanopen's pkg/sdo this is modeled on, which
// implements the full state machine including both.
package sdo

import (
	"encoding/binary"
	"errors"
)

// ServerBaseID and ClientBaseID are the identifier offsets the protocol
// reserves either side of an expedited transfer: requests arrive at
// ServerBaseID+nodeID, responses are sent from ClientBaseID+nodeID.
const (
	ServerBaseID uint32 = 0x600
	ClientBaseID uint32 = 0x580
)

// Request command bytes (client -> server).
const (
	cmdReadReq   byte = 0x40
	cmdWrite1Req byte = 0x2F
	cmdWrite2Req byte = 0x2B
	cmdWrite4Req byte = 0x23
)

// Response command bytes (server -> client).
const (
	cmdRead1Resp  byte = 0x4F
	cmdRead2Resp  byte = 0x4B
	cmdRead4Resp  byte = 0x43
	cmdWriteResp  byte = 0x60
	cmdAbortResp  byte = 0x80
)

// Sentinel errors. Every one of these corresponds to an EMCY code raised at
// the call site per spec §4.6/§7; the package itself never emits EMCY
// directly, leaving that to Server/Client so the mapping stays in one
// place.
var (
	ErrUnknownCommand  = errors.New("sdo: unknown command byte")
	ErrSizeMismatch    = errors.New("sdo: write size does not match OD entry size")
	ErrUnsupportedSize = errors.New("sdo: OD entry size is not 1, 2 or 4 bytes")
	ErrAccessDenied    = errors.New("sdo: access violation")
	ErrAbort           = errors.New("sdo: remote abort received")
	ErrTimeout         = errors.New("sdo: response timeout")
	ErrUnexpectedResp  = errors.New("sdo: unexpected response command")
	ErrInvalidSize     = errors.New("sdo: size must be 1, 2 or 4 bytes")
)

// buildFrameData assembles the common 8-byte expedited layout:
// [cmd, idxLo, idxHi, sub, data0..3]. value is truncated to the declared
// size and the tail is zero-padded, per the wire layout in spec §6.
func buildFrameData(cmd byte, index uint16, sub uint8, value uint32, size int) [8]byte {
	var data [8]byte
	data[0] = cmd
	binary.LittleEndian.PutUint16(data[1:3], index)
	data[3] = sub
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	copy(data[4:4+size], buf[:size])
	return data
}

func readCommandFor(size uint8) (byte, bool) {
	switch size {
	case 1:
		return cmdRead1Resp, true
	case 2:
		return cmdRead2Resp, true
	case 4:
		return cmdRead4Resp, true
	default:
		return 0, false
	}
}

func writeCommandFor(size int) (byte, bool) {
	switch size {
	case 1:
		return cmdWrite1Req, true
	case 2:
		return cmdWrite2Req, true
	case 4:
		return cmdWrite4Req, true
	default:
		return 0, false
	}
}

func respSizeFor(cmd byte) (int, bool) {
	switch cmd {
	case cmdRead1Resp:
		return 1, true
	case cmdRead2Resp:
		return 2, true
	case cmdRead4Resp:
		return 4, true
	default:
		return 0, false
	}
}
