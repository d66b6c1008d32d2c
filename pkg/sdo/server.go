package sdo

import (
	"context"
	"encoding/binary"
	"log/slog"

	"github.com/canmrex/node/pkg/can"
	"github.com/canmrex/node/pkg/emergency"
	"github.com/canmrex/node/pkg/od"
)

// AccessViolationCode is the EMCY code this implementation allocates for an
// SDO access violation (read from a write-only entry, write to a
// read-only one). spec.md §9 reserves this as an implementer choice; it is
// the first value after the SDO client codes 0x00000006..0x0000000A.
const AccessViolationCode uint32 = 0x0000000B

// Server handles expedited SDO requests addressed to this node, per
// spec §4.6. It owns no state beyond its dependencies: the dictionary it
// serves, the driver it replies on, and the EMCY sink for error reporting.
type Server struct {
	driver can.Driver
	dict   *od.ObjectDictionary
	nodeID uint8
	emcy   *emergency.EMCY
	logger *slog.Logger
}

// NewServer builds an SDO server bound to dict and nodeID.
func NewServer(driver can.Driver, dict *od.ObjectDictionary, nodeID uint8, emcy *emergency.EMCY, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{driver: driver, dict: dict, nodeID: nodeID, emcy: emcy, logger: logger.With("service", "[SDO-srv]")}
}

// Matches reports whether frame.ID is this node's SDO server request
// identifier.
func (s *Server) Matches(id uint32) bool {
	return id == ServerBaseID+uint32(s.nodeID)
}

// Handle processes one incoming SDO server request frame. It never emits a
// response frame on error, matching spec §4.6's "do not emit a response in
// this design" error policy - only EMCY reports the failure.
func (s *Server) Handle(ctx context.Context, frame can.Frame) {
	if frame.DLC != 8 {
		return
	}
	cmd := frame.Data[0]
	index := binary.LittleEndian.Uint16(frame.Data[1:3])
	sub := frame.Data[3]

	switch cmd {
	case cmdReadReq:
		s.handleRead(ctx, index, sub)
	case cmdWrite1Req:
		s.handleWrite(ctx, index, sub, frame.Data[4:8], 1)
	case cmdWrite2Req:
		s.handleWrite(ctx, index, sub, frame.Data[4:8], 2)
	case cmdWrite4Req:
		s.handleWrite(ctx, index, sub, frame.Data[4:8], 4)
	default:
		s.logger.Warn("unknown SDO request command", "cmd", cmd)
		s.emcy.Send(ctx, emergency.Minor, 0x00000003)
	}
}

func (s *Server) handleRead(ctx context.Context, index uint16, sub uint8) {
	entry, err := s.dict.Find(index, sub)
	if err != nil {
		s.logger.Warn("SDO read: entry not found", "index", index, "sub", sub)
		s.emcy.Send(ctx, emergency.Minor, 0x00000001)
		return
	}
	if !entry.Access.Readable() {
		s.logger.Warn("SDO read: access violation", "index", index, "sub", sub)
		s.emcy.Send(ctx, emergency.Minor, AccessViolationCode)
		return
	}
	respCmd, ok := readCommandFor(entry.Size)
	if !ok {
		s.logger.Warn("SDO read: unsupported OD size", "index", index, "sub", sub, "size", entry.Size)
		s.emcy.Send(ctx, emergency.Minor, 0x00000002)
		return
	}
	data := buildFrameData(respCmd, index, sub, entry.ReadLE(), int(entry.Size))
	s.reply(ctx, data)
}

func (s *Server) handleWrite(ctx context.Context, index uint16, sub uint8, value []byte, size int) {
	entry, err := s.dict.Find(index, sub)
	if err != nil {
		s.logger.Warn("SDO write: entry not found", "index", index, "sub", sub)
		s.emcy.Send(ctx, emergency.Minor, 0x00000001)
		return
	}
	if !entry.Access.Writable() {
		s.logger.Warn("SDO write: access violation", "index", index, "sub", sub)
		s.emcy.Send(ctx, emergency.Minor, AccessViolationCode)
		return
	}
	if int(entry.Size) != size {
		s.logger.Warn("SDO write: size mismatch", "index", index, "sub", sub, "odSize", entry.Size, "reqSize", size)
		s.emcy.Send(ctx, emergency.Minor, 0x00000004)
		return
	}
	entry.WriteLE(binary.LittleEndian.Uint32(value))
	data := buildFrameData(cmdWriteResp, index, sub, 0, 0)
	s.reply(ctx, data)
}

func (s *Server) reply(ctx context.Context, data [8]byte) {
	frame := can.NewFrame(ClientBaseID+uint32(s.nodeID), data[:])
	sendCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	if err := s.driver.Send(sendCtx, frame); err != nil {
		s.logger.Warn("SDO response transmit failed", "error", err)
		s.emcy.Send(ctx, emergency.Minor, 0x00000005)
	}
}
