// Package node wires the individual CANopen services - object dictionary,
// EMCY, NMT, heartbeat, PDO engine, SDO server/client - into the single
// Engine value the dispatcher owns, per spec.md's design note that a
// systems-language rewrite "should enclose all of this in a single engine
// value owned by the dispatcher." Structure (one struct aggregating every
// service, a single Tick entry point) follows samsamfire/gocanopen's
// pkg/node.BaseNode/Node, trimmed to this node's single-thread,
// re-entrant-dispatch model instead of the teacher's goroutine-per-service
// Process loops.
package node

import (
	"context"
	"log/slog"
	"time"

	"github.com/canmrex/node/pkg/can"
	"github.com/canmrex/node/pkg/emergency"
	"github.com/canmrex/node/pkg/heartbeat"
	"github.com/canmrex/node/pkg/nmt"
	"github.com/canmrex/node/pkg/od"
	"github.com/canmrex/node/pkg/pdo"
	"github.com/canmrex/node/pkg/sdo"
)

// receiveTimeout is the dispatcher's poll budget for acquiring the next
// frame off the driver each tick, per spec §5.
const receiveTimeout = 5 * time.Millisecond

// Config bundles the engine's construction-time knobs.
type Config struct {
	NodeID uint8
	// EnableHeartbeatConsumer restores CM_Heartbeat.cpp's peer-timeout
	// check, commented out in the vendored firmware's main loop because
	// that node is a pure heartbeat producer. Default off.
	EnableHeartbeatConsumer bool
	Logger                  *slog.Logger
}

// Engine is the single value owning every piece of mutable protocol state:
// the object dictionary, PDO channel tables, the EMCY counter and the
// operating mode (inside NMT). All of it is touched only from Tick's
// caller, per spec §5 - no locking beyond what individual services already
// do for safe concurrent reads from other goroutines (e.g. a gateway
// querying Mode()).
type Engine struct {
	nodeID uint8
	driver can.Driver
	dict   *od.ObjectDictionary
	logger *slog.Logger

	emcy      *emergency.EMCY
	nmt       *nmt.NMT
	heartbeat *heartbeat.Heartbeat
	pdoEngine *pdo.Engine
	sdoServer *sdo.Server
	sdoClient *sdo.Client

	enableHBConsumer bool
}

// New builds an Engine against dict. The dictionary's mandatory defaults
// are assumed already registered by the caller (see od.RegisterDefaults).
// NMT and EMCY are built first (EMCY's Stopped hook is NMT), then the
// heartbeat service, whose interval is taken from 0x1017:00 when that entry
// exists, then the PDO engine with every channel reset to its disabled
// default COB-ID, and last the SDO server and client. The returned error is
// always nil.
func New(driver can.Driver, dict *od.ObjectDictionary, cfg Config) (*Engine, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		nodeID:           cfg.NodeID,
		driver:           driver,
		dict:             dict,
		logger:           logger.With("service", "[ENGINE]"),
		enableHBConsumer: cfg.EnableHeartbeatConsumer,
	}

	e.nmt = nmt.New(driver, cfg.NodeID, nil, logger)
	e.emcy = emergency.New(driver, cfg.NodeID, e.nmt, logger)
	e.nmt.SetEmergency(e.emcy)
	e.heartbeat = heartbeat.New(driver, cfg.NodeID, e.nmt, e.emcy, logger, nil)
	if entry, err := dict.Find(od.IndexHeartbeatInterval, 0); err == nil {
		e.heartbeat.SetInterval(entry.ReadLE())
	}
	e.pdoEngine = pdo.NewEngine(driver, dict, e.emcy, logger)
	e.pdoEngine.Init(cfg.NodeID)
	e.sdoServer = sdo.NewServer(driver, dict, cfg.NodeID, e.emcy, logger)
	e.sdoClient = sdo.NewClient(driver, cfg.NodeID, e.emcy, e.redispatch)

	return e, nil
}

// Mode returns the node's current operating mode.
func (e *Engine) Mode() nmt.OperatingMode { return e.nmt.Mode() }

// PDO returns the PDO engine, for application code configuring channels
// and marking them dirty.
func (e *Engine) PDO() *pdo.Engine { return e.pdoEngine }

// SDOClient returns the SDO client, for application code issuing
// configuration reads/writes to peers.
func (e *Engine) SDOClient() *sdo.Client { return e.sdoClient }

// NMT returns the NMT service, for application code issuing NMT commands
// to peers.
func (e *Engine) NMT() *nmt.NMT { return e.nmt }

// EMCY returns the EMCY service.
func (e *Engine) EMCY() *emergency.EMCY { return e.emcy }

// Tick drives one iteration of the super-loop per spec §4.1:
//  1. service TPDOs if Operational
//  2. emit heartbeat (self-gated)
//  3. optionally check heartbeat consumer timeouts
//  4. acquire a frame: injected, if given, else a short poll of the driver
//  5. classify and route it
//
// injected is used by the application only in tests; in production it is
// always nil and frames for the dispatcher's own reads come off the
// driver. The SDO client's re-dispatch path does not go through Tick - it
// calls redispatch directly, skipping step 4's acquisition since it
// already has the frame in hand.
func (e *Engine) Tick(ctx context.Context, injected *can.Frame) {
	if e.nmt.Mode() == nmt.Operational {
		e.pdoEngine.ServiceTPDOs(ctx)
	}
	e.heartbeat.Produce(ctx)
	if e.enableHBConsumer {
		e.heartbeat.CheckTimeouts(ctx)
	}

	var frame can.Frame
	if injected != nil {
		frame = *injected
	} else {
		recvCtx, cancel := context.WithTimeout(ctx, receiveTimeout)
		f, err := e.driver.Receive(recvCtx)
		cancel()
		if err != nil {
			return
		}
		frame = f
	}
	e.redispatch(ctx, frame)
}

// redispatch classifies and routes a single frame. It is the shared core
// between Tick's own acquisition step and the SDO client's response-wait
// loop re-entering the dispatcher with a frame it did not consume.
func (e *Engine) redispatch(ctx context.Context, frame can.Frame) {
	switch {
	case nmt.Matches(frame.ID):
		e.nmt.Handle(frame)
	case emergency.Matches(frame.ID):
		e.emcy.Handle(frame)
	case heartbeat.Matches(frame.ID):
		e.heartbeat.Handle(frame)
	case e.pdoEngine.MatchesRPDO(frame.ID):
		if e.nmt.Mode() == nmt.Operational {
			e.pdoEngine.ProcessRPDO(ctx, frame)
		}
	case e.sdoServer.Matches(frame.ID):
		mode := e.nmt.Mode()
		if mode == nmt.Operational || mode == nmt.PreOperational {
			e.sdoServer.Handle(ctx, frame)
		}
	default:
		// Unmatched identifier: dropped, per spec §4.1.
	}
}
