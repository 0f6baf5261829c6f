package processor

import (
	"log/slog"

	"github.com/gozwave/zwaved/internal/events"
	"github.com/gozwave/zwaved/internal/frame"
	"github.com/gozwave/zwaved/internal/logging"
	"github.com/gozwave/zwaved/internal/message"
	"github.com/gozwave/zwaved/internal/node"
)

// processGetVersion handles step 1 of spec.md §4.6: the payload is an
// ASCII version string followed by a single library-type byte.
func processGetVersion(ctx *Context, inFlight *message.Message, fr frame.Frame) Result {
	if len(fr.Payload) < 1 {
		logging.L().Warn("getversion_short_payload", slog.Int("len", len(fr.Payload)))
		return Result{TransactionComplete: true}
	}
	version := string(fr.Payload[:len(fr.Payload)-1])
	libType := fr.Payload[len(fr.Payload)-1]

	ctx.State.Lock()
	ctx.State.SerialApiVersion = version
	ctx.State.LibraryType = libType
	ctx.State.Unlock()

	return Result{TransactionComplete: true}
}

// processMemoryGetId handles step 2 of spec.md §4.6: homeId (4 bytes,
// big-endian) followed by the controller's own node id.
func processMemoryGetId(ctx *Context, inFlight *message.Message, fr frame.Frame) Result {
	if len(fr.Payload) < 5 {
		logging.L().Warn("memorygetid_short_payload", slog.Int("len", len(fr.Payload)))
		return Result{TransactionComplete: true}
	}
	homeId := uint32(fr.Payload[0])<<24 | uint32(fr.Payload[1])<<16 | uint32(fr.Payload[2])<<8 | uint32(fr.Payload[3])
	ownNodeId := fr.Payload[4]

	ctx.State.Lock()
	ctx.State.HomeId = homeId
	ctx.State.OwnNodeId = ownNodeId
	ctx.State.Unlock()

	return Result{TransactionComplete: true}
}

// processSerialApiGetCapabilities handles step 3 of spec.md §4.6: stores
// manufacturer, device type, and device id (payload bytes 2-7), then chains
// SerialApiGetInitData — the controller's own Node is populated from this
// response, not from the init-data bitmask (spec.md §4.6 step 4). The two
// leading serial API version bytes are not stored; State.SerialApiVersion
// is set only by the GetVersion processor.
func processSerialApiGetCapabilities(ctx *Context, inFlight *message.Message, fr frame.Frame) Result {
	if len(fr.Payload) < 8 {
		logging.L().Warn("capabilities_short_payload", slog.Int("len", len(fr.Payload)))
		return Result{TransactionComplete: true}
	}
	manufacturerId := uint16(fr.Payload[2])<<8 | uint16(fr.Payload[3])
	deviceType := uint16(fr.Payload[4])<<8 | uint16(fr.Payload[5])
	deviceId := uint16(fr.Payload[6])<<8 | uint16(fr.Payload[7])

	ctx.State.Lock()
	ctx.State.ManufacturerId = manufacturerId
	ctx.State.DeviceType = deviceType
	ctx.State.DeviceId = deviceId
	ownNodeId := ctx.State.OwnNodeId
	ctx.State.Unlock()

	if ownNodeId != 0 && ctx.Nodes.Get(ownNodeId) == nil {
		own := &node.Node{Id: ownNodeId, Listening: true, CommandClasses: map[byte]struct{}{}}
		own.EnterStage(node.StageDone)
		ctx.Nodes.Add(own)
	}

	ctx.Enqueue(message.New(message.ClassSerialApiGetInitData, message.Request, message.PriorityHigh, nil))

	return Result{TransactionComplete: true}
}

// processSerialApiGetInitData handles step 4 of spec.md §4.6: the payload
// carries a bitmask of present node ids (bit (id-1)%8 of byte (id-1)/8).
// Every present id not already known gets a fresh Node advanced to
// PROTOINFO, which is where a real per-node RequestNodeInfo follow-up would
// be triggered by a higher-level command-class layer (out of scope here,
// spec.md §1).
func processSerialApiGetInitData(ctx *Context, inFlight *message.Message, fr frame.Frame) Result {
	if len(fr.Payload) < 3 {
		logging.L().Warn("getinitdata_short_payload", slog.Int("len", len(fr.Payload)))
		return Result{TransactionComplete: true}
	}
	bitmaskLen := int(fr.Payload[2])
	bitmask := fr.Payload[3:]
	if bitmaskLen > len(bitmask) {
		bitmaskLen = len(bitmask)
	}
	bitmask = bitmask[:bitmaskLen]

	ctx.State.Lock()
	homeId := ctx.State.HomeId
	ctx.State.Unlock()

	for i, b := range bitmask {
		for bit := 0; bit < 8; bit++ {
			if b&(1<<uint(bit)) == 0 {
				continue
			}
			id := byte(i*8 + bit + 1)
			if ctx.Nodes.Get(id) != nil {
				continue
			}
			n := &node.Node{Id: id, HomeId: homeId, Listening: true, CommandClasses: map[byte]struct{}{}}
			n.EnterStage(node.StageProtoInfo)
			ctx.Nodes.Add(n)
		}
	}

	return Result{TransactionComplete: true}
}

// processSendData handles the two-phase SendData completion described in
// spec.md §4.4/§4.6 scenario 2: the synchronous Response only confirms the
// stick accepted the request for transmission; the transaction completes
// only when the asynchronous Request callback arrives carrying the same
// callbackId.
func processSendData(ctx *Context, inFlight *message.Message, fr frame.Frame) Result {
	switch fr.Type {
	case frame.TypeResponse:
		// Accepted-for-transmission acknowledgement; not completion.
		return Result{TransactionComplete: false}
	case frame.TypeRequest:
		if len(fr.Payload) < 1 {
			return Result{TransactionComplete: false}
		}
		cbid := fr.Payload[0]
		if inFlight == nil || !inFlight.IsSendData() || inFlight.CallbackId != cbid {
			logging.L().Warn("senddata_callback_mismatch", slog.Int("callback_id", int(cbid)))
			return Result{TransactionComplete: false}
		}
		ctx.Events.Emit(events.Event{Kind: events.TransactionCompleted, SentMessage: inFlight})
		return Result{TransactionComplete: true, EventEmitted: true}
	default:
		return Result{TransactionComplete: false}
	}
}
