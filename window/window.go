// Package window implements the FlowController described in spec.md §4.5:
// outbound chunking against a peer-declared maximum packet size and
// window, writability watermarks, and inbound window bookkeeping.
package window

import (
	"math"

	"github.com/ezex-io/sshmux/errors"
)

const maxUint32 = math.MaxUint32

// DataType distinguishes a normal data write from an extended-data
// (e.g. stderr) write; both are windowed identically.
type DataType int

const (
	Data DataType = iota
	ExtendedData
)

// Chunk is one outbound wire-ready slice produced by Controller.Write
// or released from the queue by Controller.AdjustOutbound.
type Chunk struct {
	Payload  []byte
	Type     DataType
	ExtCode  uint32
	Done     func(error) // the write's completion, set only on its last chunk (nil on earlier chunks)
}

// Controller owns one channel's bidirectional flow-control state: the
// outbound send window and peer max-packet, the inbound receive window,
// the outbound write queue, and the writability watermark.
type Controller struct {
	outboundWindow    uint32
	outboundMaxPacket uint32
	inboundWindow     uint32
	inboundInitial    uint32

	queued       []queuedWrite
	queuedBytes  uint64 // bytes still waiting on window (for the watermark)
	inFlightBytes uint64 // bytes emitted but not yet covered by a fresh window-adjust

	writable       bool
	highWatermark  uint64
	lowWatermark   uint64
	onWritability  func(writable bool)
}

type queuedWrite struct {
	payload []byte
	typ     DataType
	extCode uint32
	done    func(error)
}

// New creates a Controller for one channel's outbound/inbound windows.
func New(outboundWindow, outboundMaxPacket, inboundWindow uint32) *Controller {
	return &Controller{
		outboundWindow:    outboundWindow,
		outboundMaxPacket: outboundMaxPacket,
		inboundWindow:     inboundWindow,
		inboundInitial:    inboundWindow,
		writable:          true,
		highWatermark:     uint64(outboundWindow),
		lowWatermark:      uint64(outboundWindow) / 2,
	}
}

// OnWritability registers the callback invoked exactly at the writability
// edges (true->false, false->true).
func (c *Controller) OnWritability(fn func(writable bool)) {
	c.onWritability = fn
}

// IsWritable reports the current writability state.
func (c *Controller) IsWritable() bool {
	return c.writable
}

// OutboundWindow returns the remaining outbound window.
func (c *Controller) OutboundWindow() uint32 {
	return c.outboundWindow
}

// InboundWindow returns the remaining inbound window.
func (c *Controller) InboundWindow() uint32 {
	return c.inboundWindow
}

// MaxPacket returns the peer's declared maximum packet size.
func (c *Controller) MaxPacket() uint32 {
	return c.outboundMaxPacket
}

// SetMaxPacket updates the peer's declared maximum packet size, learned
// at open-confirmation time.
func (c *Controller) SetMaxPacket(maxPacket uint32) {
	c.outboundMaxPacket = maxPacket
}

// SeedWatermarks recomputes the writability high/low watermarks from the
// peer's declared initial window size. Locally-initiated channels are
// constructed with outboundWindow=0 (the peer's window isn't known until
// open-confirmation arrives), which would otherwise leave the watermarks
// pinned at zero forever — tripping isWritable to false on the first byte
// and leaving it stuck there, since inFlightAndQueued can never fall below
// a zero low watermark. Call once, when the real initial window is first
// learned.
func (c *Controller) SeedWatermarks(initialWindow uint32) {
	c.highWatermark = uint64(initialWindow)
	c.lowWatermark = uint64(initialWindow) / 2
	c.updateWritability()
}

// Write splits payload into window/max-packet-bounded chunks. Chunks that
// fit inside the current outbound window are emitted via emit
// immediately, in order; the remainder is queued and released later by
// AdjustOutbound as window-adjusts arrive. done fires once the entire payload's
// worth of chunks have all been handed to emit (i.e. the original write
// is fully flushed onto the wire, not necessarily acknowledged).
func (c *Controller) Write(payload []byte, typ DataType, extCode uint32, done func(error), emit func(Chunk)) {
	offset := 0
	remaining := len(payload)

	for remaining > 0 && c.outboundWindow > 0 {
		n := remaining
		if maxN := int(c.outboundMaxPacket); n > maxN {
			n = maxN
		}
		if winN := int(c.outboundWindow); n > winN {
			n = winN
		}

		chunk := payload[offset : offset+n]
		c.outboundWindow -= uint32(n)
		c.inFlightBytes += uint64(n)

		offset += n
		remaining -= n

		last := remaining == 0
		var chunkDone func(error)
		if last {
			chunkDone = done
		}
		emit(Chunk{Payload: chunk, Type: typ, ExtCode: extCode, Done: chunkDone})
	}

	if remaining > 0 {
		c.queued = append(c.queued, queuedWrite{
			payload: payload[offset:],
			typ:     typ,
			extCode: extCode,
			done:    done,
		})
		c.queuedBytes += uint64(remaining)
	}

	c.updateWritability()
}

// AdjustOutbound applies a peer window-adjust, checking the overflow
// invariant from spec.md §3 invariant 1, then drains as much of the
// queue as the new window allows.
func (c *Controller) AdjustOutbound(delta uint32, emit func(Chunk)) error {
	if uint64(c.outboundWindow)+uint64(delta) > maxUint32 {
		return errors.ProtocolViolation("window-adjust overflows outbound window")
	}

	c.outboundWindow += delta
	c.inFlightBytes -= minU64(c.inFlightBytes, uint64(delta))
	c.drain(emit)
	c.updateWritability()

	return nil
}

func (c *Controller) drain(emit func(Chunk)) {
	for len(c.queued) > 0 && c.outboundWindow > 0 {
		head := &c.queued[0]

		n := len(head.payload)
		if maxN := int(c.outboundMaxPacket); n > maxN {
			n = maxN
		}
		if winN := int(c.outboundWindow); n > winN {
			n = winN
		}

		chunk := head.payload[:n]
		c.outboundWindow -= uint32(n)
		c.inFlightBytes += uint64(n)
		c.queuedBytes -= uint64(n)

		head.payload = head.payload[n:]
		last := len(head.payload) == 0

		var chunkDone func(error)
		if last {
			chunkDone = head.done
		}
		emit(Chunk{Payload: chunk, Type: head.typ, ExtCode: head.extCode, Done: chunkDone})

		if last {
			c.queued = c.queued[1:]
		}
	}
}

func (c *Controller) updateWritability() {
	inFlightAndQueued := c.inFlightBytes + c.queuedBytes

	if c.writable && inFlightAndQueued > c.highWatermark {
		c.writable = false
		if c.onWritability != nil {
			c.onWritability(false)
		}
	} else if !c.writable && inFlightAndQueued < c.lowWatermark {
		c.writable = true
		if c.onWritability != nil {
			c.onWritability(true)
		}
	}
}

// AcceptInbound validates and accounts for an inbound data/extended-data
// payload, checking the underflow invariant from spec.md §3 invariant 2.
func (c *Controller) AcceptInbound(payloadLen int) error {
	if uint64(payloadLen) > uint64(c.inboundWindow) {
		return errors.ProtocolViolation("inbound payload exceeds inbound window")
	}

	c.inboundWindow -= uint32(payloadLen)

	return nil
}

// InboundReplenish reports whether the undelivered inbound window has
// fallen to <= half of the initial window and, if so, the delta a
// channelWindowAdjust should carry to bring it back up to the initial
// size. Call after each delivery into the user pipeline.
func (c *Controller) InboundReplenish() (delta uint32, shouldAdjust bool) {
	half := c.inboundInitial / 2
	if c.inboundWindow > half {
		return 0, false
	}

	delta = c.inboundInitial - c.inboundWindow
	if delta == 0 {
		return 0, false
	}

	c.inboundWindow = c.inboundInitial

	return delta, true
}

// HasQueuedWrites reports whether any write is still waiting on window
// before it can be fully emitted. Callers use this to sequence a local
// EOF or close behind every already-submitted write, per spec.md §4.5.
func (c *Controller) HasQueuedWrites() bool {
	return len(c.queued) > 0
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}

	return b
}
