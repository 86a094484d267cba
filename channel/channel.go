// Package channel implements the ChildChannel described in spec.md §4.3:
// the user-facing pipeline endpoint for one logical SSH channel, its
// outbound write queue, inbound read-gating, and option storage. It
// never talks to the transport directly — the owning mux.Mux is the only
// thing that calls into it, always from the Mux's single executor
// goroutine.
package channel

import (
	"github.com/ezex-io/sshmux/chanstate"
	sshmuxerrors "github.com/ezex-io/sshmux/errors"
	"github.com/ezex-io/sshmux/logger"
	"github.com/ezex-io/sshmux/message"
	"github.com/ezex-io/sshmux/pipeline"
	"github.com/ezex-io/sshmux/window"
)

// EventKind discriminates the tagged union of events queued into a
// channel's inbound FIFO, per spec.md §4.3's ordering guarantee.
type EventKind int

const (
	EventData EventKind = iota
	EventExtendedData
	EventEOF
	EventClose
	EventError
	EventRequest
	EventRequestSuccess
	EventRequestFailure
)

// InboundEvent is one entry in a channel's ordered inbound delivery
// queue.
type InboundEvent struct {
	Kind    EventKind
	Payload []byte
	ExtCode message.ExtendedDataType
	Err     error

	// RequestType/WantReply/TypeSpecific are only populated for
	// EventRequest.
	RequestType  string
	WantReply    bool
	TypeSpecific []byte
}

// Options configure a child channel's read/half-close policy, per
// spec.md §6.
type Options struct {
	AutoRead               bool
	AllowRemoteHalfClosure bool
}

// DefaultOptions returns the spec-mandated defaults.
func DefaultOptions() Options {
	return Options{AutoRead: true, AllowRemoteHalfClosure: false}
}

// CloseMode selects which half(s) of the channel Close affects, per
// spec.md §6.
type CloseMode int

const (
	CloseAll CloseMode = iota
	CloseOutput
	CloseInput
)

// Channel is one logical bidirectional stream inside the connection
// layer: the ChildChannel of spec.md §4.3.
type Channel struct {
	localID uint32
	peerID  uint32
	typ     message.ChannelType
	ts      message.TypeSpecificData

	machine *chanstate.Machine
	flow    *window.Controller
	options Options

	inbound         []InboundEvent
	armedManualRead bool

	closed      bool
	closeErr    error
	userPipe    pipeline.Pipeline[InboundEvent]
	writability func(bool)

	pendingEOFEmission   bool
	pendingCloseEmission bool
	writeBlocked         bool

	// emitOutbound hands a wire-ready chunk to the owning Mux for
	// serialization onto the delegate's single write sink.
	emitOutbound func(typ window.DataType, extCode uint32, payload []byte)
	// emitWindowAdjust hands a channelWindowAdjust to the owning Mux.
	emitWindowAdjust func(delta uint32)
	// emitRequest hands an outbound channelRequest to the owning Mux.
	emitRequest func(reqType string, wantReply bool, payload []byte)
	// emitReply hands an outbound channelSuccess/channelFailure reply to
	// the owning Mux.
	emitReply func(success bool)
	// emitEOF hands an outbound channelEOF to the owning Mux, fired once
	// every already-queued write has drained (spec.md §4.5).
	emitEOF func()
	// emitClose hands an outbound channelClose to the owning Mux.
	emitClose func()
}

// New constructs a Channel bound to the given local ID and negotiated
// window/packet parameters. emitOutbound/emitWindowAdjust are the Mux's
// hooks for putting bytes on the wire; the caller creates the user
// pipeline and passes it in as userPipe.
func New(
	localID uint32,
	typ message.ChannelType,
	ts message.TypeSpecificData,
	opts Options,
	inboundWindow, outboundWindow, outboundMaxPacket uint32,
	userPipe pipeline.Pipeline[InboundEvent],
	emitOutbound func(typ window.DataType, extCode uint32, payload []byte),
	emitWindowAdjust func(delta uint32),
) *Channel {
	return &Channel{
		localID:          localID,
		typ:              typ,
		ts:               ts,
		machine:          chanstate.New(opts.AllowRemoteHalfClosure),
		flow:             window.New(outboundWindow, outboundMaxPacket, inboundWindow),
		options:          opts,
		userPipe:         userPipe,
		emitOutbound:     emitOutbound,
		emitWindowAdjust: emitWindowAdjust,
	}
}

// SetOutboundHooks wires the owning Mux's request/reply/EOF/close
// emission hooks. Kept out of New's signature since not every caller
// (unit tests, in particular) needs the full lifecycle wired.
func (c *Channel) SetOutboundHooks(
	emitRequest func(reqType string, wantReply bool, payload []byte),
	emitReply func(success bool),
	emitEOF func(),
	emitClose func(),
) {
	c.emitRequest = emitRequest
	c.emitReply = emitReply
	c.emitEOF = emitEOF
	c.emitClose = emitClose
}

// SendRequest emits a channel-specific request (e.g. "exec", "pty-req") to
// the peer. WantReply governs whether a channelSuccess/channelFailure is
// expected back (delivered as EventRequestSuccess/EventRequestFailure).
func (c *Channel) SendRequest(reqType string, wantReply bool, payload []byte) error {
	if c.closed {
		return sshmuxerrors.IOOnClosedChannel("request on closed channel")
	}

	if c.emitRequest == nil {
		return sshmuxerrors.OperationUnsupported("channel requests not wired")
	}

	c.emitRequest(reqType, wantReply, payload)

	return nil
}

// ReplyRequest answers an inbound channelRequest that had WantReply set.
func (c *Channel) ReplyRequest(success bool) error {
	if c.closed {
		return sshmuxerrors.IOOnClosedChannel("reply on closed channel")
	}

	if c.emitReply == nil {
		return sshmuxerrors.OperationUnsupported("channel requests not wired")
	}

	c.emitReply(success)

	return nil
}

// AcceptInboundRequest queues an inbound channelRequest for gated
// delivery, preserving FIFO order against data/EOF.
func (c *Channel) AcceptInboundRequest(reqType string, wantReply bool, payload []byte) {
	c.enqueueInbound(InboundEvent{
		Kind:         EventRequest,
		RequestType:  reqType,
		WantReply:    wantReply,
		TypeSpecific: payload,
	})
}

// AcceptInboundRequestReply queues an inbound channelSuccess/channelFailure
// answering a request this channel sent.
func (c *Channel) AcceptInboundRequestReply(success bool) {
	kind := EventRequestFailure
	if success {
		kind = EventRequestSuccess
	}

	c.enqueueInbound(InboundEvent{Kind: kind})
}

// LocalID returns the channel's locally-assigned ID.
func (c *Channel) LocalID() uint32 { return c.localID }

// PeerID returns the peer's ID for this channel (valid once Activate has
// been called).
func (c *Channel) PeerID() uint32 { return c.peerID }

// Type returns the channel type determined at open time.
func (c *Channel) Type() message.ChannelType { return c.typ }

// TypeSpecific returns the direct/forwarded-tcpip addressing fields.
func (c *Channel) TypeSpecific() message.TypeSpecificData { return c.ts }

// State exposes the underlying state machine's current state.
func (c *Channel) State() chanstate.State { return c.machine.State() }

// Machine exposes the state machine for the owning Mux to drive
// transitions directly (open handshake, close sequencing).
func (c *Channel) Machine() *chanstate.Machine { return c.machine }

// Flow exposes the flow controller for the owning Mux.
func (c *Channel) Flow() *window.Controller { return c.flow }

// SetPeerID records the peer's channel ID, set once the open handshake
// succeeds (spec.md §3: "peerID set only after open handshake succeeds").
func (c *Channel) SetPeerID(id uint32) { c.peerID = id }

// SetOption applies a single boolean option by name. Kept narrow and
// explicit per spec.md §9's capability-based interface note.
func (c *Channel) SetOption(name string, value bool) {
	switch name {
	case "autoRead":
		c.options.AutoRead = value
	case "allowRemoteHalfClosure":
		c.options.AllowRemoteHalfClosure = value
	}
}

// GetOption reads a single boolean option by name.
func (c *Channel) GetOption(name string) bool {
	switch name {
	case "autoRead":
		return c.options.AutoRead
	case "allowRemoteHalfClosure":
		return c.options.AllowRemoteHalfClosure
	default:
		return false
	}
}

// PeerMaximumMessageLength returns the negotiated outbound max packet
// size, a read-only option per spec.md §6.
func (c *Channel) PeerMaximumMessageLength() uint32 {
	return c.flow.MaxPacket()
}

// Write submits a user payload for outbound transmission, chunked by the
// flow controller against window/max-packet constraints. done fires once
// the payload has been fully handed to the delegate (not necessarily
// acknowledged) — or immediately with errors.OutputClosed /
// errors.IOOnClosedChannel if writing isn't currently permitted.
func (c *Channel) Write(payload []byte, extCode uint32, done func(error)) {
	c.write(window.Data, payload, extCode, done)
}

// WriteExtended submits a stderr (or other extended-data) payload.
func (c *Channel) WriteExtended(payload []byte, extCode uint32, done func(error)) {
	c.write(window.ExtendedData, payload, extCode, done)
}

func (c *Channel) write(typ window.DataType, payload []byte, extCode uint32, done func(error)) {
	if c.closed || c.writeBlocked {
		if done != nil {
			done(sshmuxerrors.IOOnClosedChannel("write on closed channel"))
		}

		return
	}

	if !c.machine.CanSendData() {
		if done != nil {
			done(sshmuxerrors.OutputClosed("write after local eof"))
		}

		return
	}

	c.flow.Write(payload, typ, extCode, done, func(chunk window.Chunk) {
		c.emitOutbound(chunk.Type, chunk.ExtCode, chunk.Payload)
		if chunk.Done != nil {
			chunk.Done(nil)
		}
	})
}

// AdjustOutbound applies a peer channelWindowAdjust, draining the queue.
func (c *Channel) AdjustOutbound(delta uint32) error {
	if err := c.flow.AdjustOutbound(delta, func(chunk window.Chunk) {
		c.emitOutbound(chunk.Type, chunk.ExtCode, chunk.Payload)
		if chunk.Done != nil {
			chunk.Done(nil)
		}
	}); err != nil {
		return err
	}

	c.flushPendingLocalAction()

	return nil
}

// flushPendingLocalAction fires a deferred local EOF or close once the
// outbound write queue has fully drained.
func (c *Channel) flushPendingLocalAction() {
	if c.flow.HasQueuedWrites() {
		return
	}

	if c.pendingEOFEmission {
		c.pendingEOFEmission = false
		if c.emitEOF != nil {
			c.emitEOF()
		}
	}

	if c.pendingCloseEmission {
		c.pendingCloseEmission = false
		_ = c.finalizeLocalClose()
	}
}

// Close requests termination of the channel's output (CloseOutput, a
// half-close) or both directions (CloseAll). CloseInput always fails with
// errors.OperationUnsupported, per spec.md §6. Pending writes drain
// before the EOF/close is actually emitted on the wire.
func (c *Channel) Close(mode CloseMode) error {
	if c.closed {
		return sshmuxerrors.AlreadyClosed("channel already closed")
	}

	switch mode {
	case CloseOutput:
		if err := c.machine.SendEOF(); err != nil {
			return err
		}

		if c.flow.HasQueuedWrites() {
			c.pendingEOFEmission = true

			return nil
		}

		if c.emitEOF != nil {
			c.emitEOF()
		}

		return nil

	case CloseAll:
		if c.flow.HasQueuedWrites() {
			c.pendingCloseEmission = true

			return nil
		}

		return c.finalizeLocalClose()

	default:
		return sshmuxerrors.OperationUnsupported("half-closing input is not supported")
	}
}

func (c *Channel) finalizeLocalClose() error {
	if err := c.machine.InitiateLocalClose(); err != nil {
		return err
	}

	if c.emitClose != nil {
		c.emitClose()
	}

	return nil
}

// AcceptInboundData validates and queues an inbound data/extended-data
// payload for gated delivery, per spec.md §3 invariant 2.
func (c *Channel) AcceptInboundData(kind EventKind, extCode message.ExtendedDataType, payload []byte) error {
	if err := c.flow.AcceptInbound(len(payload)); err != nil {
		return err
	}

	c.enqueueInbound(InboundEvent{Kind: kind, Payload: payload, ExtCode: extCode})

	return nil
}

// AcceptInboundEOF queues an inbound EOF event behind any pending data,
// per spec.md §4.1's channelEOF routing.
func (c *Channel) AcceptInboundEOF() {
	c.enqueueInbound(InboundEvent{Kind: EventEOF})
}

// AcceptInboundError queues a terminal error event (protocol violation,
// parent shutdown, ...) behind any pending data so ordering is preserved
// even for out-of-band failures.
func (c *Channel) AcceptInboundError(err error) {
	c.enqueueInbound(InboundEvent{Kind: EventError, Err: err})
}

func (c *Channel) enqueueInbound(ev InboundEvent) {
	c.inbound = append(c.inbound, ev)
}

// Read drains exactly one batch for a manual-read channel: everything
// already buffered is delivered now; if nothing is buffered yet, the
// channel arms itself to deliver on the next ReadComplete instead.
// In auto-read mode, Read forces one immediate delivery cycle.
func (c *Channel) Read() {
	if len(c.inbound) > 0 {
		c.flush()

		return
	}

	if !c.options.AutoRead {
		c.armedManualRead = true
	}
}

// ReadComplete is called by the owning Mux once per transport read-burst
// (spec.md §4.1 readComplete). Auto-read channels flush on every call;
// manual-read channels flush only if armed by a prior empty Read().
func (c *Channel) ReadComplete() {
	if c.options.AutoRead {
		c.flush()

		return
	}

	if c.armedManualRead && len(c.inbound) > 0 {
		c.armedManualRead = false
		c.flush()
	}
}

// ForceFlush delivers everything buffered right now regardless of
// read-gating mode, used when an inbound channelClose forces immediate
// termination (spec.md §4.1: "force-deliver any pending inbound events,
// then terminate").
func (c *Channel) ForceFlush() {
	c.flush()
}

func (c *Channel) flush() {
	if len(c.inbound) == 0 {
		return
	}

	batch := c.inbound
	c.inbound = nil

	for _, ev := range batch {
		c.deliver(ev)
	}
}

func (c *Channel) deliver(ev InboundEvent) {
	if c.userPipe == nil || c.userPipe.IsClosed() {
		return
	}

	c.userPipe.Send(ev)

	if ev.Kind != EventData && ev.Kind != EventExtendedData {
		return
	}

	if c.closingForWindowPurposes() {
		return
	}

	if delta, should := c.flow.InboundReplenish(); should {
		c.emitWindowAdjust(delta)
	}
}

// closingForWindowPurposes reports whether a window-adjust should be
// suppressed because local close has been initiated or peer close
// received (spec.md §4.3 exception).
func (c *Channel) closingForWindowPurposes() bool {
	switch c.machine.State() {
	case chanstate.LocalClosing, chanstate.RemoteClosing, chanstate.Closed:
		return true
	default:
		return false
	}
}

// MarkClosed finalizes the channel: closes its user pipeline and flags
// further writes as errors.IOOnClosedChannel.
func (c *Channel) MarkClosed(cause error) {
	if c.closed {
		return
	}

	c.closed = true
	c.closeErr = cause
	c.machine.ForceClose()

	c.enqueueInbound(InboundEvent{Kind: EventClose, Err: cause})
	c.flush()

	if c.userPipe != nil {
		c.userPipe.Close()
	}

	logger.Debug("channel closed", "local_id", c.localID, "cause", errString(cause))
}

// IsClosed reports whether MarkClosed has already run.
func (c *Channel) IsClosed() bool { return c.closed }

// BlockWrites marks the channel's transport handler as detached: further
// writes fail with errors.IOOnClosedChannel even though the channel
// itself isn't closed yet (spec.md §4.1 parentHandlerRemoved).
func (c *Channel) BlockWrites() { c.writeBlocked = true }

// OnEvent registers the user-land handler for this channel's inbound
// event stream (data, extended-data, eof, close, request, error). This is
// the "triggerUserEvent" capability named in spec.md §9 — everything
// downstream of it is user-land, outside the core.
func (c *Channel) OnEvent(fn func(InboundEvent)) {
	if c.userPipe != nil {
		c.userPipe.RegisterReceiver(fn)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
