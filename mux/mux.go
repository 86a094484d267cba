// Package mux implements the Multiplexer described in spec.md §4.1: the
// map of child channels, local ID allocation, inbound message routing,
// outbound message serialization through a Delegate, and the
// multiplexer-wide lifecycle (parent inactive, handler removed).
//
// Every exported method assumes the caller is already running on the
// Delegate's Executor (spec.md §5) — there is no internal locking.
package mux

import (
	"context"
	"strconv"

	"github.com/ezex-io/sshmux/cache"
	"github.com/ezex-io/sshmux/chanstate"
	"github.com/ezex-io/sshmux/channel"
	"github.com/ezex-io/sshmux/config"
	sshmuxerrors "github.com/ezex-io/sshmux/errors"
	"github.com/ezex-io/sshmux/logger"
	"github.com/ezex-io/sshmux/message"
	"github.com/ezex-io/sshmux/pipeline"
	"github.com/ezex-io/sshmux/window"
)

// Initializer configures a freshly allocated (but not yet open) child
// channel. A non-nil error rejects the open before any bytes reach the
// wire.
type Initializer func(ch *channel.Channel) error

// OpenCompletion fires once a locally-initiated open resolves: ch is
// non-nil and active on success; err carries ChannelSetupRejected,
// TCPShutdown, or the initializer's own error on failure.
type OpenCompletion func(ch *channel.Channel, err error)

// Acceptor decides whether to accept a peer-initiated channelOpen. It
// plays the same role as Initializer but additionally receives the
// peer-declared type/type-specific fields, since those aren't known
// until the open request arrives.
type Acceptor func(typ message.ChannelType, ts message.TypeSpecificData, ch *channel.Channel) error

type entry struct {
	ch                *channel.Channel
	openCompletion    OpenCompletion
	awaitingOpenReply bool
}

// Mux is one multiplexer instance: one per SSH connection. Construct with
// NewMux and drive it from callbacks already running on delegate.Executor().
type Mux struct {
	ctx      context.Context
	cfg      config.Config
	delegate Delegate

	channels map[uint32]*entry
	grace    cache.Cache[uint32, struct{}]
	alloc    idAllocator

	acceptor Acceptor

	transportInactive bool
	handlerRemoved    bool
}

// NewMux constructs a Mux bound to delegate, with grace-period bookkeeping
// swept on ctx's lifetime.
func NewMux(ctx context.Context, cfg config.Config, delegate Delegate) *Mux {
	return &Mux{
		ctx:      ctx,
		cfg:      cfg,
		delegate: delegate,
		channels: make(map[uint32]*entry),
		grace: cache.NewBasic[uint32, struct{}](ctx,
			cache.WithCleanUpInterval(cfg.GraceSweepInterval)),
	}
}

// SetAcceptor registers the handler for peer-initiated channelOpen
// requests. Without one, every inbound open is rejected (spec.md §4.1).
func (m *Mux) SetAcceptor(acceptor Acceptor) {
	m.acceptor = acceptor
}

func (m *Mux) idIsTaken(id uint32) bool {
	if _, ok := m.channels[id]; ok {
		return true
	}

	return m.grace.Exists(id)
}

// CreateChildChannel performs a locally-initiated open per spec.md §4.1:
// allocate an ID, synchronously run initializer, and on success emit
// channelOpen and hold completion for the confirmation/failure.
func (m *Mux) CreateChildChannel(typ message.ChannelType, ts message.TypeSpecificData, init Initializer, completion OpenCompletion) {
	if m.handlerRemoved {
		completion(nil, sshmuxerrors.ProtocolViolation("parent handler removed"))

		return
	}

	if m.transportInactive {
		completion(nil, sshmuxerrors.TCPShutdown("transport inactive"))

		return
	}

	id := m.alloc.allocate(m.idIsTaken)

	pipe := pipeline.New[channel.InboundEvent](m.ctx)
	ch := channel.New(id, typ, ts, channel.DefaultOptions(),
		m.cfg.InitialWindowSize, 0, m.cfg.MaximumPacketSize, pipe,
		m.emitOutboundFor(id), m.emitWindowAdjustFor(id))
	m.wireOutboundHooks(ch, id)

	if err := init(ch); err != nil {
		completion(nil, err)

		return
	}

	e := &entry{ch: ch, openCompletion: completion, awaitingOpenReply: true}
	m.channels[id] = e

	if err := ch.Machine().StartOpening(); err != nil {
		delete(m.channels, id)
		completion(nil, err)

		return
	}

	m.delegate.WriteFromParent(&message.ChannelOpen{
		Type:              typ,
		SenderChannel:     id,
		InitialWindowSize: m.cfg.InitialWindowSize,
		MaximumPacketSize: m.cfg.MaximumPacketSize,
		TypeSpecific:      ts,
	}, nil)
}

// Receive dispatches one parsed connection-layer message, per spec.md
// §4.1's routing table. Messages addressed to a channel sitting in the
// post-close grace window are silently absorbed; messages addressed to
// an unknown, non-grace channel fail with ProtocolViolation.
func (m *Mux) Receive(msg message.Inbound) error {
	switch v := msg.(type) {
	case *message.ChannelOpen:
		return m.handleOpen(v)
	case *message.ChannelOpenConfirmation:
		return m.handleOpenConfirmation(v)
	case *message.ChannelOpenFailure:
		return m.handleOpenFailure(v)
	case *message.ChannelData:
		return m.handleData(v.Recipient, channel.EventData, 0, v.Payload)
	case *message.ChannelExtendedData:
		return m.handleData(v.Recipient, channel.EventExtendedData, v.DataType, v.Payload)
	case *message.ChannelWindowAdjust:
		return m.handleWindowAdjust(v)
	case *message.ChannelEOF:
		return m.handleEOF(v)
	case *message.ChannelClose:
		return m.handleClose(v)
	case *message.ChannelRequest:
		return m.handleRequest(v)
	case *message.ChannelSuccess:
		return m.handleRequestReply(v.Recipient, true)
	case *message.ChannelFailure:
		return m.handleRequestReply(v.Recipient, false)
	default:
		return sshmuxerrors.ProtocolViolation("unrecognized message type")
	}
}

// ReadComplete signals the end of one transport read-burst, triggering
// batched delivery on every live channel (spec.md §4.3).
func (m *Mux) ReadComplete() {
	for _, e := range m.channels {
		e.ch.ReadComplete()
	}
}

// ParentInactive tears every channel down with TCPShutdown, per spec.md
// §4.1. Pending open completions and close waiters resolve with the same
// cause.
func (m *Mux) ParentInactive() {
	m.transportInactive = true

	cause := sshmuxerrors.TCPShutdown("transport disconnected")
	for id, e := range m.channels {
		e.ch.ForceFlush()
		e.ch.MarkClosed(cause)

		if e.openCompletion != nil {
			e.openCompletion(nil, cause)
			e.openCompletion = nil
		}

		delete(m.channels, id)
	}
}

// ParentHandlerRemoved marks the transport handler detached: subsequent
// child writes fail with IOOnClosedChannel, subsequent CreateChildChannel
// calls fail with ProtocolViolation (spec.md §4.1).
func (m *Mux) ParentHandlerRemoved() {
	m.handlerRemoved = true

	for _, e := range m.channels {
		e.ch.BlockWrites()
	}
}

func (m *Mux) lookup(id uint32) (*entry, bool, error) {
	if e, ok := m.channels[id]; ok {
		return e, true, nil
	}

	if m.grace.Exists(id) {
		return nil, false, nil
	}

	return nil, false, sshmuxerrors.ProtocolViolation("message references unknown channel").
		AddMeta("channel_id", strconv.FormatUint(uint64(id), 10))
}

func (m *Mux) handleOpen(v *message.ChannelOpen) error {
	if m.acceptor == nil {
		m.delegate.WriteFromParent(&message.ChannelOpenFailure{
			Recipient:  v.SenderChannel,
			ReasonCode: message.OpenConnectFailed,
		}, nil)

		return nil
	}

	id := m.alloc.allocate(m.idIsTaken)

	pipe := pipeline.New[channel.InboundEvent](m.ctx)
	ch := channel.New(id, v.Type, v.TypeSpecific, channel.DefaultOptions(),
		m.cfg.InitialWindowSize, v.InitialWindowSize, v.MaximumPacketSize, pipe,
		m.emitOutboundFor(id), m.emitWindowAdjustFor(id))
	ch.SetPeerID(v.SenderChannel)
	m.wireOutboundHooks(ch, id)

	if err := m.acceptor(v.Type, v.TypeSpecific, ch); err != nil {
		m.delegate.WriteFromParent(&message.ChannelOpenFailure{
			Recipient:  v.SenderChannel,
			ReasonCode: message.OpenConnectFailed,
		}, nil)

		ch.MarkClosed(sshmuxerrors.ChannelSetupRejected(uint32(message.OpenConnectFailed),
			"acceptor rejected channel open"))

		return nil
	}

	if err := ch.Machine().StartOpening(); err != nil {
		return err
	}

	if err := ch.Machine().Activate(); err != nil {
		return err
	}

	m.channels[id] = &entry{ch: ch}

	m.delegate.WriteFromParent(&message.ChannelOpenConfirmation{
		Recipient:         v.SenderChannel,
		Sender:            id,
		InitialWindowSize: m.cfg.InitialWindowSize,
		MaximumPacketSize: m.cfg.MaximumPacketSize,
	}, nil)

	return nil
}

func (m *Mux) handleOpenConfirmation(v *message.ChannelOpenConfirmation) error {
	e, live, err := m.lookup(v.Recipient)
	if err != nil {
		return err
	}

	if !live {
		return nil
	}

	if e.ch.State() != chanstate.Opening {
		return sshmuxerrors.ProtocolViolation("open confirmation for a channel that's already confirmed")
	}

	e.ch.SetPeerID(v.Sender)
	e.ch.Flow().SetMaxPacket(v.MaximumPacketSize)
	e.ch.Flow().SeedWatermarks(v.InitialWindowSize)

	if err := e.ch.AdjustOutbound(v.InitialWindowSize); err != nil {
		return err
	}

	if err := e.ch.Machine().Activate(); err != nil {
		return err
	}

	e.awaitingOpenReply = false

	if e.openCompletion != nil {
		e.openCompletion(e.ch, nil)
		e.openCompletion = nil
	}

	return nil
}

func (m *Mux) handleOpenFailure(v *message.ChannelOpenFailure) error {
	e, live, err := m.lookup(v.Recipient)
	if err != nil {
		return err
	}

	if !live {
		return nil
	}

	cause := sshmuxerrors.ChannelSetupRejected(uint32(v.ReasonCode), "peer rejected channel open")
	delete(m.channels, v.Recipient)

	if e.openCompletion != nil {
		e.openCompletion(nil, cause)
		e.openCompletion = nil
	}

	return nil
}

func (m *Mux) handleData(id uint32, kind channel.EventKind, extCode message.ExtendedDataType, payload []byte) error {
	e, live, err := m.lookup(id)
	if err != nil {
		return err
	}

	if !live {
		return nil
	}

	if !e.ch.Machine().CanRecvData() {
		m.graceTeardown(id, e, sshmuxerrors.ProtocolViolation("data received outside a receivable state"))

		return nil
	}

	if err := e.ch.AcceptInboundData(kind, extCode, payload); err != nil {
		m.graceTeardown(id, e, err)

		return nil
	}

	return nil
}

func (m *Mux) handleWindowAdjust(v *message.ChannelWindowAdjust) error {
	e, live, err := m.lookup(v.Recipient)
	if err != nil {
		return err
	}

	if !live {
		return nil
	}

	if err := e.ch.AdjustOutbound(v.BytesToAdd); err != nil {
		m.graceTeardown(v.Recipient, e, err)

		return nil
	}

	return nil
}

func (m *Mux) handleEOF(v *message.ChannelEOF) error {
	e, live, err := m.lookup(v.Recipient)
	if err != nil {
		return err
	}

	if !live {
		return nil
	}

	if err := e.ch.Machine().RecvEOF(); err != nil {
		m.graceTeardown(v.Recipient, e, err)

		return nil
	}

	e.ch.AcceptInboundEOF()

	if e.ch.Machine().FullCloseOnRemoteEOF() {
		_ = e.ch.Close(channel.CloseAll)
	}

	return nil
}

func (m *Mux) handleClose(v *message.ChannelClose) error {
	e, live, err := m.lookup(v.Recipient)
	if err != nil {
		return err
	}

	if !live {
		// A channelClose for a grace-held ID completes teardown immediately
		// rather than waiting out the rest of the grace period (spec.md
		// §4.4 point 4).
		m.grace.Delete(v.Recipient)

		return nil
	}

	e.ch.ForceFlush()

	shouldSend, err := e.ch.Machine().RecvClose()
	if err != nil {
		return err
	}

	if shouldSend {
		m.delegate.WriteFromParent(&message.ChannelClose{Recipient: e.ch.PeerID()}, nil)
	}

	m.finalizeClose(v.Recipient, e, nil)

	return nil
}

func (m *Mux) handleRequest(v *message.ChannelRequest) error {
	e, live, err := m.lookup(v.Recipient)
	if err != nil {
		return err
	}

	if !live {
		return nil
	}

	e.ch.AcceptInboundRequest(v.RequestType, v.WantReply, v.TypeSpecific)

	return nil
}

func (m *Mux) handleRequestReply(id uint32, success bool) error {
	e, live, err := m.lookup(id)
	if err != nil {
		return err
	}

	if !live {
		return nil
	}

	e.ch.AcceptInboundRequestReply(success)

	return nil
}

// graceTeardown implements spec.md §4.4: surface the error, emit close,
// and hold the ID in the grace set so late in-flight peer traffic for it
// doesn't re-trigger a protocol violation.
func (m *Mux) graceTeardown(id uint32, e *entry, cause error) {
	e.ch.ForceFlush()
	e.ch.MarkClosed(cause)

	if e.openCompletion != nil {
		e.openCompletion(nil, cause)
		e.openCompletion = nil
	}

	if !e.awaitingOpenReply {
		m.delegate.WriteFromParent(&message.ChannelClose{Recipient: e.ch.PeerID()}, nil)
	}

	m.finalizeClose(id, e, cause)

	logger.Debug("channel torn down by protocol violation", "local_id", id, "cause", cause.Error())
}

func (m *Mux) finalizeClose(id uint32, e *entry, cause error) {
	e.ch.MarkClosed(cause)
	delete(m.channels, id)
	m.grace.Add(id, struct{}{}, m.cfg.GracePeriod)
}

func (m *Mux) wireOutboundHooks(ch *channel.Channel, id uint32) {
	ch.SetOutboundHooks(
		func(reqType string, wantReply bool, payload []byte) {
			e := m.channels[id]
			m.delegate.WriteFromParent(&message.ChannelRequest{
				Recipient:    e.ch.PeerID(),
				RequestType:  reqType,
				WantReply:    wantReply,
				TypeSpecific: payload,
			}, nil)
		},
		func(success bool) {
			e := m.channels[id]
			if success {
				m.delegate.WriteFromParent(&message.ChannelSuccess{Recipient: e.ch.PeerID()}, nil)
			} else {
				m.delegate.WriteFromParent(&message.ChannelFailure{Recipient: e.ch.PeerID()}, nil)
			}
		},
		func() {
			e := m.channels[id]
			m.delegate.WriteFromParent(&message.ChannelEOF{Recipient: e.ch.PeerID()}, nil)
		},
		func() {
			e := m.channels[id]
			m.delegate.WriteFromParent(&message.ChannelClose{Recipient: e.ch.PeerID()}, nil)
		},
	)
}

func (m *Mux) emitOutboundFor(id uint32) func(typ window.DataType, extCode uint32, payload []byte) {
	return func(typ window.DataType, extCode uint32, payload []byte) {
		e, ok := m.channels[id]
		if !ok {
			return
		}

		peer := e.ch.PeerID()

		if typ == window.ExtendedData {
			m.delegate.WriteFromParent(&message.ChannelExtendedData{
				Recipient: peer,
				DataType:  message.ExtendedDataType(extCode),
				Payload:   payload,
			}, nil)

			return
		}

		m.delegate.WriteFromParent(&message.ChannelData{Recipient: peer, Payload: payload}, nil)
	}
}

func (m *Mux) emitWindowAdjustFor(id uint32) func(delta uint32) {
	return func(delta uint32) {
		e, ok := m.channels[id]
		if !ok {
			return
		}

		m.delegate.WriteFromParent(&message.ChannelWindowAdjust{
			Recipient:  e.ch.PeerID(),
			BytesToAdd: delta,
		}, nil)
	}
}
