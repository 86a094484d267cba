// Package message defines the connection-layer message types the
// multiplexer consumes and produces, per RFC 4254's channel subset. These
// are plain Go values: wire (de)serialization is the transport's job, not
// the multiplexer's (see spec.md §1 scope boundary) — this package never
// touches a byte slice.
package message

// OpenFailureReason is one of the SSH_OPEN_* reason codes carried in a
// ChannelOpenFailure message.
type OpenFailureReason uint32

const (
	OpenAdministrativelyProhibited OpenFailureReason = 1
	OpenConnectFailed              OpenFailureReason = 2
	OpenUnknownChannelType         OpenFailureReason = 3
	OpenResourceShortage           OpenFailureReason = 4
)

// ChannelType identifies the kind of logical channel being opened.
type ChannelType string

const (
	ChannelTypeSession         ChannelType = "session"
	ChannelTypeDirectTCPIP     ChannelType = "direct-tcpip"
	ChannelTypeForwardedTCPIP  ChannelType = "forwarded-tcpip"
)

// Inbound is the tagged union of connection-layer messages the
// multiplexer's Receive accepts. Each concrete message type below
// implements it via an unexported marker method, so routing is an
// exhaustiveness-checked type switch rather than a string/int tag.
type Inbound interface {
	isInbound()
}

// ChannelOpen requests a new channel be opened. SenderChannel is the
// requester's local ID for the new channel.
type ChannelOpen struct {
	Type              ChannelType
	SenderChannel     uint32
	InitialWindowSize uint32
	MaximumPacketSize uint32
	TypeSpecific      TypeSpecificData
}

// TypeSpecificData carries the fields specific to direct/forwarded
// tcpip channel opens. Zero value is fine for a session channel.
type TypeSpecificData struct {
	TargetHost      string
	TargetPort      uint32
	OriginatorAddr  string
	OriginatorPort  uint32
	ListeningHost   string
	ListeningPort   uint32
}

// ChannelOpenConfirmation completes a successful open handshake.
// Recipient is the *opener's* local ID (our peer's view of "recipient"),
// Sender is the *accepter's* local ID for the same channel.
type ChannelOpenConfirmation struct {
	Recipient         uint32
	Sender            uint32
	InitialWindowSize uint32
	MaximumPacketSize uint32
}

// ChannelOpenFailure rejects an open request.
type ChannelOpenFailure struct {
	Recipient   uint32
	ReasonCode  OpenFailureReason
	Description string
	Language    string
}

// ChannelData carries a normal data payload.
type ChannelData struct {
	Recipient uint32
	Payload   []byte
}

// ExtendedDataType distinguishes extended-data streams. Stderr is the only
// code with a named constant; every code, Stderr included, is delivered
// verbatim.
type ExtendedDataType uint32

const (
	ExtendedDataStderr ExtendedDataType = 1
)

// ChannelExtendedData carries an out-of-band data payload (e.g. stderr).
type ChannelExtendedData struct {
	Recipient uint32
	DataType  ExtendedDataType
	Payload   []byte
}

// ChannelWindowAdjust grants the recipient additional send window.
type ChannelWindowAdjust struct {
	Recipient   uint32
	BytesToAdd  uint32
}

// ChannelEOF signals the sender will transmit no more data.
type ChannelEOF struct {
	Recipient uint32
}

// ChannelClose requests (or confirms) termination of a channel.
type ChannelClose struct {
	Recipient uint32
}

// ChannelRequest carries a channel-specific request (e.g. "exec", "pty-req").
type ChannelRequest struct {
	Recipient    uint32
	RequestType  string
	WantReply    bool
	TypeSpecific []byte
}

// ChannelSuccess/ChannelFailure answer a ChannelRequest with WantReply set.
type ChannelSuccess struct {
	Recipient uint32
}

type ChannelFailure struct {
	Recipient uint32
}

func (*ChannelOpen) isInbound()             {}
func (*ChannelOpenConfirmation) isInbound() {}
func (*ChannelOpenFailure) isInbound()      {}
func (*ChannelData) isInbound()             {}
func (*ChannelExtendedData) isInbound()     {}
func (*ChannelWindowAdjust) isInbound()     {}
func (*ChannelEOF) isInbound()              {}
func (*ChannelClose) isInbound()            {}
func (*ChannelRequest) isInbound()          {}
func (*ChannelSuccess) isInbound()          {}
func (*ChannelFailure) isInbound()          {}
