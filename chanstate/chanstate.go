// Package chanstate implements the per-channel state machine described
// in spec.md §4.2: the open handshake plus the data/EOF/close lifecycle,
// exhaustively validated on every transition per spec.md §9's note about
// tagged-union dispatch.
package chanstate

import "github.com/ezex-io/sshmux/errors"

// State is one node of the channel lifecycle.
type State int

const (
	Idle State = iota
	Opening
	Active
	SentEOF
	RecvEOF
	LocalClosing
	RemoteClosing
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Opening:
		return "opening"
	case Active:
		return "active"
	case SentEOF:
		return "sent_eof"
	case RecvEOF:
		return "recv_eof"
	case LocalClosing:
		return "local_closing"
	case RemoteClosing:
		return "remote_closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Machine is the channel's open+lifecycle state machine. It never
// performs I/O; callers drive it and act on the returned decisions.
type Machine struct {
	state                  State
	sentEOF                bool
	recvEOF                bool
	sentClose              bool
	recvClose              bool
	allowRemoteHalfClosure bool
}

// New creates a Machine in Idle, optionally created already in Opening
// (locally-initiated) by calling StartOpening immediately after.
func New(allowRemoteHalfClosure bool) *Machine {
	return &Machine{state: Idle, allowRemoteHalfClosure: allowRemoteHalfClosure}
}

// State returns the current state.
func (m *Machine) State() State {
	return m.state
}

// StartOpening transitions Idle -> Opening, used both when we send a
// channelOpen and when we've accepted an inbound one and are about to
// reply with a confirmation.
func (m *Machine) StartOpening() error {
	if m.state != Idle {
		return errors.ProtocolViolation("channel open started from non-idle state")
	}

	m.state = Opening

	return nil
}

// Activate transitions Opening -> Active on a successful open handshake.
func (m *Machine) Activate() error {
	if m.state != Opening {
		return errors.ProtocolViolation("open confirmation received outside opening state")
	}

	m.state = Active

	return nil
}

// FailOpen transitions Opening -> Closed on a failed open handshake.
func (m *Machine) FailOpen() error {
	if m.state != Opening {
		return errors.ProtocolViolation("open failure received outside opening state")
	}

	m.state = Closed

	return nil
}

// CanSendData reports whether outbound user data is currently permitted.
func (m *Machine) CanSendData() bool {
	switch m.state {
	case Active, RecvEOF, RemoteClosing:
		return !m.sentEOF && !m.sentClose
	default:
		return false
	}
}

// CanRecvData reports whether inbound data is currently valid.
func (m *Machine) CanRecvData() bool {
	switch m.state {
	case Active, SentEOF, LocalClosing:
		return !m.recvEOF && !m.recvClose
	default:
		return false
	}
}

// RecvEOF applies an inbound EOF. A duplicate inbound EOF is a protocol
// violation per spec.md §4.2.
func (m *Machine) RecvEOF() error {
	if !m.CanRecvData() && m.state != Active {
		return errors.ProtocolViolation("eof received outside an active-like state")
	}

	if m.recvEOF {
		return errors.ProtocolViolation("duplicate inbound eof")
	}

	m.recvEOF = true

	if !m.allowRemoteHalfClosure {
		// full close triggered by peer EOF when half-closure isn't allowed
		return nil
	}

	if m.state == Active {
		m.state = RecvEOF
	}

	return nil
}

// SendEOF marks a local half-close (output). Subsequent outbound writes
// must be rejected by the caller with errors.OutputClosed.
func (m *Machine) SendEOF() error {
	if m.sentEOF {
		return nil
	}

	if m.state != Active && m.state != RecvEOF {
		return errors.ProtocolViolation("eof sent outside an active-like state")
	}

	m.sentEOF = true
	if m.state == Active {
		m.state = SentEOF
	}

	return nil
}

// InitiateLocalClose records that we've sent (or are about to send) a
// channelClose. Idempotent second calls surface AlreadyClosed to the
// caller (the caller is expected to check State() == Closed first).
func (m *Machine) InitiateLocalClose() error {
	if m.state == Closed {
		return errors.AlreadyClosed("channel already closed")
	}

	if m.sentClose {
		return errors.AlreadyClosed("close already in progress")
	}

	m.sentClose = true

	switch m.state {
	case RemoteClosing:
		m.state = Closed
	default:
		m.state = LocalClosing
	}

	return nil
}

// RecvClose applies an inbound channelClose. Per spec.md §4.2, close is
// symmetric: if we haven't sent our own close yet, receiving one triggers
// one (the caller must then emit channelClose); either way the channel
// reaches Closed once both sides have closed.
func (m *Machine) RecvClose() (shouldSendClose bool, err error) {
	if m.state == Closed {
		// Duplicate/late peer close within the grace window is absorbed.
		return false, nil
	}

	m.recvClose = true

	if !m.sentClose {
		m.state = Closed
		m.sentClose = true

		return true, nil
	}

	m.state = Closed

	return false, nil
}

// ForceClose transitions directly to Closed regardless of prior state,
// used for protocol violations and parent-inactive fan-out.
func (m *Machine) ForceClose() {
	m.state = Closed
	m.sentClose = true
	m.recvClose = true
}

// IsTerminal reports whether the channel has reached Closed.
func (m *Machine) IsTerminal() bool {
	return m.state == Closed
}

// AllowRemoteHalfClosure reports the configured half-closure policy.
func (m *Machine) AllowRemoteHalfClosure() bool {
	return m.allowRemoteHalfClosure
}

// FullCloseOnRemoteEOF reports whether an inbound EOF, given the current
// policy, should trigger a full close rather than a half-close.
func (m *Machine) FullCloseOnRemoteEOF() bool {
	return !m.allowRemoteHalfClosure
}
