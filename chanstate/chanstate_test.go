package chanstate

import (
	"testing"

	sshmuxerrors "github.com/ezex-io/sshmux/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func asErr(t *testing.T, err error) *sshmuxerrors.Error {
	t.Helper()
	e, ok := err.(*sshmuxerrors.Error)
	require.True(t, ok, "expected *errors.Error, got %T", err)

	return e
}

func TestOpenHandshakeSuccess(t *testing.T) {
	m := New(false)
	require.NoError(t, m.StartOpening())
	assert.Equal(t, Opening, m.State())

	require.NoError(t, m.Activate())
	assert.Equal(t, Active, m.State())
}

func TestOpenHandshakeFailure(t *testing.T) {
	m := New(false)
	require.NoError(t, m.StartOpening())
	require.NoError(t, m.FailOpen())
	assert.Equal(t, Closed, m.State())
}

func TestDuplicateInboundEOFIsProtocolViolation(t *testing.T) {
	m := New(true)
	require.NoError(t, m.StartOpening())
	require.NoError(t, m.Activate())

	require.NoError(t, m.RecvEOF())
	err := m.RecvEOF()
	require.Error(t, err)
	assert.Equal(t, sshmuxerrors.KindProtocolViolation, asErr(t, err).Kind)
}

func TestSentEOFBlocksOutboundWrites(t *testing.T) {
	m := New(false)
	require.NoError(t, m.StartOpening())
	require.NoError(t, m.Activate())

	assert.True(t, m.CanSendData())
	require.NoError(t, m.SendEOF())
	assert.False(t, m.CanSendData())
	assert.True(t, m.CanRecvData(), "sent EOF still permits inbound data")
}

func TestRecvEOFStillAllowsOutboundWrites(t *testing.T) {
	m := New(true)
	require.NoError(t, m.StartOpening())
	require.NoError(t, m.Activate())

	require.NoError(t, m.RecvEOF())
	assert.True(t, m.CanSendData())
}

func TestDoubleLocalCloseIsAlreadyClosed(t *testing.T) {
	m := New(false)
	require.NoError(t, m.StartOpening())
	require.NoError(t, m.Activate())

	require.NoError(t, m.InitiateLocalClose())
	err := m.InitiateLocalClose()
	require.Error(t, err)
	assert.Equal(t, sshmuxerrors.KindAlreadyClosed, asErr(t, err).Kind)
}

func TestLocalCloseThenPeerCloseReachesClosed(t *testing.T) {
	m := New(false)
	require.NoError(t, m.StartOpening())
	require.NoError(t, m.Activate())

	require.NoError(t, m.InitiateLocalClose())
	assert.Equal(t, LocalClosing, m.State())

	shouldSend, err := m.RecvClose()
	require.NoError(t, err)
	assert.False(t, shouldSend, "we already sent close")
	assert.True(t, m.IsTerminal())
}

func TestPeerCloseFirstTriggersOurClose(t *testing.T) {
	m := New(false)
	require.NoError(t, m.StartOpening())
	require.NoError(t, m.Activate())

	shouldSend, err := m.RecvClose()
	require.NoError(t, err)
	assert.True(t, shouldSend)
	assert.True(t, m.IsTerminal())
}

func TestDuplicatePeerCloseAfterClosedIsAbsorbed(t *testing.T) {
	m := New(false)
	require.NoError(t, m.StartOpening())
	require.NoError(t, m.Activate())
	_, _ = m.RecvClose()

	shouldSend, err := m.RecvClose()
	require.NoError(t, err)
	assert.False(t, shouldSend)
}
