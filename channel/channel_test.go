package channel

import (
	"testing"

	"github.com/ezex-io/sshmux/message"
	"github.com/ezex-io/sshmux/pipeline"
	"github.com/ezex-io/sshmux/window"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sshmuxerrors "github.com/ezex-io/sshmux/errors"
)

// testHarness wires a Channel to an unconsumed pipeline so the test can
// drain delivered events synchronously (no RegisterReceiver goroutine),
// making delivery order assertions deterministic.
type testHarness struct {
	ch       *Channel
	pipe     pipeline.Pipeline[InboundEvent]
	emitted  []window.Chunk
	adjusts  []uint32
}

func newTestChannel(t *testing.T, opts Options) *testHarness {
	t.Helper()

	h := &testHarness{}
	h.pipe = pipeline.New[InboundEvent](t.Context(), pipeline.WithBufferSize(32))

	h.ch = New(1, message.ChannelTypeSession, message.TypeSpecificData{}, opts,
		100, 100, 32768, h.pipe,
		func(typ window.DataType, extCode uint32, payload []byte) {
			h.emitted = append(h.emitted, window.Chunk{Type: typ, ExtCode: extCode, Payload: payload})
		},
		func(delta uint32) {
			h.adjusts = append(h.adjusts, delta)
		},
	)
	require.NoError(t, h.ch.Machine().StartOpening())
	require.NoError(t, h.ch.Machine().Activate())

	return h
}

// drain synchronously collects every event currently sitting in the
// pipeline's channel without blocking for more.
func (h *testHarness) drain() []InboundEvent {
	var out []InboundEvent
	ch := h.pipe.UnsafeGetChannel()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestManualReadGatesUntilRead(t *testing.T) {
	h := newTestChannel(t, Options{AutoRead: false, AllowRemoteHalfClosure: true})

	for i := 0; i < 5; i++ {
		require.NoError(t, h.ch.AcceptInboundData(EventData, 0, []byte{byte(i)}))
	}
	h.ch.AcceptInboundEOF()

	assert.Empty(t, h.drain(), "nothing should deliver before Read()")

	h.ch.Read()

	delivered := h.drain()
	require.Len(t, delivered, 6)
	for i := 0; i < 5; i++ {
		assert.Equal(t, EventData, delivered[i].Kind)
		assert.Equal(t, byte(i), delivered[i].Payload[0])
	}
	assert.Equal(t, EventEOF, delivered[5].Kind)
}

func TestManualReadArmsWhenEmptyThenDeliversOnReadComplete(t *testing.T) {
	h := newTestChannel(t, Options{AutoRead: false, AllowRemoteHalfClosure: true})

	h.ch.Read() // nothing buffered: arms for next ReadComplete
	assert.Empty(t, h.drain())

	require.NoError(t, h.ch.AcceptInboundData(EventData, 0, []byte("x")))
	assert.Empty(t, h.drain(), "arrival alone shouldn't deliver")

	h.ch.ReadComplete()
	require.Len(t, h.drain(), 1)
}

func TestAutoReadDeliversOnReadComplete(t *testing.T) {
	h := newTestChannel(t, Options{AutoRead: true})

	require.NoError(t, h.ch.AcceptInboundData(EventData, 0, []byte("y")))
	assert.Empty(t, h.drain(), "auto-read still waits for readComplete batching")

	h.ch.ReadComplete()
	require.Len(t, h.drain(), 1)
}

func TestForceFlushDeliversDataThenEOFThenError(t *testing.T) {
	h := newTestChannel(t, Options{AutoRead: false, AllowRemoteHalfClosure: true})

	require.NoError(t, h.ch.AcceptInboundData(EventData, 0, []byte("a")))
	h.ch.AcceptInboundEOF()
	h.ch.AcceptInboundError(nil)

	h.ch.ForceFlush()

	delivered := h.drain()
	require.Len(t, delivered, 3)
	assert.Equal(t, EventData, delivered[0].Kind)
	assert.Equal(t, EventEOF, delivered[1].Kind)
	assert.Equal(t, EventError, delivered[2].Kind)
}

func TestWriteAfterEOFFailsWithOutputClosed(t *testing.T) {
	h := newTestChannel(t, Options{AutoRead: true})

	require.NoError(t, h.ch.Machine().SendEOF())

	var gotErr error
	h.ch.Write([]byte("late"), 0, func(err error) { gotErr = err })

	require.Error(t, gotErr)
}

func TestWriteOnClosedChannelFailsWithIOOnClosedChannel(t *testing.T) {
	h := newTestChannel(t, Options{AutoRead: true})
	h.ch.MarkClosed(nil)

	var gotErr error
	h.ch.Write([]byte("late"), 0, func(err error) { gotErr = err })
	require.Error(t, gotErr)
}

func TestMarkClosedDeliversCloseNotification(t *testing.T) {
	h := newTestChannel(t, Options{AutoRead: true})

	require.NoError(t, h.ch.AcceptInboundData(EventData, 0, []byte("a")))
	h.ch.MarkClosed(nil)

	delivered := h.drain()
	require.Len(t, delivered, 2, "buffered data delivers before the close notification")
	assert.Equal(t, EventData, delivered[0].Kind)
	assert.Equal(t, EventClose, delivered[1].Kind)
	assert.NoError(t, delivered[1].Err)
}

func TestMarkClosedCarriesCauseOnCloseNotification(t *testing.T) {
	h := newTestChannel(t, Options{AutoRead: true})

	cause := sshmuxerrors.ProtocolViolation("boom")
	h.ch.MarkClosed(cause)

	delivered := h.drain()
	require.Len(t, delivered, 1)
	assert.Equal(t, EventClose, delivered[0].Kind)
	assert.Equal(t, cause, delivered[0].Err)
}

func TestInboundWindowReplenishmentEmitsAdjustOnDelivery(t *testing.T) {
	h := newTestChannel(t, Options{AutoRead: true})

	require.NoError(t, h.ch.AcceptInboundData(EventData, 0, make([]byte, 60)))
	h.ch.ReadComplete()

	require.Len(t, h.adjusts, 1)
	assert.Equal(t, uint32(60), h.adjusts[0])
}

func TestNoWindowAdjustWhileClosing(t *testing.T) {
	h := newTestChannel(t, Options{AutoRead: true})

	require.NoError(t, h.ch.Machine().InitiateLocalClose())
	require.NoError(t, h.ch.AcceptInboundData(EventData, 0, make([]byte, 60)))
	h.ch.ReadComplete()

	assert.Empty(t, h.adjusts)
}
