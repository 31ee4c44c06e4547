package connsource

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/xpra-go/dampipe/internal/codec"
	"github.com/xpra-go/dampipe/internal/config"
	"github.com/xpra-go/dampipe/internal/csc"
	"github.com/xpra-go/dampipe/internal/wire"
	"github.com/xpra-go/dampipe/internal/window"
)

type fakeSink struct {
	mu   sync.Mutex
	sent []wire.Packet
	// fail makes QueuePacket refuse, simulating a full send queue.
	fail bool
}

func (f *fakeSink) QueuePacket(pkt wire.Packet, pixelCount int, onStartSend func(int64), onSent func(int64)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errFull
	}
	if onStartSend != nil {
		onStartSend(0)
	}
	f.sent = append(f.sent, pkt)
	if onSent != nil {
		onSent(int64(len(pkt.Payload)))
	}
	return nil
}

var errFull = &queueFullError{}

type queueFullError struct{}

func (*queueFullError) Error() string { return "queue full" }

func (f *fakeSink) QueueDamage(closure func()) { closure() }

func (f *fakeSink) last() wire.Packet {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

func newTestSource(sink *fakeSink) *Source {
	return New(Config{
		Log:    zerolog.Nop(),
		Cfg:    config.Defaults(),
		Sink:   sink,
		Codecs: codec.NewRegistry(),
		CscReg: csc.NewRegistry(),
	})
}

func testPacket(wid uint64) wire.Packet {
	return wire.Packet{WindowID: wid, W: 2, H: 2, Encoding: "png", Payload: []byte("abc")}
}

func TestEnsureWindowIsIdempotent(t *testing.T) {
	s := newTestSource(&fakeSink{})
	defer s.Close()

	w1 := s.EnsureWindow(1, window.Traits{})
	w2 := s.EnsureWindow(1, window.Traits{})
	require.Same(t, w1, w2)
	require.Equal(t, 1, s.WindowCount())
}

func TestSendPacketAssignsMonotonicSequence(t *testing.T) {
	sink := &fakeSink{}
	s := newTestSource(sink)
	defer s.Close()

	require.NoError(t, s.SendPacket(testPacket(1), 10, false))
	require.NoError(t, s.SendPacket(testPacket(1), 10, false))

	sink.mu.Lock()
	require.Len(t, sink.sent, 2)
	require.Less(t, sink.sent[0].PacketSequence, sink.sent[1].PacketSequence)
	sink.mu.Unlock()
}

func TestBacklogCountsPerWindow(t *testing.T) {
	sink := &fakeSink{}
	s := newTestSource(sink)
	defer s.Close()

	require.NoError(t, s.SendPacket(testPacket(1), 10, false))
	require.NoError(t, s.SendPacket(testPacket(1), 10, false))
	require.NoError(t, s.SendPacket(testPacket(2), 10, false))

	require.Equal(t, 2, s.Backlog(1))
	require.Equal(t, 1, s.Backlog(2))
	require.Equal(t, 0, s.Backlog(3))

	s.HandleAck(wire.Ack{PacketSequence: sink.sent[0].PacketSequence, DecodeTimeMicros: 1000})
	require.Equal(t, 1, s.Backlog(1))
}

func TestHandleAckRemovesRecordExactlyOnce(t *testing.T) {
	sink := &fakeSink{}
	s := newTestSource(sink)
	defer s.Close()

	require.NoError(t, s.SendPacket(testPacket(1), 10, false))
	seq := sink.last().PacketSequence

	s.mu.Lock()
	_, stillPending := s.pending[seq]
	s.mu.Unlock()
	require.True(t, stillPending)

	s.HandleAck(wire.Ack{PacketSequence: seq, DecodeTimeMicros: 5000})

	s.mu.Lock()
	_, stillPending = s.pending[seq]
	s.mu.Unlock()
	require.False(t, stillPending)

	// A duplicate ack finds nothing and must not panic or double-count.
	require.NotPanics(t, func() {
		s.HandleAck(wire.Ack{PacketSequence: seq, DecodeTimeMicros: 5000})
	})
}

func TestAckRecordCarriesSendTiming(t *testing.T) {
	sink := &fakeSink{}
	s := newTestSource(sink)
	defer s.Close()

	require.NoError(t, s.SendPacket(testPacket(1), 10, false))
	seq := sink.last().PacketSequence

	s.mu.Lock()
	rec := s.pending[seq]
	s.mu.Unlock()
	require.NotNil(t, rec)
	require.False(t, rec.queuedAt.IsZero())
	require.False(t, rec.sentAt.IsZero())
	require.Equal(t, int64(3), rec.bytesAtSent)
}

func TestDecodeFailureSkipsLatencySampleAndInvalidatesDelta(t *testing.T) {
	sink := &fakeSink{}
	s := newTestSource(sink)
	defer s.Close()

	s.EnsureWindow(1, window.Traits{})
	require.NoError(t, s.SendPacket(testPacket(1), 10, false))
	seq := sink.last().PacketSequence

	s.HandleAck(wire.Ack{PacketSequence: seq, DecodeTimeMicros: 0})

	// The record is gone, the backlog drained, but no latency sample was
	// recorded for the failed decode.
	require.Equal(t, 0, s.Backlog(1))
	require.Equal(t, 0, s.GlobalStats().Len())
}

func TestRefusedQueueDropsAckRecord(t *testing.T) {
	sink := &fakeSink{fail: true}
	s := newTestSource(sink)
	defer s.Close()

	require.Error(t, s.SendPacket(testPacket(1), 10, false))
	require.Equal(t, 0, s.Backlog(1))
}

func TestRemoveWindowArmsIdleTimer(t *testing.T) {
	s := newTestSource(&fakeSink{})
	defer s.Close()

	idleCh := make(chan struct{}, 1)
	s.onIdle = func(*Source) { idleCh <- struct{}{} }

	s.EnsureWindow(1, window.Traits{})
	s.RemoveWindow(1)
	require.Equal(t, 0, s.WindowCount())

	select {
	case <-idleCh:
		t.Fatal("idle callback fired before teardown delay elapsed")
	case <-time.After(50 * time.Millisecond):
	}
}
