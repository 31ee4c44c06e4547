package webrtcsink

import (
	"sync"

	"github.com/xpra-go/dampipe/internal/wire"
)

// Broadcaster fans one wire.PacketSink's worth of writes out to many
// viewer Sinks sharing the same window, adapted from the teacher's
// SampleBroadcaster (internal/stream/broadcaster.go): each viewer gets its
// own bounded queue so one slow connection can't stall the others, and the
// type itself satisfies wire.PacketSink so it drops in wherever a single
// Sink would.
type Broadcaster struct {
	mu    sync.RWMutex
	sinks map[*Sink]struct{}
}

// NewBroadcaster returns an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{sinks: make(map[*Sink]struct{})}
}

// Add registers a viewer Sink. The returned remove func detaches it; callers
// invoke it when that viewer disconnects.
func (b *Broadcaster) Add(s *Sink) (remove func()) {
	b.mu.Lock()
	b.sinks[s] = struct{}{}
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.sinks, s)
		b.mu.Unlock()
	}
}

// Count reports how many viewers are currently attached.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sinks)
}

// QueuePacket implements wire.PacketSink by forwarding to every attached
// Sink; a single viewer's full queue only drops that viewer's copy, per
// QueuePacket's own backpressure-by-drop policy.
func (b *Broadcaster) QueuePacket(pkt wire.Packet, pixelCount int, onStartSend func(int64), onSent func(int64)) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.sinks {
		_ = s.QueuePacket(pkt, pixelCount, onStartSend, onSent)
	}
	return nil
}

// QueueDamage runs closure once; the draw packets it eventually produces
// still reach every attached Sink through QueuePacket.
func (b *Broadcaster) QueueDamage(closure func()) {
	go closure()
}

// Close detaches and closes every attached Sink.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.sinks {
		_ = s.Close()
		delete(b.sinks, s)
	}
}
