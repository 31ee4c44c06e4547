// Package connsource implements ServerSource: the per-connection
// collection of WindowSources, closing the cyclic WindowSource <->
// ServerSource reference by having WindowSource hold only the narrow
// window.AckSink interface while Source (this package) keeps the real map
// and routes viewer acks back down to whichever window sent the packet.
// Idle-mount teardown is grounded on the teacher's
// ndiMount.addSession/removeSession/idleTimer pattern in
// internal/server/server.go, generalized from "mount with zero sessions"
// to "connection with zero open windows".
package connsource

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/xpra-go/dampipe/internal/batch"
	"github.com/xpra-go/dampipe/internal/codec"
	"github.com/xpra-go/dampipe/internal/config"
	"github.com/xpra-go/dampipe/internal/csc"
	"github.com/xpra-go/dampipe/internal/mmapregion"
	"github.com/xpra-go/dampipe/internal/stats"
	"github.com/xpra-go/dampipe/internal/wire"
	"github.com/xpra-go/dampipe/internal/window"
)

// idleTeardownDelay mirrors the teacher's mountIdleTTL: how long a
// connection with zero open windows is kept around before its resources
// are released, in case the same client reconnects a window immediately.
const idleTeardownDelay = 10 * time.Second

// ackRecord is the bookkeeping kept for one sent-but-not-yet-acked packet:
// when it was queued and sent, the connection's cumulative byte counter at
// both points, and which window it belongs to. Every completed ack had
// exactly one of these, removed exactly once.
type ackRecord struct {
	windowID    uint64
	pixels      int
	isVideo     bool
	queuedAt    time.Time
	bytesAtQ    int64
	sentAt      time.Time
	bytesAtSent int64
}

// Source is one connection's collection of WindowSources: it assigns the
// connection-wide monotonic packet_sequence, tracks pending acks, and
// forwards encoded payloads to the transport-level wire.PacketSink.
type Source struct {
	ConnID string
	log    zerolog.Logger

	cfg    config.Config
	caps   wire.Capabilities
	sink   wire.PacketSink
	codecs *codec.Registry
	cscReg *csc.Registry
	mmap   *mmapregion.Ring

	mu      sync.Mutex
	windows map[uint64]*window.Source
	pending map[uint32]*ackRecord
	nextSeq uint32

	globalRing *stats.Ring

	idleMu    sync.Mutex
	idleTimer *time.Timer
	onIdle    func(*Source)
}

// Config bundles what New needs to build a Source.
type Config struct {
	Log    zerolog.Logger
	Cfg    config.Config
	Caps   wire.Capabilities
	Sink   wire.PacketSink
	Codecs *codec.Registry
	CscReg *csc.Registry
	// Mmap, when non-nil and Caps.Mmap is set, is shared by every window
	// on this connection for the zero-copy pixel path.
	Mmap *mmapregion.Ring
	// OnIdle, if set, is invoked once this connection has had zero open
	// windows for idleTeardownDelay, the hook a caller uses to drop its
	// own reference to this Source.
	OnIdle func(*Source)
}

// New creates a Source with a fresh connection id.
func New(cfg Config) *Source {
	id := uuid.NewString()
	return &Source{
		ConnID:     id,
		log:        cfg.Log.With().Str("conn", id).Logger(),
		cfg:        cfg.Cfg,
		caps:       cfg.Caps,
		sink:       cfg.Sink,
		codecs:     cfg.Codecs,
		cscReg:     cfg.CscReg,
		mmap:       cfg.Mmap,
		windows:    make(map[uint64]*window.Source),
		pending:    make(map[uint32]*ackRecord),
		globalRing: stats.NewRing(cfg.Cfg.Stats.RingCapacity),
		onIdle:     cfg.OnIdle,
	}
}

// EnsureWindow returns the WindowSource for id, creating it (and cancelling
// any pending idle teardown) if this is the first damage seen for it.
func (s *Source) EnsureWindow(id uint64, traits window.Traits) *window.Source {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w, ok := s.windows[id]; ok {
		return w
	}

	s.cancelIdleTimer()

	// A zero-value Traits means the caller left the pins unset; -1 (the
	// config default) keeps both knobs adaptive.
	if traits.FixedQuality == 0 && traits.FixedSpeed == 0 {
		traits.FixedQuality = s.cfg.Encoding.Quality
		traits.FixedSpeed = s.cfg.Encoding.Speed
	}
	if traits.MinQuality == 0 {
		traits.MinQuality = s.cfg.Encoding.MinQuality
	}
	if traits.MinSpeed == 0 {
		traits.MinSpeed = s.cfg.Encoding.MinSpeed
	}

	b := batch.New(batch.Options{
		Always:       s.cfg.Batch.Always,
		MaxEvents:    s.cfg.Batch.MaxEvents,
		MaxPixels:    s.cfg.Batch.MaxPixels,
		MinDelayMs:   s.cfg.Batch.MinDelayMs,
		StartDelayMs: s.cfg.Batch.StartDelayMs,
		MaxDelayMs:   s.cfg.Batch.MaxDelayMs,
		TimeUnit:     s.cfg.Batch.TimeUnit,
		Recalculate:  s.cfg.Batch.RecalculateEvery,
		RingCapacity: s.cfg.Stats.ActualDelayCapacity,
	})
	w := window.New(window.Config{
		ID:        id,
		Log:       s.log.With().Uint64("wid", id).Logger(),
		Traits:    traits,
		Caps:      s.caps,
		Sink:      s,
		CscReg:    s.cscReg,
		Codecs:    s.codecs,
		StatsRing: stats.NewRing(s.cfg.Stats.RingCapacity),
		Batch:     b,
		Mmap:      s.mmap,
		Refresh: window.RefreshSettings{
			Delay:     time.Duration(s.cfg.AutoRefresh.DelayMs) * time.Millisecond,
			Threshold: s.cfg.AutoRefresh.ThresholdPct,
			Quality:   s.cfg.AutoRefresh.Quality,
			Speed:     s.cfg.AutoRefresh.Speed,
			Encoding:  s.cfg.AutoRefresh.Encoding,
		},
		NonVideoMaxPixels:          s.cfg.NonVideo.MaxPixels,
		NonVideoMaxPixelsOrInitial: s.cfg.NonVideo.MaxPixelsOrInitial,
	})
	s.windows[id] = w
	return w
}

// RemoveWindow closes and forgets the WindowSource for id. Once the
// connection holds no more windows, an idle teardown timer is armed rather
// than tearing down immediately, matching ndiMount.removeSession's grace
// period for a client that is merely switching focus between windows.
func (s *Source) RemoveWindow(id uint64) {
	s.mu.Lock()
	w, ok := s.windows[id]
	if ok {
		delete(s.windows, id)
	}
	empty := len(s.windows) == 0
	s.mu.Unlock()

	if !ok {
		return
	}
	w.Close()

	if empty {
		s.armIdleTimer()
	}
}

func (s *Source) armIdleTimer() {
	s.idleMu.Lock()
	defer s.idleMu.Unlock()
	if s.idleTimer != nil {
		return
	}
	s.idleTimer = time.AfterFunc(idleTeardownDelay, func() {
		if s.onIdle != nil {
			s.onIdle(s)
		}
	})
}

func (s *Source) cancelIdleTimer() {
	s.idleMu.Lock()
	defer s.idleMu.Unlock()
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
}

// WindowCount reports how many windows are currently open on this
// connection.
func (s *Source) WindowCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}

// SendPacket implements window.AckSink: it assigns this connection's next
// packet_sequence, records an ackRecord, and forwards to the transport
// sink with callbacks that stamp the record's queued/sent byte counters.
func (s *Source) SendPacket(pkt wire.Packet, pixels int, isVideo bool) error {
	s.mu.Lock()
	s.nextSeq++
	seq := s.nextSeq
	rec := &ackRecord{
		windowID: pkt.WindowID,
		pixels:   pixels,
		isVideo:  isVideo,
		queuedAt: time.Now(),
	}
	s.pending[seq] = rec
	s.mu.Unlock()

	pkt.PacketSequence = seq
	err := s.sink.QueuePacket(pkt, pixels,
		func(bytesSoFar int64) {
			s.mu.Lock()
			rec.bytesAtQ = bytesSoFar
			s.mu.Unlock()
		},
		func(bytesSoFar int64) {
			s.mu.Lock()
			rec.sentAt = time.Now()
			rec.bytesAtSent = bytesSoFar
			s.mu.Unlock()
		},
	)
	if err != nil {
		// The sink refused (queue full); drop the record so the backlog
		// doesn't count a packet that will never be acked.
		s.mu.Lock()
		delete(s.pending, seq)
		s.mu.Unlock()
	}
	return err
}

// Backlog implements window.AckSink: how many of windowID's packets are
// queued or in flight without an ack yet.
func (s *Source) Backlog(windowID uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rec := range s.pending {
		if rec.windowID == windowID {
			n++
		}
	}
	return n
}

// QueueDamage implements window.AckSink by forwarding to the transport
// sink's compressor hand-off.
func (s *Source) QueueDamage(fn func()) {
	s.sink.QueueDamage(fn)
}

// HandleAck correlates a viewer ack with its ackRecord exactly once, feeds
// the round trip latency back to the originating window's Controller, and
// on a reported decode failure (DecodeTimeMicros == 0) invalidates that
// window's DeltaCache instead of recording a latency sample. Either way
// the window is poked so a delayed region parked on the backlog can send.
func (s *Source) HandleAck(ack wire.Ack) {
	s.mu.Lock()
	rec, ok := s.pending[ack.PacketSequence]
	if ok {
		delete(s.pending, ack.PacketSequence)
	}
	var w *window.Source
	if ok {
		w = s.windows[rec.windowID]
	}
	s.mu.Unlock()

	if !ok {
		s.log.Warn().Uint32("seq", ack.PacketSequence).Msg("ack: no matching pending record")
		return
	}
	if w == nil {
		return
	}

	if ack.DecodeTimeMicros == 0 {
		// Decode failure: no latency sample, just drop the delta state.
		w.InvalidateDelta()
		w.NotifyAck()
		return
	}

	ref := rec.sentAt
	if ref.IsZero() {
		ref = rec.queuedAt
	}
	latency := time.Since(ref)
	s.globalRing.Add(stats.Sample{At: time.Now(), Latency: latency, Pixels: rec.pixels, Encoding: window.FamilyOf(rec.isVideo)})
	w.RecordRoundTrip(latency, rec.pixels, window.FamilyOf(rec.isVideo))
	w.NotifyAck()
}

// GlobalStats exposes the connection-wide latency ring, for diagnostics
// and the demo server's stats endpoint.
func (s *Source) GlobalStats() *stats.Ring { return s.globalRing }

// Close tears down every open window on this connection.
func (s *Source) Close() {
	s.cancelIdleTimer()
	s.mu.Lock()
	windows := make([]*window.Source, 0, len(s.windows))
	for id, w := range s.windows {
		windows = append(windows, w)
		delete(s.windows, id)
	}
	s.mu.Unlock()
	for _, w := range windows {
		w.Close()
	}
}
