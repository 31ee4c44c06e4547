// Package window implements WindowSource: the per-window state machine
// that ties together batching, selection, delta caching, the mmap fast
// path, and the video pipeline into the Idle -> Delayed -> Sending ->
// (Refreshing) lifecycle. It is grounded on the teacher's per-connection
// session/ndiMount structs in internal/server/server.go, which hold the
// same shape of mutex-guarded lifecycle state (refCount, idle timers,
// teardown-if-idle) generalized here from "WHEP session" to "damaged
// window".
package window

import (
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/xpra-go/dampipe/internal/batch"
	"github.com/xpra-go/dampipe/internal/codec"
	"github.com/xpra-go/dampipe/internal/controller"
	"github.com/xpra-go/dampipe/internal/csc"
	"github.com/xpra-go/dampipe/internal/delta"
	"github.com/xpra-go/dampipe/internal/frame"
	"github.com/xpra-go/dampipe/internal/mmapregion"
	"github.com/xpra-go/dampipe/internal/pipeline"
	"github.com/xpra-go/dampipe/internal/region"
	"github.com/xpra-go/dampipe/internal/sched"
	"github.com/xpra-go/dampipe/internal/selector"
	"github.com/xpra-go/dampipe/internal/stats"
	"github.com/xpra-go/dampipe/internal/wire"
)

// minRefreshDelay floors the auto-refresh timer so a burst of tiny lossy
// sends can't schedule refreshes faster than the viewer can decode them.
const minRefreshDelay = 50 * time.Millisecond

// State names the WindowSource's position in its lifecycle.
type State int

const (
	StateIdle State = iota
	StateDelayed
	StateSending
	StateRefreshing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDelayed:
		return "delayed"
	case StateSending:
		return "sending"
	case StateRefreshing:
		return "refreshing"
	default:
		return "unknown"
	}
}

// AckSink is the narrow interface WindowSource uses to hand off encoded
// payloads, query its in-flight backlog, and run compression off the timer
// goroutine. It breaks the cyclic WindowSource <-> ServerSource reference:
// a WindowSource holds this interface instead of a pointer back to its
// owning connection.
type AckSink interface {
	// SendPacket assigns the connection-wide packet sequence and forwards
	// pkt to the transport sink.
	SendPacket(pkt wire.Packet, pixels int, isVideo bool) error
	// Backlog reports how many packets this window has queued but not yet
	// seen acknowledged.
	Backlog(windowID uint64) int
	// QueueDamage runs fn on a compressor goroutine.
	QueueDamage(fn func())
}

// Traits are the client- and window-derived settings that don't change
// per-frame: capability negotiation results, window type flags, and
// configured minimums.
type Traits struct {
	MinQuality          int
	MinSpeed            int
	FixedQuality        int // -1 = adaptive
	FixedSpeed          int // -1 = adaptive
	ClientSupportsVideo bool
	IsTray              bool
	IsOverrideRedirect  bool
	HasAlpha            bool
	// Encoding is the window's configured encoding ("x264", "vp8", "png",
	// "rgb32", ...); empty picks rgb32.
	Encoding string
}

// RefreshSettings parameterize the auto-refresh pass that re-sends lossy
// content at high quality once activity subsides.
type RefreshSettings struct {
	Delay     time.Duration
	Threshold int
	Quality   int
	Speed     int
	// Encoding pins the refresh encoding; empty uses png.
	Encoding string
}

// Source is one window's damage pipeline: accumulate damaged regions,
// batch them, pick an encoding, encode, send, and schedule an auto-refresh
// if the send was lossy.
type Source struct {
	mu sync.Mutex

	ID     uint64
	log    zerolog.Logger
	traits Traits
	caps   wire.Capabilities

	state           State
	seq             frame.DamageSequence
	damageCancelled uint64

	acc            *region.Accumulator
	delayedSince   time.Time
	delayedExpired bool

	batchCfg   *batch.Config
	ctl        *controller.Controller
	deltaCache *delta.Cache
	cscReg     *csc.Registry
	codecs     *codec.Registry
	video      *pipeline.Video
	mmap       *mmapregion.Ring
	sch        *sched.Scheduler
	sink       AckSink

	cancelFlush    sched.Cancel
	cancelMaxDelay sched.Cancel
	cancelRefresh  sched.Cancel
	cancelRecalc   sched.Cancel
	recalcEvery    time.Duration

	refresh RefreshSettings

	lastImage            frame.Image
	initialFrame         bool
	nonVideoMax          int
	nonVideoMaxOrInitial int

	closed bool
}

// Config bundles the collaborators a Source needs at construction; all are
// owned by the caller (typically a connsource.Source) and shared across
// however many windows that connection has.
type Config struct {
	ID        uint64
	Log       zerolog.Logger
	Traits    Traits
	Caps      wire.Capabilities
	Sink      AckSink
	CscReg    *csc.Registry
	Codecs    *codec.Registry
	StatsRing *stats.Ring
	Batch     *batch.Config
	// Mmap, when non-nil and Caps.Mmap is set, enables the zero-copy
	// shared-memory path for raw pixel handoff.
	Mmap                       *mmapregion.Ring
	Refresh                    RefreshSettings
	NonVideoMaxPixels          int
	NonVideoMaxPixelsOrInitial int
}

// New builds a Source in the Idle state with no pending damage.
func New(cfg Config) *Source {
	ctl := controller.New(cfg.Traits.MinQuality, cfg.Traits.MinSpeed, cfg.StatsRing, cfg.Batch)
	ctl.SetPins(controller.Pins{FixedQuality: cfg.Traits.FixedQuality, FixedSpeed: cfg.Traits.FixedSpeed})
	if cfg.Refresh.Threshold == 0 {
		cfg.Refresh.Threshold = 90
	}
	if cfg.Refresh.Quality == 0 {
		cfg.Refresh.Quality = 95
	}
	s := &Source{
		ID:                   cfg.ID,
		log:                  cfg.Log,
		traits:               cfg.Traits,
		caps:                 cfg.Caps,
		state:                StateIdle,
		acc:                  region.New(),
		batchCfg:             cfg.Batch,
		ctl:                  ctl,
		deltaCache:           delta.New(1),
		cscReg:               cfg.CscReg,
		codecs:               cfg.Codecs,
		mmap:                 cfg.Mmap,
		sch:                  sched.New(),
		sink:                 cfg.Sink,
		refresh:              cfg.Refresh,
		initialFrame:         true,
		nonVideoMax:          cfg.NonVideoMaxPixels,
		nonVideoMaxOrInitial: cfg.NonVideoMaxPixelsOrInitial,
		recalcEvery:          cfg.Batch.Recalculate,
	}
	ctl.SetBacklogFn(func() int { return s.sink.Backlog(s.ID) })
	go s.sch.Run()
	if s.recalcEvery <= 0 {
		s.recalcEvery = 40 * time.Millisecond
	}
	s.cancelRecalc = s.sch.After(s.recalcEvery, s.recalcTick)
	return s
}

// recalcTick runs the Controller's feedback loop on the scheduler's own
// cadence (~25Hz) and reschedules itself until Close tears the scheduler
// down.
func (s *Source) recalcTick() {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	s.ctl.Recalculate()
	next := s.sch.After(s.recalcEvery, s.recalcTick)
	s.mu.Lock()
	s.cancelRecalc = next
	s.mu.Unlock()
}

// State reports the current lifecycle state, for tests and diagnostics.
func (s *Source) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Damage records a newly damaged rectangle. Zero-area rectangles are
// dropped at ingress. If no delayed region exists and the window is quiet
// enough (delay at its minimum, no backlog, batching not forced always),
// the region is dispatched immediately without ever creating a delayed
// region; otherwise a delayed region is created (or joined) and the expiry
// timer armed for the current batch delay.
func (s *Source) Damage(rect image.Rectangle, img frame.Image) {
	if rect.Dx() <= 0 || rect.Dy() <= 0 {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	seqNum := s.seq.Next()
	s.acc.Add(frame.Region{Rect: rect, Sequence: seqNum})
	s.batchCfg.RecordDamage(rect.Dx() * rect.Dy())
	s.lastImage = img
	cancelRefresh := s.cancelRefresh
	s.cancelRefresh = nil
	state := s.state
	if state == StateRefreshing {
		// a refresh in flight loses to fresh damage
		state = StateIdle
		s.state = StateIdle
	}
	s.mu.Unlock()

	// Any new damage cancels a pending auto-refresh.
	if cancelRefresh != nil {
		cancelRefresh()
	}

	if state == StateDelayed || state == StateSending {
		// Already accumulating into the delayed region; the pending expiry
		// or ack-driven send will pick this rectangle up.
		return
	}

	delay := s.batchCfg.Delay()
	if delay <= s.batchCfg.MinDelay() && s.sink.Backlog(s.ID) == 0 && !s.batchCfg.Always {
		// Immediate synchronous dispatch: no delayed region is created.
		s.sch.Idle(func() { s.processDamageRegions(false) })
		return
	}

	// Recent damage volume can force batching harder than the controller
	// asked for: raise the delay by the overflow ratio before arming.
	if factor := s.batchCfg.ForceBatchFactor(); factor > 1 {
		s.batchCfg.SetDelay(s.batchCfg.ForceBatchDelay(factor))
		delay = s.batchCfg.Delay()
	}

	cancel := s.sch.After(delay, s.expire)
	s.mu.Lock()
	s.state = StateDelayed
	s.delayedSince = time.Now()
	s.delayedExpired = false
	s.cancelFlush = cancel
	s.mu.Unlock()
}

// expire fires when the batch delay elapses: the delayed region is marked
// expired and maySend decides whether the backlog allows an actual send.
// A max-delay safety timer is armed for the case where acks stall.
func (s *Source) expire() {
	s.mu.Lock()
	if s.closed || s.acc.Count() == 0 {
		s.state = StateIdle
		s.mu.Unlock()
		return
	}
	s.delayedExpired = true
	s.cancelMaxDelay = s.sch.After(s.batchCfg.MaxDelay(), s.maxDelayFired)
	s.mu.Unlock()
	s.maySend()
}

// maySend sends the expired delayed region if the ack backlog has drained,
// or parks in Sending until NotifyAck re-runs it. Once the region's age
// passes max_delay the send is forced regardless of backlog so forward
// progress is preserved.
func (s *Source) maySend() {
	s.mu.Lock()
	if s.closed || !s.delayedExpired || s.acc.Count() == 0 {
		s.mu.Unlock()
		return
	}
	elapsed := time.Since(s.delayedSince)
	s.mu.Unlock()

	backlog := s.sink.Backlog(s.ID)
	if backlog > 0 {
		if elapsed < s.batchCfg.MaxDelay() {
			s.mu.Lock()
			s.state = StateSending
			s.mu.Unlock()
			return
		}
		s.log.Warn().Uint64("wid", s.ID).Int("backlog", backlog).
			Dur("elapsed", elapsed).Msg("backlog still above zero past max delay, sending anyway")
	}
	s.mu.Lock()
	cancelMax := s.cancelMaxDelay
	s.cancelMaxDelay = nil
	s.mu.Unlock()
	if cancelMax != nil {
		cancelMax()
	}
	s.processDamageRegions(true)
}

// maxDelayFired is the safety valve: the delayed region has waited
// max_delay since expiry and is sent no matter what the backlog says.
func (s *Source) maxDelayFired() {
	s.mu.Lock()
	pending := s.delayedExpired && s.acc.Count() > 0 && !s.closed
	s.mu.Unlock()
	if !pending {
		return
	}
	s.log.Warn().Uint64("wid", s.ID).Msg("max batch delay reached with acks stalled, forcing send")
	s.processDamageRegions(true)
}

// NotifyAck is called by the connection when one of this window's packets
// is acknowledged; if an expired delayed region is parked on the backlog
// it gets another chance to send.
func (s *Source) NotifyAck() {
	s.mu.Lock()
	parked := s.state == StateSending && !s.closed
	s.mu.Unlock()
	if parked {
		s.sch.Idle(s.maySend)
	}
}

// CancelDamage stamps every damage sequence issued so far as cancelled,
// drops the delayed region, cancels all timers (the pending auto-refresh
// included), clears the delta cache, and tears down the video pipeline so
// the next encoded frame is a key frame. In-flight compression jobs check
// the stamp before emitting; only mmap-path packets ignore it (the ring
// space must be reclaimed by the viewer).
func (s *Source) CancelDamage() {
	s.mu.Lock()
	s.damageCancelled = s.seq.Current()
	s.acc.FlushAndClear()
	s.delayedExpired = false
	s.state = StateIdle
	cancelFlush, cancelMaxDelay, cancelRefresh := s.cancelFlush, s.cancelMaxDelay, s.cancelRefresh
	s.cancelFlush, s.cancelMaxDelay, s.cancelRefresh = nil, nil, nil
	v := s.video
	s.video = nil
	s.mu.Unlock()

	for _, c := range []sched.Cancel{cancelFlush, cancelMaxDelay, cancelRefresh} {
		if c != nil {
			c()
		}
	}
	s.deltaCache.Clear()
	if v != nil {
		v.Close()
	}
}

// isCancelled reports whether a damage sequence was swept by CancelDamage.
func (s *Source) isCancelled(seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return seq <= s.damageCancelled
}

// processDamageRegions drains the accumulator, decides the emit layout
// (per-rectangle, promoted full-window, or video), and queues the
// compression work. batched marks whether this flush drained a delayed
// region or came straight from ingress.
func (s *Source) processDamageRegions(batched bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.acc.Coalesce()
	regions := s.acc.FlushAndClear()
	img := s.lastImage
	since := s.delayedSince
	s.delayedExpired = false
	s.state = StateIdle
	s.mu.Unlock()

	s.batchCfg.Flushed()
	if len(regions) == 0 || img == nil {
		return
	}
	if batched && !since.IsZero() {
		s.batchCfg.RecordActualDelay(time.Since(since))
	}

	wb := img.Bounds()
	windowArea := wb.Dx() * wb.Dy()
	count := len(regions)
	pixels := 0
	lastSeq := uint64(0)
	for _, r := range regions {
		pixels += r.Pixels()
		if r.Sequence > lastSeq {
			lastSeq = r.Sequence
		}
	}

	bounds := regions[0].Rect
	for _, r := range regions[1:] {
		bounds = bounds.Union(r.Rect)
	}

	targets := s.ctl.Targets()
	decision := selector.Decide(selector.Input{
		CurrentEncoding:            s.currentEncoding(),
		ImageHasAlpha:              s.traits.HasAlpha,
		IsTray:                     s.traits.IsTray,
		IsOverrideRedirect:         s.traits.IsOverrideRedirect,
		IsInitialFrame:             s.consumeInitialFrame(),
		WindowW:                    wb.Dx(),
		WindowH:                    wb.Dy(),
		RegionW:                    bounds.Dx(),
		RegionH:                    bounds.Dy(),
		RegionPixels:               pixels,
		Batching:                   batched,
		ClientSupportsVideo:        s.traits.ClientSupportsVideo,
		NonVideoMaxPixels:          s.nonVideoMax,
		NonVideoMaxPixelsOrInitial: s.nonVideoMaxOrInitial,
		Quality:                    targets.Quality,
		Speed:                      targets.Speed,
	})

	// Emit policy: promote to one full-window update when the rectangle
	// count is unmanageable or the covered area (plus a per-packet cost
	// allowance) approaches the whole window; video always covers the full
	// window.
	fullWindow := count > region.RectangleThreshold ||
		pixels+1024*count >= windowArea*9/10 ||
		decision.Kind == codec.KindVideo
	if fullWindow {
		regions = []frame.Region{{Rect: wb, Sequence: lastSeq}}
	}

	job := emitJob{
		regions:  regions,
		img:      img,
		decision: decision,
		targets:  targets,
		lastSeq:  lastSeq,
	}
	s.sink.QueueDamage(func() { s.compressAndSend(job) })
}

// emitJob is the immutable snapshot handed to the compressor goroutine.
type emitJob struct {
	regions  []frame.Region
	img      frame.Image
	decision selector.Decision
	targets  controller.Targets
	lastSeq  uint64
}

// compressAndSend runs on a compressor goroutine: it encodes each region
// of the job and hands packets to the sink, checking the cancellation
// stamp per packet. The mmap path ignores cancellation so the viewer can
// reclaim ring space.
func (s *Source) compressAndSend(job emitJob) {
	anyLossy := false
	fullCoverage := false
	wb := job.img.Bounds()

	for _, r := range job.regions {
		if r.Rect == wb {
			fullCoverage = true
		}
		lossy, err := s.emitRegion(r, job)
		if err != nil {
			s.log.Error().Err(err).Uint64("wid", s.ID).Msg("compress: encode failed")
			s.deltaCache.Clear()
			s.teardownVideo()
			return
		}
		if lossy {
			anyLossy = true
		}
	}

	// Refresh only chases lossy content: a lossless send needs no second
	// pass no matter how little of the window it covered.
	if anyLossy && (job.targets.Quality < s.refresh.Threshold || !fullCoverage) {
		s.scheduleAutoRefresh(job.img)
	}
}

// emitRegion encodes one region with the job's decision and sends the
// resulting packet(s). Returns whether the send was lossy.
func (s *Source) emitRegion(r frame.Region, job emitJob) (lossy bool, err error) {
	if job.decision.Kind == codec.KindVideo {
		return s.emitVideo(r, job)
	}
	return s.emitStill(r.Rect, job.decision.Encoding, job, r.Sequence)
}

// emitVideo sends the region through the video pipeline; when the chosen
// codec needs even dimensions and the region is odd-sized, the even core
// goes to the video encoder and the leftover 1-pixel edges are sent as
// lossless strips.
func (s *Source) emitVideo(r frame.Region, job emitJob) (bool, error) {
	rect := r.Rect
	evenRect := rect
	var strips []image.Rectangle
	// The selector flags odd region dimensions, but promotion may have
	// widened the region to the full window since, so re-check here.
	splitOdd := job.decision.SplitOdd ||
		(needsEvenDims(job.decision.Encoding) && (rect.Dx()%2 == 1 || rect.Dy()%2 == 1))
	if splitOdd {
		evenW := rect.Dx() - rect.Dx()%2
		evenH := rect.Dy() - rect.Dy()%2
		evenRect = image.Rect(rect.Min.X, rect.Min.Y, rect.Min.X+evenW, rect.Min.Y+evenH)
		if evenW < rect.Dx() {
			// 1-pixel-wide strip down the full original height.
			strips = append(strips, image.Rect(rect.Max.X-1, rect.Min.Y, rect.Max.X, rect.Max.Y))
		}
		if evenH < rect.Dy() {
			// 1-pixel-tall strip across the full original width.
			strips = append(strips, image.Rect(rect.Min.X, rect.Max.Y-1, rect.Max.X, rect.Max.Y))
		}
	}

	candidates := pipeline.Candidates(
		s.codecs, s.cscReg, s.registryName(job.decision.Encoding), job.img.Format(),
		evenRect.Dx(), evenRect.Dy(), job.targets.Quality, job.targets.Speed,
		s.traits.MinQuality, s.livePipeline(),
	)
	if len(candidates) == 0 {
		// The chosen codec isn't in this build: lossless still fallback.
		_, err := s.emitStill(rect, "png", job, r.Sequence)
		return false, err
	}

	// Try the scored candidates in order; the first that encodes wins.
	var spec codec.Spec
	var packets [][]byte
	encoded := false
	for _, cand := range candidates {
		s.mu.Lock()
		if s.video == nil || s.video.Spec().Name != cand.Enc.Name {
			if s.video != nil {
				s.video.Close()
			}
			s.video = pipeline.New(cand.Enc, codec.VideoConfig{FPS: 30, Speed: job.targets.Speed}, s.cscReg)
		}
		v := s.video
		s.mu.Unlock()

		out, _, encErr := v.Encode(job.img)
		if encErr != nil {
			s.teardownVideo()
			continue
		}
		spec, packets, encoded = cand.Enc, out, true
		break
	}
	if !encoded {
		_, err := s.emitStill(rect, "png", job, r.Sequence)
		return false, err
	}
	if len(packets) == 0 {
		return false, fmt.Errorf("window: video encoder dropped frame")
	}

	pkt := wire.Packet{
		WindowID: s.ID,
		X:        evenRect.Min.X,
		Y:        evenRect.Min.Y,
		W:        evenRect.Dx(),
		H:        evenRect.Dy(),
		Encoding: spec.Name,
		Payload:  packets[0],
		ClientOptions: wire.ClientOptions{
			Quality: uint8(job.targets.Quality),
			CSC:     string(frame.FormatI420),
		},
	}
	if err := s.send(pkt, evenRect.Dx()*evenRect.Dy(), true, r.Sequence, false); err != nil {
		return false, err
	}
	for _, strip := range strips {
		if _, err := s.emitStill(strip, "png", job, r.Sequence); err != nil {
			return true, err
		}
	}
	return true, nil
}

// needsEvenDims mirrors the selector's x264 even-dimension constraint for
// the post-promotion re-check.
func needsEvenDims(encoding string) bool {
	return encoding == "x264" || encoding == "h264"
}

// videoSpecAliases maps configured encoding names to the names codec
// implementations register under (libx264 publishes "h264", libvpx "vp8").
var videoSpecAliases = map[string]string{
	"x264": "h264",
	"vpx":  "vp8",
}

// registryName resolves the selector's chosen video encoding to the name
// codecs register under, preferring an exact match over the alias.
func (s *Source) registryName(encoding string) string {
	if _, ok := s.codecs.BestNamed(codec.KindVideo, encoding, frame.FormatI420, codec.ScoreWeights{}); ok {
		return encoding
	}
	if alias, ok := videoSpecAliases[encoding]; ok {
		return alias
	}
	return encoding
}

// livePipeline snapshots the running video pipeline for the candidate
// scorer's edge-resistance term, nil when no pipeline is warm.
func (s *Source) livePipeline() *pipeline.Live {
	s.mu.Lock()
	v := s.video
	s.mu.Unlock()
	if v == nil {
		return nil
	}
	w, h := v.Dims()
	return &pipeline.Live{EncName: v.Spec().Name, W: w, H: h}
}

// emitStill encodes one region with the named still encoding. The mmap
// fast path is tried first when the viewer shares the ring and the pixel
// format qualifies.
func (s *Source) emitStill(rect image.Rectangle, encoding string, job emitJob, seq uint64) (lossy bool, err error) {
	sub, ok := subImage(job.img, rect)
	if !ok {
		rect = job.img.Bounds()
		sub = job.img
	}

	if sent, err := s.tryMmap(rect, sub, seq); sent || err != nil {
		return false, err
	}

	pkt := wire.Packet{
		WindowID: s.ID,
		X:        rect.Min.X,
		Y:        rect.Min.Y,
		W:        rect.Dx(),
		H:        rect.Dy(),
	}

	switch encoding {
	case "png":
		out, err := codec.NewPNGEncoderForSpeed(job.targets.Speed).Encode(sub)
		if err != nil {
			return false, err
		}
		pkt.Encoding, pkt.Payload = "png", out
	case "png/L":
		out, err := codec.NewPNGLEncoder().Encode(sub)
		if err != nil {
			return false, err
		}
		pkt.Encoding, pkt.Payload = "png/L", out
	case "png/P":
		out, err := codec.NewPNGPEncoder().Encode(sub)
		if err != nil {
			return false, err
		}
		pkt.Encoding, pkt.Payload = "png/P", out
	case "jpeg":
		out, err := codec.NewJPEGEncoder().Encode(sub, job.targets.Quality)
		if err != nil {
			return false, err
		}
		pkt.Encoding, pkt.Payload = "jpeg", out
		pkt.ClientOptions.Quality = uint8(clampQuality(job.targets.Quality))
		lossy = job.targets.Quality < 100
	default:
		// rgb32/rgb24: raw pixels, optional XOR delta, tunable zlib pass.
		return s.emitRaw(rect, sub, job, seq)
	}

	return lossy, s.send(pkt, rect.Dx()*rect.Dy(), false, seq, false)
}

// emitRaw sends the region as raw pixels: XOR-delta against the cached
// previous frame when the client supports delta for this encoding, then
// the level-tuned zlib pass with its "must shave 32 bytes" escape hatch.
func (s *Source) emitRaw(rect image.Rectangle, sub frame.Image, job emitJob, seq uint64) (bool, error) {
	encoding := "rgb32"
	current := sub.Pixels()

	pkt := wire.Packet{
		WindowID:  s.ID,
		X:         rect.Min.X,
		Y:         rect.Min.Y,
		W:         rect.Dx(),
		H:         rect.Dy(),
		Encoding:  encoding,
		RowStride: sub.Stride(),
		ClientOptions: wire.ClientOptions{
			RGBFormat: string(sub.Format()),
		},
	}

	toCompress := current
	if s.caps.SupportsEncoding(encoding) {
		key := deltaKey(encoding, rect)
		if d, cachedSeq, ok := s.deltaCache.Delta(key, current); ok {
			toCompress = d
			pkt.ClientOptions.Delta = uint32(cachedSeq)
		}
		// The cache always tracks the latest full frame, delta or not.
		s.deltaCache.Store(key, current, seq)
		pkt.ClientOptions.Store = uint32(seq)
	}

	out, level, err := codec.CompressRGB(toCompress, job.targets.Speed)
	if err != nil {
		return false, err
	}
	pkt.Payload = out
	pkt.ClientOptions.Zlib = uint8(level)
	return false, s.send(pkt, rect.Dx()*rect.Dy(), false, seq, false)
}

// tryMmap attempts the zero-copy handoff: raw pixels into the shared ring,
// chunk descriptors on the wire. Returns sent=false (and no error) when
// the path doesn't apply or the ring is too full, in which case the caller
// proceeds with normal encoding.
func (s *Source) tryMmap(rect image.Rectangle, sub frame.Image, seq uint64) (sent bool, err error) {
	if s.mmap == nil || !s.caps.Mmap {
		return false, nil
	}
	if !s.mmapFormatOK(sub.Format()) {
		// The viewer doesn't take this pixel format over mmap: best-effort
		// local CSC into one it does take; only if that's impossible is
		// the mmap path abandoned for the normal encoders.
		reformatted, ok := s.reformatForMmap(sub)
		if !ok {
			return false, nil
		}
		sub = reformatted
	}
	chunks, ok := s.mmap.Write(sub.Pixels())
	if !ok {
		return false, nil
	}
	pkt := wire.Packet{
		WindowID:  s.ID,
		X:         rect.Min.X,
		Y:         rect.Min.Y,
		W:         rect.Dx(),
		H:         rect.Dy(),
		Encoding:  "mmap",
		Payload:   mmapregion.EncodeChunks(chunks),
		RowStride: sub.Stride(),
		ClientOptions: wire.ClientOptions{
			RGBFormat: string(sub.Format()),
		},
	}
	// mmap packets bypass the cancellation stamp: the viewer must see the
	// write to advance the ring's consumer position.
	return true, s.send(pkt, rect.Dx()*rect.Dy(), false, seq, true)
}

// reformatForMmap converts an image the viewer can't take over mmap into
// bgra32, the one packed format every conversion here can reach. Planar
// I420 converts directly; UYVY goes through I420 first, gated on the CSC
// registry actually carrying a converter for it in this build.
func (s *Source) reformatForMmap(img frame.Image) (frame.Image, bool) {
	if !s.mmapFormatOK(frame.FormatBGRA32) {
		return nil, false
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 || w%2 == 1 || h%2 == 1 {
		return nil, false
	}
	ySize := w * h
	cSize := (w / 2) * (h / 2)

	var y, u, v []byte
	switch img.Format() {
	case frame.FormatI420:
		px := img.Pixels()
		if len(px) < ySize+2*cSize {
			return nil, false
		}
		y = px[:ySize]
		u = px[ySize : ySize+cSize]
		v = px[ySize+cSize : ySize+2*cSize]
	case frame.FormatUYVY422:
		if _, ok := s.cscReg.Best(frame.FormatUYVY422); !ok {
			return nil, false
		}
		if len(img.Pixels()) < w*h*2 {
			return nil, false
		}
		y = make([]byte, ySize)
		u = make([]byte, cSize)
		v = make([]byte, cSize)
		csc.UYVYToI420(img.Pixels(), w, h, y, u, v)
	default:
		return nil, false
	}

	out := make([]byte, w*h*4)
	csc.I420ToBGRA(y, u, v, w, h, out)
	return cropped{w: w, h: h, format: frame.FormatBGRA32, stride: w * 4, px: out}, true
}

func (s *Source) mmapFormatOK(f frame.PixelFormat) bool {
	if len(s.caps.RGBFormats) == 0 {
		return f == frame.FormatBGRA32
	}
	for _, rf := range s.caps.RGBFormats {
		if rf == string(f) {
			return true
		}
	}
	return false
}

// send applies the cancellation stamp (unless the packet rode the mmap
// ring) and forwards to the sink.
func (s *Source) send(pkt wire.Packet, pixels int, isVideo bool, seq uint64, viaMmap bool) error {
	if !viaMmap && s.isCancelled(seq) {
		return nil
	}
	return s.sink.SendPacket(pkt, pixels, isVideo)
}

// teardownVideo closes the live pipeline so the next video frame starts a
// fresh encoder (and therefore a key frame).
func (s *Source) teardownVideo() {
	s.mu.Lock()
	v := s.video
	s.video = nil
	s.mu.Unlock()
	if v != nil {
		v.Close()
	}
}

// RecordRoundTrip feeds a real viewer ACK latency into this window's
// Controller; connsource.Source calls this once the actual ack for a sent
// packet arrives.
func (s *Source) RecordRoundTrip(latency time.Duration, pixels int, encoding string) {
	s.ctl.RecordAck(latency, pixels, encoding)
}

// InvalidateDelta drops all cached delta state for this window, used when
// the viewer reports a decode failure (decode_time == 0) for a packet this
// window sent.
func (s *Source) InvalidateDelta() {
	s.deltaCache.Clear()
}

// FamilyOf maps the isVideo flag carried on a sent packet back to the
// "still"/"video" tag StatsRing.SnapshotTagged filters by, for callers
// (connsource.Source) that only have the wire-level flag, not a
// selector.Decision.
func FamilyOf(isVideo bool) string {
	if isVideo {
		return "video"
	}
	return "still"
}

func (s *Source) consumeInitialFrame() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.initialFrame
	s.initialFrame = false
	return was
}

func (s *Source) currentEncoding() string {
	if s.traits.Encoding == "" {
		return "rgb32"
	}
	return s.traits.Encoding
}

func deltaKey(encoding string, r image.Rectangle) string {
	return fmt.Sprintf("%s:%dx%d", encoding, r.Dx(), r.Dy())
}

func clampQuality(q int) int {
	if q < 1 {
		return 1
	}
	if q > 99 {
		return 99
	}
	return q
}

// scheduleAutoRefresh arms the timer that re-sends the window at high
// quality once activity subsides: max(50ms, configured refresh delay,
// 4x the current batch delay). Any new damage cancels it.
func (s *Source) scheduleAutoRefresh(img frame.Image) {
	delay := minRefreshDelay
	if s.refresh.Delay > delay {
		delay = s.refresh.Delay
	}
	if d := 4 * s.batchCfg.Delay(); d > delay {
		delay = d
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.cancelRefresh != nil {
		s.cancelRefresh()
	}
	s.cancelRefresh = s.sch.After(delay, func() { s.autoRefresh(img) })
	s.mu.Unlock()
}

// autoRefresh re-sends the full window at the configured refresh quality.
// It only runs when no new delayed region has appeared since it was armed.
func (s *Source) autoRefresh(img frame.Image) {
	s.mu.Lock()
	if s.closed || s.state != StateIdle || s.acc.Count() > 0 {
		s.mu.Unlock()
		return
	}
	s.state = StateRefreshing
	seq := s.seq.Current()
	s.mu.Unlock()

	encoding := s.refresh.Encoding
	if encoding == "" {
		encoding = "png"
	}
	var out []byte
	var err error
	switch encoding {
	case "jpeg":
		out, err = codec.NewJPEGEncoder().Encode(img, s.refresh.Quality)
	default:
		encoding = "png"
		out, err = codec.NewPNGEncoderForSpeed(s.refresh.Speed).Encode(img)
	}

	s.mu.Lock()
	if s.state == StateRefreshing {
		s.state = StateIdle
	}
	s.mu.Unlock()
	if err != nil {
		s.log.Warn().Err(err).Uint64("wid", s.ID).Msg("auto-refresh: encode failed")
		return
	}
	b := img.Bounds()
	pkt := wire.Packet{
		WindowID: s.ID,
		X:        b.Min.X,
		Y:        b.Min.Y,
		W:        b.Dx(),
		H:        b.Dy(),
		Encoding: encoding,
		Payload:  out,
		ClientOptions: wire.ClientOptions{
			Quality: uint8(s.refresh.Quality),
		},
	}
	if sendErr := s.send(pkt, b.Dx()*b.Dy(), false, seq, false); sendErr != nil {
		s.log.Warn().Err(sendErr).Uint64("wid", s.ID).Msg("auto-refresh: send failed")
	}
}

// Close stops the window's scheduler and releases its video pipeline.
func (s *Source) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancels := []sched.Cancel{s.cancelRecalc, s.cancelRefresh, s.cancelFlush, s.cancelMaxDelay}
	s.cancelRecalc, s.cancelRefresh, s.cancelFlush, s.cancelMaxDelay = nil, nil, nil, nil
	v := s.video
	s.video = nil
	s.mu.Unlock()

	for _, c := range cancels {
		if c != nil {
			c()
		}
	}
	s.sch.Stop()
	if v != nil {
		v.Close()
	}
}

// subImage copies rect out of img into a tightly-packed buffer, for still
// encoders that work on the damaged region rather than the whole capture.
// Formats without a fixed per-pixel byte width (planar YUV) can't be
// cropped this way; ok is false and the caller encodes the full image.
func subImage(img frame.Image, rect image.Rectangle) (frame.Image, bool) {
	bpp := 0
	switch img.Format() {
	case frame.FormatBGRA32:
		bpp = 4
	case frame.FormatRGB24:
		bpp = 3
	default:
		return nil, false
	}
	b := img.Bounds()
	rect = rect.Intersect(b)
	if rect.Empty() {
		return nil, false
	}
	if rect == b {
		return img, true
	}
	src := img.Pixels()
	stride := img.Stride()
	w, h := rect.Dx(), rect.Dy()
	out := make([]byte, w*h*bpp)
	for y := 0; y < h; y++ {
		srcOff := (rect.Min.Y-b.Min.Y+y)*stride + (rect.Min.X-b.Min.X)*bpp
		copy(out[y*w*bpp:(y+1)*w*bpp], src[srcOff:srcOff+w*bpp])
	}
	return cropped{w: w, h: h, format: img.Format(), stride: w * bpp, px: out}, true
}

// cropped is the heap-backed Image subImage produces.
type cropped struct {
	w, h   int
	format frame.PixelFormat
	stride int
	px     []byte
}

func (c cropped) Bounds() image.Rectangle   { return image.Rect(0, 0, c.w, c.h) }
func (c cropped) Format() frame.PixelFormat { return c.format }
func (c cropped) Stride() int               { return c.stride }
func (c cropped) Pixels() []byte            { return c.px }
