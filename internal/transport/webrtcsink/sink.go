// Package webrtcsink is the reference wire.PacketSink implementation: one
// WebRTC peer connection per viewer, carrying draw packets and viewer acks
// over a single ordered data channel. It generalizes the teacher's WHEP
// answer flow (internal/server/server.go's SDP offer/answer/ICE-gather
// sequence) from "one video track, shared encoder broadcast" to "one
// generic packet channel per connection", and adapts sample_writer.go's
// non-blocking async-enqueue pattern so a slow or congested viewer never
// blocks the WindowSource goroutine that produced the packet.
package webrtcsink

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v3"
	"github.com/xpra-go/dampipe/internal/wire"
)

// sendQueueDepth bounds how many unsent draw packets a Sink buffers before
// dropping the newest, the same backpressure-by-drop policy
// asyncSampleWriter applies to encoder samples.
const sendQueueDepth = 8

// Sink is a wire.PacketSink backed by one WebRTC data channel. Acks
// received from the viewer are delivered to onAck, which the caller
// (typically connsource.Source.HandleAck) wires up at construction.
type Sink struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	mu        sync.Mutex
	queue     chan []byte
	quit      chan struct{}
	closed    bool
	bytesSent int64

	video *VideoTrack

	compressOnce  sync.Once
	compressQueue chan func()
}

// Answer builds a PeerConnection, answers offerSDP over the given data
// channel semantics, and returns the Sink plus the SDP answer to hand back
// to the viewer. onAck is called (from the data channel's own goroutine)
// for every decoded ack frame the viewer sends.
func Answer(offerSDP []byte, onAck func(wire.Ack)) (*Sink, []byte, error) {
	me := webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, nil, fmt.Errorf("webrtcsink: register codecs: %w", err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(&me))
	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, nil, fmt.Errorf("webrtcsink: new peer connection: %w", err)
	}

	ordered := true
	dc, err := pc.CreateDataChannel("damage", &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		_ = pc.Close()
		return nil, nil, fmt.Errorf("webrtcsink: create data channel: %w", err)
	}

	s := &Sink{pc: pc, dc: dc, queue: make(chan []byte, sendQueueDepth), quit: make(chan struct{})}

	// Video frames ride a real media track so a stock WHEP player renders
	// them; everything else goes over the data channel.
	if vt, vtErr := NewVideoTrack(webrtc.MimeTypeVP8); vtErr == nil {
		if _, addErr := pc.AddTrack(vt.Local()); addErr == nil {
			s.video = vt
		}
	}

	dc.OnOpen(func() { go s.pump() })
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if len(msg.Data) == 0 || msg.Data[0] != kindAck {
			return
		}
		if ack, err := decodeAck(msg.Data); err == nil && onAck != nil {
			onAck(ack)
		}
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: string(offerSDP)}); err != nil {
		_ = pc.Close()
		return nil, nil, fmt.Errorf("webrtcsink: set remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		_ = pc.Close()
		return nil, nil, fmt.Errorf("webrtcsink: create answer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		_ = pc.Close()
		return nil, nil, fmt.Errorf("webrtcsink: set local description: %w", err)
	}
	<-gatherComplete

	return s, []byte(pc.LocalDescription().SDP), nil
}

// pump drains the send queue onto the data channel on its own goroutine, so
// QueuePacket never blocks on SCTP backpressure.
func (s *Sink) pump() {
	for {
		select {
		case frame := <-s.queue:
			_ = s.dc.Send(frame)
		case <-s.quit:
			return
		}
	}
}

// QueuePacket implements wire.PacketSink. onStartSend/onSent are invoked
// synchronously around the enqueue, not the actual SCTP write, since pion's
// data channel API doesn't expose a per-message sent callback; a dropped
// packet (full queue) still calls onStartSend but never onSent.
func (s *Sink) QueuePacket(pkt wire.Packet, pixelCount int, onStartSend func(int64), onSent func(int64)) error {
	// VP8 payloads go out as RTP on the media track; the draw packet still
	// follows on the data channel so the viewer can correlate sequence,
	// geometry, and client options.
	if s.video != nil && pkt.Encoding == "vp8" {
		if err := s.video.WriteFrame(pkt.Payload, 0); err != nil {
			return err
		}
	}
	frame, err := encodeDraw(pkt)
	if err != nil {
		return fmt.Errorf("webrtcsink: encode draw: %w", err)
	}
	before := atomic.LoadInt64(&s.bytesSent)
	if onStartSend != nil {
		onStartSend(before)
	}
	select {
	case s.queue <- frame:
		after := atomic.AddInt64(&s.bytesSent, int64(len(frame)))
		if onSent != nil {
			onSent(after)
		}
		return nil
	default:
		return fmt.Errorf("webrtcsink: send queue full, dropped packet seq=%d", pkt.PacketSequence)
	}
}

// QueueDamage implements wire.PacketSink by handing closure to a single
// compressor goroutine draining a FIFO, so compression happens off the
// caller's timer goroutine while payloads for any one window still reach
// QueuePacket in the order they were produced.
func (s *Sink) QueueDamage(closure func()) {
	s.compressOnce.Do(func() {
		s.compressQueue = make(chan func(), 64)
		go func() {
			for {
				select {
				case fn := <-s.compressQueue:
					fn()
				case <-s.quit:
					return
				}
			}
		}()
	})
	select {
	case s.compressQueue <- closure:
	case <-s.quit:
	}
}

// Close tears down the data channel pump and the underlying connection.
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.quit)
	s.mu.Unlock()
	return s.pc.Close()
}
