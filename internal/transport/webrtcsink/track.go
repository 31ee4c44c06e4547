package webrtcsink

import (
	"fmt"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

// rtpMTU is the payload budget per RTP packet, leaving room for the header
// inside a typical 1500-byte path MTU with DTLS/SRTP overhead.
const rtpMTU = 1200

// videoClockRate is the 90kHz RTP clock shared by every video payload.
const videoClockRate = 90000

// VideoTrack carries encoded video frames to the viewer as RTP packets on
// a media track, the path a WHEP player actually renders, while still
// packets ride the data channel. Packetization is done by hand with
// pion/rtp so frame boundaries map to marker bits the way the viewer's
// depacketizer expects.
type VideoTrack struct {
	track *webrtc.TrackLocalStaticRTP

	mu        sync.Mutex
	seq       uint16
	timestamp uint32
	ssrc      uint32
}

// NewVideoTrack builds a track for the given mime type (e.g.
// webrtc.MimeTypeVP8, webrtc.MimeTypeH264).
func NewVideoTrack(mime string) (*VideoTrack, error) {
	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: mime, ClockRate: videoClockRate},
		"video", "dampipe",
	)
	if err != nil {
		return nil, fmt.Errorf("webrtcsink: new video track: %w", err)
	}
	return &VideoTrack{track: track, ssrc: 0x64616d70}, nil
}

// Local exposes the underlying track for PeerConnection.AddTrack.
func (t *VideoTrack) Local() webrtc.TrackLocal { return t.track }

// WriteFrame packetizes one encoded frame into MTU-sized RTP packets with
// the marker bit on the last, advancing the 90kHz timestamp by the frame
// duration. durationMs <= 0 assumes a 30fps frame.
func (t *VideoTrack) WriteFrame(frame []byte, durationMs int) error {
	if len(frame) == 0 {
		return nil
	}
	if durationMs <= 0 {
		durationMs = 33
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for off := 0; off < len(frame); off += rtpMTU {
		end := off + rtpMTU
		if end > len(frame) {
			end = len(frame)
		}
		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         end == len(frame),
				SequenceNumber: t.seq,
				Timestamp:      t.timestamp,
				SSRC:           t.ssrc,
			},
			Payload: frame[off:end],
		}
		t.seq++
		if err := t.track.WriteRTP(pkt); err != nil {
			return fmt.Errorf("webrtcsink: write rtp: %w", err)
		}
	}
	t.timestamp += uint32(videoClockRate * durationMs / 1000)
	return nil
}
