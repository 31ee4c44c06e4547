package webrtcsink

import (
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"
)

func TestWriteFrameAdvancesSequenceAndTimestamp(t *testing.T) {
	vt, err := NewVideoTrack(webrtc.MimeTypeVP8)
	require.NoError(t, err)

	// An unbound track accepts writes (they just reach no subscriber), so
	// packetization state can be checked without a full peer connection.
	frame := make([]byte, 3*rtpMTU+10) // 4 packets, marker on the last
	require.NoError(t, vt.WriteFrame(frame, 33))
	require.Equal(t, uint16(4), vt.seq)
	require.Equal(t, uint32(videoClockRate*33/1000), vt.timestamp)

	require.NoError(t, vt.WriteFrame(frame[:10], 33))
	require.Equal(t, uint16(5), vt.seq)
}

func TestWriteFrameSkipsEmptyPayload(t *testing.T) {
	vt, err := NewVideoTrack(webrtc.MimeTypeVP8)
	require.NoError(t, err)
	require.NoError(t, vt.WriteFrame(nil, 0))
	require.Equal(t, uint16(0), vt.seq)
}
