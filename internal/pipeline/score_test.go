package pipeline

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xpra-go/dampipe/internal/codec"
	"github.com/xpra-go/dampipe/internal/csc"
	"github.com/xpra-go/dampipe/internal/frame"
)

func TestCandidatesFindsCscPathForBGRASource(t *testing.T) {
	codec.RegisterVideoEncoder(codec.Spec{
		Name:    "scoretest-codec",
		Kind:    codec.KindVideo,
		Formats: []frame.PixelFormat{frame.FormatI420},
		Quality: 80,
		Speed:   70,
	}, func(codec.VideoConfig) (codec.VideoEncoder, error) {
		return nil, codec.ErrUnavailable
	})

	cands := Candidates(codec.NewRegistry(), csc.NewRegistry(),
		"scoretest-codec", frame.FormatBGRA32, 640, 480, 80, 50, 0, nil)
	require.NotEmpty(t, cands)
	require.NotNil(t, cands[0].Csc, "BGRA input needs a colour-space conversion stage")
	require.Equal(t, "scoretest-codec", cands[0].Enc.Name)
}

func TestCandidatesEmptyForUnknownCodec(t *testing.T) {
	cands := Candidates(codec.NewRegistry(), csc.NewRegistry(),
		"no-such-codec", frame.FormatBGRA32, 640, 480, 80, 50, 0, nil)
	require.Empty(t, cands)
}

func TestCandidatesRespectDimensionLimits(t *testing.T) {
	codec.RegisterVideoEncoder(codec.Spec{
		Name:      "scoretest-limited",
		Kind:      codec.KindVideo,
		Formats:   []frame.PixelFormat{frame.FormatI420},
		MaxWidth:  1920,
		MaxHeight: 1080,
	}, func(codec.VideoConfig) (codec.VideoEncoder, error) {
		return nil, codec.ErrUnavailable
	})

	reg := codec.NewRegistry()
	require.NotEmpty(t, Candidates(reg, csc.NewRegistry(), "scoretest-limited", frame.FormatBGRA32, 1920, 1080, 50, 50, 0, nil))
	require.Empty(t, Candidates(reg, csc.NewRegistry(), "scoretest-limited", frame.FormatBGRA32, 4096, 2160, 50, 50, 0, nil))
}

func TestQualityFloorZeroesTheQualityAxis(t *testing.T) {
	codec.RegisterVideoEncoder(codec.Spec{
		Name:    "scoretest-floor",
		Kind:    codec.KindVideo,
		Formats: []frame.PixelFormat{frame.FormatI420},
		Quality: 70,
		Speed:   70,
	}, func(codec.VideoConfig) (codec.VideoEncoder, error) {
		return nil, codec.ErrUnavailable
	})
	reg := codec.NewRegistry()

	// Effective quality after the subsampling penalty and the go CSC's
	// attenuation is (70-15)*80/100 = 44; a floor above that zeroes the
	// quality axis, a floor below it leaves the score intact.
	below := Candidates(reg, csc.NewRegistry(), "scoretest-floor", frame.FormatBGRA32, 640, 480, 44, 50, 0, nil)
	floored := Candidates(reg, csc.NewRegistry(), "scoretest-floor", frame.FormatBGRA32, 640, 480, 44, 50, 60, nil)
	require.NotEmpty(t, below)
	require.NotEmpty(t, floored)
	require.Greater(t, below[0].Score, floored[0].Score)
	// With the target sitting exactly on the effective quality the whole
	// difference is the zeroed quality axis: 100/3 points.
	require.InDelta(t, 100.0/3, below[0].Score-floored[0].Score, 0.01)
}

func TestEdgeResistanceRewardsWarmPipeline(t *testing.T) {
	enc := codec.Spec{
		Name:      "scoretest-warm",
		Kind:      codec.KindVideo,
		Formats:   []frame.PixelFormat{frame.FormatI420},
		Quality:   80,
		Speed:     70,
		SetupCost: 50,
	}
	codec.RegisterVideoEncoder(enc, func(codec.VideoConfig) (codec.VideoEncoder, error) {
		return nil, codec.ErrUnavailable
	})
	reg := codec.NewRegistry()

	cold := Candidates(reg, csc.NewRegistry(), "scoretest-warm", frame.FormatBGRA32, 640, 480, 80, 50, 0, nil)
	warm := Candidates(reg, csc.NewRegistry(), "scoretest-warm", frame.FormatBGRA32, 640, 480, 80, 50, 0,
		&Live{EncName: "scoretest-warm", W: 640, H: 480})
	require.NotEmpty(t, cold)
	require.NotEmpty(t, warm)
	require.Greater(t, warm[0].Score, cold[0].Score)
}
