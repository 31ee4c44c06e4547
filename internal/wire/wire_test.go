package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCapabilitiesSupportsEncoding(t *testing.T) {
	c := Capabilities{SupportsDelta: []string{"png", "rgb32"}}
	require.True(t, c.SupportsEncoding("png"))
	require.True(t, c.SupportsEncoding("rgb32"))
	require.False(t, c.SupportsEncoding("rgb24"))
}

func TestCapabilitiesSupportsEncodingEmpty(t *testing.T) {
	var c Capabilities
	require.False(t, c.SupportsEncoding("png"))
}
