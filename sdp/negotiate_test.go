package sdp

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNegotiateCodec(t *testing.T) {
	supported := []Codec{CodecPCMU, CodecPCMA}

	t.Run("PreferSupportedOrder", func(t *testing.T) {
		c, err := NegotiateCodec(offerSDP("8", "0", "101"), supported)
		require.NoError(t, err)
		require.Equal(t, CodecPCMU, c)
	})

	t.Run("OnlyAlaw", func(t *testing.T) {
		c, err := NegotiateCodec(offerSDP("8", "101"), supported)
		require.NoError(t, err)
		require.Equal(t, CodecPCMA, c)
	})

	t.Run("LateOffer", func(t *testing.T) {
		c, err := NegotiateCodec(nil, supported)
		require.NoError(t, err)
		require.Equal(t, CodecPCMU, c)
	})

	t.Run("NoMatch", func(t *testing.T) {
		_, err := NegotiateCodec(offerSDP("9", "18"), supported)
		require.ErrorIs(t, err, ErrNoCodec)
	})

	t.Run("Broken", func(t *testing.T) {
		_, err := NegotiateCodec([]byte("not sdp"), supported)
		require.Error(t, err)
	})
}

func TestParseOffer(t *testing.T) {
	o, err := ParseOffer(offerSDP("0", "8"))
	require.NoError(t, err)
	require.Equal(t, 30000, o.Addr.Port)
	require.True(t, o.Addr.IP.Equal(net.IPv4(192, 168, 1, 20)))
	require.Equal(t, Formats{"0", "8"}, o.Formats)
}
