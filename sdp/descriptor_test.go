package sdp

import (
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/pion/sdp/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescriptorMarshal(t *testing.T) {
	laddr := net.UDPAddr{IP: net.IPv4(10, 1, 1, 5), Port: 49002}
	d, err := NewDescriptor(laddr, CodecPCMU)
	require.NoError(t, err)

	data, err := d.Marshal()
	require.NoError(t, err)
	body := string(data)

	assert.Contains(t, body, "c=IN IP4 10.1.1.5\r\n")
	assert.Contains(t, body, "m=audio 49002 RTP/AVP 0\r\n")
	assert.Contains(t, body, "a=rtpmap:0 PCMU/8000\r\n")
	assert.Contains(t, body, "a=sendrecv\r\n")
	assert.Contains(t, body, "t=0 0\r\n")
	assert.Contains(t, body, "s=sipplay\r\n")

	sd := sdp.SessionDescription{}
	require.NoError(t, sd.Unmarshal(data))
	require.Len(t, sd.MediaDescriptions, 1)
	md := sd.MediaDescriptions[0]
	assert.Equal(t, 49002, md.MediaName.Port.Value)
	assert.Equal(t, []string{"0"}, md.MediaName.Formats)
	assert.Equal(t, d.SessionID, sd.Origin.SessionID)
	assert.Equal(t, "10.1.1.5", sd.Origin.UnicastAddress)
}

func TestDescriptorIPv6(t *testing.T) {
	d, err := NewDescriptor(net.UDPAddr{IP: net.ParseIP("::1"), Port: 6000}, CodecPCMA)
	require.NoError(t, err)

	data, err := d.Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(data), "c=IN IP6 ::1\r\n")
	assert.Contains(t, string(data), "m=audio 6000 RTP/AVP 8\r\n")
}

func TestDescriptorInvalidAddr(t *testing.T) {
	_, err := NewDescriptor(net.UDPAddr{Port: 6000}, CodecPCMU)
	require.Error(t, err)

	_, err = NewDescriptor(net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)}, CodecPCMU)
	require.Error(t, err)
}

func TestDescriptorConcurrentSessionIDs(t *testing.T) {
	laddr := net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5004}
	var mu sync.Mutex
	ids := map[uint64]struct{}{}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := NewDescriptor(laddr, CodecPCMU)
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			ids[d.SessionID] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()
	require.Len(t, ids, 50)
}

func TestFrameDuration(t *testing.T) {
	assert.Equal(t, "40ms", CodecPCMU.FrameDuration(320).String())
	assert.Equal(t, "20ms", CodecPCMA.FrameDuration(160).String())
	assert.Zero(t, Codec{}.FrameDuration(160))
}

func offerSDP(formats ...string) []byte {
	s := []string{
		"v=0",
		"o=- 1234 1234 IN IP4 192.168.1.20",
		"s=offer",
		"c=IN IP4 192.168.1.20",
		"t=0 0",
		"m=audio 30000 RTP/AVP " + strings.Join(formats, " "),
		"a=sendrecv",
	}
	return []byte(strings.Join(s, "\r\n") + "\r\n")
}
