package sipplay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNTPTimestamp(t *testing.T) {
	now := time.Unix(1700000000, int64(500*time.Millisecond))
	ts := NTPTimestamp(now)

	require.Equal(t, uint64(1700000000+ntpEpochOffset), ts>>32)
	require.Equal(t, uint64(1)<<31, ts&0xFFFFFFFF)
}
