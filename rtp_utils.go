package sipplay

import (
	"time"
)

// Offset from Unix epoch (January 1, 1970) to NTP epoch (January 1, 1900)
const ntpEpochOffset = 2208988800

// NTPTimestamp returns 64 bit NTP timestamp with 32 bit fraction as used in RTCP sender reports
func NTPTimestamp(now time.Time) uint64 {
	secs := uint64(now.Unix() + ntpEpochOffset)
	frac := uint64(now.Nanosecond()) << 32 / uint64(time.Second)
	return secs<<32 | frac
}
