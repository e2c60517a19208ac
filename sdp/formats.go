package sdp

import (
	"fmt"
	"strconv"
	"time"
)

var (
	CodecPCMU = Codec{PayloadType: 0, Name: "PCMU", SampleRate: 8000}
	CodecPCMA = Codec{PayloadType: 8, Name: "PCMA", SampleRate: 8000}
)

// Codec is single negotiated RTP audio format.
// G.711 codecs carry one byte per sample.
type Codec struct {
	PayloadType uint8
	Name        string
	SampleRate  uint32
}

func (c Codec) String() string {
	return fmt.Sprintf("%d(%s/%d)", c.PayloadType, c.Name, c.SampleRate)
}

// Format returns payload type as it is listed on m= line
func (c Codec) Format() string {
	return strconv.Itoa(int(c.PayloadType))
}

// FrameDuration is play time of frame with n samples
func (c Codec) FrameDuration(samples int) time.Duration {
	if c.SampleRate == 0 {
		return 0
	}
	return time.Duration(samples) * time.Second / time.Duration(c.SampleRate)
}

type Formats []string

// Has checks is format listed
func (fmts Formats) Has(f string) bool {
	for _, v := range fmts {
		if v == f {
			return true
		}
	}
	return false
}
