package sipplay

import (
	"strconv"
	"strings"

	"github.com/emiago/sipplay/sdp"
)

// CodecList prints codecs as payload type with name, ex. 0(PCMU),8(PCMA)
type CodecList []sdp.Codec

func (f CodecList) String() string {
	out := make([]string, len(f))
	for i, v := range f {
		out[i] = strconv.Itoa(int(v.PayloadType)) + "(" + v.Name + ")"
	}

	return strings.Join(out, ",")
}
