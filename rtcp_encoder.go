package sipplay

import (
	"errors"

	"github.com/pion/rtcp"
)

var errRTCPTooShort = errors.New("rtcp packet too short")

// RTCPUnmarshal decodes compound RTCP datagram into caller owned pkts slice.
// Decoding stops when data is consumed or pkts is full, remaining packets are dropped.
func RTCPUnmarshal(data []byte, pkts []rtcp.Packet) (int, error) {
	n := 0
	for n < len(pkts) && len(data) > 0 {
		h := rtcp.Header{}
		if err := h.Unmarshal(data); err != nil {
			return 0, err
		}

		size := (int(h.Length) + 1) * 4
		if len(data) < size {
			return 0, errRTCPTooShort
		}

		p := newRTCPPacket(h.Type)
		if err := p.Unmarshal(data[:size]); err != nil {
			return 0, err
		}
		pkts[n] = p
		n++
		data = data[size:]
	}
	return n, nil
}

func newRTCPPacket(t rtcp.PacketType) rtcp.Packet {
	switch t {
	case rtcp.TypeSenderReport:
		return &rtcp.SenderReport{}
	case rtcp.TypeReceiverReport:
		return &rtcp.ReceiverReport{}
	case rtcp.TypeSourceDescription:
		return &rtcp.SourceDescription{}
	case rtcp.TypeGoodbye:
		return &rtcp.Goodbye{}
	case rtcp.TypeExtendedReport:
		return &rtcp.ExtendedReport{}
	}
	return &rtcp.RawPacket{}
}
