package sipplay

import (
	"math/rand"

	"github.com/emiago/sipplay/sdp"
	"github.com/pion/rtp"
)

// RTP Writer packetize any payload before pushing to active media session
type RTPWriter struct {
	Sess *MediaSession

	seq rtp.Sequencer

	PayloadType uint8
	SSRC        uint32
	// BytesPerSample converts payload length to timestamp increase. G711 is 1 byte per sample
	BytesPerSample int

	nextTimestamp uint32

	// After each write this is set as packet.
	LastPacket rtp.Packet

	PacketsSent uint32
	OctetsSent  uint32
}

// RTP writer wraps payload in RTP packet before passing on session.
// Timestamp starts at zero and follows payload samples, not wall clock
func NewRTPWriter(sess *MediaSession, codec sdp.Codec) *RTPWriter {
	w := RTPWriter{
		Sess:           sess,
		seq:            rtp.NewRandomSequencer(),
		PayloadType:    codec.PayloadType,
		SSRC:           rand.Uint32(),
		BytesPerSample: 1,
	}

	return &w
}

// Implements io.Writer. Each call is single RTP packet
func (p *RTPWriter) Write(b []byte) (int, error) {
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Padding:        false,
			Extension:      false,
			Marker:         p.PacketsSent == 0,
			PayloadType:    p.PayloadType,
			Timestamp:      p.nextTimestamp,
			SequenceNumber: p.seq.NextSequenceNumber(),
			SSRC:           p.SSRC,
			CSRC:           []uint32{},
		},
		Payload: b,
	}
	p.LastPacket = pkt

	if err := p.Sess.WriteRTP(&pkt); err != nil {
		return 0, err
	}

	bps := p.BytesPerSample
	if bps <= 0 {
		bps = 1
	}
	p.nextTimestamp += uint32(len(b) / bps)
	p.PacketsSent++
	p.OctetsSent += uint32(len(b))
	return len(pkt.Payload), nil
}

// Timestamp is RTP timestamp of next packet
func (p *RTPWriter) Timestamp() uint32 {
	return p.nextTimestamp
}
