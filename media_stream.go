package sipplay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

// discoverEndpoint reads inbound RTP until call is terminated.
// Sender of first datagram becomes remote media address, later datagrams only get logged.
func (c *CallSession) discoverEndpoint(ctx context.Context, s *MediaSession) error {
	log := c.log.With().Str("caller", "RTP recv").Logger()

	lastSummaryTime := time.Now()
	packetsCount := 0
	payloadSizeTotal := 0
	payloadTypeCount := map[uint8]int{}

	var logRTPSummary = func() {
		l := log.Info().Int("packets", packetsCount)
		for k, v := range payloadTypeCount {
			l.Int(fmt.Sprintf("packets_type-%d", k), v)
		}
		l.Int("payload_total_size", payloadSizeTotal)
		l.Msg("RTP received")
	}

	buf := make([]byte, RTPBufSize)
	pkt := rtp.Packet{}
	for {
		n, from, err := s.ReadRTP(buf, &pkt)
		if err != nil && !errors.Is(err, ErrInvalidRTP) {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				log.Debug().Msg("RTP receive stopped")
				return nil
			}
			return err
		}
		// Termination is checked on every receive
		if ctx.Err() != nil {
			return nil
		}
		c.opts.Metrics.rtpPacketReceived()

		// Any datagram sets remote, not only valid RTP
		raddr, ok := from.(*net.UDPAddr)
		if ok && c.setRemoteAddr(raddr) {
			log.Info().Str("raddr", raddr.String()).Msg("Remote RTP endpoint discovered")
		}

		if err != nil {
			log.Debug().Err(err).Int("size", n).Str("from", from.String()).Msg("Non RTP datagram received")
		} else {
			log.Debug().Int("size", n).Str("from", from.String()).Msg(pkt.String())
			payloadSizeTotal += len(pkt.Payload)
			payloadTypeCount[pkt.PayloadType]++
		}
		packetsCount++

		if now := time.Now(); now.Sub(lastSummaryTime) > 3*time.Second {
			logRTPSummary()
			lastSummaryTime = now
		}
	}
}

// monitorRTCP logs RTCP received from remote until socket is closed
func (c *CallSession) monitorRTCP(ctx context.Context, s *MediaSession) {
	log := c.log.With().Str("caller", "RTCP recv").Logger()

	buf := make([]byte, RTPBufSize)
	pkts := make([]rtcp.Packet, 5)
	for {
		n, err := s.ReadRTCP(buf, pkts)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				log.Debug().Msg("RTCP receive stopped")
				return
			}
			log.Debug().Err(err).Msg("RTCP read error")
			continue
		}

		c.opts.Metrics.rtcpPacketsReceived(n)
		for _, p := range pkts[:n] {
			log.Debug().Interface("data", p).Msg("RTCP packet received")
			if bye, ok := p.(*rtcp.Goodbye); ok {
				log.Info().Str("reason", bye.Reason).Msg("Remote RTCP goodbye")
			}
		}
	}
}
