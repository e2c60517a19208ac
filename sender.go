package sipplay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/emiago/sipplay/sdp"
	"github.com/pion/rtcp"
)

// sendMedia streams audio to remote once its address is discovered.
// Frames are paced on fixed interval while RTP timestamp follows payload length.
// Returns nil on exhaustion or termination.
func (c *CallSession) sendMedia(ctx context.Context, s *MediaSession, codec sdp.Codec) error {
	log := c.log.With().Str("caller", "RTP send").Logger()

	raddr, err := c.waitRemoteAddr(ctx)
	if err != nil {
		log.Debug().Msg("Terminated before remote address known")
		return nil
	}
	s.SetRemoteAddr(raddr)

	if c.opts.Audio == nil {
		log.Info().Msg("No audio source")
		return nil
	}

	source, err := c.opts.Audio(codec)
	if err != nil {
		return fmt.Errorf("fail to open audio: %w", err)
	}
	defer source.Close()

	w := NewRTPWriter(s, codec)
	defer func() {
		bye := &rtcp.Goodbye{Sources: []uint32{w.SSRC}, Reason: "stream ended"}
		if err := s.WriteRTCP(bye); err != nil {
			log.Debug().Err(err).Msg("Fail to send RTCP goodbye")
		}
	}()

	interval := c.opts.Media.FrameInterval(codec)
	if interval <= 0 {
		return fmt.Errorf("invalid frame interval %s for codec %s", interval, codec)
	}
	log.Info().Str("raddr", raddr.String()).Dur("interval", interval).Msg("Streaming audio")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	lastReport := time.Now()

	frame := make([]byte, c.opts.Media.FrameSize)
	for {
		n, err := source.Read(frame)
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("fail to read audio: %w", err)
		}
		if n == 0 {
			log.Info().Uint32("packets", w.PacketsSent).Msg("Audio exhausted")
			return nil
		}

		// Termination could happen while reading
		if ctx.Err() != nil {
			return nil
		}

		if _, err := w.Write(frame[:n]); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: %w", ErrTransmission, err)
		}
		c.opts.Metrics.rtpPacketSent()
		log.Debug().Msg(w.LastPacket.String())

		if now := time.Now(); now.Sub(lastReport) >= c.opts.RTCPInterval {
			c.sendReport(w, now)
			lastReport = now
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (c *CallSession) sendReport(w *RTPWriter, now time.Time) {
	sr := rtcp.SenderReport{
		SSRC:        w.SSRC,
		NTPTime:     NTPTimestamp(now),
		RTPTime:     w.LastPacket.Timestamp,
		PacketCount: w.PacketsSent,
		OctetCount:  w.OctetsSent,
	}
	if err := w.Sess.WriteRTCP(&sr); err != nil {
		c.log.Debug().Err(err).Msg("Fail to send RTCP sender report")
	}
}
