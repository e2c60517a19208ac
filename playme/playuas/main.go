package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipplay"
	"github.com/emiago/sipplay/audio"
	"github.com/emiago/sipplay/sdp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	defConf := sipplay.DefaultMediaConfig()

	addr := flag.String("l", "127.0.0.1:5060", "My listen addr")
	username := flag.String("u", "sipplay", "User agent name")
	tran := flag.String("t", "udp", "Transport")
	file := flag.String("f", "", "Audio file played to caller (.mp3, .wav, .ulaw, .alaw)")
	rtpIP := flag.String("rtp-ip", defConf.IP.String(), "RTP bind ip")
	rtpExtIP := flag.String("rtp-ext-ip", "", "RTP ip advertised in SDP")
	rtpStart := flag.Int("rtp-start", defConf.PortStart, "RTP port range start")
	rtpEnd := flag.Int("rtp-end", defConf.PortEnd, "RTP port range end")
	strictPorts := flag.Bool("strict-ports", false, "Fail call when RTP port range is exhausted")
	ringtime := flag.Duration("ring", 0, "Ring time before answer")
	metricsAddr := flag.String("metrics", "", "Prometheus metrics listen addr. Empty disables")
	flag.Parse()

	lev, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil || lev == zerolog.NoLevel {
		lev = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	log.Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.StampMicro,
	}).With().Timestamp().Logger().Level(lev)

	media := defConf
	media.IP = net.ParseIP(*rtpIP)
	if media.IP == nil {
		log.Fatal().Str("ip", *rtpIP).Msg("Invalid RTP ip")
	}
	if *rtpExtIP != "" {
		media.ExternalIP = net.ParseIP(*rtpExtIP)
	}
	media.PortStart, media.PortEnd = *rtpStart, *rtpEnd
	media.StrictPorts = *strictPorts

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent(*username),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("Fail to setup user agent")
	}
	defer ua.Close()

	phoneOpts := []sipplay.PhoneOption{
		sipplay.WithPhoneLogger(log.Logger),
		sipplay.WithPhoneListenAddr(sipplay.ListenAddr{
			Network: *tran,
			Addr:    *addr,
		}),
		sipplay.WithPhoneMedia(media),
		sipplay.WithPhoneRingtime(*ringtime),
	}

	if *file != "" {
		name := *file
		// Fail early instead on first call
		if _, err := os.Stat(name); err != nil {
			log.Fatal().Err(err).Msg("Fail to open audio file")
		}
		phoneOpts = append(phoneOpts, sipplay.WithPhoneAudio(func(codec sdp.Codec) (io.ReadCloser, error) {
			return audio.OpenFile(name, codec.PayloadType)
		}))
	}

	if *metricsAddr != "" {
		reg := prometheus.NewRegistry()
		phoneOpts = append(phoneOpts, sipplay.WithPhoneMetrics(sipplay.NewMetrics(reg)))
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			log.Info().Str("addr", *metricsAddr).Msg("Metrics listening on")
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("Metrics server stopped")
			}
		}()
	}

	phone, err := sipplay.NewPhone(ua, phoneOpts...)
	if err != nil {
		log.Fatal().Err(err).Msg("Fail to setup phone")
	}

	fmt.Printf("Call sip:%s@%s to hear %q. Press Ctrl+C to hangup all calls and exit.\n", *username, *addr, *file)

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info().Msg("Shutting down")
		cancel()
	}()

	if err := phone.Serve(ctx); err != nil {
		log.Fatal().Err(err).Msg("Phone stopped")
	}
}
