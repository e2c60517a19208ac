package sipplay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrPhoneClosed = errors.New("phone is closed")

// Phone answers inbound calls and streams audio to each caller
type Phone struct {
	ua      *sipgo.UserAgent
	s       *sipgo.Server
	c       *sipgo.Client
	dialogs *sipgo.DialogServerCache

	// listenAddrs is list of transport:addr which will phone use to listen incoming requests
	listenAddrs []ListenAddr

	media    MediaConfig
	audio    AudioOpener
	ringtime time.Duration
	metrics  *Metrics

	// calls is map of Call-ID to *CallSession
	calls sync.Map

	mu       sync.Mutex
	closing  bool
	handlers sync.WaitGroup

	// ctx is parent of all calls. Cancelling it hangups every call
	ctx  context.Context
	stop context.CancelFunc

	log zerolog.Logger
}

type ListenAddr struct {
	Network string
	Addr    string
	TLSConf *tls.Config
}

type PhoneOption func(p *Phone)

func WithPhoneListenAddr(addr ListenAddr) PhoneOption {
	return func(p *Phone) {
		p.listenAddrs = append(p.listenAddrs, addr)
	}
}

func WithPhoneLogger(l zerolog.Logger) PhoneOption {
	return func(p *Phone) {
		p.log = l
	}
}

func WithPhoneMedia(conf MediaConfig) PhoneOption {
	return func(p *Phone) {
		p.media = conf
	}
}

// WithPhoneAudio sets audio played on every answered call
func WithPhoneAudio(audio AudioOpener) PhoneOption {
	return func(p *Phone) {
		p.audio = audio
	}
}

func WithPhoneMetrics(m *Metrics) PhoneOption {
	return func(p *Phone) {
		p.metrics = m
	}
}

// WithPhoneRingtime delays answer
func WithPhoneRingtime(d time.Duration) PhoneOption {
	return func(p *Phone) {
		p.ringtime = d
	}
}

func NewPhone(ua *sipgo.UserAgent, options ...PhoneOption) (*Phone, error) {
	p := &Phone{
		ua:          ua,
		listenAddrs: []ListenAddr{},
		media:       DefaultMediaConfig(),
		log:         log.Logger,
	}

	for _, o := range options {
		o(p)
	}

	for _, codec := range p.media.Codecs {
		if p.media.FrameInterval(codec) <= 0 {
			return nil, fmt.Errorf("codec %s has no frame interval, set sample rate or media interval", codec)
		}
	}

	if len(p.listenAddrs) == 0 {
		WithPhoneListenAddr(ListenAddr{Network: "udp", Addr: "127.0.0.1:5060"})(p)
	}

	host, port, err := sip.ParseAddr(p.listenAddrs[0].Addr)
	if err != nil {
		return nil, fmt.Errorf("fail to parse listen addr: %w", err)
	}

	p.s, err = sipgo.NewServer(ua)
	if err != nil {
		return nil, fmt.Errorf("fail to setup server handle: %w", err)
	}

	clientOpts := []sipgo.ClientOption{}
	if ip := net.ParseIP(host); ip != nil && !ip.IsUnspecified() {
		clientOpts = append(clientOpts, sipgo.WithClientHostname(host))
	}
	p.c, err = sipgo.NewClient(ua, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("fail to setup client handle: %w", err)
	}

	contact := sip.ContactHeader{
		Address: sip.Uri{Scheme: "sip", Host: host, Port: port},
	}
	p.dialogs = sipgo.NewDialogServerCache(p.c, contact)

	p.ctx, p.stop = context.WithCancel(context.Background())

	p.s.OnInvite(p.handleInvite)
	p.s.OnAck(func(req *sip.Request, tx sip.ServerTransaction) {
		if err := p.dialogs.ReadAck(req, tx); err != nil {
			p.log.Debug().Err(err).Str("call_id", req.CallID().Value()).Msg("ACK not matching dialog")
		}
	})
	p.s.OnBye(p.onBye)
	p.s.OnOptions(func(req *sip.Request, tx sip.ServerTransaction) {
		res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
		if err := tx.Respond(res); err != nil {
			p.log.Error().Err(err).Msg("Fail to send OPTIONS 200 response")
		}
	})
	return p, nil
}

// Serve listens on configured addresses until ctx is done.
// Active calls are hungup before listeners are stopped so that BYE can still be sent.
func (p *Phone) Serve(ctx context.Context) error {
	p.mu.Lock()
	closing := p.closing
	p.mu.Unlock()
	if closing {
		return ErrPhoneClosed
	}

	lctx, lcancel := context.WithCancel(context.Background())
	defer lcancel()

	errCh := make(chan error, len(p.listenAddrs))
	for _, a := range p.listenAddrs {
		p.log.Info().Str("network", a.Network).Str("addr", a.Addr).Msg("Listening on")
		go func(a ListenAddr) {
			errCh <- p.listen(lctx, a)
		}(a)
	}

	var err error
	select {
	case <-ctx.Done():
	case err = <-errCh:
		if err != nil {
			err = fmt.Errorf("listener stopped: %w", err)
		}
	}

	p.Close()
	lcancel()
	return err
}

func (p *Phone) listen(ctx context.Context, a ListenAddr) error {
	switch a.Network {
	case "udp", "tcp", "ws":
		return p.s.ListenAndServe(ctx, a.Network, a.Addr)
	case "tls", "wss":
		return p.s.ListenAndServeTLS(ctx, a.Network, a.Addr, a.TLSConf)
	}
	return fmt.Errorf("unsupported protocol %q", a.Network)
}

// Close rejects new calls, hangups active ones and waits their termination
func (p *Phone) Close() {
	p.mu.Lock()
	p.closing = true
	p.mu.Unlock()

	p.stop()
	p.handlers.Wait()
}

// ActiveCalls returns number of calls not yet cleaned up
func (p *Phone) ActiveCalls() int {
	n := 0
	p.calls.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (p *Phone) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID().Value()
	log := p.log.With().Str("call_id", callID).Logger()

	if _, exists := p.calls.Load(callID); exists {
		// Media update is not supported
		res := sip.NewResponseFromRequest(req, 488, "Not Acceptable Here", nil)
		if err := tx.Respond(res); err != nil {
			log.Error().Err(err).Msg("Fail to send 488 response")
		}
		return
	}

	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		res := sip.NewResponseFromRequest(req, sip.StatusServiceUnavailable, "Service Unavailable", nil)
		if err := tx.Respond(res); err != nil {
			log.Error().Err(err).Msg("Fail to send 503 response")
		}
		return
	}
	p.handlers.Add(1)
	p.mu.Unlock()
	defer p.handlers.Done()

	from, to := req.From(), req.To()
	log.Info().
		Str("from", from.Address.String()).
		Str("name", from.DisplayName).
		Str("to", to.Address.String()).
		Str("uri", req.Recipient.String()).
		Str("source", req.Source()).
		Str("destination", req.Destination()).
		Msg("Received call")

	cancels := make(chan *sip.Request, 1)
	tx.OnCancel(func(r *sip.Request) {
		select {
		case cancels <- r:
		default:
		}
	})

	dlg, err := p.dialogs.ReadInvite(req, tx)
	if err != nil {
		log.Error().Err(err).Msg("Fail to create dialog")
		res := sip.NewResponseFromRequest(req, sip.StatusBadRequest, err.Error(), nil)
		if err := tx.Respond(res); err != nil {
			log.Error().Err(err).Msg("Fail to send 400 response")
		}
		return
	}
	defer dlg.Close()

	call := NewCallSession(p.ctx, callID, dlg, CallOptions{
		Media:    p.media,
		Audio:    p.audio,
		Ringtime: p.ringtime,
		Cancels:  cancels,
		Logger:   p.log,
		Metrics:  p.metrics,
	})
	p.calls.Store(callID, call)
	defer p.calls.Delete(callID)

	if err := call.Accept(req.Body()); err != nil {
		log.Error().Err(err).Msg("Fail to accept call")
	}

	<-call.Done()
	log.Debug().Str("reason", call.Reason().String()).Msg("Call cleaned up")
}

// onBye ends sipgo dialog, which also acknowledges BYE, and then terminates the call.
// BYE not matching any dialog is handled by handleBye
func (p *Phone) onBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := req.CallID().Value()
	if err := p.dialogs.ReadBye(req, tx); err != nil {
		p.log.Debug().Err(err).Str("call_id", callID).Msg("BYE not matching dialog")
		p.handleBye(req, tx)
		return
	}

	if v, exists := p.calls.Load(callID); exists {
		v.(*CallSession).Terminate(ReasonRemoteHangup)
	}
}

// handleBye terminates matching call. BYE without matching call is still acknowledged
func (p *Phone) handleBye(req *sip.Request, tx Responder) {
	callID := req.CallID().Value()
	v, exists := p.calls.Load(callID)
	if !exists {
		p.log.Info().Str("call_id", callID).Msg("BYE for unknown call")
		if err := AcknowledgeBye(req, tx); err != nil {
			p.log.Error().Err(err).Str("call_id", callID).Msg("Fail to acknowledge BYE")
		}
		return
	}

	call := v.(*CallSession)
	if err := call.HandleBye(req, tx); err != nil {
		p.log.Error().Err(err).Str("call_id", callID).Msg("Fail to acknowledge BYE")
	}
}
