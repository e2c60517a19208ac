package sipplay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/emiago/sipplay/sdp"
	"github.com/looplab/fsm"
	"github.com/rs/zerolog"
)

var (
	ErrSetupFailure   = errors.New("call setup failed")
	ErrCallCancelled  = errors.New("call cancelled")
	ErrCallTerminated = errors.New("call terminated")
	ErrTransmission   = errors.New("rtp transmission failed")
)

const (
	CallStateRinging     = "ringing"
	CallStateAnswered    = "answered"
	CallStateMediaActive = "media_active"
	CallStateTerminated  = "terminated"

	eventAnswer    = "answer"
	eventActivate  = "activate"
	eventTerminate = "terminate"
)

// TerminationReason tells what ended the call. First terminator wins
type TerminationReason int32

const (
	ReasonNone TerminationReason = iota
	ReasonRemoteHangup
	ReasonShutdown
	ReasonMediaExhausted
	ReasonMediaError
	ReasonSetupFailure
	ReasonCancelled
)

func (r TerminationReason) String() string {
	switch r {
	case ReasonRemoteHangup:
		return "remote_hangup"
	case ReasonShutdown:
		return "shutdown"
	case ReasonMediaExhausted:
		return "media_exhausted"
	case ReasonMediaError:
		return "media_error"
	case ReasonSetupFailure:
		return "setup_failure"
	case ReasonCancelled:
		return "cancelled"
	default:
		return "none"
	}
}

// localHangup reasons need BYE to be sent to remote
func (r TerminationReason) localHangup() bool {
	switch r {
	case ReasonShutdown, ReasonMediaExhausted, ReasonMediaError:
		return true
	}
	return false
}

// Dialog is signaling side of inbound call. *sipgo.DialogServerSession implements it
type Dialog interface {
	Respond(statusCode int, reason string, body []byte, headers ...sip.Header) error
	Bye(ctx context.Context) error
}

// Responder sends final response on server transaction
type Responder interface {
	Respond(res *sip.Response) error
}

// AudioOpener opens outbound audio for negotiated codec.
// Read must return encoded bytes and 0 or io.EOF when audio is exhausted
type AudioOpener func(codec sdp.Codec) (io.ReadCloser, error)

type CallOptions struct {
	Media MediaConfig
	Audio AudioOpener

	// Ringtime delays answer after ringing. CANCEL can be received meanwhile
	Ringtime time.Duration
	Cancels  <-chan *sip.Request

	// RTCPInterval is interval of sender reports. Default 5s
	RTCPInterval time.Duration
	// HangupTimeout bounds BYE transaction on local hangup. Default 5s
	HangupTimeout time.Duration

	Logger  zerolog.Logger
	Metrics *Metrics
}

// CallSession is lifecycle of one inbound call.
//
// Remote media address has single writer, endpoint discovery, and is published once through remoteReady.
// Termination is single shot: it cancels media context, closes sockets and moves state to terminated.
type CallSession struct {
	ID string

	dialog Dialog
	opts   CallOptions
	log    zerolog.Logger
	state  *fsm.FSM

	newMedia func(conf MediaConfig) (*MediaSession, error)

	mu         sync.Mutex
	media      *MediaSession
	codec      sdp.Codec
	terminated bool
	tasks      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
	stop   func() bool

	remoteOnce  sync.Once
	remoteAddr  atomic.Pointer[net.UDPAddr]
	remoteReady chan struct{}

	terminateOnce sync.Once
	reason        atomic.Int32
	terminatedCh  chan struct{}
	done          chan struct{}
}

// NewCallSession creates call in ringing state.
// When parent context is done call is terminated as shutdown
func NewCallSession(parent context.Context, id string, dialog Dialog, opts CallOptions) *CallSession {
	if opts.Media.FrameSize <= 0 {
		opts.Media.FrameSize = DefaultMediaConfig().FrameSize
	}
	if len(opts.Media.Codecs) == 0 {
		opts.Media.Codecs = DefaultMediaConfig().Codecs
	}
	if opts.RTCPInterval <= 0 {
		opts.RTCPInterval = 5 * time.Second
	}
	if opts.HangupTimeout <= 0 {
		opts.HangupTimeout = 5 * time.Second
	}

	c := &CallSession{
		ID:           id,
		dialog:       dialog,
		opts:         opts,
		log:          opts.Logger.With().Str("call_id", id).Logger(),
		newMedia:     NewMediaSession,
		remoteReady:  make(chan struct{}),
		terminatedCh: make(chan struct{}),
		done:         make(chan struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.state = fsm.NewFSM(
		CallStateRinging,
		fsm.Events{
			{Name: eventAnswer, Src: []string{CallStateRinging}, Dst: CallStateAnswered},
			{Name: eventActivate, Src: []string{CallStateAnswered}, Dst: CallStateMediaActive},
			{Name: eventTerminate, Src: []string{CallStateRinging, CallStateAnswered, CallStateMediaActive}, Dst: CallStateTerminated},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				c.log.Debug().Str("from", e.Src).Str("to", e.Dst).Msg("Call state changed")
			},
		},
	)

	opts.Metrics.callStarted()
	c.stop = context.AfterFunc(parent, func() {
		c.Terminate(ReasonShutdown)
	})

	go func() {
		<-c.terminatedCh
		c.stop()
		c.tasks.Wait()
		close(c.done)
	}()
	return c
}

// State returns current call state
func (c *CallSession) State() string {
	return c.state.Current()
}

// Reason returns why call was terminated or ReasonNone while active
func (c *CallSession) Reason() TerminationReason {
	return TerminationReason(c.reason.Load())
}

// RemoteAddr is discovered remote media address or nil
func (c *CallSession) RemoteAddr() *net.UDPAddr {
	return c.remoteAddr.Load()
}

// Media returns allocated media session or nil before answer
func (c *CallSession) Media() *MediaSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.media
}

// Codec returns negotiated codec
func (c *CallSession) Codec() sdp.Codec {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.codec
}

// Done is closed when call is terminated and all media tasks exited
func (c *CallSession) Done() <-chan struct{} {
	return c.done
}

// Context is cancelled on termination
func (c *CallSession) Context() context.Context {
	return c.ctx
}

// Accept drives call from ringing to active media.
// It sends provisional responses, allocates media, starts media tasks and answers with SDP.
// Any failure terminates the call.
func (c *CallSession) Accept(offer []byte) error {
	if err := c.dialog.Respond(sip.StatusTrying, "Trying", nil); err != nil {
		return c.setupFailed(fmt.Errorf("fail to send 100 response: %w", err), 0)
	}

	if err := c.dialog.Respond(sip.StatusRinging, "Ringing", nil); err != nil {
		return c.setupFailed(fmt.Errorf("fail to send 180 response: %w", err), 0)
	}

	if err := c.ring(); err != nil {
		return err
	}

	codec, err := sdp.NegotiateCodec(offer, c.opts.Media.Codecs)
	if err != nil {
		return c.setupFailed(err, 488)
	}
	c.log.Debug().Stringer("supported", CodecList(c.opts.Media.Codecs)).Str("codec", codec.String()).Msg("Codec negotiated")

	media, err := c.newMedia(c.opts.Media)
	if err != nil {
		return c.setupFailed(fmt.Errorf("fail to allocate media: %w", err), 500)
	}

	if !c.startMedia(media, codec) {
		media.Close()
		return c.rejectTerminated()
	}

	laddr := *media.Laddr
	laddr.IP, err = advertisedIP(c.opts.Media, media.Laddr)
	if err != nil {
		return c.setupFailed(fmt.Errorf("fail to resolve media ip: %w", err), 500)
	}
	desc, err := sdp.NewDescriptor(laddr, codec)
	if err != nil {
		return c.setupFailed(fmt.Errorf("fail to build media descriptor: %w", err), 500)
	}

	body, err := desc.Marshal()
	if err != nil {
		return c.setupFailed(fmt.Errorf("fail to marshal media descriptor: %w", err), 500)
	}

	if err := c.answer(body, media, codec); err != nil {
		if errors.Is(err, errAnswerFailed) {
			return c.setupFailed(err, 0)
		}
		return err
	}
	return nil
}

var errAnswerFailed = errors.New("fail to send answer")

// answer sends final response and moves call to active media.
// Lock is held so that termination observes either ringing or active call, never in between
func (c *CallSession) answer(body []byte, media *MediaSession, codec sdp.Codec) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminated {
		return c.rejectTerminated()
	}

	if err := c.dialog.Respond(sip.StatusOK, "OK", body, sip.NewHeader("Content-Type", sdp.ContentType)); err != nil {
		return fmt.Errorf("%w: %w", errAnswerFailed, err)
	}

	if err := c.state.Event(context.Background(), eventAnswer); err != nil {
		return fmt.Errorf("fail to answer: %w", err)
	}
	c.log.Info().Str("laddr", media.Laddr.String()).Str("codec", codec.String()).Msg("Call answered")

	if err := c.state.Event(context.Background(), eventActivate); err != nil {
		return fmt.Errorf("fail to activate media: %w", err)
	}
	return nil
}

func (c *CallSession) ring() error {
	if c.opts.Ringtime <= 0 {
		select {
		case <-c.opts.Cancels:
			return c.cancelled()
		case <-c.ctx.Done():
			return c.rejectTerminated()
		default:
		}
		return nil
	}

	t := time.NewTimer(c.opts.Ringtime)
	defer t.Stop()

	select {
	case <-c.opts.Cancels:
		return c.cancelled()
	case <-c.ctx.Done():
		return c.rejectTerminated()
	case <-t.C:
	}
	return nil
}

func (c *CallSession) cancelled() error {
	// Transaction layer already answered INVITE with 487
	c.log.Info().Msg("Received CANCEL")
	c.Terminate(ReasonCancelled)
	return ErrCallCancelled
}

// rejectTerminated completes invite transaction of call terminated before answer
func (c *CallSession) rejectTerminated() error {
	if err := c.dialog.Respond(sip.StatusRequestTerminated, "Request Terminated", nil); err != nil {
		c.log.Error().Err(err).Msg("Fail to send 487 response")
	}
	return ErrCallTerminated
}

// setupFailed rejects call with status code when non zero and terminates it
func (c *CallSession) setupFailed(err error, code int) error {
	if code > 0 && c.State() == CallStateRinging {
		if rerr := c.dialog.Respond(code, setupFailureReason(code), nil); rerr != nil {
			c.log.Error().Err(rerr).Int("code", code).Msg("Fail to send call rejection")
		}
	}
	c.Terminate(ReasonSetupFailure)
	return fmt.Errorf("%w: %w", ErrSetupFailure, err)
}

func setupFailureReason(code int) string {
	switch code {
	case 488:
		return "Not Acceptable Here"
	default:
		return "Server Internal Error"
	}
}

// startMedia attaches media to call and runs media tasks. Returns false if call is already terminated
func (c *CallSession) startMedia(media *MediaSession, codec sdp.Codec) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminated {
		return false
	}
	c.media = media
	c.codec = codec

	ctx := c.ctx
	c.tasks.Add(3)
	go func() {
		defer c.tasks.Done()
		if err := c.discoverEndpoint(ctx, media); err != nil {
			c.log.Error().Err(err).Msg("Endpoint discovery failed")
			c.Terminate(ReasonMediaError)
		}
	}()

	go func() {
		defer c.tasks.Done()
		reason := ReasonMediaExhausted
		if err := c.sendMedia(ctx, media, codec); err != nil {
			c.log.Error().Err(err).Msg("Sending RTP failed")
			reason = ReasonMediaError
		}
		c.Terminate(reason)
	}()

	go func() {
		defer c.tasks.Done()
		c.monitorRTCP(ctx, media)
	}()
	return true
}

// setRemoteAddr stores remote address only on first call
func (c *CallSession) setRemoteAddr(raddr *net.UDPAddr) bool {
	set := false
	c.remoteOnce.Do(func() {
		c.remoteAddr.Store(raddr)
		close(c.remoteReady)
		set = true
	})
	return set
}

// waitRemoteAddr blocks until remote address is discovered or ctx is done.
// Termination wins when both are ready
func (c *CallSession) waitRemoteAddr(ctx context.Context) (*net.UDPAddr, error) {
	select {
	case <-c.remoteReady:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.remoteAddr.Load(), nil
}

// Terminate ends call with reason. Only first call has effect and returns true.
// Media sockets are closed once, media tasks are signaled and for local hangup BYE is sent.
func (c *CallSession) Terminate(reason TerminationReason) bool {
	first := false
	var prevState string
	c.terminateOnce.Do(func() {
		first = true
		c.reason.Store(int32(reason))
		c.cancel()

		c.mu.Lock()
		prevState = c.State()
		c.terminated = true
		media := c.media
		c.mu.Unlock()

		if media != nil {
			if err := media.Close(); err != nil {
				c.log.Error().Err(err).Msg("Closing media session")
			}
		}

		if err := c.state.Event(context.Background(), eventTerminate); err != nil {
			c.log.Debug().Err(err).Msg("Terminate transition")
		}
		c.opts.Metrics.callTerminated(reason)
		c.log.Info().Str("reason", reason.String()).Str("state", prevState).Msg("Call terminated")
	})

	if !first {
		return false
	}

	if reason.localHangup() && (prevState == CallStateAnswered || prevState == CallStateMediaActive) {
		c.hangup()
	}
	close(c.terminatedCh)
	return true
}

func (c *CallSession) hangup() {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.HangupTimeout)
	defer cancel()

	if err := c.dialog.Bye(ctx); err != nil {
		c.log.Error().Err(err).Msg("Fail to send BYE")
		return
	}
	c.log.Info().Msg("Call hungup")
}

// HandleBye terminates call on remote hangup and acknowledges BYE.
// Duplicate BYE is acknowledged as well
func (c *CallSession) HandleBye(req *sip.Request, tx Responder) error {
	if c.Terminate(ReasonRemoteHangup) {
		c.log.Info().Msg("Call hungup by remote")
	} else {
		c.log.Debug().Msg("BYE received on terminated call")
	}
	return AcknowledgeBye(req, tx)
}

// AcknowledgeBye responds 200 OK on BYE
func AcknowledgeBye(req *sip.Request, tx Responder) error {
	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	if err := tx.Respond(res); err != nil {
		return fmt.Errorf("fail to send BYE 200 response: %w", err)
	}
	return nil
}
