package sipplay

import (
	"context"
	"testing"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/emiago/sipplay/sdp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestPhone(t *testing.T, opts ...PhoneOption) *Phone {
	ua, err := sipgo.NewUA(sipgo.WithUserAgent("sipplay"))
	require.NoError(t, err)
	t.Cleanup(func() { ua.Close() })

	opts = append([]PhoneOption{
		WithPhoneLogger(zerolog.Nop()),
		WithPhoneListenAddr(ListenAddr{Network: "udp", Addr: "127.0.0.1:0"}),
	}, opts...)
	p, err := NewPhone(ua, opts...)
	require.NoError(t, err)
	return p
}

// trackTestCall answers call outside of signaling and registers it on phone
func trackTestCall(t *testing.T, p *Phone, callID string) (*CallSession, *fakeDialog) {
	dialog := &fakeDialog{}
	opts := testCallOptions(audioEndless())
	opts.Metrics = p.metrics
	call := NewCallSession(p.ctx, callID, dialog, opts)
	t.Cleanup(func() {
		call.Terminate(ReasonShutdown)
		<-call.Done()
	})
	require.NoError(t, call.Accept([]byte(testOffer)))
	p.calls.Store(callID, call)
	return call, dialog
}

func TestPhoneByeUnknownCall(t *testing.T) {
	p := newTestPhone(t)

	tx := &fakeResponder{}
	p.handleBye(newTestByeRequest("unknown-call"), tx)

	res := tx.Responses()
	require.Len(t, res, 1)
	require.Equal(t, sip.StatusOK, res[0].StatusCode)
}

// serverTx answers only Respond, other transaction methods are not used on BYE path
type serverTx struct {
	sip.ServerTransaction
	responder fakeResponder
}

func (tx *serverTx) Respond(res *sip.Response) error {
	return tx.responder.Respond(res)
}

func TestPhoneOnBye(t *testing.T) {
	p := newTestPhone(t)

	t.Run("UnknownDialog", func(t *testing.T) {
		tx := &serverTx{}
		p.onBye(newTestByeRequest("no-dialog"), tx)

		res := tx.responder.Responses()
		require.Len(t, res, 1)
		require.Equal(t, sip.StatusOK, res[0].StatusCode)
	})

	t.Run("CallWithoutDialog", func(t *testing.T) {
		call, _ := trackTestCall(t, p, "no-dialog-call")

		tx := &serverTx{}
		p.onBye(newTestByeRequest("no-dialog-call"), tx)
		waitDone(t, call)

		require.Equal(t, ReasonRemoteHangup, call.Reason())
		require.Len(t, tx.responder.Responses(), 1)
	})
}

func TestNewPhoneInvalidCodec(t *testing.T) {
	ua, err := sipgo.NewUA()
	require.NoError(t, err)
	defer ua.Close()

	media := DefaultMediaConfig()
	media.Codecs = []sdp.Codec{{PayloadType: 0, Name: "PCMU"}}
	_, err = NewPhone(ua, WithPhoneLogger(zerolog.Nop()), WithPhoneMedia(media))
	require.Error(t, err)

	// Fixed interval does not need sample rate
	media.Interval = 20 * time.Millisecond
	_, err = NewPhone(ua,
		WithPhoneLogger(zerolog.Nop()),
		WithPhoneMedia(media),
		WithPhoneListenAddr(ListenAddr{Network: "udp", Addr: "127.0.0.1:0"}),
	)
	require.NoError(t, err)
}

func TestPhoneByeActiveCall(t *testing.T) {
	p := newTestPhone(t)
	call, dialog := trackTestCall(t, p, "active-call")
	require.Equal(t, 1, p.ActiveCalls())

	tx := &fakeResponder{}
	p.handleBye(newTestByeRequest("active-call"), tx)
	waitDone(t, call)

	require.Equal(t, ReasonRemoteHangup, call.Reason())
	require.Equal(t, 0, dialog.Byes())
	require.Len(t, tx.Responses(), 1)

	// Retransmitted BYE is still acknowledged
	p.handleBye(newTestByeRequest("active-call"), tx)
	require.Len(t, tx.Responses(), 2)
}

func TestPhoneServeShutdown(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := newTestPhone(t, WithPhoneMetrics(NewMetrics(reg)))
	call, dialog := trackTestCall(t, p, "shutdown-call")
	require.Equal(t, 1.0, testutil.ToFloat64(p.metrics.callsActive))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error)
	go func() {
		errCh <- p.Serve(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("serve did not return")
	}

	waitDone(t, call)
	require.Equal(t, ReasonShutdown, call.Reason())
	require.Equal(t, 1, dialog.Byes())
	require.ErrorIs(t, p.Serve(context.Background()), ErrPhoneClosed)
	require.Equal(t, 0.0, testutil.ToFloat64(p.metrics.callsActive))
	require.Equal(t, 1.0, testutil.ToFloat64(p.metrics.terminations.WithLabelValues("shutdown")))
}
