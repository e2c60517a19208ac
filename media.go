package sipplay

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipplay/sdp"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

var (
	// When reading RTP use at least MTU size
	RTPBufSize = 1500

	// rtpPortOffset rotates start of search so that calls spread over range
	rtpPortOffset = atomic.Int32{}
)

// MediaConfig controls allocation and pacing of call media
type MediaConfig struct {
	// IP is bind IP for RTP and RTCP
	IP net.IP
	// ExternalIP is advertised in SDP instead of bind IP. Needed when binding on unspecified address
	ExternalIP net.IP
	// PortStart and PortEnd define RTP port range [PortStart, PortEnd). RTCP is always RTP port + 1
	PortStart int
	PortEnd   int
	// StrictPorts fails allocation when range is exhausted, otherwise OS chooses port
	StrictPorts bool

	// Codecs in order of preference
	Codecs []sdp.Codec
	// FrameSize is number of bytes read from audio source per RTP packet
	FrameSize int
	// Interval between two frames. Derived from codec sample rate and frame size when zero
	Interval time.Duration
}

func DefaultMediaConfig() MediaConfig {
	return MediaConfig{
		IP:        net.IPv4(127, 0, 0, 1),
		PortStart: 49000,
		PortEnd:   49100,
		Codecs:    []sdp.Codec{sdp.CodecPCMU, sdp.CodecPCMA},
		FrameSize: 320,
	}
}

// FrameInterval is pacing interval for codec
func (c MediaConfig) FrameInterval(codec sdp.Codec) time.Duration {
	if c.Interval > 0 {
		return c.Interval
	}
	// G711 carries one sample per byte
	return codec.FrameDuration(c.FrameSize)
}

// MediaSession is RTP and RTCP socket pair of a single call.
// Reads and writes can run concurrently, Close unblocks pending reads.
type MediaSession struct {
	Laddr *net.UDPAddr
	// Raddr is where RTP is sent. It is set once remote is known and owned by sending side
	Raddr *net.UDPAddr

	rtpConn  net.PacketConn
	rtcpConn net.PacketConn

	rtcpRaddr *net.UDPAddr

	closeOnce sync.Once
	closeErr  error
}

// NewMediaSession allocates socket pair following config port range
func NewMediaSession(conf MediaConfig) (*MediaSession, error) {
	s := &MediaSession{
		Laddr: &net.UDPAddr{IP: conf.IP},
	}

	if err := s.allocate(conf); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MediaSession) allocate(conf MediaConfig) error {
	start, end := conf.PortStart, conf.PortEnd
	if start <= 0 || end <= start {
		if conf.StrictPorts {
			return fmt.Errorf("invalid rtp port range %d:%d", start, end)
		}
		return s.listen(0)
	}

	// RTP should use even ports
	if start%2 != 0 {
		start++
	}
	size := end - start
	size -= size % 2
	if size < 2 {
		if conf.StrictPorts {
			return fmt.Errorf("invalid rtp port range %d:%d", start, end)
		}
		return s.listen(0)
	}

	offset := int(rtpPortOffset.Load()) % size
	offset -= offset % 2

	var err error
	for i := 0; i < size; i += 2 {
		port := start + (offset+i)%size
		err = s.listen(port)
		if err == nil {
			next := (port + 2 - start) % size
			rtpPortOffset.Store(int32(next))
			return nil
		}
	}

	if conf.StrictPorts {
		return fmt.Errorf("no available ports in range %d:%d: %w", start, end, err)
	}
	return s.listen(0)
}

func (s *MediaSession) listen(port int) error {
	ip := s.Laddr.IP
	rtpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: port})
	if err != nil {
		return err
	}
	laddr := rtpConn.LocalAddr().(*net.UDPAddr)

	rtcpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: laddr.IP, Port: laddr.Port + 1})
	if err != nil {
		rtpConn.Close()
		return err
	}

	s.rtpConn = rtpConn
	s.rtcpConn = rtcpConn
	// Update laddr as it can be empheral
	s.Laddr = laddr
	return nil
}

// Close closes both sockets. It is safe to call multiple times
func (s *MediaSession) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if s.rtpConn != nil {
			errs = append(errs, s.rtpConn.Close())
		}
		if s.rtcpConn != nil {
			errs = append(errs, s.rtcpConn.Close())
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

// SetRemoteAddr sets RTP destination and RTCP destination on next port.
// It is not thread safe
func (s *MediaSession) SetRemoteAddr(raddr *net.UDPAddr) {
	s.Raddr = raddr
	s.rtcpRaddr = &net.UDPAddr{
		IP:   raddr.IP,
		Port: raddr.Port + 1,
		Zone: raddr.Zone,
	}
}

// ReadRTPRaw reads datagram from RTP socket and returns sender address
func (s *MediaSession) ReadRTPRaw(buf []byte) (int, net.Addr, error) {
	return s.rtpConn.ReadFrom(buf)
}

// ErrInvalidRTP is returned by ReadRTP when datagram was received but is not RTP.
// Sender address is still returned
var ErrInvalidRTP = errors.New("invalid rtp packet")

// ReadRTP reads datagram and unmarshals it into pkt
func (s *MediaSession) ReadRTP(buf []byte, pkt *rtp.Packet) (int, net.Addr, error) {
	if len(buf) < RTPBufSize {
		return 0, nil, io.ErrShortBuffer
	}

	n, from, err := s.ReadRTPRaw(buf)
	if err != nil {
		return 0, nil, err
	}

	if err := pkt.Unmarshal(buf[:n]); err != nil {
		return n, from, fmt.Errorf("%w: %w", ErrInvalidRTP, err)
	}
	return n, from, nil
}

func (s *MediaSession) ReadRTCPRaw(buf []byte) (int, net.Addr, error) {
	return s.rtcpConn.ReadFrom(buf)
}

// ReadRTCP reads and unmarshals RTCP packets into pkts
func (s *MediaSession) ReadRTCP(buf []byte, pkts []rtcp.Packet) (int, error) {
	nn, _, err := s.ReadRTCPRaw(buf)
	if err != nil {
		return 0, err
	}
	return RTCPUnmarshal(buf[:nn], pkts)
}

var errNoRemoteAddr = errors.New("remote media address not known")

func (s *MediaSession) WriteRTP(p *rtp.Packet) error {
	if s.Raddr == nil {
		return errNoRemoteAddr
	}

	data, err := p.Marshal()
	if err != nil {
		return err
	}

	n, err := s.rtpConn.WriteTo(data, s.Raddr)
	if err != nil {
		return err
	}

	if n != len(data) {
		return io.ErrShortWrite
	}
	return nil
}

func (s *MediaSession) WriteRTCP(p rtcp.Packet) error {
	if s.rtcpRaddr == nil {
		return errNoRemoteAddr
	}

	data, err := p.Marshal()
	if err != nil {
		return err
	}

	n, err := s.rtcpConn.WriteTo(data, s.rtcpRaddr)
	if err != nil {
		return err
	}

	if n != len(data) {
		return io.ErrShortWrite
	}
	return nil
}
