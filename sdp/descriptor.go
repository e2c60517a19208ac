package sdp

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"

	"github.com/pion/sdp/v3"
)

const (
	ModeSendrecv = "sendrecv"

	ContentType = "application/sdp"

	DefaultSessionName = "sipplay"
)

// Descriptor describes negotiated media of one call.
// It is immutable value and safe to share.
type Descriptor struct {
	SessionID   uint64
	SessionName string
	Addr        net.UDPAddr
	Codec       Codec
	Mode        string
}

// NewDescriptor builds descriptor for local media address and codec with random session id.
func NewDescriptor(laddr net.UDPAddr, codec Codec) (Descriptor, error) {
	if laddr.IP == nil || laddr.Port <= 0 {
		return Descriptor{}, fmt.Errorf("invalid local media address %q", laddr.String())
	}

	id, err := randomSessionID()
	if err != nil {
		return Descriptor{}, fmt.Errorf("fail to generate session id: %w", err)
	}

	return Descriptor{
		SessionID:   id,
		SessionName: DefaultSessionName,
		Addr:        laddr,
		Codec:       codec,
		Mode:        ModeSendrecv,
	}, nil
}

// randomSessionID keeps 62 bits so it fits signed 64 bit parsers on remote side
func randomSessionID() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]) >> 2, nil
}

func addressType(ip net.IP) string {
	if ip.To4() == nil {
		return "IP6"
	}
	return "IP4"
}

// SessionDescription converts descriptor to pion session description
func (d Descriptor) SessionDescription() *sdp.SessionDescription {
	ip := d.Addr.IP.String()
	addrType := addressType(d.Addr.IP)
	mode := d.Mode
	if mode == "" {
		mode = ModeSendrecv
	}

	return &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      d.SessionID,
			SessionVersion: d.SessionID,
			NetworkType:    "IN",
			AddressType:    addrType,
			UnicastAddress: ip,
		},
		SessionName: sdp.SessionName(d.SessionName),
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: addrType,
			Address:     &sdp.Address{Address: ip},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: d.Addr.Port},
					Protos:  []string{"RTP", "AVP"},
					Formats: []string{d.Codec.Format()},
				},
				Attributes: []sdp.Attribute{
					sdp.NewAttribute(fmt.Sprintf("rtpmap:%d %s/%d", d.Codec.PayloadType, d.Codec.Name, d.Codec.SampleRate), ""),
					sdp.NewAttribute(mode, ""),
				},
			},
		},
	}
}

// Marshal returns SDP text form
func (d Descriptor) Marshal() ([]byte, error) {
	return d.SessionDescription().Marshal()
}
