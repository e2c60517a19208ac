package sdp

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/pion/sdp/v3"
)

var ErrNoCodec = errors.New("no supported codec offered")

// Offer is audio part of remote session description
type Offer struct {
	Addr    net.UDPAddr
	Formats Formats
}

// ParseOffer reads connection and audio media line of remote SDP
func ParseOffer(body []byte) (Offer, error) {
	sd := sdp.SessionDescription{}
	if err := sd.Unmarshal(body); err != nil {
		return Offer{}, fmt.Errorf("fail to parse SDP: %w", err)
	}

	var md *sdp.MediaDescription
	for _, m := range sd.MediaDescriptions {
		if m.MediaName.Media == "audio" {
			md = m
			break
		}
	}
	if md == nil {
		return Offer{}, fmt.Errorf("no audio media description")
	}

	o := Offer{
		Formats: Formats(md.MediaName.Formats),
	}
	o.Addr.Port = md.MediaName.Port.Value

	ci := md.ConnectionInformation
	if ci == nil {
		ci = sd.ConnectionInformation
	}
	if ci != nil && ci.Address != nil {
		o.Addr.IP = net.ParseIP(ci.Address.Address)
	}
	return o, nil
}

// NegotiateCodec picks first of supported codecs present in offer.
// Empty offer means late offer and first supported codec is used.
func NegotiateCodec(offer []byte, supported []Codec) (Codec, error) {
	if len(supported) == 0 {
		return Codec{}, ErrNoCodec
	}

	if len(offer) == 0 {
		return supported[0], nil
	}

	o, err := ParseOffer(offer)
	if err != nil {
		return Codec{}, err
	}

	for _, c := range supported {
		if o.Formats.Has(strconv.Itoa(int(c.PayloadType))) {
			return c, nil
		}
	}
	return Codec{}, fmt.Errorf("offered=%v: %w", []string(o.Formats), ErrNoCodec)
}
