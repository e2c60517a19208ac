package sipplay

import (
	"net"

	"github.com/emiago/sipgo/sip"
)

// advertisedIP is IP put in SDP for local media address.
// Unspecified bind address can not be reached by remote so host IP is resolved
func advertisedIP(conf MediaConfig, laddr *net.UDPAddr) (net.IP, error) {
	if conf.ExternalIP != nil {
		return conf.ExternalIP, nil
	}

	if laddr.IP != nil && !laddr.IP.IsUnspecified() {
		return laddr.IP, nil
	}
	ip, _, err := sip.ResolveInterfacesIP("ip4", nil)
	return ip, err
}
