// Package lanaddr finds the address the relay reports to clients as its own
// LAN identity.
package lanaddr

import (
	"errors"
	"fmt"
	"net"

	"github.com/pion/transport/v4"
	"github.com/pion/transport/v4/stdnet"
)

var ErrNotFound = errors.New("lanaddr: no non-loopback IPv4 address on an up interface")

// Detect returns the first non-loopback IPv4 address of an interface that is
// up, in the order n reports interfaces. A nil n uses the host network stack.
func Detect(n transport.Net) (net.IP, error) {
	if n == nil {
		var err error
		n, err = stdnet.NewNet()
		if err != nil {
			return nil, fmt.Errorf("lanaddr: open host network: %w", err)
		}
	}

	ifaces, err := n.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("lanaddr: list interfaces: %w", err)
	}
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagUp == 0 || ifc.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := ifc.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ip := ipv4Of(addr); ip != nil && !ip.IsLoopback() {
				return ip, nil
			}
		}
	}
	return nil, ErrNotFound
}

// Resolve returns override when set, the detected address otherwise, and
// falls back to 127.0.0.1 so the relay can still start on an isolated host.
// The returned bool reports whether the fallback was used.
func Resolve(n transport.Net, override net.IP) (net.IP, bool) {
	if override != nil && !override.IsUnspecified() {
		return override, false
	}
	ip, err := Detect(n)
	if err != nil {
		return net.IPv4(127, 0, 0, 1).To4(), true
	}
	return ip, false
}

func ipv4Of(addr net.Addr) net.IP {
	var ip net.IP
	switch a := addr.(type) {
	case *net.IPNet:
		ip = a.IP
	case *net.IPAddr:
		ip = a.IP
	default:
		return nil
	}
	return ip.To4()
}
