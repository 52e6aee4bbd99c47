package tools

import (
	"fmt"
	"net"
	"net/url"
)

// checkSSRF rejects URLs whose host resolves to a loopback, private,
// link-local, or carrier-grade NAT address. The 100.64.0.0/10 block also
// covers tailnet addresses, so the web tools cannot be steered at nodes
// on the operator's own tailscale network.
func checkSSRF(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("missing hostname")
	}

	if ip := net.ParseIP(host); ip != nil {
		return ssrfCheckIP(ip)
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("cannot resolve host %s: %w", host, err)
	}
	for _, ip := range ips {
		if err := ssrfCheckIP(ip); err != nil {
			return err
		}
	}
	return nil
}

var cgnatNet = &net.IPNet{IP: net.IPv4(100, 64, 0, 0), Mask: net.CIDRMask(10, 32)}

func ssrfCheckIP(ip net.IP) error {
	switch {
	case ip.IsLoopback(),
		ip.IsPrivate(),
		ip.IsLinkLocalUnicast(),
		ip.IsLinkLocalMulticast(),
		ip.IsUnspecified():
		return fmt.Errorf("address %s is not publicly routable", ip)
	case cgnatNet.Contains(ip):
		return fmt.Errorf("address %s is in a carrier-grade NAT range", ip)
	}
	return nil
}
