package discovery

import (
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/miekg/dns"

	"github.com/uriafranko/clawdbot/internal/config"
)

const wideAreaTTL = 120

// WideAreaOptions wire a WideArea responder.
type WideAreaOptions struct {
	Config     *config.Config
	Instance   string
	BridgePort int

	// BindHost narrows the UDP listener (tests use 127.0.0.1). Default all
	// interfaces.
	BindHost string
	// Port overrides discovery.wideArea.port. Zero keeps the config value;
	// negative binds an ephemeral port.
	Port int
	// HostIP is the A-record target. Default: the LAN-facing address.
	HostIP net.IP
}

// WideArea serves the clawdbot.internal. zone over unicast UDP DNS so
// nodes beyond mDNS reach (VPNs, tailnets) can still find the gateway.
type WideArea struct {
	instance   string
	bridgePort int
	txt        []string
	hostIP     net.IP

	serviceFQDN  string // _clawdbot-bridge._tcp.clawdbot.internal.
	instanceFQDN string // <instance>._clawdbot-bridge._tcp.clawdbot.internal.
	hostFQDN     string // <host-label>.clawdbot.internal.

	bindHost string
	port     int

	mu  sync.Mutex
	srv *dns.Server
	pc  net.PacketConn
}

func NewWideArea(opts WideAreaOptions) *WideArea {
	port := opts.Port
	switch {
	case port < 0:
		port = 0
	case port == 0:
		port = opts.Config.DiscoverySection().WideArea.Port
		if port == 0 {
			port = DefaultWideAreaPort
		}
	}
	hostIP := opts.HostIP
	if hostIP == nil {
		hostIP = lanIP()
	}

	label := encodeDNSLabel(opts.Instance)
	w := &WideArea{
		instance:     opts.Instance,
		bridgePort:   opts.BridgePort,
		txt:          sortTXT(txtRecords(opts.Config, opts.Instance, opts.BridgePort)),
		hostIP:       hostIP,
		serviceFQDN:  ServiceType + "." + WideAreaZone,
		instanceFQDN: label + "." + ServiceType + "." + WideAreaZone,
		hostFQDN:     hostLabel(opts.Instance) + "." + WideAreaZone,
		bindHost:     opts.BindHost,
		port:         port,
	}
	return w
}

// Start binds the UDP listener and serves queries in the background.
func (w *WideArea) Start() error {
	pc, err := net.ListenPacket("udp", net.JoinHostPort(w.bindHost, fmt.Sprintf("%d", w.port)))
	if err != nil {
		return fmt.Errorf("discovery: wide-area listen: %w", err)
	}

	mux := dns.NewServeMux()
	mux.HandleFunc(WideAreaZone, w.handle)
	srv := &dns.Server{PacketConn: pc, Handler: mux}

	w.mu.Lock()
	w.pc = pc
	w.srv = srv
	w.mu.Unlock()

	go func() {
		if err := srv.ActivateAndServe(); err != nil {
			slog.Debug("discovery: wide-area server exited", "error", err)
		}
	}()
	slog.Info("discovery: wide-area responder up", "zone", WideAreaZone, "addr", pc.LocalAddr().String())
	return nil
}

// Stop shuts the responder down.
func (w *WideArea) Stop() {
	w.mu.Lock()
	srv := w.srv
	w.srv = nil
	w.mu.Unlock()
	if srv != nil {
		_ = srv.Shutdown()
	}
}

// Addr returns the bound UDP address, nil before Start.
func (w *WideArea) Addr() net.Addr {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pc == nil {
		return nil
	}
	return w.pc.LocalAddr()
}

// handle answers PTR/SRV/TXT/A queries for this instance.
func (w *WideArea) handle(rw dns.ResponseWriter, r *dns.Msg) {
	m := new(dns.Msg)
	m.SetReply(r)
	m.Authoritative = true

	for _, q := range r.Question {
		switch q.Qtype {
		case dns.TypePTR:
			if nameEq(q.Name, w.serviceFQDN) {
				m.Answer = append(m.Answer, &dns.PTR{
					Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: wideAreaTTL},
					Ptr: w.instanceFQDN,
				})
			}
		case dns.TypeSRV:
			if nameEq(q.Name, w.instanceFQDN) {
				m.Answer = append(m.Answer, &dns.SRV{
					Hdr:    dns.RR_Header{Name: q.Name, Rrtype: dns.TypeSRV, Class: dns.ClassINET, Ttl: wideAreaTTL},
					Target: w.hostFQDN,
					Port:   uint16(w.bridgePort),
				})
			}
		case dns.TypeTXT:
			if nameEq(q.Name, w.instanceFQDN) {
				m.Answer = append(m.Answer, &dns.TXT{
					Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: wideAreaTTL},
					Txt: w.txt,
				})
			}
		case dns.TypeA:
			if nameEq(q.Name, w.hostFQDN) && w.hostIP != nil {
				if ip4 := w.hostIP.To4(); ip4 != nil {
					m.Answer = append(m.Answer, &dns.A{
						Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: wideAreaTTL},
						A:   ip4,
					})
				}
			}
		}
	}

	if err := rw.WriteMsg(m); err != nil {
		slog.Debug("discovery: wide-area reply failed", "error", err)
	}
}

// hostLabel derives a plain DNS label from the instance name for the A
// record: lowercase, non-alphanumerics collapsed to dashes.
func hostLabel(instance string) string {
	var sb strings.Builder
	dash := false
	for _, r := range strings.ToLower(instance) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			sb.WriteRune(r)
			dash = false
			continue
		}
		if !dash && sb.Len() > 0 {
			sb.WriteByte('-')
			dash = true
		}
	}
	out := strings.Trim(sb.String(), "-")
	if out == "" {
		return "gateway"
	}
	return out
}

// lanIP finds the local address a LAN-bound packet would use.
func lanIP() net.IP {
	conn, err := net.Dial("udp", "192.0.2.1:9") // no traffic is sent
	if err != nil {
		return nil
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP
	}
	return nil
}
