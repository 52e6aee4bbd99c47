package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/miekg/dns"
	"golang.org/x/sync/errgroup"
)

const wideAreaPollInterval = 5 * time.Second

// BrowseOptions configure one discovery sweep.
type BrowseOptions struct {
	// WideAreaServers are "host:port" unicast responders to poll in
	// addition to the local mDNS browse.
	WideAreaServers []string
}

// Browse runs the local mDNS browser and wide-area pollers concurrently,
// streaming deduplicated beacons to out until ctx ends. The caller owns
// out and must drain it.
func Browse(ctx context.Context, opts BrowseOptions, out chan<- Beacon) error {
	d := &deduper{out: out, last: make(map[string]Beacon)}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return browseLocal(ctx, d) })
	for _, server := range opts.WideAreaServers {
		g.Go(func() error { return browseWideArea(ctx, server, d) })
	}
	return g.Wait()
}

// deduper forwards a beacon when an instance is first seen or its endpoint
// changed since the last sighting; repeats stay quiet.
type deduper struct {
	mu   sync.Mutex
	out  chan<- Beacon
	last map[string]Beacon
}

func (d *deduper) offer(b Beacon) {
	d.mu.Lock()
	prev, seen := d.last[b.Instance]
	fresh := !seen || prev.Host != b.Host || prev.Port != b.Port
	if fresh {
		d.last[b.Instance] = b
	}
	d.mu.Unlock()
	if fresh {
		d.out <- b
	}
}

// browseLocal streams mDNS sightings. A failed multicast setup degrades to
// a warning so wide-area polling can still serve results.
func browseLocal(ctx context.Context, d *deduper) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		slog.Warn("discovery: mdns browse unavailable", "error", err)
		return nil
	}

	entries := make(chan *zeroconf.ServiceEntry, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range entries {
			d.offer(beaconFromEntry(e))
		}
	}()

	err = resolver.Browse(ctx, ServiceType, LocalDomain, entries)
	<-done
	if err != nil {
		slog.Warn("discovery: mdns browse failed", "error", err)
	}
	return nil
}

func beaconFromEntry(e *zeroconf.ServiceEntry) Beacon {
	host := e.HostName
	if len(e.AddrIPv4) > 0 {
		host = e.AddrIPv4[0].String()
	}
	return Beacon{
		Instance:     decodeDNSEscapes(e.Instance),
		Host:         host,
		Port:         e.Port,
		TXT:          parseTXT(e.Text),
		Source:       "mdns",
		DiscoveredAt: time.Now(),
	}
}

// browseWideArea polls one unicast responder: a PTR sweep, then SRV, TXT,
// and A lookups per discovered instance.
func browseWideArea(ctx context.Context, server string, d *deduper) error {
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, fmt.Sprintf("%d", DefaultWideAreaPort))
	}
	c := &dns.Client{Timeout: 3 * time.Second}

	sweep := func() {
		for _, inst := range queryPTR(c, server) {
			if b, ok := resolveWideArea(c, server, inst); ok {
				d.offer(b)
			}
		}
	}

	sweep()
	ticker := time.NewTicker(wideAreaPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			sweep()
		}
	}
}

func queryPTR(c *dns.Client, server string) []string {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(ServiceType+"."+WideAreaZone), dns.TypePTR)
	in, _, err := c.Exchange(m, server)
	if err != nil {
		slog.Debug("discovery: wide-area PTR query failed", "server", server, "error", err)
		return nil
	}
	var out []string
	for _, rr := range in.Answer {
		if ptr, ok := rr.(*dns.PTR); ok {
			out = append(out, ptr.Ptr)
		}
	}
	return out
}

func resolveWideArea(c *dns.Client, server, instanceFQDN string) (Beacon, bool) {
	b := Beacon{
		Instance:     decodeDNSEscapes(firstLabel(instanceFQDN)),
		Source:       "wide-area",
		DiscoveredAt: time.Now(),
	}

	srvMsg := new(dns.Msg)
	srvMsg.SetQuestion(dns.Fqdn(instanceFQDN), dns.TypeSRV)
	in, _, err := c.Exchange(srvMsg, server)
	if err != nil {
		return Beacon{}, false
	}
	var target string
	for _, rr := range in.Answer {
		if srv, ok := rr.(*dns.SRV); ok {
			b.Port = int(srv.Port)
			target = srv.Target
			break
		}
	}
	if target == "" {
		return Beacon{}, false
	}

	txtMsg := new(dns.Msg)
	txtMsg.SetQuestion(dns.Fqdn(instanceFQDN), dns.TypeTXT)
	if in, _, err := c.Exchange(txtMsg, server); err == nil {
		for _, rr := range in.Answer {
			if txt, ok := rr.(*dns.TXT); ok {
				b.TXT = parseTXT(txt.Txt)
				break
			}
		}
	}

	aMsg := new(dns.Msg)
	aMsg.SetQuestion(dns.Fqdn(target), dns.TypeA)
	if in, _, err := c.Exchange(aMsg, server); err == nil {
		for _, rr := range in.Answer {
			if a, ok := rr.(*dns.A); ok {
				b.Host = a.A.String()
				break
			}
		}
	}
	if b.Host == "" {
		b.Host = strings.TrimSuffix(target, ".")
	}
	return b, true
}
