package discovery

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/uriafranko/clawdbot/internal/config"
)

const (
	watchdogInterval = 30 * time.Second
	conflictBackoff  = 2 * time.Second
	selfCheckWindow  = 4 * time.Second
)

// PublishOptions wire a Publisher.
type PublishOptions struct {
	Config     *config.Config
	BridgePort int

	// WatchdogInterval shrinks in tests; zero means the 30s default.
	WatchdogInterval time.Duration
}

// Publisher announces the bridge endpoint as a DNS-SD service and keeps
// the announcement alive: a watchdog re-browses for the instance every 30s
// and re-registers when it has gone missing, renaming with a " (N)" suffix
// when another host answers to the same name.
type Publisher struct {
	cfg        *config.Config
	bridgePort int
	base       string
	interval   time.Duration

	mu      sync.Mutex
	current string
	srv     *zeroconf.Server
}

func NewPublisher(opts PublishOptions) *Publisher {
	interval := opts.WatchdogInterval
	if interval <= 0 {
		interval = watchdogInterval
	}
	return &Publisher{
		cfg:        opts.Config,
		bridgePort: opts.BridgePort,
		base:       InstanceName(opts.Config),
		interval:   interval,
	}
}

// Current returns the instance name as currently announced.
func (p *Publisher) Current() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Run announces until ctx is cancelled. Returns immediately when
// discovery is disabled.
func (p *Publisher) Run(ctx context.Context) {
	if Disabled(p.cfg) {
		slog.Info("discovery: disabled")
		return
	}

	attempt := 1
	if !p.register(ctx, &attempt) {
		return
	}
	defer p.shutdown()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("discovery: stopped")
			return
		case <-ticker.C:
			p.watchdog(ctx, &attempt)
		}
	}
}

// register announces under the next available name, backing off between
// attempts. Returns false when ctx ended first.
func (p *Publisher) register(ctx context.Context, attempt *int) bool {
	for {
		name := nextInstanceName(p.base, *attempt)
		srv, err := zeroconf.Register(name, ServiceType, LocalDomain, p.bridgePort,
			txtRecords(p.cfg, name, p.bridgePort), nil)
		if err == nil {
			p.mu.Lock()
			p.current = name
			p.srv = srv
			p.mu.Unlock()
			slog.Info("discovery: announced", "instance", name, "service", ServiceType, "port", p.bridgePort)
			return true
		}

		slog.Warn("discovery: register failed", "instance", name, "error", err)
		*attempt++
		select {
		case <-ctx.Done():
			return false
		case <-time.After(conflictBackoff):
		}
	}
}

func (p *Publisher) shutdown() {
	p.mu.Lock()
	srv := p.srv
	p.srv = nil
	p.mu.Unlock()
	if srv != nil {
		srv.Shutdown()
	}
}

// watchdog self-browses for the current announcement. Missing → re-register
// under the same name; answered by a different endpoint → treat as a name
// conflict and rename.
func (p *Publisher) watchdog(ctx context.Context, attempt *int) {
	state := p.selfCheck(ctx)
	switch state {
	case announceOK:
		return
	case announceConflict:
		slog.Warn("discovery: name conflict, renaming", "instance", p.Current())
		*attempt++
	case announceMissing:
		slog.Warn("discovery: announcement missing, re-registering", "instance", p.Current())
	}
	p.shutdown()
	p.register(ctx, attempt)
}

type announceState int

const (
	announceOK announceState = iota
	announceMissing
	announceConflict
)

// selfCheck browses the service type and looks for our own instance.
func (p *Publisher) selfCheck(ctx context.Context) announceState {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		slog.Debug("discovery: self-check resolver failed", "error", err)
		return announceOK // cannot verify, assume fine
	}

	checkCtx, cancel := context.WithTimeout(ctx, selfCheckWindow)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 16)
	go func() {
		if err := resolver.Browse(checkCtx, ServiceType, LocalDomain, entries); err != nil {
			slog.Debug("discovery: self-check browse failed", "error", err)
		}
	}()

	current := p.Current()
	for e := range entries {
		if decodeDNSEscapes(e.Instance) != current && !strings.EqualFold(e.Instance, current) {
			continue
		}
		if e.Port == p.bridgePort {
			cancel()
			return announceOK
		}
		cancel()
		return announceConflict
	}
	return announceMissing
}
