// Package discovery announces the gateway's bridge endpoint over mDNS
// (DNS-SD) and an optional wide-area DNS zone, and browses for other
// instances on the network.
package discovery

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/uriafranko/clawdbot/internal/config"
)

const (
	// ServiceType is the DNS-SD service nodes browse for.
	ServiceType = "_clawdbot-bridge._tcp"

	// LocalDomain is the mDNS domain.
	LocalDomain = "local."

	// WideAreaZone is the unicast DNS zone served when wide-area discovery
	// is enabled.
	WideAreaZone = "clawdbot.internal."

	// DefaultWideAreaPort is the responder's UDP port.
	DefaultWideAreaPort = 8553
)

// Beacon is one discovered gateway instance.
type Beacon struct {
	Instance     string
	Host         string
	Port         int
	TXT          map[string]string
	Source       string // "mdns" or "wide-area"
	DiscoveredAt time.Time
}

// Disabled reports whether discovery must stay off: config switch or
// CLAWDBOT_DISABLE_BONJOUR=1.
func Disabled(cfg *config.Config) bool {
	if v := os.Getenv("CLAWDBOT_DISABLE_BONJOUR"); v == "1" || v == "true" {
		return true
	}
	return !cfg.DiscoverySection().DiscoveryEnabled()
}

// InstanceName picks the announced instance name: discovery.instanceName,
// else the host name, else a fixed fallback.
func InstanceName(cfg *config.Config) string {
	if name := strings.TrimSpace(cfg.DiscoverySection().InstanceName); name != "" {
		return name
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "clawdbot"
}

// nextInstanceName appends the " (N)" conflict suffix. Attempt 1 is the
// bare name.
func nextInstanceName(base string, attempt int) string {
	if attempt <= 1 {
		return base
	}
	return fmt.Sprintf("%s (%d)", base, attempt)
}

// txtRecords builds the announcement TXT strings. Empty values are
// dropped so browsers never see dangling keys.
func txtRecords(cfg *config.Config, instance string, bridgePort int) []string {
	hostname, _ := os.Hostname()

	cliPath := os.Getenv("CLAWDBOT_CLI_PATH")
	if cliPath == "" {
		if exe, err := os.Executable(); err == nil {
			cliPath = exe
		}
	}
	sshPort := os.Getenv("CLAWDBOT_SSH_PORT")
	if sshPort == "" {
		sshPort = "22"
	}

	pairs := [][2]string{
		{"role", "gateway"},
		{"displayName", instance},
		{"lanHost", hostname},
		{"gatewayPort", strconv.Itoa(cfg.GatewaySection().Port)},
		{"bridgePort", strconv.Itoa(bridgePort)},
		{"sshPort", sshPort},
		{"transport", "tcp"},
		{"cliPath", cliPath},
		{"tailnetDns", os.Getenv("CLAWDBOT_TAILNET_DNS")},
	}

	out := make([]string, 0, len(pairs))
	for _, kv := range pairs {
		if kv[1] == "" {
			continue
		}
		out = append(out, kv[0]+"="+kv[1])
	}
	return out
}

// parseTXT splits k=v strings into a map. Later duplicates win.
func parseTXT(txt []string) map[string]string {
	out := make(map[string]string, len(txt))
	for _, s := range txt {
		k, v, ok := strings.Cut(s, "=")
		if !ok || k == "" {
			continue
		}
		out[k] = v
	}
	return out
}

// sortTXT returns txt sorted for stable DNS answers.
func sortTXT(txt []string) []string {
	out := make([]string, len(txt))
	copy(out, txt)
	sort.Strings(out)
	return out
}
