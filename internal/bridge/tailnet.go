package bridge

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"tailscale.com/client/tailscale"
)

// ResolveBindHost maps bridge.bind onto a concrete listen address. The
// special value "tailnet" asks the local tailscaled for this node's IPv4,
// falling back to CLAWDBOT_BRIDGE_HOST when no tailnet address is found.
func ResolveBindHost(ctx context.Context, bind string) (string, error) {
	bind = strings.TrimSpace(bind)
	switch bind {
	case "":
		return "0.0.0.0", nil
	case "tailnet":
	default:
		return bind, nil
	}

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var lc tailscale.LocalClient
	if st, err := lc.Status(ctx); err == nil && st.Self != nil {
		for _, ip := range st.Self.TailscaleIPs {
			if ip.Is4() {
				return ip.String(), nil
			}
		}
	}
	if host := os.Getenv("CLAWDBOT_BRIDGE_HOST"); host != "" {
		return host, nil
	}
	return "", fmt.Errorf("bridge: bind %q needs a tailscale IPv4 or CLAWDBOT_BRIDGE_HOST", bind)
}
