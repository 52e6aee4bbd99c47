package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/uriafranko/clawdbot/internal/config"
	"github.com/uriafranko/clawdbot/internal/pairing"
	"github.com/uriafranko/clawdbot/pkg/protocol"
)

func pairingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pairing",
		Short: "Approve and inspect channel pairing",
	}
	cmd.AddCommand(pairingApproveCmd())
	cmd.AddCommand(pairingListCmd())
	cmd.AddCommand(pairingRevokeCmd())
	return cmd
}

// pairingAPI reaches the gateway when one is running so the allow-list
// updates in the live process, and the pairing file directly otherwise.
type pairingAPI interface {
	Approve(provider, code string) (principal string, err error)
	Revoke(provider, principal string) error
	List() ([]pairing.PendingCode, map[string][]string, error)
}

func withPairingAPI(fn func(pairingAPI) error) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return err
	}
	ctx := context.Background()
	if addr := gatewayAddr(cfg); isGatewayRunning(addr) {
		client, err := dialGateway(ctx, cfg, addr, "", "")
		if err != nil {
			return fmt.Errorf("gateway is running but handshake failed: %w", err)
		}
		defer client.Close()
		return fn(&remotePairing{ctx: ctx, client: client})
	}
	st, err := pairing.NewStore(config.PairingPath())
	if err != nil {
		return err
	}
	return fn(&localPairing{store: st})
}

type localPairing struct {
	store *pairing.Store
}

func (l *localPairing) Approve(provider, code string) (string, error) {
	principal, err := l.store.Approve(provider, code)
	if err != nil {
		return "", err
	}
	// Same cleanup the gateway does: a stale credential would shadow the
	// fresh one minted on the next handshake.
	_ = l.store.DeleteSecret(provider + "-token/" + principal)
	return principal, nil
}

func (l *localPairing) Revoke(provider, principal string) error {
	if err := l.store.Revoke(provider, principal); err != nil {
		return err
	}
	_ = l.store.DeleteSecret(provider + "-token/" + principal)
	return nil
}

func (l *localPairing) List() ([]pairing.PendingCode, map[string][]string, error) {
	return l.store.ListPending(), l.store.ListAllowed(), nil
}

type remotePairing struct {
	ctx    context.Context
	client *gatewayClient
}

func (r *remotePairing) Approve(provider, code string) (string, error) {
	payload, err := r.client.call(r.ctx, protocol.MethodPairingApprove, map[string]any{
		"provider": provider,
		"code":     code,
	})
	if err != nil {
		return "", err
	}
	var out struct {
		Principal string `json:"principal"`
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return "", err
	}
	return out.Principal, nil
}

func (r *remotePairing) Revoke(provider, principal string) error {
	_, err := r.client.call(r.ctx, protocol.MethodPairingRevoke, map[string]any{
		"provider":  provider,
		"principal": principal,
	})
	return err
}

func (r *remotePairing) List() ([]pairing.PendingCode, map[string][]string, error) {
	payload, err := r.client.call(r.ctx, protocol.MethodPairingList, nil)
	if err != nil {
		return nil, nil, err
	}
	var out struct {
		Pending []pairing.PendingCode `json:"pending"`
		Allowed map[string][]string   `json:"allowed"`
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, nil, err
	}
	return out.Pending, out.Allowed, nil
}

func pairingApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <provider> <code>",
		Short: "Approve a pending pairing code",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPairingAPI(func(api pairingAPI) error {
				principal, err := api.Approve(args[0], args[1])
				if err != nil {
					return err
				}
				fmt.Printf("Approved %s on %s.\n", principal, args[0])
				return nil
			})
		},
	}
}

func pairingListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Show pending codes and the allow-list",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPairingAPI(func(api pairingAPI) error {
				pending, allowed, err := api.List()
				if err != nil {
					return err
				}

				if len(pending) == 0 {
					fmt.Println("No pending codes.")
				} else {
					fmt.Println("Pending:")
					for _, p := range pending {
						expires := time.UnixMilli(p.ExpiresAtMs).Format("2006-01-02 15:04")
						fmt.Printf("  %-10s %-8s %s (expires %s)\n", p.Provider, p.Code, p.Principal, expires)
					}
				}

				if len(allowed) == 0 {
					fmt.Println("Allow-list is empty.")
					return nil
				}
				fmt.Println("Allowed:")
				providers := make([]string, 0, len(allowed))
				for provider := range allowed {
					providers = append(providers, provider)
				}
				sort.Strings(providers)
				for _, provider := range providers {
					fmt.Printf("  %-10s %s\n", provider+":", strings.Join(allowed[provider], ", "))
				}
				return nil
			})
		},
	}
}

func pairingRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <provider> <principal>",
		Short: "Remove a principal from the allow-list",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPairingAPI(func(api pairingAPI) error {
				if err := api.Revoke(args[0], args[1]); err != nil {
					return err
				}
				fmt.Printf("Revoked %s on %s.\n", args[1], args[0])
				return nil
			})
		},
	}
}
