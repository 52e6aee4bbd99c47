package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/uriafranko/clawdbot/internal/agent"
	"github.com/uriafranko/clawdbot/internal/config"
	"github.com/uriafranko/clawdbot/internal/sessions"
	"github.com/uriafranko/clawdbot/pkg/protocol"
)

func agentCmd() *cobra.Command {
	var (
		message    string
		sessionKey string
		thinking   string
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Send one message to the agent and print the reply",
		Long: `One-shot agent turn. Uses the running gateway when reachable,
otherwise runs the agent in-process. Exits 1 when the turn fails.`,
		Run: func(cmd *cobra.Command, args []string) {
			if message == "" {
				fmt.Fprintln(os.Stderr, "Error: -m <message> is required")
				os.Exit(1)
			}
			if err := runOneshot(message, sessionKey, thinking, asJSON); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		},
	}

	cmd.Flags().StringVarP(&message, "message", "m", "", "message to send (required)")
	cmd.Flags().StringVarP(&sessionKey, "session", "s", "", "session key (default: the CLI session)")
	cmd.Flags().StringVarP(&thinking, "think", "t", "", "thinking level for this turn")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full run result as JSON")
	return cmd
}

func runOneshot(message, sessionKey, thinking string, asJSON bool) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return err
	}
	agentID := cfg.ResolvedAgentID()
	if sessionKey == "" {
		sessionKey = sessions.PeerKey(agentID, "cli", "local")
	}
	ctx := context.Background()

	if addr := gatewayAddr(cfg); isGatewayRunning(addr) {
		client, err := dialGateway(ctx, cfg, addr, sessionKey, thinking)
		if err == nil {
			defer client.Close()
			return oneshotViaGateway(ctx, client, message, asJSON)
		}
		fmt.Fprintf(os.Stderr, "Gateway handshake failed (%v), using standalone mode\n", err)
	}

	backend, err := newStandaloneBackend(ctx, cfg, sessionKey, thinking)
	if err != nil {
		return err
	}
	defer backend.Close()
	return oneshotStandalone(ctx, backend, message, asJSON)
}

func oneshotViaGateway(ctx context.Context, client *gatewayClient, message string, asJSON bool) error {
	payload, err := client.call(ctx, protocol.MethodAgentRun, map[string]any{
		"sessionKey": client.sessionKey,
		"message":    message,
		"channel":    "cli",
		"thinking":   client.thinking,
	})
	if err != nil {
		return err
	}
	if asJSON {
		return printIndented(payload)
	}
	var out struct {
		Response string `json:"response"`
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return fmt.Errorf("bad run payload: %w", err)
	}
	fmt.Println(out.Response)
	return nil
}

func oneshotStandalone(ctx context.Context, backend *standaloneBackend, message string, asJSON bool) error {
	res, err := backend.runner.Run(ctx, agent.RunRequest{
		SessionKey:    backend.sessionKey,
		Message:       message,
		Channel:       "cli",
		ChatID:        "local",
		ThinkingLevel: backend.thinking,
	})
	if err != nil {
		return err
	}
	if asJSON {
		raw, err := json.Marshal(map[string]any{
			"response":   res.Response,
			"sessionKey": res.SessionKey,
			"sessionId":  res.SessionID,
			"model":      res.Model,
			"usage":      res.Usage,
			"iterations": res.Iterations,
		})
		if err != nil {
			return err
		}
		return printIndented(raw)
	}
	fmt.Println(res.Response)
	return nil
}

func printIndented(raw json.RawMessage) error {
	var buf map[string]any
	if err := json.Unmarshal(raw, &buf); err != nil {
		return err
	}
	pretty, err := json.MarshalIndent(buf, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(pretty))
	return nil
}
