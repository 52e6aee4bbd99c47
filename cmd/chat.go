package cmd

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/uriafranko/clawdbot/internal/config"
	"github.com/uriafranko/clawdbot/internal/sessions"
)

// chatBackend is one way to run turns: a WebSocket client against the
// running gateway, or an in-process runner when no gateway is up.
type chatBackend interface {
	Turn(ctx context.Context, message string) (string, error)
	Reset(ctx context.Context) error
	Close()
}

func chatCmd() *cobra.Command {
	var (
		sessionKey string
		thinking   string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the agent interactively",
		Long: `Interactive REPL against the running gateway. Falls back to an
in-process agent when no gateway is reachable.

/reset (or /new) starts a fresh session, /quit exits.`,
		Run: func(cmd *cobra.Command, args []string) {
			runChat(sessionKey, thinking)
		},
	}

	cmd.Flags().StringVarP(&sessionKey, "session", "s", "", "session key (default: the CLI session)")
	cmd.Flags().StringVarP(&thinking, "think", "t", "", "thinking level for this chat (off|low|medium|high|ultra)")
	return cmd
}

func runChat(sessionKey, thinking string) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if sessionKey == "" {
		sessionKey = sessions.PeerKey(cfg.ResolvedAgentID(), "cli", "local")
	}

	ctx := context.Background()
	backend, err := connectChatBackend(ctx, cfg, sessionKey, thinking)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer backend.Close()

	runREPL(ctx, backend)
}

// connectChatBackend prefers the running gateway and falls back to a
// standalone in-process runner.
func connectChatBackend(ctx context.Context, cfg *config.Config, sessionKey, thinking string) (chatBackend, error) {
	addr := gatewayAddr(cfg)
	if isGatewayRunning(addr) {
		client, err := dialGateway(ctx, cfg, addr, sessionKey, thinking)
		if err == nil {
			fmt.Fprintf(os.Stderr, "Connected to gateway at %s\n", addr)
			return client, nil
		}
		fmt.Fprintf(os.Stderr, "Gateway handshake failed (%v), using standalone mode\n", err)
	} else {
		fmt.Fprintln(os.Stderr, "Gateway not running, using standalone mode")
	}
	return newStandaloneBackend(ctx, cfg, sessionKey, thinking)
}

func gatewayAddr(cfg *config.Config) string {
	return fmt.Sprintf("127.0.0.1:%d", cfg.GatewaySection().Port)
}

func isGatewayRunning(addr string) bool {
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func runREPL(ctx context.Context, backend chatBackend) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	fmt.Println("Type a message. /reset starts a fresh session, /quit exits.")
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch strings.ToLower(line) {
		case "/quit", "/exit", "/q":
			return
		case "/new", "/reset":
			if err := backend.Reset(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "reset failed: %v\n", err)
			} else {
				fmt.Println("Session reset.")
			}
			continue
		}

		reply, err := backend.Turn(ctx, line)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		if reply != "" {
			fmt.Println(reply)
		}
	}
}
