package cmd

import (
	"database/sql"
	"fmt"
	"net"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/uriafranko/clawdbot/internal/config"
	"github.com/uriafranko/clawdbot/internal/store"
	"github.com/uriafranko/clawdbot/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("clawdbot doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, run: clawdbot init)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}
	agentID := cfg.ResolvedAgentID()

	fmt.Println()
	fmt.Println("  Sessions:")
	checkSessionStore(cfg.SessionSection().Store, config.SessionsDir(agentID))

	fmt.Println()
	fmt.Println("  Providers:")
	prov := cfg.ProvidersSection()
	checkProvider("Anthropic", prov.Anthropic.APIKey)
	checkProvider("OpenAI", prov.OpenAI.APIKey)
	checkProvider("Google", prov.Google.APIKey)
	checkProvider("DashScope", prov.DashScope.APIKey)

	fmt.Println()
	fmt.Println("  Channels:")
	ch := cfg.ChannelsSection()
	checkChannel("Telegram", ch.Telegram.Enabled, ch.Telegram.Token != "")
	checkChannel("Discord", ch.Discord.Enabled, ch.Discord.Token != "")
	if cfg.BridgeSection().BridgeEnabled() {
		printRow("Bridge", "enabled (port %d)", cfg.BridgeSection().Port)
	} else {
		printRow("Bridge", "disabled")
	}

	fmt.Println()
	addr := fmt.Sprintf("127.0.0.1:%d", cfg.GatewaySection().Port)
	fmt.Printf("  Gateway:  ws://%s", addr)
	if conn, err := net.DialTimeout("tcp", addr, 2*time.Second); err != nil {
		fmt.Println(" (not running)")
	} else {
		conn.Close()
		fmt.Println(" (running)")
	}

	fmt.Println()
	fmt.Println("  External Tools:")
	checkBinary("sh")
	checkBinary("git")
	checkBinary("curl")
	if args := cfg.ToolsSection().Audio.Transcription.Args; len(args) > 0 {
		checkBinary(args[0])
	}

	fmt.Println()
	ws := cfg.ResolveWorkspace()
	fmt.Printf("  Workspace: %s", ws)
	if _, err := os.Stat(ws); err != nil {
		fmt.Println(" (NOT FOUND)")
	} else {
		fmt.Println(" (OK)")
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

// checkSessionStore opens nothing heavier than it must: postgres gets a
// ping plus a schema version check, file and sqlite just stat paths.
func checkSessionStore(backend, dir string) {
	switch {
	case strings.HasPrefix(backend, "postgres://") || strings.HasPrefix(backend, "postgresql://"):
		printRow("Backend", "postgres")
		db, err := sql.Open("pgx", backend)
		if err != nil {
			printRow("Status", "CONNECT FAILED (%s)", err)
			return
		}
		defer db.Close()
		if err := db.Ping(); err != nil {
			printRow("Status", "CONNECT FAILED (%s)", err)
			return
		}
		s, err := store.CheckSchema(db)
		switch {
		case err != nil:
			printRow("Schema", "CHECK FAILED (%s)", err)
		case s.Dirty:
			printRow("Schema", "v%d (DIRTY, run: clawdbot migrate force %d)", s.CurrentVersion, s.CurrentVersion-1)
		case s.Compatible:
			printRow("Schema", "v%d (up to date)", s.CurrentVersion)
		case s.CurrentVersion > s.RequiredVersion:
			printRow("Schema", "v%d (binary too old, requires v%d)", s.CurrentVersion, s.RequiredVersion)
		default:
			printRow("Schema", "v%d (run: clawdbot migrate up)", s.CurrentVersion)
		}
	case strings.HasPrefix(backend, "sqlite:"):
		path := strings.TrimPrefix(backend, "sqlite:")
		printRow("Backend", "sqlite (%s)", path)
		if _, err := os.Stat(path); err != nil {
			printRow("Status", "not created yet")
		} else {
			printRow("Status", "OK")
		}
	default:
		printRow("Backend", "file (%s)", dir)
		if _, err := os.Stat(dir); err != nil {
			printRow("Status", "not created yet")
		} else {
			printRow("Status", "OK")
		}
	}
}

// printRow emits one aligned "label: value" line under a section header.
func printRow(label, format string, args ...interface{}) {
	fmt.Printf("    %-12s "+format+"\n", append([]interface{}{label + ":"}, args...)...)
}

func checkProvider(name, apiKey string) {
	switch {
	case apiKey == "":
		printRow(name, "(not configured)")
	case len(apiKey) < 9:
		printRow(name, "configured")
	default:
		masked := apiKey[:4] + strings.Repeat("*", len(apiKey)-8) + apiKey[len(apiKey)-4:]
		printRow(name, "%s", masked)
	}
}

func checkChannel(name string, enabled, hasCredentials bool) {
	status := "disabled"
	if enabled && hasCredentials {
		status = "enabled"
	} else if enabled {
		status = "enabled (missing credentials)"
	}
	printRow(name, "%s", status)
}

func checkBinary(name string) {
	path, err := exec.LookPath(name)
	if err != nil {
		printRow(name, "NOT FOUND")
	} else {
		printRow(name, "%s", path)
	}
}
