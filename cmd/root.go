package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/uriafranko/clawdbot/internal/config"
	"github.com/uriafranko/clawdbot/pkg/protocol"
)

// Version is set at build time via -ldflags "-X github.com/uriafranko/clawdbot/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "clawdbot",
	Short: "Clawdbot — personal agent gateway",
	Long:  "Clawdbot runs one LLM agent behind your chat surfaces: Telegram, Discord, the dashboard WebSocket, and paired devices over the bridge. Sessions, cron wakeups, and local tools included.",
	Run: func(cmd *cobra.Command, args []string) {
		runGateway()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $CLAWD_CONFIG_PATH or <state>/clawdbot.json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(sessionsCmd())
	rootCmd.AddCommand(resetCmd())
	rootCmd.AddCommand(cronCmd())
	rootCmd.AddCommand(pairingCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(migrateCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("clawdbot %s (protocol %d)\n", Version, protocol.ProtocolVersion)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.ConfigPath()
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
