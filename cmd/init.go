package cmd

import (
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/uriafranko/clawdbot/internal/bootstrap"
	"github.com/uriafranko/clawdbot/internal/config"
)

// wizardChoice maps a provider selection to its config slot and a sensible
// starting model.
type wizardChoice struct {
	label string
	model string
	slot  func(cfg *config.Config) *config.ProviderConfig
}

var wizardProviders = map[string]wizardChoice{
	"anthropic": {
		label: "Anthropic (Claude)",
		model: "claude-sonnet-4-20250514",
		slot:  func(cfg *config.Config) *config.ProviderConfig { return &cfg.Providers.Anthropic },
	},
	"openai": {
		label: "OpenAI",
		model: "gpt-4o",
		slot:  func(cfg *config.Config) *config.ProviderConfig { return &cfg.Providers.OpenAI },
	},
	"google": {
		label: "Google (Gemini)",
		model: "gemini-2.5-flash",
		slot:  func(cfg *config.Config) *config.ProviderConfig { return &cfg.Providers.Google },
	},
	"dashscope": {
		label: "DashScope (Qwen)",
		model: "qwen3-max",
		slot:  func(cfg *config.Config) *config.ProviderConfig { return &cfg.Providers.DashScope },
	},
}

func initCmd() *cobra.Command {
	var workspaceDir string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Set up config and workspace",
		Long:  "Creates the config file and seeds the agent workspace. Runs an interactive wizard on a terminal; otherwise writes defaults.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if workspaceDir != "" {
				cfg.Agent.Workspace = workspaceDir
			}

			if isInteractive() {
				if err := runInitWizard(cfg); err != nil {
					return err
				}
			}

			if err := config.Save(cfg, cfgPath); err != nil {
				return err
			}
			fmt.Printf("Config written to %s\n", cfgPath)

			workspace := cfg.ResolveWorkspace()
			if err := os.MkdirAll(workspace, 0o755); err != nil {
				return fmt.Errorf("create workspace: %w", err)
			}
			seeded, err := bootstrap.EnsureWorkspaceFiles(workspace)
			if err != nil {
				return fmt.Errorf("seed workspace: %w", err)
			}
			fmt.Printf("Workspace ready at %s", workspace)
			if len(seeded) > 0 {
				fmt.Printf(" (seeded %d files)", len(seeded))
			}
			fmt.Println()
			fmt.Println("Run `clawdbot` to start the gateway, or `clawdbot chat` to talk to the agent.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&workspaceDir, "dir", "d", "", "workspace directory (default from config)")
	return cmd
}

func isInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

// runInitWizard collects provider, API key, and workspace interactively and
// applies the answers to cfg. An empty API key answer keeps whatever the
// environment or a previous run already provides.
func runInitWizard(cfg *config.Config) error {
	provider := cfg.Agent.Model.Provider
	if provider == "" {
		provider = "anthropic"
	}
	workspace := cfg.Agent.Workspace
	if workspace == "" {
		workspace = "~/clawd"
	}
	var apiKey string

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Model provider").
				Description("Which LLM backend should the agent use?").
				Options(
					huh.NewOption(wizardProviders["anthropic"].label, "anthropic"),
					huh.NewOption(wizardProviders["openai"].label, "openai"),
					huh.NewOption(wizardProviders["google"].label, "google"),
					huh.NewOption(wizardProviders["dashscope"].label, "dashscope"),
				).
				Value(&provider),
			huh.NewInput().
				Title("API key").
				Description("Leave empty to keep the current key or use the environment variable.").
				EchoMode(huh.EchoModePassword).
				Value(&apiKey),
			huh.NewInput().
				Title("Workspace directory").
				Description("Where the agent reads and writes files.").
				Value(&workspace),
		),
	)
	if err := form.Run(); err != nil {
		return fmt.Errorf("wizard aborted: %w", err)
	}

	choice := wizardProviders[provider]
	if cfg.Agent.Model.Provider != provider || cfg.Agent.Model.Model == "" {
		cfg.Agent.Model.Model = choice.model
	}
	cfg.Agent.Model.Provider = provider
	if apiKey != "" {
		choice.slot(cfg).APIKey = apiKey
	}
	cfg.Agent.Workspace = workspace
	return nil
}
