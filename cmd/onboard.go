package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/pylonhq/pylon/internal/config"
)

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive first-run setup",
		Long: `Walks through workspace, tool policy, and channel credentials, then
writes the config file. Safe to re-run: existing values pre-fill the
form.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnboard(resolveConfigPath())
		},
	}
}

func runOnboard(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		// A broken file should not block re-onboarding.
		fmt.Fprintf(os.Stderr, "existing config is unreadable (%v), starting from defaults\n", err)
		cfg = config.Default()
	}
	// A file pasted from config.get output still carries mask sentinels;
	// they must neither pre-fill the form nor persist on save.
	cfg.StripMaskedSecrets()

	workspace := cfg.Workspace.Root
	if workspace == "" {
		workspace = "~/.pylon/workspace"
	}
	command := cfg.Agent.Command
	if command == "" {
		command = "claude"
	}
	toolsMode := cfg.Tools.Mode
	enableTelegram := cfg.Channels.Telegram.Enabled
	telegramToken := cfg.Channels.Telegram.Token
	telegramAllow := strings.Join(cfg.Channels.Telegram.AllowFrom, ", ")
	enableWhatsApp := cfg.Channels.WhatsApp.Enabled
	bridgeURL := cfg.Channels.WhatsApp.BridgeURL

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Workspace directory").
				Description("The agent runs inside this directory; file access is confined to it.").
				Value(&workspace),
			huh.NewInput().
				Title("Provider command").
				Description("Agent CLI binary, resolved on PATH.").
				Value(&command),
			huh.NewSelect[string]().
				Title("Tool approval mode").
				Options(
					huh.NewOption("Ask before risky tools (default)", ""),
					huh.NewOption("Autonomous — auto-allow everything except never_allow", "autonomous"),
					huh.NewOption("Accept edits — auto-allow file edits", "acceptEdits"),
					huh.NewOption("Bypass permissions — skip provider-side prompts too", "bypassPermissions"),
					huh.NewOption("Lockdown — deny anything risky", "lockdown"),
				).
				Value(&toolsMode),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Enable the Telegram channel?").
				Value(&enableTelegram),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Telegram bot token").
				Description("From @BotFather.").
				EchoMode(huh.EchoModePassword).
				Value(&telegramToken),
			huh.NewInput().
				Title("Allowed Telegram users").
				Description("Comma-separated user ids or @usernames. Empty allows DMs from anyone.").
				Value(&telegramAllow),
		).WithHideFunc(func() bool { return !enableTelegram }),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Enable the WhatsApp channel (local bridge)?").
				Value(&enableWhatsApp),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("WhatsApp bridge URL").
				Description("WebSocket endpoint of the bridge process, e.g. ws://127.0.0.1:18790/ws.").
				Value(&bridgeURL),
		).WithHideFunc(func() bool { return !enableWhatsApp }),
	)
	if err := form.Run(); err != nil {
		return err
	}

	cfg.Workspace.Root = workspace
	cfg.Agent.Command = command
	cfg.Tools.Mode = toolsMode
	cfg.Channels.Telegram.Enabled = enableTelegram && telegramToken != ""
	cfg.Channels.Telegram.Token = telegramToken
	cfg.Channels.Telegram.AllowFrom = splitCommaList(telegramAllow)
	cfg.Channels.WhatsApp.Enabled = enableWhatsApp && bridgeURL != ""
	cfg.Channels.WhatsApp.BridgeURL = bridgeURL

	if err := os.MkdirAll(config.Dir(), 0o700); err != nil {
		return fmt.Errorf("create %s: %w", config.Dir(), err)
	}
	if err := config.Save(cfgPath, cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	fmt.Println()
	fmt.Printf("Config written to %s\n", cfgPath)
	fmt.Printf("  Workspace: %s\n", workspace)
	fmt.Printf("  Provider:  %s\n", command)
	if cfg.Channels.Telegram.Enabled {
		fmt.Println("  Telegram:  enabled")
	}
	if cfg.Channels.WhatsApp.Enabled {
		fmt.Println("  WhatsApp:  enabled")
	}
	fmt.Println()
	fmt.Println("Start the gateway:   pylon gateway")
	fmt.Println("Talk to the agent:   pylon chat")
	return nil
}

func splitCommaList(s string) config.FlexibleStringSlice {
	var out config.FlexibleStringSlice
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
