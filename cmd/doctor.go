package cmd

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/pylonhq/pylon/internal/config"
	"github.com/pylonhq/pylon/internal/store"
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
	fmt.Println("pylon doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND — defaults apply)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	gw := cfg.GatewaySettings()
	fmt.Println()
	fmt.Println("  Gateway:")
	addr := fmt.Sprintf("%s:%d", gw.Host, gw.Port)
	if ln, lnErr := net.Listen("tcp", addr); lnErr != nil {
		fmt.Printf("    %-12s %s (IN USE — a gateway may already be running)\n", "Port:", addr)
	} else {
		ln.Close()
		fmt.Printf("    %-12s %s (available)\n", "Port:", addr)
	}
	tlsState := "enabled (wss)"
	if !gw.TLSEnabled() {
		tlsState = "disabled (ws)"
	}
	fmt.Printf("    %-12s %s\n", "TLS:", tlsState)
	checkSecretFile("Token:", config.TokenPath())
	if gw.TLSEnabled() {
		checkSecretFile("TLS key:", filepath.Join(config.TLSDir(), "key.pem"))
	}

	fmt.Println()
	fmt.Println("  Provider:")
	agentCfg := cfg.AgentSettings()
	checkBinary(agentCfg.Command)
	if agentCfg.Model != "" {
		fmt.Printf("    %-12s %s\n", "Model:", agentCfg.Model)
	}
	if _, statErr := os.Stat(config.CredentialsPath()); statErr == nil {
		checkSecretFile("OAuth:", config.CredentialsPath())
	} else {
		fmt.Printf("    %-12s none stored (written after re-auth)\n", "OAuth:")
	}

	fmt.Println()
	fmt.Println("  Store:")
	fmt.Printf("    %-12s %s\n", "Path:", config.StorePath())
	if st, openErr := store.Open(config.StorePath()); openErr != nil {
		fmt.Printf("    %-12s OPEN FAILED (%s)\n", "Status:", openErr)
	} else {
		version, dirty, verErr := st.MigrationVersion()
		st.Close()
		switch {
		case verErr != nil:
			fmt.Printf("    %-12s CHECK FAILED (%s)\n", "Schema:", verErr)
		case dirty:
			fmt.Printf("    %-12s v%d (DIRTY — run: pylon migrate up)\n", "Schema:", version)
		default:
			fmt.Printf("    %-12s v%d (up to date)\n", "Schema:", version)
		}
	}

	fmt.Println()
	fmt.Println("  Channels:")
	chCfg := cfg.ChannelSettings()
	checkChannel("Telegram", chCfg.Telegram.Enabled, chCfg.Telegram.Token != "")
	checkChannel("WhatsApp", chCfg.WhatsApp.Enabled, chCfg.WhatsApp.BridgeURL != "")

	fmt.Println()
	ws := cfg.WorkspacePath()
	fmt.Printf("  Workspace: %s", ws)
	if _, statErr := os.Stat(ws); statErr != nil {
		fmt.Println(" (NOT FOUND — created on first gateway start)")
	} else {
		fmt.Println(" (OK)")
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkChannel(name string, enabled, hasCredentials bool) {
	status := "disabled"
	if enabled && hasCredentials {
		status = "enabled"
	} else if enabled {
		status = "enabled (missing credentials)"
	}
	fmt.Printf("    %-12s %s\n", name+":", status)
}

func checkBinary(name string) {
	if name == "" {
		fmt.Printf("    %-12s (not configured)\n", "Command:")
		return
	}
	path, err := exec.LookPath(name)
	if err != nil {
		fmt.Printf("    %-12s %s NOT FOUND on PATH\n", "Command:", name)
	} else {
		fmt.Printf("    %-12s %s\n", "Command:", path)
	}
}

// checkSecretFile reports a credential file's presence and whether its
// mode keeps it private to the owner.
func checkSecretFile(label, path string) {
	info, err := os.Stat(path)
	if err != nil {
		fmt.Printf("    %-12s %s (not present — created on first gateway start)\n", label, path)
		return
	}
	if mode := info.Mode().Perm(); mode&0o077 != 0 {
		fmt.Printf("    %-12s %s (mode %04o — expected 0600)\n", label, path, mode)
		return
	}
	fmt.Printf("    %-12s %s (OK)\n", label, path)
}
