package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/eunjae-lee/tinyclaw/internal/config"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check CONFIG_HOME layout and agent CLI availability",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("tinyclaw doctor")
	fmt.Printf("  Version:     %s\n", Version)
	fmt.Printf("  OS:          %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:          %s\n", runtime.Version())
	fmt.Println()

	configHome := resolveConfigHome()
	fmt.Printf("  Config home: %s\n", configHome)

	checkDir("queue", filepath.Join(configHome, "queue"))
	checkDir("workspace", filepath.Join(configHome, "workspace"))
	checkDir("approvals", filepath.Join(configHome, "approvals"))

	fmt.Println()
	cfgStore := config.NewStore(configHome)
	settings, err := cfgStore.LoadSettings()
	if err != nil {
		fmt.Printf("  settings.json: LOAD FAILED (%s)\n", err)
	} else {
		fmt.Printf("  settings.json: OK (%d agents, %d teams)\n", len(settings.Agents), len(settings.Teams))
	}

	creds, err := cfgStore.LoadCredentials()
	if err != nil {
		fmt.Printf("  credentials.json: LOAD FAILED (%s)\n", err)
	} else {
		fmt.Println("  credentials.json: OK")
		checkCredential("Anthropic API key", creds.AnthropicAPIKey != "")
		checkCredential("OpenAI API key", creds.OpenAIAPIKey != "")
		checkCredential("Discord token", creds.DiscordToken != "")
		checkCredential("Telegram token", creds.TelegramToken != "")
	}

	fmt.Println()
	fmt.Println("  Agent CLIs:")
	checkBinary("claude")
	checkBinary("codex")

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkDir(label, path string) {
	if _, err := os.Stat(path); err != nil {
		fmt.Printf("  %-12s %s (NOT FOUND — will be created on first run)\n", label+":", path)
	} else {
		fmt.Printf("  %-12s %s (OK)\n", label+":", path)
	}
}

func checkCredential(name string, present bool) {
	if present {
		fmt.Printf("    %-20s configured\n", name+":")
	} else {
		fmt.Printf("    %-20s (not configured)\n", name+":")
	}
}

func checkBinary(name string) {
	path, err := exec.LookPath(name)
	if err != nil {
		fmt.Printf("    %-8s NOT FOUND on PATH\n", name+":")
	} else {
		fmt.Printf("    %-8s %s\n", name+":", path)
	}
}
