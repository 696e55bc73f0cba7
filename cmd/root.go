package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags "-X github.com/eunjae-lee/tinyclaw/cmd.Version=v1.0.0"
var Version = "dev"

var (
	configHomeFlag string
	verbose        bool
)

var rootCmd = &cobra.Command{
	Use:   "tinyclaw",
	Short: "TinyClaw Bus — file-queue dispatch bus for AI agent CLIs",
	Long:  "TinyClaw Bus: routes chat-channel messages to Claude/Codex agent CLIs through a durable file-based queue, with a tool-approval protocol and a channel adapter contract for Discord/Telegram.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configHomeFlag, "config-home", "", "config home directory (default: $TINYCLAW_CONFIG_HOME or ~/.tinyclaw)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(dispatcherCmd())
	rootCmd.AddCommand(adapterCmd())
	rootCmd.AddCommand(hookCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(sessionsCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tinyclaw %s\n", Version)
		},
	}
}

// resolveConfigHome implements the shared --config-home / TINYCLAW_CONFIG_HOME
// resolution every subcommand uses, falling back to ~/.tinyclaw.
func resolveConfigHome() string {
	if configHomeFlag != "" {
		return configHomeFlag
	}
	if v := os.Getenv("TINYCLAW_CONFIG_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tinyclaw"
	}
	return filepath.Join(home, ".tinyclaw")
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
