package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/eunjae-lee/tinyclaw/internal/approval"
)

func hookCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hook",
		Short: "Tool-approval PreToolUse hook, invoked by the agent CLI",
		Long:  "Reads a {tool_name, tool_input} JSON object from stdin and writes a PreToolUse permission decision to stdout. Invoked by the agent CLI itself, not a human operator; agentId/messageId come from TINYCLAW_AGENT_ID/TINYCLAW_MESSAGE_ID set by the dispatcher before spawning the agent.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHook()
		},
	}
}

func runHook() error {
	configHome := resolveConfigHome()
	agentID := os.Getenv("TINYCLAW_AGENT_ID")
	messageID := os.Getenv("TINYCLAW_MESSAGE_ID")
	if agentID == "" {
		return fmt.Errorf("hook: TINYCLAW_AGENT_ID not set")
	}

	workspaceRoot := filepath.Join(configHome, "workspace")
	policy := approval.NewPolicy(configHome, workspaceRoot)

	store, err := approval.NewStore(filepath.Join(configHome, "approvals"))
	if err != nil {
		return fmt.Errorf("hook: open approval store: %w", err)
	}

	h := approval.NewHook(policy, store, agentID, messageID)
	return h.Run(os.Stdin, os.Stdout)
}
