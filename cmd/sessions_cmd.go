package cmd

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/eunjae-lee/tinyclaw/internal/sessions"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect the session store",
	}
	cmd.AddCommand(sessionsListCmd())
	cmd.AddCommand(sessionsDeleteCmd())
	return cmd
}

func sessionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every sessionKey -> agent CLI session mapping",
		RunE: func(cmd *cobra.Command, args []string) error {
			store := sessions.NewStore(filepath.Join(resolveConfigHome(), sessions.DefaultFilename))
			doc, err := store.List()
			if err != nil {
				return fmt.Errorf("sessions list: %w", err)
			}
			if len(doc) == 0 {
				fmt.Println("(no sessions)")
				return nil
			}
			keys := make([]string, 0, len(doc))
			for k := range doc {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				e := doc[k]
				fmt.Printf("%-40s agent=%-16s session=%-36s created=%s\n", k, e.AgentID, e.SessionID, e.CreatedAt.Format("2006-01-02T15:04:05Z07:00"))
			}
			return nil
		},
	}
}

func sessionsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <sessionKey>",
		Short: "Delete one session entry, forcing a fresh agent session on its next message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store := sessions.NewStore(filepath.Join(resolveConfigHome(), sessions.DefaultFilename))
			if err := store.Delete(args[0]); err != nil {
				return fmt.Errorf("sessions delete: %w", err)
			}
			fmt.Printf("deleted %s\n", args[0])
			return nil
		},
	}
}
