package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opencode-nexus/nexus/pkg/config"
	"github.com/opencode-nexus/nexus/pkg/engine"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List saved chat sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := engine.New(config.Get())
		if err != nil {
			return err
		}
		defer eng.Shutdown()

		sessionList := eng.ListSessions()
		if len(sessionList) == 0 {
			fmt.Println("No sessions")
			return nil
		}
		for _, s := range sessionList {
			title := s.Title
			if title == "" {
				title = "(untitled)"
			}
			fmt.Printf("%s  %s  %s\n", s.ID, s.UpdatedAt.Format("2006-01-02 15:04"), title)
		}
		return nil
	},
}

var sessionStatsCmd = &cobra.Command{
	Use:   "stats <session-id>",
	Short: "Show statistics for a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := engine.New(config.Get())
		if err != nil {
			return err
		}
		defer eng.Shutdown()

		stats, err := eng.SessionStats(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("messages:  %d (%d user, %d assistant)\n", stats.MessageCount, stats.UserMessages, stats.AssistantMessages)
		fmt.Printf("characters: %d\n", stats.TotalChars)
		fmt.Printf("last activity: %s\n", stats.LastActivity.Format("2006-01-02 15:04:05"))
		return nil
	},
}

func init() {
	sessionsCmd.AddCommand(sessionStatsCmd)
	rootCmd.AddCommand(sessionsCmd)
}
