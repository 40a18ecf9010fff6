package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opencode-nexus/nexus/pkg/config"
	"github.com/opencode-nexus/nexus/pkg/engine"
)

var connectionsCmd = &cobra.Command{
	Use:   "connections",
	Short: "List remembered servers",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := engine.New(config.Get())
		if err != nil {
			return err
		}
		defer eng.Shutdown()

		saved := eng.ListSavedConnections()
		if len(saved) == 0 {
			fmt.Println("No saved connections")
			return nil
		}
		for _, c := range saved {
			server := c.ServerName
			if c.ServerVersion != "" {
				server = fmt.Sprintf("%s %s", c.ServerName, c.ServerVersion)
			}
			fmt.Printf("%s  %s  %s  last used %s\n", c.ID, c.URL, server, c.LastUsed.Format("2006-01-02 15:04"))
		}
		return nil
	},
}

var connectionsAddCmd = &cobra.Command{
	Use:   "add <name> <url>",
	Short: "Remember a server without connecting to it",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := engine.New(config.Get())
		if err != nil {
			return err
		}
		defer eng.Shutdown()

		saved, err := eng.SaveConnection(args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("Saved %s (%s)\n", saved.Name, saved.URL)
		return nil
	},
}

var connectionsRemoveCmd = &cobra.Command{
	Use:   "remove <connection-id>",
	Short: "Forget a remembered server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := engine.New(config.Get())
		if err != nil {
			return err
		}
		defer eng.Shutdown()

		if err := eng.RemoveSavedConnection(args[0]); err != nil {
			return err
		}
		fmt.Println("Removed", args[0])
		return nil
	},
}

func init() {
	connectionsCmd.AddCommand(connectionsAddCmd)
	connectionsCmd.AddCommand(connectionsRemoveCmd)
	rootCmd.AddCommand(connectionsCmd)
}
