package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/opencode-nexus/nexus/pkg/config"
	"github.com/opencode-nexus/nexus/pkg/logger"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "nexus",
	Short: "Chat client for OpenCode servers",
	Long:  `Connects to an OpenCode server, manages chat sessions and streams responses to the terminal.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat(viper.GetString("prompt"))
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is .nexus/settings.yaml)")

	rootCmd.PersistentFlags().StringP("log-level", "l", "info", "log level")
	viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.PersistentFlags().String("server", "localhost", "server host")
	viper.BindPFlag("server.host", rootCmd.PersistentFlags().Lookup("server"))

	rootCmd.PersistentFlags().Int("port", 4096, "server port")
	viper.BindPFlag("server.port", rootCmd.PersistentFlags().Lookup("port"))

	rootCmd.Flags().StringP("prompt", "p", "", "send a single prompt and exit")
	viper.BindPFlag("prompt", rootCmd.Flags().Lookup("prompt"))
}

func initConfig() {
	if _, err := config.Load(cfgFile); err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := logger.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
}
