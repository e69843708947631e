package cmd

import (
	"fmt"
	"os"

	"flashback/config"
	"flashback/logger"
	"flashback/server"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "flashback",
	Short: "flashback turns documents into narrated short videos.",
	Long: `flashback splits an uploaded document into chapters and renders each
chapter as a narrated short video with subtitles and generated images.
Without a subcommand it starts the HTTP server.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

// loadConfig reads the configuration and initialises logging.
func loadConfig() *config.Config {
	cfg := config.Load()
	server.InitLogger(cfg)
	return cfg
}

func runServer() error {
	cfg := loadConfig()
	defer logger.Sync()
	return server.Start(cfg)
}

// Execute executes the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
