package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"flashback/core/inbox"
	"flashback/core/ingest"
	"flashback/logger"
	"flashback/server"

	"github.com/spf13/cobra"
)

var (
	watchDir    string
	watchSettle time.Duration
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Ingest documents dropped into a folder",
	Long: `Watch a folder and create a task for every supported document written to it.
Handled files are moved to <dir>/processed, rejected ones to <dir>/failed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		defer logger.Sync()
		if watchDir == "" {
			watchDir = cfg.InboxDir
		}

		c, err := server.WireIngest(cfg)
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		w := &inbox.Watcher{
			Dir:      watchDir,
			Ingester: c.Ingest,
			Settle:   watchSettle,
			OnResult: func(path string, res *ingest.Result, err error) {
				if err != nil {
					fmt.Printf("✗ %s: %v\n", path, err)
					return
				}
				fmt.Printf("✓ %s -> task %s (%d chapters)\n", path, res.TaskID, len(res.Chapters))
			},
		}
		fmt.Printf("Watching %s, press Ctrl+C to stop.\n", watchDir)
		if err := w.Run(ctx); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringVarP(&watchDir, "dir", "d", "", "folder to watch (default INBOX_DIR)")
	watchCmd.Flags().DurationVar(&watchSettle, "settle", 500*time.Millisecond, "quiet period before a file is read")
}
