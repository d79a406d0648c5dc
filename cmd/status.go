package cmd

import (
	"github.com/spf13/cobra"

	"github.com/marcus/qoda/internal/output"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync status and pending mutations",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCore()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer c.close()

		if c.cfg.RemoteURL == "" {
			output.Info("Remote:  (none, local-only)")
		} else if c.online() {
			output.Info("Remote:  %s (connected)", c.cfg.RemoteURL)
		} else {
			output.Warning("Remote:  %s (unreachable)", c.cfg.RemoteURL)
		}

		records := c.queue.Records()
		if len(records) == 0 {
			output.Success("Queue:   empty")
			return nil
		}
		output.Warning("Queue:   %d pending mutation(s)", len(records))

		verbose, _ := cmd.Flags().GetBool("verbose")
		if verbose {
			for i, rec := range records {
				output.Info("  %2d. %-6s %s (queued %s)", i+1, rec.Type, rec.Path, rec.EnqueuedAt.Format("15:04:05"))
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolP("verbose", "v", false, "List queued mutations")
}
