package cmd

import (
	"github.com/spf13/cobra"

	"github.com/marcus/qoda/internal/output"
)

var flushCmd = &cobra.Command{
	Use:     "flush",
	Aliases: []string{"sync"},
	Short:   "Replay queued mutations against the remote store",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCore()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer c.close()

		before := c.queue.Len()
		if before == 0 {
			output.Success("Queue is empty")
			return nil
		}
		if !c.online() {
			output.Warning("Remote unreachable; %d mutation(s) remain queued", before)
			return nil
		}

		if c.queue.Flush(cmd.Context()) {
			output.Success("Flushed %d mutation(s)", before)
			return nil
		}
		output.Warning("Partial flush: %d of %d mutation(s) still queued", c.queue.Len(), before)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(flushCmd)
}
