package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marcus/qoda/internal/config"
	"github.com/marcus/qoda/internal/output"
	"github.com/marcus/qoda/internal/versions"
)

var historyCmd = &cobra.Command{
	Use:   "history <document-id>",
	Short: "Show a document's version chain, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		documentID := args[0]
		limit, _ := cmd.Flags().GetInt("limit")
		render, _ := cmd.Flags().GetBool("render")

		c, err := openCore()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer c.close()

		chain := versions.NewChain(c.store, versions.WithDiffRatio(config.DiffRatio(c.cfg)))
		snaps, err := chain.Load(cmd.Context(), documentID, limit)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		if len(snaps) == 0 {
			output.Info("No versions for %s", documentID)
			return nil
		}

		for _, snap := range snaps {
			kind := "full"
			if !snap.IsFull {
				kind = "patch"
			}
			output.Info("v%-4d %s  %-5s  %s  %s",
				snap.Version, snap.ID[:8], kind,
				snap.Timestamp.Local().Format("2006-01-02 15:04:05"), snap.AuthorID)

			if render {
				md, rerr := output.RenderMarkdown(snap.Content)
				if rerr != nil {
					return fmt.Errorf("render v%d: %w", snap.Version, rerr)
				}
				fmt.Print(md)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 10, "Maximum versions to show")
	historyCmd.Flags().Bool("render", false, "Render reconstructed content as markdown")
}
