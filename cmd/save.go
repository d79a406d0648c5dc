package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/marcus/qoda/internal/config"
	"github.com/marcus/qoda/internal/output"
	"github.com/marcus/qoda/internal/versions"
)

var saveCmd = &cobra.Command{
	Use:   "save <document-id> [file]",
	Short: "Save a new version of a document",
	Long: `Save appends a snapshot to the document's version chain. Content is read
from the given file, or from stdin when no file is named. Small edits are
stored as patches against the latest full snapshot.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		documentID := args[0]

		var content []byte
		var err error
		if len(args) == 2 {
			content, err = os.ReadFile(args[1])
		} else {
			content, err = io.ReadAll(os.Stdin)
		}
		if err != nil {
			return fmt.Errorf("read content: %w", err)
		}

		c, err := openCore()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer c.close()

		chain := versions.NewChain(c.store, versions.WithDiffRatio(config.DiffRatio(c.cfg)))
		snap, err := chain.Save(cmd.Context(), documentID, string(content), c.cfg.AuthorID)
		if err != nil {
			output.Error("%v", err)
			return err
		}

		kind := "full"
		if !snap.IsFull {
			kind = "patch"
		}
		output.Success("Saved %s v%d (%s, %s)", documentID, snap.Version, kind, snap.ID[:8])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(saveCmd)
}
