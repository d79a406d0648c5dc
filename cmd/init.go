package cmd

import (
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/marcus/qoda/internal/config"
	"github.com/marcus/qoda/internal/localstore"
	"github.com/marcus/qoda/internal/output"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a qoda workspace in the current directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(baseDir)
		if err != nil {
			return err
		}

		teamVisible := cfg.TeamVisibility == nil || *cfg.TeamVisibility

		interactive, _ := cmd.Flags().GetBool("interactive")
		if interactive {
			form := huh.NewForm(
				huh.NewGroup(
					huh.NewInput().
						Title("Remote store URL").
						Description("Websocket URL of the hosted backend; leave empty for local-only use").
						Value(&cfg.RemoteURL),
					huh.NewInput().
						Title("Author ID").
						Value(&cfg.AuthorID),
					huh.NewInput().
						Title("Project ID").
						Value(&cfg.ProjectID),
					huh.NewConfirm().
						Title("Show shared teammate objects?").
						Value(&teamVisible),
				),
			)
			if err := form.Run(); err != nil {
				return fmt.Errorf("init form: %w", err)
			}
			cfg.TeamVisibility = &teamVisible
		}

		if err := config.Save(baseDir, cfg); err != nil {
			return fmt.Errorf("write config: %w", err)
		}

		// Create the local database up front so the first offline write
		// has somewhere to land.
		local, err := localstore.Open(baseDir)
		if err != nil {
			return err
		}
		local.Close()

		output.Success("Initialized qoda workspace in %s/.qoda", baseDir)
		if cfg.RemoteURL == "" {
			output.Subtle("No remote configured; running local-only. Re-run with -i to set one.")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().BoolP("interactive", "i", false, "Prompt for remote and identity settings")
}
