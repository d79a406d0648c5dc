package cmd

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/marcus/qoda/internal/config"
	"github.com/marcus/qoda/internal/output"
	"github.com/marcus/qoda/internal/reconcile"
	"github.com/marcus/qoda/internal/status"
	"github.com/marcus/qoda/internal/tui/monitor"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Live TUI dashboard for sync state and shared objects",
	Long: `Launch a live-updating dashboard showing the sync state machine, the
offline mutation queue, and the shared annotation objects visible in the
current scope.

Key bindings:
  f              Flush the mutation queue
  q              Quit`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCore()
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer c.close()

		stat := status.NewCoordinator(config.SavedHold(c.cfg))

		scope, _ := cmd.Flags().GetString("scope")
		rec := reconcile.New(c.store, c.queue, stat, reconcile.Options{
			ViewerID:    c.cfg.AuthorID,
			Scope:       scope,
			Collection:  "projects/" + c.cfg.ProjectID + "/annotations",
			TeamVisible: config.TeamVisible(c.cfg),
			Debounce:    config.Debounce(c.cfg),
		})
		if c.online() {
			if err := rec.Attach(cmd.Context()); err != nil {
				output.Warning("live feed unavailable: %v", err)
			}
		}
		defer rec.Close()

		interval, _ := cmd.Flags().GetDuration("interval")
		model := monitor.NewModel(stat, c.queue, rec, interval, version)

		p := tea.NewProgram(model, tea.WithAltScreen())
		if _, err := p.Run(); err != nil {
			return fmt.Errorf("error running monitor: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().Duration("interval", 2*time.Second, "Refresh interval (default 2s)")
	monitorCmd.Flags().String("scope", "", "Scope (document+category) to observe")
}
