package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/marcus/qoda/internal/config"
	"github.com/marcus/qoda/internal/localstore"
	"github.com/marcus/qoda/internal/models"
	"github.com/marcus/qoda/internal/queue"
	"github.com/marcus/qoda/internal/remote"
)

var (
	version string
	baseDir string
)

// SetVersion sets the version string
func SetVersion(v string) {
	version = v
}

var rootCmd = &cobra.Command{
	Use:   "qoda",
	Short: "Collaborative qualitative-coding workspace CLI",
	Long: `qoda - sync and versioning tooling for a collaborative qualitative-coding
workspace: document version history, an offline mutation queue, and a live
view of shared annotation objects.`,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&baseDir, "dir", "", "workspace directory (default: current directory)")
	rootCmd.Version = "dev"
	cobra.OnInitialize(func() {
		rootCmd.Version = version
		if baseDir == "" {
			if wd, err := os.Getwd(); err == nil {
				baseDir = wd
			} else {
				baseDir = "."
			}
		}
	})
}

// core bundles the subsystems a command needs.
type core struct {
	cfg    *models.Config
	local  *localstore.Store
	store  remote.Store
	queue  *queue.Queue
	online func() bool
}

func (c *core) close() {
	if c.local != nil {
		c.local.Close()
	}
	if ws, ok := c.store.(*remote.WSStore); ok {
		ws.Close()
	}
}

// openCore wires config, local storage, the remote store, and the queue.
// With no remote configured an in-memory store serves the local demo path;
// an unreachable remote degrades to the offline store so writes queue up.
func openCore() (*core, error) {
	cfg, err := config.Load(baseDir)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	local, err := localstore.Open(baseDir)
	if err != nil {
		return nil, err
	}

	var store remote.Store
	online := func() bool { return true }
	switch {
	case cfg.RemoteURL == "":
		mem := remote.NewBackedMemStore(local)
		store = mem
		online = mem.Online
	default:
		ws, dialErr := remote.Dial(cfg.RemoteURL)
		if dialErr != nil {
			store = remote.Offline()
			online = func() bool { return false }
		} else {
			store = ws
		}
	}

	q := queue.New(local, store, queue.WithConnectivity(online))
	return &core{cfg: cfg, local: local, store: store, queue: q, online: online}, nil
}
