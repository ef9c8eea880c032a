// Package satellite implements the satellite CLI commands using cobra,
// mirroring the host repository's cmd package layout (one file per
// subcommand, a package-level rootCmd, SetVersion/Execute entry points).
package satellite

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var versionStr string

// SetVersion sets the version string and enables --version on the root
// command.
func SetVersion(v string) {
	versionStr = v
	rootCmd.Version = v
}

var rootCmd = &cobra.Command{
	Use:   "satellite",
	Short: "Embedded-store replication core",
	Long: `satellite runs the replication core standalone: the snapshotter,
applier, subscription manager and lifecycle controller over a local
SQLite database, talking to a replication endpoint over a length-prefixed
protobuf wire protocol.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := slog.LevelInfo
		if os.Getenv("SATELLITE_DEBUG") != "" {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		return nil
	},
}

func init() {
	rootCmd.AddGroup(&cobra.Group{ID: "system", Title: "System Commands:"})
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
