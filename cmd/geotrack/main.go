// Command geotrack runs the tracking daemon and its maintenance commands.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

// rootOptions holds flags shared by every command.
type rootOptions struct {
	DBPath string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "geotrack",
		Short:         "Motion-adaptive location tracking daemon",
		Long:          "geotrack records positions from a GNSS receiver or the control API, adapts sampling to motion, evaluates geofences and uploads queued records over HTTP.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.PersistentFlags().StringVar(&opts.DBPath, "db", "geotrack.db", "path to the sqlite database")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newLocationsCommand(opts))
	cmd.AddCommand(newSyncCommand(opts))
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
