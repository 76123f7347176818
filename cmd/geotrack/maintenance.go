package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/banshee-data/geotrack/internal/config"
	"github.com/banshee-data/geotrack/internal/db"
	"github.com/banshee-data/geotrack/internal/geo"
	"github.com/banshee-data/geotrack/internal/httpsync"
	"github.com/banshee-data/geotrack/internal/httputil"
	"github.com/banshee-data/geotrack/internal/tracker"
	"github.com/banshee-data/geotrack/internal/version"
)

func newMigrateCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Inspect or change the database schema version",
	}

	withDB := func(fn func(cmd *cobra.Command, d *db.DB, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			d, err := db.OpenWithoutMigrations(root.DBPath)
			if err != nil {
				return err
			}
			defer d.Close()
			return fn(cmd, d, args)
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: withDB(func(cmd *cobra.Command, d *db.DB, _ []string) error {
			if err := d.MigrateUp(); err != nil {
				return err
			}
			return printVersion(cmd, d)
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		Args:  cobra.NoArgs,
		RunE: withDB(func(cmd *cobra.Command, d *db.DB, _ []string) error {
			if err := d.MigrateDown(); err != nil {
				return err
			}
			return printVersion(cmd, d)
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the applied and latest schema versions",
		Args:  cobra.NoArgs,
		RunE: withDB(func(cmd *cobra.Command, d *db.DB, _ []string) error {
			return printVersion(cmd, d)
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "force VERSION",
		Short: "Record VERSION as applied without running migrations",
		Args:  cobra.ExactArgs(1),
		RunE: withDB(func(cmd *cobra.Command, d *db.DB, args []string) error {
			v, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid version %q: %w", args[0], err)
			}
			if err := d.MigrateForce(v); err != nil {
				return err
			}
			return printVersion(cmd, d)
		}),
	})
	return cmd
}

func printVersion(cmd *cobra.Command, d *db.DB) error {
	current, dirty, err := d.MigrateVersion()
	if err != nil {
		return err
	}
	latest, err := db.LatestMigrationVersion()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (latest %d, dirty %t)\n", current, latest, dirty)
	return nil
}

func newLocationsCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "locations",
		Short: "Inspect or clear the queue of unsynchronised records",
	}

	withStore := func(fn func(cmd *cobra.Command, s *db.LocationStore) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			d, err := db.Open(root.DBPath)
			if err != nil {
				return err
			}
			defer d.Close()
			return fn(cmd, db.NewLocationStore(d, nil))
		}
	}

	var desc bool
	list := &cobra.Command{
		Use:   "list",
		Short: "Print queued records as JSON lines",
		Args:  cobra.NoArgs,
		RunE: withStore(func(cmd *cobra.Command, s *db.LocationStore) error {
			order := db.OrderAsc
			if desc {
				order = db.OrderDesc
			}
			rows, err := s.All(order)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, row := range rows {
				if err := enc.Encode(row.Location); err != nil {
					return err
				}
			}
			return nil
		}),
	}
	list.Flags().BoolVar(&desc, "desc", false, "newest first")

	cmd.AddCommand(list)
	cmd.AddCommand(&cobra.Command{
		Use:   "count",
		Short: "Print the number of queued records",
		Args:  cobra.NoArgs,
		RunE: withStore(func(cmd *cobra.Command, s *db.LocationStore) error {
			n, err := s.Count()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), n)
			return nil
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Delete every queued record",
		Args:  cobra.NoArgs,
		RunE: withStore(func(cmd *cobra.Command, s *db.LocationStore) error {
			return s.DestroyAll()
		}),
	})
	return cmd
}

func newSyncCommand(root *rootOptions) *cobra.Command {
	var (
		configPath string
		timeout    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Upload every queued record to the configured endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := tracker.Open(root.DBPath, nil)
			if err != nil {
				return err
			}
			defer svc.Close()

			t := tracker.New(svc, tracker.Platform{
				Client: httputil.NewStandardClient(&http.Client{Timeout: timeout}),
			})
			synced, err := syncQueue(cmd, t, configPath)
			// Close waits for an automatic pass started by the config change.
			t.Close()
			if errors.Is(err, httpsync.ErrSyncInProgress) {
				n, err := svc.Locations.Count()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "automatic sync finished, %d records remain\n", n)
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "synced %d records\n", len(synced))
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "JSON or YAML configuration applied before syncing")
	cmd.Flags().DurationVar(&timeout, "http-timeout", 60*time.Second, "transport timeout for sync requests")
	return cmd
}

func syncQueue(cmd *cobra.Command, t *tracker.Tracker, configPath string) ([]*geo.Location, error) {
	if configPath != "" {
		changes, err := config.LoadFile(configPath)
		if err != nil {
			return nil, err
		}
		if _, err := t.SetConfig(cmd.Context(), changes); err != nil {
			return nil, err
		}
	}
	return t.Sync(cmd.Context())
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "geotrack %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		},
	}
}
