package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.bug.st/serial"

	"github.com/banshee-data/geotrack/internal/api"
	"github.com/banshee-data/geotrack/internal/config"
	"github.com/banshee-data/geotrack/internal/gnss"
	"github.com/banshee-data/geotrack/internal/httputil"
	"github.com/banshee-data/geotrack/internal/tracker"
	"github.com/banshee-data/geotrack/internal/units"
)

type runOptions struct {
	Listen      string
	ConfigPath  string
	Port        string
	BaudRate    int
	HTTPTimeout time.Duration
	Timezone    string
}

func newRunCommand(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the tracking daemon",
		Long:  "Resume tracking from the persisted state, read fixes from the GNSS receiver if one is configured and serve the control API.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, root, opts)
		},
	}
	cmd.Flags().StringVar(&opts.Listen, "listen", ":8080", "control API listen address")
	cmd.Flags().StringVarP(&opts.ConfigPath, "config", "c", "", "JSON or YAML configuration applied at startup")
	cmd.Flags().StringVar(&opts.Port, "gnss-port", "", "serial port of the GNSS receiver (none when empty)")
	cmd.Flags().IntVar(&opts.BaudRate, "gnss-baud", 9600, "GNSS receiver baud rate")
	cmd.Flags().DurationVar(&opts.HTTPTimeout, "http-timeout", 60*time.Second, "transport timeout for sync requests")
	cmd.Flags().StringVar(&opts.Timezone, "timezone", "Local", "tz database zone in which schedule entries are interpreted")
	return cmd
}

func runDaemon(ctx context.Context, root *rootOptions, opts *runOptions) error {
	if opts.Listen == "" {
		return errors.New("listen address is required")
	}
	var changes map[string]any
	if opts.ConfigPath != "" {
		var err error
		if changes, err = config.LoadFile(opts.ConfigPath); err != nil {
			return err
		}
	}

	tz, err := units.LoadTimezone(opts.Timezone)
	if err != nil {
		return err
	}

	svc, err := tracker.Open(root.DBPath, nil)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", root.DBPath, err)
	}
	defer svc.Close()

	platform := tracker.Platform{
		Client:   httputil.NewStandardClient(&http.Client{Timeout: opts.HTTPTimeout}),
		TimeZone: tz,
	}
	var receiver *gnss.Receiver[serial.Port]
	if opts.Port != "" {
		receiver, err = gnss.Open(opts.Port, gnss.PortOptions{BaudRate: opts.BaudRate})
		if err != nil {
			return fmt.Errorf("failed to open GNSS receiver: %w", err)
		}
		defer receiver.Close()
		platform.Provider = receiver
		log.Printf("opened GNSS receiver on %s", opts.Port)
	}

	t := tracker.New(svc, platform)
	defer t.Close()
	if receiver != nil {
		receiver.Attach(t)
	}

	cfg, err := t.Ready(ctx, changes)
	var partial *config.UpdateError
	switch {
	case errors.As(err, &partial):
		log.Printf("ignored invalid configuration: %v", err)
	case err != nil:
		return fmt.Errorf("failed to resume tracking: %w", err)
	}
	log.Printf("tracker ready: enabled=%t schedulerEnabled=%t mode=%s", cfg.Enabled, cfg.SchedulerEnabled, cfg.TrackingMode)

	ctx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	var wg sync.WaitGroup

	if receiver != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := receiver.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("failed to monitor GNSS receiver: %v", err)
			}
			log.Print("GNSS monitor routine terminated")
		}()
	}

	mux := api.NewServer(t, svc.Bus, nil).ServeMux()
	svc.DB.AttachAdminRoutes(mux)
	if receiver != nil {
		receiver.AttachAdminRoutes(mux)
	}
	server := &http.Server{
		Addr:    opts.Listen,
		Handler: api.LoggingMiddleware(mux),
	}

	serveErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	log.Printf("control API listening on %s", opts.Listen)

	err = nil
	select {
	case <-ctx.Done():
	case err = <-serveErr:
		log.Printf("HTTP server failed: %v", err)
	}
	log.Println("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}
	if err := t.OnTerminate(shutdownCtx); err != nil {
		log.Printf("terminate hook failed: %v", err)
	}
	cancelRun()

	wg.Wait()
	log.Printf("graceful shutdown complete")
	return err
}
