package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ruteri/spacestore/cmd/flags"
	"github.com/ruteri/spacestore/duplication"
	"github.com/ruteri/spacestore/httpserver"
	"github.com/ruteri/spacestore/interfaces"
	"github.com/ruteri/spacestore/report"
	"github.com/ruteri/spacestore/storage"
	"github.com/urfave/cli/v2"
	"github.com/urfave/cli/v2/altsrc"
)

var configFlag = &cli.StringFlag{
	Name:  "config",
	Usage: "YAML file with values for any of the other flags",
}

// Flags that may also come from the --config file. Required values are
// checked in the action since the file is loaded after flag validation.
var fileFlags = []cli.Flag{
	altsrc.NewStringFlag(&cli.StringFlag{
		Name:    "source",
		EnvVars: []string{"DUPLICATORD_SOURCE"},
		Usage:   "provider URI to duplicate from",
	}),
	altsrc.NewStringSliceFlag(&cli.StringSliceFlag{
		Name:    "target",
		EnvVars: []string{"DUPLICATORD_TARGET"},
		Usage:   "provider URI to duplicate to; may be repeated",
	}),
	altsrc.NewStringSliceFlag(&cli.StringSliceFlag{
		Name:  "space",
		Usage: "space to duplicate; all source spaces when omitted",
	}),
	altsrc.NewStringFlag(&cli.StringFlag{
		Name:  "listen-addr",
		Value: "127.0.0.1:8080",
		Usage: "address to listen on for the status API",
	}),
	altsrc.NewDurationFlag(&cli.DurationFlag{
		Name:  "sync-interval",
		Value: 15 * time.Minute,
		Usage: "time between full sync passes",
	}),
	altsrc.NewDurationFlag(&cli.DurationFlag{
		Name:  "report-interval",
		Value: time.Hour,
		Usage: "time between storage reports of the source; 0 disables them",
	}),
	altsrc.NewIntFlag(&cli.IntFlag{
		Name:  "workers",
		Value: 4,
		Usage: "concurrent copies per space",
	}),
	altsrc.NewBoolFlag(&cli.BoolFlag{
		Name:  "delete-extraneous",
		Usage: "delete target items missing from the source",
	}),
	altsrc.NewIntFlag(flags.RetryAttemptsFlag),
	altsrc.NewStringFlag(flags.VaultAddrFlag),
	altsrc.NewStringFlag(flags.VaultMountFlag),
	altsrc.NewStringFlag(flags.MetricsAddrFlag),
	altsrc.NewInt64Flag(flags.DrainSecondsFlag),
	altsrc.NewBoolFlag(flags.PprofFlag),
}

type duplicator struct {
	source   interfaces.StorageProvider
	syncs    []*duplication.SpaceSync
	spaces   []string
	interval time.Duration
	log      *slog.Logger
}

func (d *duplicator) spaceIDs(ctx context.Context) ([]string, error) {
	if len(d.spaces) > 0 {
		return d.spaces, nil
	}
	it, err := d.source.GetSpaces(ctx)
	if err != nil {
		return nil, err
	}
	return storage.Collect(ctx, it)
}

func (d *duplicator) pass(ctx context.Context) {
	start := time.Now()
	spaces, err := d.spaceIDs(ctx)
	if err != nil {
		d.log.Error("Failed to list source spaces", "err", err)
		return
	}
	for _, spaceID := range spaces {
		for _, s := range d.syncs {
			if ctx.Err() != nil {
				return
			}
			// Failures are counted in the shared status; keep going.
			_, _ = s.Run(ctx, spaceID)
		}
	}
	d.log.Info("Sync pass completed",
		slog.Int("spaces", len(spaces)),
		slog.Duration("duration", time.Since(start)))
}

func (d *duplicator) run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.pass(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func main() {
	app := &cli.App{
		Name:   "duplicatord",
		Usage:  "Continuously duplicate spaces from one storage provider to others",
		Flags:  append(append([]cli.Flag{configFlag, flags.LogServiceFlagFn("duplicatord"), flags.VaultTokenFlag}, flags.LogFlags...), fileFlags...),
		Before: altsrc.InitInputSourceWithContext(fileFlags, altsrc.NewYamlSourceFromFlagFunc(configFlag.Name)),
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)
			if cCtx.String("source") == "" || len(cCtx.StringSlice("target")) == 0 {
				return cli.Exit("--source and at least one --target are required", 2)
			}

			ctx, stop := signal.NotifyContext(cCtx.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			factory, err := flags.ProviderFactory(cCtx, logger)
			if err != nil {
				return err
			}
			factory.WithInstrumentation()

			source, err := factory.ProviderForURI(ctx, cCtx.String("source"))
			if err != nil {
				logger.Error("Failed to create source provider", "err", err)
				return err
			}

			status := duplication.NewStatus()
			policy := flags.RetryPolicy(cCtx)
			opts := duplication.SyncOptions{
				Workers:          cCtx.Int("workers"),
				DeleteExtraneous: cCtx.Bool("delete-extraneous"),
			}

			d := &duplicator{
				source:   source,
				spaces:   cCtx.StringSlice("space"),
				interval: cCtx.Duration("sync-interval"),
				log:      logger,
			}
			for _, uri := range cCtx.StringSlice("target") {
				target, err := factory.ProviderForURI(ctx, uri)
				if err != nil {
					logger.Error("Failed to create target provider", "err", err)
					return err
				}
				spaces := duplication.NewSpaceDuplicator(source, target, status, policy, logger.With("target", target.Name()))
				d.syncs = append(d.syncs, duplication.NewSpaceSync(spaces, opts))
			}
			if d.interval <= 0 {
				return errors.New("sync-interval must be positive")
			}

			var reports httpserver.ReportProvider
			var scheduler *report.Scheduler
			if interval := cCtx.Duration("report-interval"); interval > 0 {
				scheduler = report.NewScheduler(report.NewBuilder(source, logger), interval, logger)
				reports = scheduler
			}

			cfg := flags.ConfigureServer(cCtx, logger, cCtx.String("listen-addr"))
			server, err := httpserver.New(cfg, httpserver.NewHandler(status, reports, logger))
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}
			if err := storage.RegisterMetrics(server.MetricsRegistry()); err != nil {
				return err
			}
			if err := report.RegisterMetrics(server.MetricsRegistry()); err != nil {
				return err
			}

			server.RunInBackground()

			if scheduler != nil {
				go scheduler.Run(ctx)
			}
			logger.Info("Duplication started",
				"source", source.Name(),
				slog.Int("targets", len(d.syncs)),
				slog.Duration("interval", d.interval))
			d.run(ctx)

			logger.Info("Shutdown signal received")
			server.Shutdown()
			logger.Info("Server shutdown complete")
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
