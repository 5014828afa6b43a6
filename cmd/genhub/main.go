package main

import (
	"context"
	"log"
	"os"
	"strings"
	"time"

	"github.com/seantiz/genhub/internal/api"
	"github.com/seantiz/genhub/internal/artifact"
	"github.com/seantiz/genhub/internal/backend"
	"github.com/seantiz/genhub/internal/backend/comfyui"
	"github.com/seantiz/genhub/internal/config"
	"github.com/seantiz/genhub/internal/dispatch"
	"github.com/seantiz/genhub/internal/engine"
	"github.com/seantiz/genhub/internal/store"
	"github.com/seantiz/genhub/internal/stream"
	"github.com/seantiz/genhub/internal/tracing"
)

// deliveryMargin is added to the job timeout so a stream connection outlives
// the job it waits on.
const deliveryMargin = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("genhub: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"fleet_path", cfg.FleetPath,
		"output_dir", cfg.OutputDir,
	)

	shutdownTracing, err := tracing.Init("genhub", cfg.Tracing.Enabled, os.Stderr)
	if err != nil {
		log.Fatalf("failed to init tracing: %v", err)
	}
	defer shutdownTracing(context.Background())

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	reg := backend.NewRegistry(comfyui.Factory(comfyui.Options{
		WorkflowDir:  cfg.WorkflowDir,
		PollInterval: cfg.PollInterval,
		Logger:       logger,
	}))

	fleet, err := backend.LoadFleet(cfg.FleetPath)
	if err != nil {
		log.Fatalf("failed to load fleet: %v", err)
	}
	if err := fleet.Apply(reg); err != nil {
		log.Fatalf("failed to apply fleet: %v", err)
	}
	logger.Info("fleet loaded",
		"render_types", len(reg.RenderTypes("")),
		"backends", len(reg.List()),
	)

	sink, err := artifact.NewDir(cfg.OutputDir, outputURLBase(cfg))
	if err != nil {
		log.Fatalf("failed to prepare output dir: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	streams := stream.NewRegistry(cfg.StreamTTL, logger)
	go streams.Run(ctx, cfg.SweepInterval)

	eng := engine.NewEngine(db, reg, streams, sink, cfg.RetryPolicy(), logger)
	disp := dispatch.New(reg, cfg.ProbeTimeout, logger)

	srv := api.NewServer(api.Options{
		Addr:            cfg.ListenAddr,
		PublicURL:       cfg.PublicURL,
		OutputDir:       cfg.OutputDir,
		DeliveryTimeout: cfg.JobTimeout + deliveryMargin,
		ProbeTimeout:    cfg.ProbeTimeout,
	}, db, reg, disp, eng, streams, logger)

	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}

	cancel()
	logger.Info("waiting for in-flight jobs")
	eng.Wait()
}

// outputURLBase is the public prefix of saved artifacts.
func outputURLBase(cfg config.Config) string {
	base := strings.TrimRight(cfg.PublicURL, "/")
	if base == "" {
		host := cfg.ListenAddr
		if strings.HasPrefix(host, ":") {
			host = "localhost" + host
		}
		base = "http://" + host
	}
	return base + "/outputs"
}
