package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/danielpatrickdp/emobench/internal/config"
	"github.com/danielpatrickdp/emobench/internal/orchestrator"
	"github.com/danielpatrickdp/emobench/internal/runlog"
	"github.com/danielpatrickdp/emobench/internal/tracking"
)

// #region main
func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

func run(args []string, stdout io.Writer) int {
	cfg, err := config.Load(config.Flags("emobench"), args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 2
	}
	if err := runlog.InitProcess(cfg.LogLevel, stdout); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 2
	}
	if err := cfg.Validate(); err != nil {
		log.Error().Err(err).Msg("invalid configuration")
		return 2
	}

	if err := os.Setenv("CUDA_VISIBLE_DEVICES", cfg.CUDAVisibleDevices()); err != nil {
		log.Error().Err(err).Msg("set CUDA_VISIBLE_DEVICES")
		return 1
	}
	log.Info().
		Str("devices", cfg.CUDAVisibleDevices()).
		Int64("seed", cfg.Seed).
		Str("backbone", cfg.Backbone).
		Int("models", len(cfg.Models)).
		Int("folds", len(cfg.Folds)).
		Msg("emobench ready")

	tracker, closeTracker, err := buildTracker(cfg)
	if err != nil {
		log.Error().Err(err).Msg("tracking")
		return 1
	}
	defer closeTracker()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sum, err := orchestrator.New(cfg, orchestrator.DefaultOpener(cfg), tracker, stdout).Run(ctx)
	if err != nil {
		log.Error().Err(err).Msg("run failed")
		if errors.Is(err, config.ErrPrecondition) {
			return 2
		}
		return 1
	}
	for _, f := range sum.Folds {
		log.Info().
			Str("model", f.ModelLabel).
			Str("data", f.DataLabel).
			Float64("accuracy", f.Accuracy).
			Float64("macro_f1", f.MacroF1).
			Float64("binary_f1", f.BinaryF1).
			Msg("fold")
	}
	return 0
}

// #endregion main

// #region tracker
// buildTracker returns Nop unless tracking is on. The SQLite store always records;
// DogStatsD mirrors it when an address is set.
func buildTracker(cfg config.Config) (tracking.Tracker, func(), error) {
	if !cfg.UseTracking {
		return tracking.Nop{}, func() {}, nil
	}
	store, err := tracking.NewStore(cfg.TrackingDB)
	if err != nil {
		return nil, nil, err
	}
	trackers := tracking.Multi{store}
	closers := []func() error{store.Close}
	if cfg.StatsDAddr != "" {
		sd, err := tracking.NewStatsD(cfg.StatsDAddr)
		if err != nil {
			store.Close()
			return nil, nil, err
		}
		trackers = append(trackers, sd)
		closers = append(closers, sd.Close)
	}
	return trackers, func() {
		for _, c := range closers {
			if err := c(); err != nil {
				log.Warn().Err(err).Msg("close tracker")
			}
		}
	}, nil
}

// #endregion tracker
