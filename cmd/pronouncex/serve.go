package main

import (
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/example/pronouncex/internal/cache"
	"github.com/example/pronouncex/internal/codec"
	"github.com/example/pronouncex/internal/config"
	"github.com/example/pronouncex/internal/dict"
	"github.com/example/pronouncex/internal/job"
	"github.com/example/pronouncex/internal/merge"
	"github.com/example/pronouncex/internal/observe"
	"github.com/example/pronouncex/internal/phoneme"
	"github.com/example/pronouncex/internal/resolve"
	"github.com/example/pronouncex/internal/server"
	"github.com/example/pronouncex/internal/synth"
	"github.com/example/pronouncex/internal/worker"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the TTS job service",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}
			role, err := config.NormalizeRole(cfg.Worker.Role)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runServe(ctx, cfg, role)
		},
	}

	defaults := config.DefaultConfig()
	config.RegisterFlags(cmd.Flags(), defaults)

	return cmd
}

func runServe(ctx context.Context, cfg config.Config, role string) error {
	log := slog.Default()

	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownMetrics(flushCtx)
	}()
	metrics := observe.DefaultMetrics()

	dicts := dict.NewStore(cfg.Dicts.DictDir, log)
	if err := dicts.Load(); err != nil {
		return err
	}

	var backend job.Backend
	if cfg.Worker.RedisURL != "" {
		rb, err := job.NewRedis(cfg.Worker.RedisURL)
		if err != nil {
			return err
		}
		defer func() { _ = rb.Close() }()
		if err := rb.Ping(ctx); err != nil {
			return err
		}
		backend = rb
	} else {
		backend = job.NewMemory(
			job.WithJournal(cfg.Jobs.JobsDir),
			job.WithMemoryLogger(log),
		)
	}

	cacheStore, err := cache.NewStore(cfg.Cache.SegmentsDir, cfg.Cache.MaxMB, log)
	if err != nil {
		return err
	}

	manager := job.NewManager(backend, dicts, cacheStore, cfg,
		job.WithManagerLogger(log),
		job.WithMetrics(metrics),
	)

	var phonemizer phoneme.Phonemizer
	if cfg.Dicts.PhonemeMode == "espeak" {
		phonemizer = phoneme.NewEspeak()
	}

	var learner *dict.Learner
	if cfg.Dicts.Autolearn {
		learner = dict.NewLearner(dicts, cfg.Dicts.AutolearnPath,
			cfg.Dicts.AutolearnMinLen,
			time.Duration(cfg.Dicts.AutolearnFlushSecond)*time.Second,
			log)
	}

	resolveOpts := []resolve.Option{resolve.WithLogger(log)}
	if learner != nil && cfg.Dicts.AutolearnOnMiss {
		resolveOpts = append(resolveOpts, resolve.WithLearner(learner))
	}
	resolver := resolve.New(dicts, phonemizer, resolveOpts...)

	poolOpts := []synth.PoolOption{
		synth.WithAllowlist(cfg.Models.Allowlist),
		synth.WithPoolLogger(log),
	}
	if cfg.Models.WarmupDefault {
		poolOpts = append(poolOpts, synth.WithWarmup("Warming up."))
	}
	pool := synth.NewPool(synth.NewCLI(), poolOpts...)

	cod := codec.NewFFmpeg()

	merger, err := merge.New(cacheStore, cod, backend,
		filepath.Join(cfg.Cache.CacheDir, "merged"),
		merge.WithLogger(log),
		merge.WithMetrics(metrics),
		merge.WithLockWait(time.Duration(cfg.Jobs.MergeLockWaitSecs)*time.Second),
	)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := dicts.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	if learner != nil {
		g.Go(func() error {
			learner.Run(ctx)
			return nil
		})
	}
	g.Go(func() error {
		manager.RunSweeper(ctx, time.Minute)
		return nil
	})

	if role == config.RoleAll || role == config.RoleWorker {
		w := worker.New(manager, resolver, pool, cod, cacheStore, worker.Config{
			Workers:           cfg.Worker.Workers,
			HeartbeatInterval: time.Duration(cfg.Worker.HeartbeatSeconds) * time.Second,
			ClaimTTL:          time.Duration(cfg.Jobs.SegmentStaleSeconds) * time.Second,
			MaxRetries:        cfg.Jobs.SegmentMaxRetries,
			QualityModelID:    cfg.Models.ModelIDQuality,
		}, worker.WithLogger(log), worker.WithMetrics(metrics))
		g.Go(func() error {
			return w.Run(ctx)
		})
	}

	if role == config.RoleAll || role == config.RoleAPI {
		handler := server.NewHandler(server.Deps{
			Manager:    manager,
			Merger:     merger,
			Cache:      cacheStore,
			Dicts:      dicts,
			Phonemizer: phonemizer,
			Models:     cfg.Models,
			DictsCfg:   cfg.Dicts,
		},
			server.WithAPIKey(cfg.Server.APIKey),
			server.WithRateLimit(cfg.Server.RateLimitPerMin),
			server.WithPublicBaseURL(cfg.Server.PublicBaseURL),
			server.WithLogger(log),
		)
		srv := server.New(cfg.Server, handler)
		g.Go(func() error {
			log.Info("http server starting", "addr", cfg.Server.ListenAddr, "role", role)
			return srv.Start(ctx)
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
