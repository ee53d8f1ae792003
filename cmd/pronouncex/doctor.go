package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/example/pronouncex/internal/codec"
	"github.com/example/pronouncex/internal/doctor"
	"github.com/example/pronouncex/internal/job"
	"github.com/example/pronouncex/internal/phoneme"
	"github.com/example/pronouncex/internal/synth"
)

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the runtime environment",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			dcfg := doctor.Config{
				SkipEspeak: cfg.Dicts.PhonemeMode != "espeak",
				EspeakVersion: func() (string, error) {
					if err := phoneme.NewEspeak().Probe(ctx); err != nil {
						return "", err
					}
					return "available", nil
				},
				EngineVersion: func() (string, error) {
					return synth.NewCLI().Probe(ctx)
				},
				FFmpegVersion: func() (string, error) {
					return codec.NewFFmpeg().Probe(ctx)
				},
				DictDir: cfg.Dicts.DictDir,
			}
			if cfg.Worker.RedisURL != "" {
				dcfg.RedisPing = func() error {
					rb, err := job.NewRedis(cfg.Worker.RedisURL)
					if err != nil {
						return err
					}
					defer func() { _ = rb.Close() }()
					return rb.Ping(ctx)
				}
			}

			res := doctor.Run(dcfg, os.Stdout)
			if res.Failed() {
				return fmt.Errorf("%d check(s) failed", len(res.Failures()))
			}
			return nil
		},
	}
}
