package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	LogLevel string         `mapstructure:"log_level"`
	Server   ServerConfig   `mapstructure:"server"`
	Models   ModelsConfig   `mapstructure:"models"`
	Dicts    DictsConfig    `mapstructure:"dicts"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
	Chunking ChunkingConfig `mapstructure:"chunking"`
	Worker   WorkerConfig   `mapstructure:"worker"`
}

type ServerConfig struct {
	ListenAddr      string `mapstructure:"listen_addr"`
	APIKey          string `mapstructure:"api_key"`
	RateLimitPerMin int    `mapstructure:"rate_limit_per_min"`
	ShutdownTimeout int    `mapstructure:"shutdown_timeout"`
	PublicBaseURL   string `mapstructure:"public_base_url"`
}

type ModelsConfig struct {
	ModelID        string   `mapstructure:"model_id"`
	ModelIDQuality string   `mapstructure:"model_id_quality"`
	Allowlist      []string `mapstructure:"allowlist"`
	GPU            bool     `mapstructure:"gpu"`
	WarmupDefault  bool     `mapstructure:"warmup_default"`
}

type DictsConfig struct {
	DictDir              string `mapstructure:"dict_dir"`
	CompiledDir          string `mapstructure:"compiled_dir"`
	PhonemeMode          string `mapstructure:"phoneme_mode"`
	CompilerVersion      string `mapstructure:"compiler_version"`
	Autolearn            bool   `mapstructure:"autolearn"`
	AutolearnOnMiss      bool   `mapstructure:"autolearn_on_miss"`
	AutolearnPath        string `mapstructure:"autolearn_path"`
	AutolearnFlushSecond int    `mapstructure:"autolearn_flush_seconds"`
	AutolearnMinLen      int    `mapstructure:"autolearn_min_len"`
}

type CacheConfig struct {
	CacheDir    string `mapstructure:"cache_dir"`
	SegmentsDir string `mapstructure:"segments_dir"`
	MaxMB       int    `mapstructure:"max_mb"`
}

type JobsConfig struct {
	JobsDir             string `mapstructure:"jobs_dir"`
	TTLSeconds          int    `mapstructure:"ttl_seconds"`
	MaxTextChars        int    `mapstructure:"max_text_chars"`
	MaxSegments         int    `mapstructure:"max_segments"`
	MaxActiveJobs       int    `mapstructure:"max_active_jobs"`
	RequireWorkers      bool   `mapstructure:"require_workers"`
	SegmentMaxRetries   int    `mapstructure:"segment_max_retries"`
	SegmentStaleSeconds int    `mapstructure:"segment_stale_seconds"`
	MergeLockWaitSecs   int    `mapstructure:"merge_lock_wait_seconds"`
	StaleQueuedSeconds  int    `mapstructure:"stale_queued_seconds"`
	IdempotencyTTL      int    `mapstructure:"idempotency_ttl_seconds"`
}

type ChunkingConfig struct {
	TargetChars     int `mapstructure:"target_chars"`
	MaxChars        int `mapstructure:"max_chars"`
	MinSegmentChars int `mapstructure:"min_segment_chars"`
}

type WorkerConfig struct {
	Role                  string `mapstructure:"role"`
	RedisURL              string `mapstructure:"redis_url"`
	Workers               int    `mapstructure:"workers"`
	JobWorkers            int    `mapstructure:"job_workers"`
	MaxConcurrentSegments int    `mapstructure:"max_concurrent_segments"`
	HeartbeatSeconds      int    `mapstructure:"heartbeat_seconds"`
}

const (
	RoleAll    = "all"
	RoleAPI    = "api"
	RoleWorker = "worker"
)

// NormalizeRole validates a role string, defaulting empty to "all".
func NormalizeRole(role string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "", RoleAll:
		return RoleAll, nil
	case RoleAPI:
		return RoleAPI, nil
	case RoleWorker:
		return RoleWorker, nil
	default:
		return "", fmt.Errorf("unknown role %q (want all|api|worker)", role)
	}
}

func DefaultConfig() Config {
	return Config{
		LogLevel: "info",
		Server: ServerConfig{
			ListenAddr:      ":8080",
			APIKey:          "",
			RateLimitPerMin: 120,
			ShutdownTimeout: 30,
			PublicBaseURL:   "/api/tts",
		},
		Models: ModelsConfig{
			ModelID:        "neural/en/base",
			ModelIDQuality: "neural/en/quality",
			Allowlist:      []string{"neural/en/base", "neural/en/quality"},
			GPU:            false,
			WarmupDefault:  false,
		},
		Dicts: DictsConfig{
			DictDir:              "data/dicts/packs",
			CompiledDir:          "data/dicts/compiled",
			PhonemeMode:          "espeak",
			CompilerVersion:      "1.0.0",
			Autolearn:            true,
			AutolearnOnMiss:      true,
			AutolearnPath:        "data/dicts/packs/auto_learn.json",
			AutolearnFlushSecond: 10,
			AutolearnMinLen:      3,
		},
		Cache: CacheConfig{
			CacheDir:    "data/cache",
			SegmentsDir: "data/cache/segments",
			MaxMB:       512,
		},
		Jobs: JobsConfig{
			JobsDir:             "data/jobs",
			TTLSeconds:          86400,
			MaxTextChars:        20000,
			MaxSegments:         120,
			MaxActiveJobs:       20,
			RequireWorkers:      false,
			SegmentMaxRetries:   2,
			SegmentStaleSeconds: 300,
			MergeLockWaitSecs:   30,
			StaleQueuedSeconds:  3600,
			IdempotencyTTL:      3600,
		},
		Chunking: ChunkingConfig{
			TargetChars:     300,
			MaxChars:        500,
			MinSegmentChars: 60,
		},
		Worker: WorkerConfig{
			Role:                  RoleAll,
			RedisURL:              "",
			Workers:               4,
			JobWorkers:            2,
			MaxConcurrentSegments: 1,
			HeartbeatSeconds:      5,
		},
	}
}

func RegisterFlags(fs *pflag.FlagSet, defaults Config) {
	fs.String("log-level", defaults.LogLevel, "Log level (debug|info|warn|error)")
	fs.String("server-listen-addr", defaults.Server.ListenAddr, "HTTP listen address")
	fs.String("server-api-key", defaults.Server.APIKey, "Optional bearer token required on mutating routes")
	fs.Int("server-rate-limit-per-min", defaults.Server.RateLimitPerMin, "Per-client request budget per minute")
	fs.Int("server-shutdown-timeout", defaults.Server.ShutdownTimeout, "Graceful shutdown drain period in seconds")
	fs.String("server-public-base-url", defaults.Server.PublicBaseURL, "Public proxy prefix for segment URLs")
	fs.String("models-model-id", defaults.Models.ModelID, "Default synthesis model")
	fs.String("models-model-id-quality", defaults.Models.ModelIDQuality, "Fallback quality model")
	fs.StringSlice("models-allowlist", defaults.Models.Allowlist, "Models accepted at admission")
	fs.Bool("models-gpu", defaults.Models.GPU, "Run synthesis on GPU")
	fs.Bool("models-warmup-default", defaults.Models.WarmupDefault, "Warm the default model at startup")
	fs.String("dicts-dict-dir", defaults.Dicts.DictDir, "Directory of dictionary pack JSON files")
	fs.String("dicts-compiled-dir", defaults.Dicts.CompiledDir, "Directory for compiled pack output")
	fs.String("dicts-phoneme-mode", defaults.Dicts.PhonemeMode, "Phoneme output format")
	fs.String("dicts-compiler-version", defaults.Dicts.CompilerVersion, "Pack compiler version (part of cache keys)")
	fs.Bool("dicts-autolearn", defaults.Dicts.Autolearn, "Persist fallback pronunciations to the auto_learn pack")
	fs.Bool("dicts-autolearn-on-miss", defaults.Dicts.AutolearnOnMiss, "Auto-learn during resolution, not only via /learn")
	fs.String("dicts-autolearn-path", defaults.Dicts.AutolearnPath, "Path of the auto_learn pack file")
	fs.Int("dicts-autolearn-flush-seconds", defaults.Dicts.AutolearnFlushSecond, "Auto-learn flush interval")
	fs.Int("dicts-autolearn-min-len", defaults.Dicts.AutolearnMinLen, "Minimum token length for auto-learn")
	fs.String("cache-cache-dir", defaults.Cache.CacheDir, "Cache root directory")
	fs.String("cache-segments-dir", defaults.Cache.SegmentsDir, "Segment audio cache directory")
	fs.Int("cache-max-mb", defaults.Cache.MaxMB, "Segment cache size budget in MB")
	fs.String("jobs-jobs-dir", defaults.Jobs.JobsDir, "Job journal directory (single-process mode)")
	fs.Int("jobs-ttl-seconds", defaults.Jobs.TTLSeconds, "Job record lifetime past terminal state")
	fs.Int("jobs-max-text-chars", defaults.Jobs.MaxTextChars, "Maximum submitted text length")
	fs.Int("jobs-max-segments", defaults.Jobs.MaxSegments, "Maximum segments per job")
	fs.Int("jobs-max-active-jobs", defaults.Jobs.MaxActiveJobs, "Maximum concurrently active jobs")
	fs.Bool("jobs-require-workers", defaults.Jobs.RequireWorkers, "Reject admission when no worker heartbeat is live")
	fs.Int("jobs-segment-max-retries", defaults.Jobs.SegmentMaxRetries, "Retry cap per segment")
	fs.Int("jobs-segment-stale-seconds", defaults.Jobs.SegmentStaleSeconds, "Claim age after which a segment is reclaimable")
	fs.Int("jobs-merge-lock-wait-seconds", defaults.Jobs.MergeLockWaitSecs, "Wait budget on a contended merge lock")
	fs.Int("jobs-stale-queued-seconds", defaults.Jobs.StaleQueuedSeconds, "Age after which unclaimed queued jobs are swept")
	fs.Int("jobs-idempotency-ttl-seconds", defaults.Jobs.IdempotencyTTL, "Idempotency-Key replay window")
	fs.Int("chunking-target-chars", defaults.Chunking.TargetChars, "Preferred segment length")
	fs.Int("chunking-max-chars", defaults.Chunking.MaxChars, "Hard segment length ceiling")
	fs.Int("chunking-min-segment-chars", defaults.Chunking.MinSegmentChars, "Undersized trailing segments merge below this")
	fs.String("worker-role", defaults.Worker.Role, "Process role (all|api|worker)")
	fs.String("worker-redis-url", defaults.Worker.RedisURL, "Redis URL enabling distributed mode")
	fs.Int("worker-workers", defaults.Worker.Workers, "Worker pool size")
	fs.Int("worker-job-workers", defaults.Worker.JobWorkers, "Concurrent job loops per worker process")
	fs.Int("worker-max-concurrent-segments", defaults.Worker.MaxConcurrentSegments, "Segment fan-out within one job")
	fs.Int("worker-heartbeat-seconds", defaults.Worker.HeartbeatSeconds, "Worker heartbeat refresh interval")
}

type LoadOptions struct {
	Cmd        flagBinder
	ConfigFile string
	Defaults   Config
}

type flagBinder interface {
	Flags() *pflag.FlagSet
}

func Load(opts LoadOptions) (Config, error) {
	v := viper.New()

	setDefaults(v, opts.Defaults)
	if opts.Cmd != nil {
		if err := v.BindPFlags(opts.Cmd.Flags()); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}
	registerAliases(v)

	v.SetEnvPrefix("PRONOUNCEX")
	replacer := strings.NewReplacer("-", "_", ".", "_", "__", "_")
	v.SetEnvKeyReplacer(replacer)
	if err := v.BindEnv("worker.redis_url", "PRONOUNCEX_REDIS_URL", "REDIS_URL"); err != nil {
		return Config{}, fmt.Errorf("bind redis env vars: %w", err)
	}
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("pronouncex")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	if _, err := NormalizeRole(cfg.Worker.Role); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("log_level", c.LogLevel)
	v.SetDefault("server.listen_addr", c.Server.ListenAddr)
	v.SetDefault("server.api_key", c.Server.APIKey)
	v.SetDefault("server.rate_limit_per_min", c.Server.RateLimitPerMin)
	v.SetDefault("server.shutdown_timeout", c.Server.ShutdownTimeout)
	v.SetDefault("server.public_base_url", c.Server.PublicBaseURL)
	v.SetDefault("models.model_id", c.Models.ModelID)
	v.SetDefault("models.model_id_quality", c.Models.ModelIDQuality)
	v.SetDefault("models.allowlist", c.Models.Allowlist)
	v.SetDefault("models.gpu", c.Models.GPU)
	v.SetDefault("models.warmup_default", c.Models.WarmupDefault)
	v.SetDefault("dicts.dict_dir", c.Dicts.DictDir)
	v.SetDefault("dicts.compiled_dir", c.Dicts.CompiledDir)
	v.SetDefault("dicts.phoneme_mode", c.Dicts.PhonemeMode)
	v.SetDefault("dicts.compiler_version", c.Dicts.CompilerVersion)
	v.SetDefault("dicts.autolearn", c.Dicts.Autolearn)
	v.SetDefault("dicts.autolearn_on_miss", c.Dicts.AutolearnOnMiss)
	v.SetDefault("dicts.autolearn_path", c.Dicts.AutolearnPath)
	v.SetDefault("dicts.autolearn_flush_seconds", c.Dicts.AutolearnFlushSecond)
	v.SetDefault("dicts.autolearn_min_len", c.Dicts.AutolearnMinLen)
	v.SetDefault("cache.cache_dir", c.Cache.CacheDir)
	v.SetDefault("cache.segments_dir", c.Cache.SegmentsDir)
	v.SetDefault("cache.max_mb", c.Cache.MaxMB)
	v.SetDefault("jobs.jobs_dir", c.Jobs.JobsDir)
	v.SetDefault("jobs.ttl_seconds", c.Jobs.TTLSeconds)
	v.SetDefault("jobs.max_text_chars", c.Jobs.MaxTextChars)
	v.SetDefault("jobs.max_segments", c.Jobs.MaxSegments)
	v.SetDefault("jobs.max_active_jobs", c.Jobs.MaxActiveJobs)
	v.SetDefault("jobs.require_workers", c.Jobs.RequireWorkers)
	v.SetDefault("jobs.segment_max_retries", c.Jobs.SegmentMaxRetries)
	v.SetDefault("jobs.segment_stale_seconds", c.Jobs.SegmentStaleSeconds)
	v.SetDefault("jobs.merge_lock_wait_seconds", c.Jobs.MergeLockWaitSecs)
	v.SetDefault("jobs.stale_queued_seconds", c.Jobs.StaleQueuedSeconds)
	v.SetDefault("jobs.idempotency_ttl_seconds", c.Jobs.IdempotencyTTL)
	v.SetDefault("chunking.target_chars", c.Chunking.TargetChars)
	v.SetDefault("chunking.max_chars", c.Chunking.MaxChars)
	v.SetDefault("chunking.min_segment_chars", c.Chunking.MinSegmentChars)
	v.SetDefault("worker.role", c.Worker.Role)
	v.SetDefault("worker.redis_url", c.Worker.RedisURL)
	v.SetDefault("worker.workers", c.Worker.Workers)
	v.SetDefault("worker.job_workers", c.Worker.JobWorkers)
	v.SetDefault("worker.max_concurrent_segments", c.Worker.MaxConcurrentSegments)
	v.SetDefault("worker.heartbeat_seconds", c.Worker.HeartbeatSeconds)
}

func registerAliases(v *viper.Viper) {
	v.RegisterAlias("log_level", "log-level")
	v.RegisterAlias("server.listen_addr", "server-listen-addr")
	v.RegisterAlias("server.api_key", "server-api-key")
	v.RegisterAlias("server.rate_limit_per_min", "server-rate-limit-per-min")
	v.RegisterAlias("server.shutdown_timeout", "server-shutdown-timeout")
	v.RegisterAlias("server.public_base_url", "server-public-base-url")
	v.RegisterAlias("models.model_id", "models-model-id")
	v.RegisterAlias("models.model_id_quality", "models-model-id-quality")
	v.RegisterAlias("models.allowlist", "models-allowlist")
	v.RegisterAlias("models.gpu", "models-gpu")
	v.RegisterAlias("models.warmup_default", "models-warmup-default")
	v.RegisterAlias("dicts.dict_dir", "dicts-dict-dir")
	v.RegisterAlias("dicts.compiled_dir", "dicts-compiled-dir")
	v.RegisterAlias("dicts.phoneme_mode", "dicts-phoneme-mode")
	v.RegisterAlias("dicts.compiler_version", "dicts-compiler-version")
	v.RegisterAlias("dicts.autolearn", "dicts-autolearn")
	v.RegisterAlias("dicts.autolearn_on_miss", "dicts-autolearn-on-miss")
	v.RegisterAlias("dicts.autolearn_path", "dicts-autolearn-path")
	v.RegisterAlias("dicts.autolearn_flush_seconds", "dicts-autolearn-flush-seconds")
	v.RegisterAlias("dicts.autolearn_min_len", "dicts-autolearn-min-len")
	v.RegisterAlias("cache.cache_dir", "cache-cache-dir")
	v.RegisterAlias("cache.segments_dir", "cache-segments-dir")
	v.RegisterAlias("cache.max_mb", "cache-max-mb")
	v.RegisterAlias("jobs.jobs_dir", "jobs-jobs-dir")
	v.RegisterAlias("jobs.ttl_seconds", "jobs-ttl-seconds")
	v.RegisterAlias("jobs.max_text_chars", "jobs-max-text-chars")
	v.RegisterAlias("jobs.max_segments", "jobs-max-segments")
	v.RegisterAlias("jobs.max_active_jobs", "jobs-max-active-jobs")
	v.RegisterAlias("jobs.require_workers", "jobs-require-workers")
	v.RegisterAlias("jobs.segment_max_retries", "jobs-segment-max-retries")
	v.RegisterAlias("jobs.segment_stale_seconds", "jobs-segment-stale-seconds")
	v.RegisterAlias("jobs.merge_lock_wait_seconds", "jobs-merge-lock-wait-seconds")
	v.RegisterAlias("jobs.stale_queued_seconds", "jobs-stale-queued-seconds")
	v.RegisterAlias("jobs.idempotency_ttl_seconds", "jobs-idempotency-ttl-seconds")
	v.RegisterAlias("chunking.target_chars", "chunking-target-chars")
	v.RegisterAlias("chunking.max_chars", "chunking-max-chars")
	v.RegisterAlias("chunking.min_segment_chars", "chunking-min-segment-chars")
	v.RegisterAlias("worker.role", "worker-role")
	v.RegisterAlias("worker.redis_url", "worker-redis-url")
	v.RegisterAlias("worker.workers", "worker-workers")
	v.RegisterAlias("worker.job_workers", "worker-job-workers")
	v.RegisterAlias("worker.max_concurrent_segments", "worker-max-concurrent-segments")
	v.RegisterAlias("worker.heartbeat_seconds", "worker-heartbeat-seconds")
}
