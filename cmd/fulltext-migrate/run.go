package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Sternrassler/fulltext-migrate/pkg/config"
	"github.com/Sternrassler/fulltext-migrate/pkg/ledger"
	"github.com/Sternrassler/fulltext-migrate/pkg/logging"
	"github.com/Sternrassler/fulltext-migrate/pkg/metrics"
	"github.com/Sternrassler/fulltext-migrate/pkg/pipeline"
	"github.com/Sternrassler/fulltext-migrate/pkg/sink"
	"github.com/Sternrassler/fulltext-migrate/pkg/source"
)

// runOptions holds the run command flags.
type runOptions struct {
	reprocessOnly bool
	createBucket  bool
	scrollID      string
	concurrency   int
	ledger        string
	bucketURL     string
	metricsAddr   string
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run or resume the migration",
		Long: `Run replays the previous run's unconfirmed and failed ids, then continues the
scroll from the saved cursor (or starts a new one) until the index is exhausted.

Exit codes: 0 completed, 1 fatal error, 2 invalid configuration,
3 interrupted. The checkpoint is saved for 1 and 3.`,
		Example: `  # Migrate with settings from ./fulltext-migrate.yaml
  fulltext-migrate run

  # Retry failed uploads without scrolling further
  fulltext-migrate run --reprocess-only

  # Continue a known scroll
  fulltext-migrate run --scroll-id DXF1ZXJ5QW5kRmV0Y2gB...

  # Write to a local directory with an in-process ledger
  fulltext-migrate run --bucket-url file:///tmp/fulltext --ledger memory`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load(cmd)
			if err != nil {
				return &exitError{code: ExitInvalidConfig, err: err}
			}
			opts.apply(cmd, cfg)

			if err := cfg.ResolveSecret(); err != nil {
				return &exitError{code: ExitInvalidConfig, err: err}
			}
			if err := cfg.Validate(); err != nil {
				return &exitError{code: ExitInvalidConfig, err: fmt.Errorf("invalid configuration: %w", err)}
			}
			return runMigration(cmd.Context(), cfg, opts, cmd.ErrOrStderr())
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&opts.reprocessOnly, "reprocess-only", false, "only re-deliver in-flight and failed ids, do not scroll")
	flags.BoolVar(&opts.createBucket, "create-bucket", false, "create the S3 bucket if it does not exist")
	flags.StringVar(&opts.scrollID, "scroll-id", "", "continue this scroll instead of the saved cursor")
	flags.IntVar(&opts.concurrency, "concurrency", 0, "maximum simultaneous uploads")
	flags.StringVar(&opts.ledger, "ledger", "", "ledger backend (redis, memory)")
	flags.StringVar(&opts.bucketURL, "bucket-url", "", "write to a gocloud bucket URL instead of S3")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	return cmd
}

// apply overrides cfg with the flags set on the command line.
func (o *runOptions) apply(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("scroll-id") {
		cfg.Source.Cursor = o.scrollID
	}
	if flags.Changed("concurrency") {
		cfg.Sink.Concurrency = o.concurrency
	}
	if flags.Changed("ledger") {
		cfg.Ledger.Backend = o.ledger
	}
	if flags.Changed("bucket-url") {
		cfg.Sink.BucketURL = o.bucketURL
	}
	if flags.Changed("metrics-addr") {
		cfg.Metrics.Addr = o.metricsAddr
	}
}

func runMigration(ctx context.Context, cfg *config.Config, opts *runOptions, stderr io.Writer) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logCfg := logging.DefaultConfig()
	logCfg.Level = logging.LogLevel(strings.ToLower(cfg.Logging.Level))
	logCfg.File = cfg.Logging.File
	logCfg.Output = stderr
	logger, closeLog, err := logging.Setup(logCfg)
	if err != nil {
		return &exitError{code: ExitInvalidConfig, err: err}
	}
	defer closeLog()

	src, err := source.NewElastic(source.ElasticConfig{
		URL:       cfg.Source.URL,
		Index:     cfg.Source.Index,
		DocType:   cfg.Source.DocType,
		KeepAlive: cfg.Source.ScrollKeepAlive,
		Timeout:   cfg.Source.Timeout,
	}, logging.NewLogger("source"))
	if err != nil {
		return &exitError{code: ExitInvalidConfig, err: err}
	}

	led, closeLedger, err := openLedger(ctx, cfg, logger)
	if err != nil {
		return &exitError{code: ExitFatal, err: err}
	}
	defer closeLedger()

	store, closeStore, err := openStore(ctx, cfg, opts.createBucket)
	if err != nil {
		return &exitError{code: ExitFatal, err: err}
	}
	defer closeStore()

	if cfg.Metrics.Addr != "" {
		metricsLogger := logging.NewLogger("metrics")
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Addr, metricsLogger); err != nil {
				metricsLogger.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	p, err := pipeline.New(pipeline.Options{
		Source: src,
		Ledger: led,
		Store:  store,

		StateDir: cfg.StateDir,
		Reader: source.ReaderConfig{
			PageSize:  cfg.Source.PageSize,
			KeepAlive: cfg.Source.ScrollKeepAlive,
		},
		Sink: sink.BoundedConfig{
			Concurrency: cfg.Sink.Concurrency,
			Prefetch:    cfg.Sink.Prefetch,
		},
		MinSizeStandardIA: cfg.Sink.MinSizeStandardIA,
		Cursor:            cfg.Source.Cursor,
		ReprocessOnly:     opts.reprocessOnly,
		StatusInterval:    cfg.StatusInterval,
		Coordinator:       pipeline.DefaultCoordinatorConfig(),
		Logger:            logging.NewLogger("pipeline"),
	})
	if err != nil {
		return &exitError{code: ExitFatal, err: err}
	}
	defer p.Close()

	summary, err := p.Run(ctx)
	if err != nil {
		return &exitError{code: runExitCode(err), err: err}
	}

	logger.Info().
		Int64("uploaded", summary.Uploaded).
		Int64("skipped", summary.Skipped).
		Int64("failed", summary.Failed).
		Int("recovered", summary.Recovered).
		Msg("Migration finished")
	return nil
}

// runExitCode maps a Run error to an exit code. An interrupt whose checkpoint
// could not be saved is fatal.
func runExitCode(err error) int {
	var pe *pipeline.Error
	if errors.Is(err, pipeline.ErrInterrupted) && !errors.As(err, &pe) {
		return ExitInterrupted
	}
	return ExitFatal
}

func openLedger(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (ledger.Ledger, func() error, error) {
	if cfg.Ledger.Backend == config.LedgerMemory {
		logger.Warn().Msg("Using in-memory ledger, marks are lost when the process exits")
		return ledger.NewMemory(), func() error { return nil }, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Ledger.Redis.Addr(),
		Password: cfg.Ledger.Redis.Password,
		DB:       cfg.Ledger.Redis.DB,
	})
	l := ledger.NewRedis(client)
	if err := l.Ping(ctx); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("connect to redis at %s: %w", cfg.Ledger.Redis.Addr(), err)
	}
	logger.Info().Str("addr", cfg.Ledger.Redis.Addr()).Msg("Connected to Redis")
	return l, client.Close, nil
}

func openStore(ctx context.Context, cfg *config.Config, createBucket bool) (sink.Store, func() error, error) {
	if cfg.Sink.BucketURL != "" {
		bs, err := sink.OpenBlobStore(ctx, cfg.Sink.BucketURL)
		if err != nil {
			return nil, nil, err
		}
		return bs, bs.Close, nil
	}

	s3, err := sink.NewS3Store(sink.S3Config{
		Endpoint:        cfg.Sink.Endpoint,
		Region:          cfg.Sink.Region,
		Bucket:          cfg.Sink.Bucket,
		AccessKeyID:     cfg.Sink.AccessKeyID,
		SecretAccessKey: cfg.Sink.SecretAccessKey,
		Secure:          cfg.Sink.Secure,
	})
	if err != nil {
		return nil, nil, err
	}
	if createBucket {
		if err := s3.EnsureBucket(ctx); err != nil {
			return nil, nil, err
		}
	}
	return s3, func() error { return nil }, nil
}
