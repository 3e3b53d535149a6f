package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/AsianManiac/webtoon-scraper/broadcast"
	"github.com/AsianManiac/webtoon-scraper/config"
	"github.com/AsianManiac/webtoon-scraper/control"
	"github.com/AsianManiac/webtoon-scraper/extractor"
	"github.com/AsianManiac/webtoon-scraper/imagesink"
	"github.com/AsianManiac/webtoon-scraper/logging"
	"github.com/AsianManiac/webtoon-scraper/notify"
	"github.com/AsianManiac/webtoon-scraper/pipeline"
	"github.com/AsianManiac/webtoon-scraper/server"
	"github.com/AsianManiac/webtoon-scraper/store"
	"github.com/AsianManiac/webtoon-scraper/worker"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, websocket channel and download workers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

func init() {
	serveCmd.Flags().StringVar(&httpAddr, "addr", "", "HTTP listen address (default :8080)")
	serveCmd.Flags().IntVarP(&workers, "workers", "w", 0, "Number of download workers")
	serveCmd.Flags().StringVarP(&outputDir, "output", "o", "", "Directory for downloaded images")
}

func openStore(ctx context.Context, cfg config.StoreConfig, log zerolog.Logger) (store.Store, error) {
	if cfg.Driver == "postgres" {
		pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL, log)
		if err != nil {
			return nil, err
		}
		if cfg.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				pg.Close()
				return nil, err
			}
		}
		return pg, nil
	}

	mem, err := store.NewMemoryStore(cfg.DataDir, log)
	if err != nil {
		return nil, err
	}
	if err := mem.Load(); err != nil {
		log.Warn().Err(err).Msg("Failed to load existing jobs")
	}
	return mem, nil
}

func openSink(ctx context.Context, cfg config.OutputConfig) (imagesink.Sink, error) {
	if cfg.Sink == "s3" {
		return imagesink.NewS3Sink(ctx, imagesink.S3Options{
			Bucket:  cfg.S3Bucket,
			Prefix:  cfg.S3Prefix,
			Region:  cfg.S3Region,
			Profile: cfg.S3Profile,
		})
	}
	return imagesink.NewFileSink(cfg.Dir), nil
}

func newNotifier(cfg config.NotifyConfig, outbox notify.Outbox) notify.Notifier {
	log := logging.Component("notify")
	if cfg.Kind == "outbox" {
		return notify.NewOutboxNotifier(outbox, cfg.AdminEmail, log)
	}
	return notify.NewLogNotifier(log)
}

func serve(ctx context.Context, cfg config.Config) error {
	log := logging.Component("main")

	st, err := openStore(ctx, cfg.Store, logging.Component("store"))
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close store")
		}
	}()

	sink, err := openSink(ctx, cfg.Output)
	if err != nil {
		return err
	}

	client := extractor.NewHTTPClient(extractor.HTTPClientConfig{
		Timeout:   cfg.Extractor.RequestTimeout.Std(),
		KATimeout: cfg.Extractor.KeepAliveTimeout.Std(),
		ProxyURL:  cfg.Extractor.ProxyURL,
		UserAgent: cfg.Extractor.UserAgent,
		Headers:   cfg.Extractor.Headers,
	})
	webtoons := extractor.NewWebtoons(client, cfg.Extractor.SeriesURLTemplate, cfg.Extractor.Referer, logging.Component("extractor"))

	hub := broadcast.NewHub(logging.Component("broadcast"))
	runner := pipeline.New(st, webtoons, sink, hub, newNotifier(cfg.Notify, st), pipeline.Options{
		MaxRetries:    cfg.Pipeline.MaxRetries,
		RetryCooldown: cfg.Pipeline.RetryCooldown.Std(),
		RetryExponent: cfg.Pipeline.RetryExponent,
		ImageTimeout:  cfg.Pipeline.ImageTimeout.Std(),
	}, logging.Component("pipeline"))
	dispatcher := worker.NewDispatcher(st, runner, worker.Options{
		Workers:      cfg.Dispatcher.Workers,
		PollInterval: cfg.Dispatcher.PollInterval.Std(),
		BatchSize:    cfg.Dispatcher.BatchSize,
		WorkerPrefix: cfg.Dispatcher.WorkerPrefix,
	}, logging.Component("worker"))
	svc := control.NewService(st, hub, logging.Component("control"))
	srv := server.NewServer(svc, hub, cfg.HTTP.Addr, logging.Component("server"))

	log.Info().
		Str("store", cfg.Store.Driver).
		Str("sink", cfg.Output.Sink).
		Int("workers", cfg.Dispatcher.Workers).
		Msg("Webtoon download service starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })

	err = g.Wait()
	log.Info().Msg("Shutting down gracefully")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
