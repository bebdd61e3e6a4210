// Package app builds every collaborator of the pipeline from the
// configuration and runs the HTTP server over them.
package app

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	httpapi "github.com/mldata/mldata/internal/api/http"
	"github.com/mldata/mldata/internal/cache"
	"github.com/mldata/mldata/internal/config"
	"github.com/mldata/mldata/internal/convert"
	"github.com/mldata/mldata/internal/ingest"
	"github.com/mldata/mldata/internal/notify"
	"github.com/mldata/mldata/internal/observability"
	"github.com/mldata/mldata/internal/prefs"
	"github.com/mldata/mldata/internal/preview"
	"github.com/mldata/mldata/internal/progress"
	"github.com/mldata/mldata/internal/records"
	"github.com/mldata/mldata/internal/scraper"
	"github.com/mldata/mldata/internal/server"
	"github.com/mldata/mldata/internal/storage"
)

// exportMaxAge bounds how long an export may stay in the cache directory
// when its request never released it.
const exportMaxAge = time.Hour

// App holds the shared resources of one process.
type App struct {
	cfg *config.Config

	Metrics   *observability.Metrics
	Records   *records.SQLiteStore
	Prefs     *prefs.Store
	Objects   storage.ObjectStorage
	Store     *storage.Store
	Exports   *cache.ExportCache
	Progress  *progress.Tracker
	Mail      notify.Sink
	Converter *convert.Converter
	Preview   *preview.Engine
	Ingest    *ingest.Controller

	shutdown *server.ShutdownManager
}

// New resolves and validates cfg, creates its directories and opens every
// store. Close releases them.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	a := &App{
		cfg:      cfg,
		Metrics:  observability.NewMetrics(),
		Progress: progress.NewTracker(cfg.Progress.TTL),
		shutdown: server.NewShutdownManager(server.ShutdownConfig{
			Timeout:      30 * time.Second,
			DrainTimeout: cfg.HTTP.WriteTimeout,
		}),
	}
	if err := a.open(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) open(ctx context.Context) error {
	cfg := a.cfg
	var err error

	switch cfg.Storage.Type {
	case "local":
		a.Objects, err = storage.NewLocalStorage(cfg.Storage.Path)
	case "s3":
		s3Cfg := storage.DefaultS3Config()
		if cfg.Storage.S3.Region != "" {
			s3Cfg.Region = cfg.Storage.S3.Region
		}
		s3Cfg.Endpoint = cfg.Storage.S3.Endpoint
		s3Cfg.UsePathStyle = cfg.Storage.S3.UsePathStyle
		s3Cfg.Prefix = cfg.Storage.S3.Prefix
		a.Objects, err = storage.NewS3Storage(ctx, cfg.Storage.S3.Bucket, s3Cfg)
	default:
		err = fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	a.Store = storage.NewStore(a.Objects)
	if cfg.Storage.Type == "s3" {
		log.Printf("app: storage s3 bucket=%s region=%s endpoint=%s",
			cfg.Storage.S3.Bucket, cfg.Storage.S3.Region, cfg.Storage.S3.Endpoint)
	} else {
		log.Printf("app: storage local %s", cfg.Storage.Path)
	}

	if a.Records, err = records.Open(cfg.RecordsPath); err != nil {
		return err
	}
	a.shutdown.RegisterCloser("records", a.Records)

	maxSize, err := cfg.MaxDataSizeBytes()
	if err != nil {
		return err
	}
	if a.Prefs, err = prefs.Open(cfg.PrefsPath, prefs.Defaults{MaxDataSize: maxSize, DPI: cfg.Policy.DPI}); err != nil {
		return err
	}
	a.shutdown.RegisterCloser("prefs", a.Prefs)

	if a.Exports, err = cache.NewExportCache(cfg.CacheDir, 0, exportMaxAge); err != nil {
		return err
	}
	a.shutdown.RegisterCloser("export cache", server.CloserFunc(func() error {
		a.Exports.Close()
		return nil
	}))

	if cfg.Mail.SMTPAddr != "" {
		a.Mail = notify.NewSMTPSink(notify.SMTPConfig{
			Addr:     cfg.Mail.SMTPAddr,
			From:     cfg.Mail.From,
			Admins:   cfg.Mail.Admins,
			Username: cfg.Mail.Username,
			Password: cfg.Mail.Password,
		})
		log.Printf("app: admin mail via %s to %v", cfg.Mail.SMTPAddr, cfg.Mail.Admins)
	} else {
		a.Mail = notify.LogSink{}
	}

	a.Converter = convert.New(convert.Config{
		SparseDensity: cfg.Conversion.SparseDensity,
		XMLDumper:     cfg.Conversion.XMLDumper,
	}, a.Metrics)
	a.Preview = preview.New(a.Converter, a.Metrics, cfg.TempDir)
	a.Ingest = ingest.New(ingest.Deps{
		Converter: a.Converter,
		Records:   a.Records,
		Store:     a.Store,
		Policy:    a.Prefs,
		Mail:      a.Mail,
		Metrics:   a.Metrics,
		TempDir:   cfg.TempDir,
		Verify:    cfg.Conversion.Verify,
	})
	return nil
}

// Handler returns the HTTP surface, tracked for graceful shutdown.
func (a *App) Handler() http.Handler {
	router := httpapi.NewRouter(httpapi.Deps{
		Ingester:       a.Ingest,
		Records:        a.Records,
		Store:          a.Store,
		Converter:      a.Converter,
		Preview:        a.Preview,
		Exports:        a.Exports,
		Prefs:          a.Prefs,
		Progress:       a.Progress,
		Mail:           a.Mail,
		Metrics:        a.Metrics,
		TempDir:        a.cfg.TempDir,
		MaxUploadBytes: a.cfg.HTTP.MaxUploadBytes,
	})
	return a.shutdown.Middleware(router)
}

// Scraper returns a scraper controller writing through the ingestion
// pipeline.
func (a *App) Scraper(opts scraper.Options, force bool) *scraper.Controller {
	if opts.OutputDir == "" {
		opts.OutputDir = a.cfg.Scraper.OutputDir
	}
	fetch := scraper.NewFetcher(scraper.FetcherConfig{
		UserAgent:   a.cfg.Scraper.UserAgent,
		Concurrency: a.cfg.Scraper.Concurrency,
		Force:       force,
	})
	return scraper.NewController(fetch, a.Ingest, a.Records, a.Metrics, opts)
}

// Sources returns the configured scraper sources in command-line order.
func (a *App) Sources() []scraper.Source {
	return scraper.Sources(a.cfg.Scraper.LibSVMURL, a.cfg.Scraper.WekaURL, a.cfg.Scraper.UCIURL)
}

// Serve listens on the configured address until a signal or ctx ends the
// process, then shuts everything down.
func (a *App) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.cfg.HTTP.Addr, err)
	}
	srv := &http.Server{
		Handler:      a.Handler(),
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}
	log.Printf("app: listening on %s (data %s, verify=%v, max upload %d bytes)",
		ln.Addr(), a.cfg.DataDir, a.cfg.Conversion.Verify, a.cfg.HTTP.MaxUploadBytes)

	signals := make(chan error, 1)
	go func() { signals <- a.shutdown.ListenForSignals(ctx) }()

	if err := a.shutdown.Serve(srv, ln); err != nil {
		a.Close()
		return fmt.Errorf("http server: %w", err)
	}
	return <-signals
}

// Close releases every resource opened by New. It is safe to call more than
// once.
func (a *App) Close() error {
	return a.shutdown.Shutdown(context.Background(), "closed")
}
