package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	offlinecache "github.com/always-cache/offline-cache"
	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/origin"
	"github.com/always-cache/offline-cache/pkg/tracing"
	"github.com/always-cache/offline-cache/queue"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	configFilenameFlag string
	portFlag           int
	originFlag         string
	hostFlag           string
	dbFilenameFlag     string
	queueFilenameFlag  string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", getenvDefault("OFFLINE_CACHE_CONFIG", ""), "Path to YAML config file")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to proxy to (overrides config)")
	flag.StringVar(&hostFlag, "host", "", "Hostname of origin (overrides config)")
	flag.IntVar(&portFlag, "port", 0, "Port to listen on (overrides config, default 8080)")
	flag.StringVar(&dbFilenameFlag, "db", "", "Cache DB file name, use 'memory' for in-memory db (overrides config, default cache.db)")
	flag.StringVar(&queueFilenameFlag, "queue-db", "", "Queue directory, use 'memory' for in-memory queue (overrides config, default queue)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	settings, err := offlinecache.LoadSettings(configFilenameFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not load config")
	}
	applyFlags(&settings)
	if err := settings.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, "offline-cache", version, settings.Tracing.Endpoint)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not set up tracing")
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Error().Err(err).Msg("Could not flush traces")
		}
	}()

	// set up sqlite memory provider
	dbFilename := settings.Storage.CacheDB
	if dbFilename == "memory" {
		dbFilename = "file::memory:?cache=shared"
	}
	cacheStore, err := cache.NewSQLiteCache(dbFilename)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open cache db")
	}
	defer cacheStore.Close()

	queueFilename := settings.Storage.QueueDB
	if queueFilename == "memory" {
		queueFilename = ""
	}
	queueStore, err := queue.Open(queueFilename, &log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open queue db")
	}
	defer queueStore.Close()

	originURL := settings.Origin.ParsedURL()
	oc := offlinecache.CreateCache(offlinecache.Config{
		Cache: cacheStore,
		Queue: queueStore,
		Origin: origin.NewClient(origin.Config{
			URL:     originURL,
			Host:    settings.Origin.Host,
			Timeout: settings.Origin.RequestTimeout(),
			Logger:  &log.Logger,
		}),
		Logger:         &log.Logger,
		Namespace:      settings.Cache.Namespace,
		LiveNamespaces: settings.Cache.LiveNamespaces,
		Manifest:       settings.Cache.Manifest,
		APIPrefix:      settings.Cache.APIPrefix,
		SyncTag:        settings.Sync.Tag,
		Replay:         settings.Sync.ReplayConfig(),
	})
	defer oc.Close()

	// a version is only activated once its namespace is complete
	if err := oc.OnInstall(ctx); err != nil {
		log.Fatal().Err(err).Msg("Could not install")
	}
	if err := oc.OnActivate(ctx); err != nil {
		log.Fatal().Err(err).Msg("Could not activate")
	}

	addr := fmt.Sprintf(":%d", settings.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatal().Err(err).Str("addr", addr).Msg("Could not listen")
	}
	srv := &http.Server{
		Handler:           newRouter(oc, log.Logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Msgf("Proxying port %v to %s (with hostname '%s')", settings.Server.Port, originURL.String(), settings.Origin.Host)
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Server error")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Could not shut down server gracefully")
	}
}

func applyFlags(s *offlinecache.Settings) {
	if originFlag != "" {
		s.Origin.URL = originFlag
	}
	if hostFlag != "" {
		s.Origin.Host = hostFlag
	}
	if portFlag != 0 {
		s.Server.Port = portFlag
	}
	if dbFilenameFlag != "" {
		s.Storage.CacheDB = dbFilenameFlag
	}
	if queueFilenameFlag != "" {
		s.Storage.QueueDB = queueFilenameFlag
	}
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
