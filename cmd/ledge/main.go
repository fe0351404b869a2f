package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/csmithATsquiz/ledge"
	"github.com/csmithATsquiz/ledge/storage"
	"github.com/csmithATsquiz/ledge/store"
)

var (
	// CLI flags
	configFlag         string
	portFlag           int
	originFlag         string
	hostFlag           string
	redisFlag          string
	entityDBFlag       string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFlag, "config", "", "Config file to load (yaml)")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to proxy to")
	flag.StringVar(&hostFlag, "host", "", "Hostname of origin")
	flag.IntVar(&portFlag, "port", 8080, "Port to listen on")
	flag.StringVar(&redisFlag, "redis", "", "Redis address for the metadata store and job queue")
	flag.StringVar(&entityDBFlag, "db", "entities.db", "Entity DB file name (use 'memory' for in-memory db)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	// chi only routes methods it knows about
	chi.RegisterMethod("PURGE")

	if version == "" {
		version = "DEV"
	}
	ledge.Version = version
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

	config, err := loadConfig(configFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Cannot load config")
	}
	if originFlag != "" {
		config.Origin = originFlag
	}
	if hostFlag != "" {
		config.Host = hostFlag
	}
	if redisFlag != "" {
		config.RedisAddr = redisFlag
	}
	if entityDBFlag != "" {
		config.EntityDB = entityDBFlag
	}
	if config.Port == 0 {
		config.Port = portFlag
	}

	if config.Origin == "" {
		log.Fatal().Msg("Origin must be set (flag, env or config file)")
	}
	originURL, err := url.Parse(config.Origin)
	if err != nil || originURL.Host == "" {
		log.Fatal().Err(err).Str("origin", config.Origin).Msg("Invalid origin URL")
	}

	// metadata store: Redis when configured, in-process otherwise
	var metaStore store.MetadataStore
	var queue ledge.JobQueue
	if config.RedisAddr != "" {
		metaStore = store.NewRedisStore(redis.NewClient(&redis.Options{Addr: config.RedisAddr}))
		queue = ledge.NewAsynqQueue(config.RedisAddr, log.Logger)
	} else {
		log.Warn().Msg("No redis address configured, using in-process store (dev mode, jobs are dropped)")
		metaStore = store.NewMemoryStore()
		queue = dropQueue{}
	}

	entityDB := config.EntityDB
	if entityDB == "memory" {
		entityDB = ""
	}
	driver := storage.NewSQLiteDriver(entityDB, config.MaxEntitySize)

	engine := ledge.New(ledge.Config{
		Store:           metaStore,
		Storage:         driver,
		Queue:           queue,
		OriginURL:       *originURL,
		OriginHost:      config.Host,
		TLSVerify:       config.TLSVerify,
		AdvertiseLedge:  config.AdvertiseLedge,
		ESIEnabled:      config.ESIEnabled,
		VisibleHostname: config.VisibleHostname,
		Logger:          &log.Logger,
	})

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Get("/.ledge/health", func(w http.ResponseWriter, req *http.Request) {
		if err := metaStore.Ping(req.Context()); err != nil {
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok\n"))
	})
	r.Handle("/*", engine)

	addr := fmt.Sprintf(":%d", config.Port)
	log.Info().Str("addr", addr).Str("origin", config.Origin).Msg("Starting ledge")
	if err := http.ListenAndServe(addr, r); err != nil {
		log.Fatal().Err(err).Msg("Server exited")
	}
}

// dropQueue is the no-op job facility used when running without Redis.
type dropQueue struct{}

func (dropQueue) Enqueue(ctx context.Context, queue, jobType string, payload any, opts ledge.JobOptions) error {
	return nil
}

func (dropQueue) Close() error { return nil }
