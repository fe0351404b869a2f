package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/csmithATsquiz/ledge"
	"github.com/csmithATsquiz/ledge/storage"
	"github.com/csmithATsquiz/ledge/store"
)

var (
	originFlag         string
	redisFlag          string
	entityDBFlag       string
	concurrencyFlag    int
	verbosityTraceFlag bool
)

func init() {
	flag.StringVar(&originFlag, "origin", "", "Origin URL revalidation jobs fetch from")
	flag.StringVar(&redisFlag, "redis", "localhost:6379", "Redis address for the metadata store and job queue")
	flag.StringVar(&entityDBFlag, "db", "entities.db", "Entity DB file name")
	flag.IntVar(&concurrencyFlag, "concurrency", 8, "Number of concurrent job handlers")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
}

func main() {
	flag.Parse()

	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}
	log.Logger = log.Level(logLevel).Output(zerolog.ConsoleWriter{Out: os.Stdout})

	if originFlag == "" {
		log.Fatal().Msg("Origin must be set")
	}
	originURL, err := url.Parse(originFlag)
	if err != nil || originURL.Host == "" {
		log.Fatal().Err(err).Str("origin", originFlag).Msg("Invalid origin URL")
	}

	metaStore := store.NewRedisStore(redis.NewClient(&redis.Options{Addr: redisFlag}))
	queue := ledge.NewAsynqQueue(redisFlag, log.Logger)
	driver := storage.NewSQLiteDriver(entityDBFlag, 0)

	engine := ledge.New(ledge.Config{
		Store:     metaStore,
		Storage:   driver,
		Queue:     queue,
		OriginURL: *originURL,
		Logger:    &log.Logger,
	})

	srv := asynq.NewServer(asynq.RedisClientOpt{Addr: redisFlag}, asynq.Config{
		Concurrency: concurrencyFlag,
		// revalidation is more urgent than collecting dead entities
		Queues: map[string]int{
			ledge.QueueRevalidate: 6,
			ledge.QueueCollect:    2,
		},
	})
	mux := asynq.NewServeMux()

	mux.HandleFunc(ledge.JobRevalidate, func(ctx context.Context, t *asynq.Task) error {
		var p ledge.RevalidatePayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			log.Error().Err(err).Msg("Bad revalidate payload")
			return nil
		}
		start := time.Now()
		err := engine.Revalidate(ctx, p)
		logJob("revalidate", p.URI, start, err)
		return retryable(err)
	})

	mux.HandleFunc(ledge.JobFetch, func(ctx context.Context, t *asynq.Task) error {
		var p ledge.FetchPayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			log.Error().Err(err).Msg("Bad fetch payload")
			return nil
		}
		start := time.Now()
		err := engine.HeadlessFetch(ctx, p)
		logJob("fetch", p.URI, start, err)
		return retryable(err)
	})

	mux.HandleFunc(ledge.JobCollectEntity, func(ctx context.Context, t *asynq.Task) error {
		var p ledge.CollectPayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			log.Error().Err(err).Msg("Bad collect payload")
			return nil
		}
		start := time.Now()
		err := engine.CollectEntity(ctx, p)
		logJob("collect_entity", p.Entity, start, err)
		return err
	})

	log.Info().Str("redis", redisFlag).Msg("Worker running")
	if err := srv.Run(mux); err != nil {
		log.Fatal().Err(err).Msg("Worker exited")
	}
}

func logJob(job, subject string, start time.Time, err error) {
	evt := log.Debug()
	if err != nil {
		evt = log.Error().Err(err)
	}
	evt.Str("job", job).Str("subject", subject).Dur("duration", time.Since(start)).Msg("Job finished")
}

// retryable drops permanent failures so asynq does not retry them:
// only transport-ish errors are worth another attempt.
func retryable(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "connection") ||
		strings.Contains(msg, "upstream returned 5") {
		return err
	}
	log.Debug().Err(err).Msg("Permanent job error, dropping")
	return nil
}
