package ledge

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
)

// Queue names. The worker weights revalidation above entity collection.
const (
	QueueRevalidate = "revalidate"
	QueueCollect    = "collect"
)

// Job types.
const (
	JobRevalidate    = "ledge:revalidate"
	JobFetch         = "ledge:fetch"
	JobCollectEntity = "ledge:collect_entity"
)

// Job priorities, lower-numbered = more urgent.
const (
	PriorityRevalidate = 4
	PriorityCollect    = 10
)

// RevalidatePayload identifies a resource whose revalidation parameters are
// read back from the metadata store when the job runs.
type RevalidatePayload struct {
	Key string `json:"key"`
	URI string `json:"uri"`
}

// FetchPayload is self-sufficient: it carries the captured request
// parameters so the job does not depend on prior cache state.
type FetchPayload struct {
	Key     string       `json:"key"`
	URI     string       `json:"uri"`
	Params  RevalParams  `json:"params"`
	Headers RevalHeaders `json:"headers"`
}

// CollectPayload names a superseded or orphaned entity to remove.
type CollectPayload struct {
	Entity      string `json:"entity"`
	EntitiesKey string `json:"entities_key"`
	Size        int64  `json:"size"`
}

// JobOptions mirror the background facility's enqueue options. Jobs with
// the same DedupeID collapse into one pending job.
type JobOptions struct {
	DedupeID string
	Delay    time.Duration
	Tags     []string
	Priority int
}

// JobQueue is the engine's handle on the background job facility.
// At-least-once semantics are assumed; job bodies are idempotent.
type JobQueue interface {
	Enqueue(ctx context.Context, queue, jobType string, payload any, opts JobOptions) error
	Close() error
}

// AsynqQueue implements JobQueue on asynq. Deduplication maps to task ids,
// delay to ProcessIn, and priority to the weighted queues configured on
// the worker (asynq has no per-task priority).
type AsynqQueue struct {
	client *asynq.Client
	log    zerolog.Logger
}

func NewAsynqQueue(redisAddr string, log zerolog.Logger) *AsynqQueue {
	return &AsynqQueue{
		client: asynq.NewClient(asynq.RedisClientOpt{Addr: redisAddr}),
		log:    log,
	}
}

func (q *AsynqQueue) Enqueue(ctx context.Context, queue, jobType string, payload any, opts JobOptions) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	taskOpts := []asynq.Option{
		asynq.Queue(queue),
		asynq.MaxRetry(3),
	}
	if opts.DedupeID != "" {
		taskOpts = append(taskOpts, asynq.TaskID(opts.DedupeID))
	}
	if opts.Delay > 0 {
		taskOpts = append(taskOpts, asynq.ProcessIn(opts.Delay))
	}
	_, err = q.client.EnqueueContext(ctx, asynq.NewTask(jobType, b), taskOpts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		// an equivalent job is already pending
		q.log.Trace().Str("type", jobType).Str("dedupe", opts.DedupeID).Msg("Job already queued")
		return nil
	}
	if err == nil {
		q.log.Trace().
			Str("type", jobType).
			Str("queue", queue).
			Strs("tags", opts.Tags).
			Dur("delay", opts.Delay).
			Msg("Enqueued job")
	}
	return err
}

func (q *AsynqQueue) Close() error {
	return q.client.Close()
}

// CollectDelay computes how long to defer physical deletion of a
// superseded entity, so slow in-flight readers can finish draining it.
// minRateKbps is the slowest client download rate the cache will wait for.
// Larger entities or a slower configured rate give a longer delay.
func CollectDelay(size int64, minRateKbps int) time.Duration {
	if size <= 0 {
		return 0
	}
	if minRateKbps <= 0 {
		minRateKbps = defaultMinDownloadRateKbps
	}
	seconds := float64(size*8) / float64(minRateKbps*1024)
	return time.Duration(math.Ceil(seconds)) * time.Second
}
