package redisclient

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var ErrJobNotFound = errors.New("job not found")

// Job is one delayed unit of work stored in Redis.
type Job struct {
	ID       string
	Type     string
	Payload  []byte
	Attempts int
	RunAt    time.Time
}

// HandlerFunc executes a job. A non-nil error schedules a retry.
type HandlerFunc func(ctx context.Context, job Job) error

// JobObserver receives one observation per executed job. Satisfied by
// *metrics.EngineMetrics.
type JobObserver interface {
	ObserveJob(jobType, status string, seconds float64)
}

type QueueConfig struct {
	Prefix            string
	BatchSize         int
	MaxAttempts       int
	RetryBaseDelay    time.Duration
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
	Concurrency       int
}

func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Prefix:            "jobs",
		BatchSize:         50,
		MaxAttempts:       5,
		RetryBaseDelay:    30 * time.Second,
		VisibilityTimeout: 5 * time.Minute,
		PollInterval:      5 * time.Second,
		Concurrency:       8,
	}
}

// QueueStats is a point-in-time view of the queue sizes.
type QueueStats struct {
	Scheduled  int64 `json:"scheduled"`
	Processing int64 `json:"processing"`
	Dead       int64 `json:"dead"`
}

// JobQueue is a durable delayed job queue on Redis sorted sets.
//
// Pending jobs live in <prefix>:scheduled scored by run time, claimed jobs in
// <prefix>:processing scored by their visibility deadline, exhausted jobs in
// <prefix>:dead. Job bodies are hashes at <prefix>:data:<id>. A job claimed
// by a worker that dies before Ack is requeued once its deadline passes, so
// delivery is at-least-once.
type JobQueue struct {
	client   *redis.Client
	cfg      QueueConfig
	logger   zerolog.Logger
	observer JobObserver
	now      func() time.Time

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewJobQueue(client *redis.Client, cfg QueueConfig, logger zerolog.Logger, observer JobObserver) *JobQueue {
	def := DefaultQueueConfig()
	if cfg.Prefix == "" {
		cfg.Prefix = def.Prefix
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = def.RetryBaseDelay
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = def.VisibilityTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	return &JobQueue{
		client:   client,
		cfg:      cfg,
		logger:   logger.With().Str("component", "job_queue").Logger(),
		observer: observer,
		now:      time.Now,
		handlers: make(map[string]HandlerFunc),
	}
}

// WithClock replaces the queue's time source.
func (q *JobQueue) WithClock(now func() time.Time) *JobQueue {
	if now != nil {
		q.now = now
	}
	return q
}

// Handle registers the handler for a job type.
func (q *JobQueue) Handle(jobType string, h HandlerFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[jobType] = h
}

func (q *JobQueue) scheduledKey() string    { return q.cfg.Prefix + ":scheduled" }
func (q *JobQueue) processingKey() string   { return q.cfg.Prefix + ":processing" }
func (q *JobQueue) deadKey() string         { return q.cfg.Prefix + ":dead" }
func (q *JobQueue) dataKey(id string) string { return q.cfg.Prefix + ":data:" + id }

func millis(t time.Time) float64 { return float64(t.UnixMilli()) }

// ScheduleAt stores a job to run at or after runAt and returns its handle.
func (q *JobQueue) ScheduleAt(ctx context.Context, jobType string, payload []byte, runAt time.Time) (string, error) {
	id := uuid.NewString()

	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.dataKey(id),
			"type", jobType,
			"payload", payload,
			"attempts", 0,
			"run_at", runAt.UnixMilli(),
		)
		pipe.ZAdd(ctx, q.scheduledKey(), redis.Z{Score: millis(runAt), Member: id})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("schedule job: %w", err)
	}
	return id, nil
}

var cancelScript = redis.NewScript(`
local removed = redis.call("ZREM", KEYS[1], ARGV[1])
if removed == 1 then
  redis.call("DEL", KEYS[2])
end
return removed
`)

// Cancel removes a job that has not started yet. It returns false when the
// job is unknown, already claimed by a worker, finished or dead.
func (q *JobQueue) Cancel(ctx context.Context, handle string) (bool, error) {
	removed, err := cancelScript.Run(ctx, q.client, []string{q.scheduledKey(), q.dataKey(handle)}, handle).Int()
	if err != nil {
		return false, fmt.Errorf("cancel job: %w", err)
	}
	return removed == 1, nil
}

var claimScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[2], "-inf", ARGV[1])
for _, id in ipairs(expired) do
  redis.call("ZREM", KEYS[2], id)
  redis.call("ZADD", KEYS[1], ARGV[1], id)
end
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[2]))
for _, id in ipairs(due) do
  redis.call("ZREM", KEYS[1], id)
  redis.call("ZADD", KEYS[2], ARGV[3], id)
end
return due
`)

// Claim moves up to BatchSize due jobs into processing and returns them.
// Jobs whose visibility deadline passed are put back first.
func (q *JobQueue) Claim(ctx context.Context) ([]Job, error) {
	now := q.now()
	deadline := now.Add(q.cfg.VisibilityTimeout)

	ids, err := claimScript.Run(ctx, q.client,
		[]string{q.scheduledKey(), q.processingKey()},
		now.UnixMilli(), q.cfg.BatchSize, deadline.UnixMilli(),
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}

	jobs := make([]Job, 0, len(ids))
	for _, id := range ids {
		job, err := q.load(ctx, id)
		if err != nil {
			if errors.Is(err, ErrJobNotFound) {
				q.logger.Warn().Str("job_id", id).Msg("claimed job has no data, dropping")
				_ = q.client.ZRem(ctx, q.processingKey(), id).Err()
				continue
			}
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, nil
}

func (q *JobQueue) load(ctx context.Context, id string) (*Job, error) {
	fields, err := q.client.HGetAll(ctx, q.dataKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, ErrJobNotFound
	}

	attempts, _ := strconv.Atoi(fields["attempts"])
	runAtMs, _ := strconv.ParseInt(fields["run_at"], 10, 64)

	return &Job{
		ID:       id,
		Type:     fields["type"],
		Payload:  []byte(fields["payload"]),
		Attempts: attempts,
		RunAt:    time.UnixMilli(runAtMs).UTC(),
	}, nil
}

// Ack removes a finished job.
func (q *JobQueue) Ack(ctx context.Context, job Job) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.processingKey(), job.ID)
		pipe.Del(ctx, q.dataKey(job.ID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("ack job %s: %w", job.ID, err)
	}
	return nil
}

// Nack records a failed execution. The job is retried after
// RetryBaseDelay*2^(attempts-1) or dead-lettered after MaxAttempts.
// It reports whether the job was dead-lettered.
func (q *JobQueue) Nack(ctx context.Context, job Job, cause error) (bool, error) {
	attempts := job.Attempts + 1
	now := q.now()
	dead := attempts >= q.cfg.MaxAttempts

	lastErr := ""
	if cause != nil {
		lastErr = cause.Error()
	}

	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.dataKey(job.ID), "attempts", attempts, "last_error", lastErr)
		pipe.ZRem(ctx, q.processingKey(), job.ID)
		if dead {
			pipe.ZAdd(ctx, q.deadKey(), redis.Z{Score: millis(now), Member: job.ID})
		} else {
			next := now.Add(q.retryDelay(attempts))
			pipe.ZAdd(ctx, q.scheduledKey(), redis.Z{Score: millis(next), Member: job.ID})
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("nack job %s: %w", job.ID, err)
	}
	return dead, nil
}

func (q *JobQueue) retryDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := q.cfg.RetryBaseDelay * time.Duration(1<<(attempts-1))
	if delay > 24*time.Hour {
		delay = 24 * time.Hour
	}
	return delay
}

// RunOnce claims one batch and executes it with bounded concurrency. It
// returns the number of jobs executed.
func (q *JobQueue) RunOnce(ctx context.Context) (int, error) {
	jobs, err := q.Claim(ctx)
	if err != nil {
		return 0, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(q.cfg.Concurrency)

	for _, job := range jobs {
		g.Go(func() error {
			q.execute(gctx, job)
			return nil
		})
	}
	_ = g.Wait()

	return len(jobs), nil
}

func (q *JobQueue) execute(ctx context.Context, job Job) {
	q.mu.RLock()
	handler, ok := q.handlers[job.Type]
	q.mu.RUnlock()

	log := q.logger.With().Str("job_id", job.ID).Str("job_type", job.Type).Int("attempt", job.Attempts+1).Logger()

	// Settling a job must outlive shutdown, or a finished job is redelivered.
	settleCtx := context.WithoutCancel(ctx)

	if !ok {
		log.Error().Msg("no handler registered, dead-lettering job")
		job.Attempts = q.cfg.MaxAttempts
		if _, err := q.Nack(settleCtx, job, errors.New("no handler")); err != nil {
			log.Error().Err(err).Msg("dead-letter failed")
		}
		return
	}

	start := time.Now()
	runErr := handler(ctx, job)
	elapsed := time.Since(start).Seconds()

	if runErr == nil {
		if err := q.Ack(settleCtx, job); err != nil {
			log.Error().Err(err).Msg("ack failed, job will be redelivered")
		}
		q.observe(job.Type, "ok", elapsed)
		log.Debug().Msg("job done")
		return
	}

	dead, err := q.Nack(settleCtx, job, runErr)
	if err != nil {
		log.Error().Err(err).Msg("nack failed, job will be redelivered after visibility timeout")
		return
	}
	if dead {
		q.observe(job.Type, "dead", elapsed)
		log.Error().Err(runErr).Msg("job exhausted its attempts")
		return
	}
	q.observe(job.Type, "retry", elapsed)
	log.Warn().Err(runErr).Msg("job failed, retry scheduled")
}

// Run polls for due jobs until ctx is cancelled.
func (q *JobQueue) Run(ctx context.Context) {
	q.runOnceLogged(ctx)

	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			q.logger.Info().Msg("job queue stopping")
			return
		case <-ticker.C:
			q.runOnceLogged(ctx)
		}
	}
}

func (q *JobQueue) runOnceLogged(ctx context.Context) {
	n, err := q.RunOnce(ctx)
	if err != nil {
		if ctx.Err() == nil {
			q.logger.Error().Err(err).Msg("job poll failed")
		}
		return
	}
	if n > 0 {
		q.logger.Info().Int("jobs", n).Msg("job batch executed")
	}
}

// Stats returns the current queue sizes.
func (q *JobQueue) Stats(ctx context.Context) (QueueStats, error) {
	pipe := q.client.Pipeline()
	scheduled := pipe.ZCard(ctx, q.scheduledKey())
	processing := pipe.ZCard(ctx, q.processingKey())
	dead := pipe.ZCard(ctx, q.deadKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}
	return QueueStats{
		Scheduled:  scheduled.Val(),
		Processing: processing.Val(),
		Dead:       dead.Val(),
	}, nil
}

// RunAt returns the scheduled run time of a pending job.
func (q *JobQueue) RunAt(ctx context.Context, handle string) (time.Time, error) {
	score, err := q.client.ZScore(ctx, q.scheduledKey(), handle).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return time.Time{}, ErrJobNotFound
		}
		return time.Time{}, fmt.Errorf("job run time: %w", err)
	}
	return time.UnixMilli(int64(score)).UTC(), nil
}

func (q *JobQueue) observe(jobType, status string, seconds float64) {
	if q.observer != nil {
		q.observer.ObserveJob(jobType, status, seconds)
	}
}
