package delivery

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"ouka/pkg/activity"
	"ouka/pkg/federation"
	"ouka/pkg/httpsig"
)

var (
	ErrQueueClosed = errors.New("delivery queue closed")
	ErrQueueFull   = errors.New("delivery queue full")
)

// Job is one activity waiting to be delivered to the listed receivers.
type Job struct {
	Source    *federation.LocalActor
	Activity  activity.Document
	Receivers []string
	// Attempt counts earlier deliveries of this job, starting at 0.
	Attempt int
}

// Deliverer is implemented by *Dispatcher.
type Deliverer interface {
	Deliver(ctx context.Context, source *federation.LocalActor, doc activity.Document, receivers []string) (*Report, error)
}

type QueueConfig struct {
	Workers     int           `yaml:"workers"`
	Buffer      int           `yaml:"buffer"`
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Jitter      float64       `yaml:"jitter"`
}

func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Workers:     4,
		Buffer:      256,
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    5 * time.Minute,
		Jitter:      0.2,
	}
}

// Queue runs deliveries on a fixed worker pool and retries failed receivers
// with exponential backoff. It gives at-least-once delivery for retryable
// failures up to MaxAttempts.
type Queue struct {
	deliverer Deliverer
	cfg       QueueConfig
	jobs      chan Job
	metrics   *federation.Metrics
	logger    *zap.Logger

	mu      sync.Mutex
	closed  bool
	timers  map[*time.Timer]struct{}
	workers sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewQueue(deliverer Deliverer, cfg QueueConfig, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultQueueConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaults.Buffer
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaults.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaults.MaxDelay
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		deliverer: deliverer,
		cfg:       cfg,
		jobs:      make(chan Job, cfg.Buffer),
		logger:    logger,
		timers:    make(map[*time.Timer]struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (q *Queue) SetMetrics(m *federation.Metrics) {
	q.metrics = m
}

// Start launches the workers.
func (q *Queue) Start() {
	for i := 0; i < q.cfg.Workers; i++ {
		q.workers.Add(1)
		go q.worker(i)
	}
	q.logger.Info("Delivery queue started", zap.Int("workers", q.cfg.Workers))
}

// Enqueue schedules job for immediate delivery.
func (q *Queue) Enqueue(job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.jobs <- job:
		q.metrics.SetQueueDepth(len(q.jobs))
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop cancels pending retries, lets workers finish the jobs already queued
// and waits for them.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	for t := range q.timers {
		t.Stop()
	}
	q.timers = nil
	close(q.jobs)
	q.mu.Unlock()

	q.workers.Wait()
	q.cancel()
	q.logger.Info("Delivery queue stopped")
}

func (q *Queue) worker(id int) {
	defer q.workers.Done()

	for job := range q.jobs {
		q.metrics.SetQueueDepth(len(q.jobs))
		q.process(job)
	}
	q.logger.Debug("Delivery worker exiting", zap.Int("worker", id))
}

func (q *Queue) process(job Job) {
	report, err := q.deliverer.Deliver(q.ctx, job.Source, job.Activity, job.Receivers)
	if report == nil {
		q.logger.Error("Dropping undeliverable job",
			zap.String("actor", job.Source.URI()),
			zap.Error(err))
		return
	}

	var retry []string
	for _, res := range report.Failed() {
		if Retryable(res.Err) {
			retry = append(retry, res.Receiver)
		}
	}
	if len(retry) == 0 {
		return
	}

	next := Job{
		Source:    job.Source,
		Activity:  job.Activity,
		Receivers: retry,
		Attempt:   job.Attempt + 1,
	}
	if next.Attempt >= q.cfg.MaxAttempts {
		q.logger.Warn("Giving up on receivers",
			zap.String("actor", job.Source.URI()),
			zap.Strings("receivers", retry),
			zap.Int("attempts", next.Attempt))
		return
	}

	q.scheduleRetry(next)
}

func (q *Queue) scheduleRetry(job Job) {
	delay := q.backoff(job.Attempt - 1)

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		if q.timers != nil {
			delete(q.timers, timer)
		}
		q.mu.Unlock()

		if err := q.Enqueue(job); err != nil && !errors.Is(err, ErrQueueClosed) {
			q.logger.Warn("Failed to re-enqueue delivery",
				zap.Strings("receivers", job.Receivers),
				zap.Error(err))
		}
	})
	q.timers[timer] = struct{}{}

	q.metrics.ObserveRetry()
	q.logger.Debug("Delivery retry scheduled",
		zap.Strings("receivers", job.Receivers),
		zap.Int("attempt", job.Attempt+1),
		zap.Duration("delay", delay))
}

// backoff returns the delay before retry number attempt (0 based):
// BaseDelay * 2^attempt capped at MaxDelay, with ±Jitter applied.
func (q *Queue) backoff(attempt int) time.Duration {
	delay := float64(q.cfg.BaseDelay) * math.Pow(2, float64(attempt))

	if delay > float64(q.cfg.MaxDelay) {
		delay = float64(q.cfg.MaxDelay)
	}

	jitter := delay * q.cfg.Jitter * (2*rand.Float64() - 1)
	delay += jitter

	if delay < 0 {
		delay = float64(q.cfg.BaseDelay)
	}

	return time.Duration(delay)
}

// Retryable reports whether a failed receiver may succeed on a later attempt.
// Unknown local actors, blocked domains, invalid activities and unusable
// keys never will.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, federation.ErrActorNotFound),
		errors.Is(err, federation.ErrBlockedDomain),
		errors.Is(err, activity.ErrValidation),
		errors.Is(err, httpsig.ErrInvalidKey):
		return false
	default:
		return true
	}
}
