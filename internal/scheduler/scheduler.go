package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// HandlerFunc processes one job delivery. A returned error triggers backoff
// redelivery until the job's attempt budget is spent. Handlers must tolerate
// at-least-once delivery.
type HandlerFunc func(ctx context.Context, job *Job) error

// PermanentFailureFunc is notified once per job when retries are exhausted.
type PermanentFailureFunc func(job *Job, err error)

// EnqueueOptions tune a single enqueue.
type EnqueueOptions struct {
	Priority    int
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	Delay       time.Duration
}

type queueState struct {
	paused bool
	active int
}

// Scheduler dispatches jobs from broker queues to registered handlers through
// per-queue bounded worker pools.
type Scheduler struct {
	broker   Broker
	logger   *zap.Logger
	handlers map[string]HandlerFunc
	hmu      sync.RWMutex

	queues map[string]*queueState
	qmu    sync.Mutex

	onPermanentFailure PermanentFailureFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler over the given broker.
func New(broker Broker, logger *zap.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		broker:   broker,
		logger:   logger,
		handlers: make(map[string]HandlerFunc),
		queues:   make(map[string]*queueState),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// RegisterHandler binds a job type to its handler. Later registrations for
// the same type replace earlier ones.
func (s *Scheduler) RegisterHandler(jobType string, h HandlerFunc) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.handlers[jobType] = h
}

// OnPermanentFailure sets the hook invoked when a job exhausts its attempts.
func (s *Scheduler) OnPermanentFailure(fn PermanentFailureFunc) {
	s.onPermanentFailure = fn
}

// Enqueue durably records a job and returns its handle without executing
// anything inline.
func (s *Scheduler) Enqueue(ctx context.Context, queue, jobType string, payload any, opts EnqueueOptions) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = DefaultBackoffBase
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = DefaultBackoffCap
	}

	now := time.Now()
	job := &Job{
		ID:          "job_" + uuid.NewString(),
		Queue:       queue,
		Type:        jobType,
		Payload:     data,
		Priority:    opts.Priority,
		MaxAttempts: opts.MaxAttempts,
		BackoffBase: opts.BackoffBase,
		BackoffCap:  opts.BackoffCap,
		EnqueuedAt:  now,
		ReadyAt:     now.Add(opts.Delay),
	}
	if err := s.broker.Enqueue(ctx, job); err != nil {
		return "", fmt.Errorf("enqueue %s on %s: %w", jobType, queue, err)
	}
	s.logger.Debug("enqueued job",
		zap.String("job", job.ID),
		zap.String("queue", queue),
		zap.String("type", jobType),
		zap.Int("priority", job.Priority))
	return job.ID, nil
}

// StartQueue spins up a bounded worker pool for a queue.
func (s *Scheduler) StartQueue(queue string, concurrency int) {
	if concurrency <= 0 {
		concurrency = 3
	}
	s.qmu.Lock()
	if _, ok := s.queues[queue]; !ok {
		s.queues[queue] = &queueState{}
	}
	s.qmu.Unlock()

	for i := 0; i < concurrency; i++ {
		s.wg.Add(1)
		go s.worker(queue, i)
	}
	s.logger.Info("queue workers started",
		zap.String("queue", queue),
		zap.Int("concurrency", concurrency))
}

// Pause stops workers from pulling new jobs off a queue; in-flight jobs finish.
func (s *Scheduler) Pause(queue string) {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	if q, ok := s.queues[queue]; ok {
		q.paused = true
	}
}

// Resume lets workers pull from a paused queue again.
func (s *Scheduler) Resume(queue string) {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	if q, ok := s.queues[queue]; ok {
		q.paused = false
	}
}

func (s *Scheduler) paused(queue string) bool {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	if q, ok := s.queues[queue]; ok {
		return q.paused
	}
	return false
}

func (s *Scheduler) trackActive(queue string, delta int) {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	if q, ok := s.queues[queue]; ok {
		q.active += delta
	}
}

// Stats merges broker counts with dispatch-side state.
func (s *Scheduler) Stats(ctx context.Context, queue string) (QueueStats, error) {
	stats, err := s.broker.Stats(ctx, queue)
	if err != nil {
		return QueueStats{}, err
	}
	s.qmu.Lock()
	if q, ok := s.queues[queue]; ok {
		stats.Active = q.active
		stats.Paused = q.paused
	}
	s.qmu.Unlock()
	return stats, nil
}

// FailedJobs exposes the broker's retained permanent failures.
func (s *Scheduler) FailedJobs(ctx context.Context, queue string) ([]FailedJob, error) {
	return s.broker.FailedJobs(ctx, queue)
}

// Stop cancels all workers and waits for in-flight jobs.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) worker(queue string, id int) {
	defer s.wg.Done()
	for {
		if s.ctx.Err() != nil {
			return
		}
		if s.paused(queue) {
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		job, err := s.broker.Dequeue(s.ctx, queue)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Error("dequeue failed",
				zap.String("queue", queue),
				zap.Error(err))
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		if s.paused(queue) {
			// Workers blocked in Dequeue can race a pause; hand the job back.
			if enqErr := s.broker.Enqueue(s.ctx, job); enqErr != nil {
				s.logger.Error("requeue on pause failed",
					zap.String("job", job.ID), zap.Error(enqErr))
			}
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		s.trackActive(queue, 1)
		s.runJob(job)
		s.trackActive(queue, -1)
	}
}

func (s *Scheduler) runJob(job *Job) {
	s.hmu.RLock()
	handler, ok := s.handlers[job.Type]
	s.hmu.RUnlock()

	start := time.Now()
	var err error
	if !ok {
		err = fmt.Errorf("no handler registered for job type %q", job.Type)
	} else {
		err = handler(s.ctx, job)
	}
	job.Attempts++

	if err == nil {
		if ackErr := s.broker.Ack(context.Background(), job); ackErr != nil {
			s.logger.Error("ack failed", zap.String("job", job.ID), zap.Error(ackErr))
		}
		s.logger.Info("job completed",
			zap.String("job", job.ID),
			zap.String("queue", job.Queue),
			zap.String("type", job.Type),
			zap.Int("attempt", job.Attempts),
			zap.Duration("latency", time.Since(start)))
		return
	}

	job.LastError = err.Error()
	if job.Attempts < job.MaxAttempts {
		delay := redeliveryDelay(job)
		job.ReadyAt = time.Now().Add(delay)
		s.logger.Warn("job failed, scheduling retry",
			zap.String("job", job.ID),
			zap.String("queue", job.Queue),
			zap.String("type", job.Type),
			zap.Int("attempt", job.Attempts),
			zap.Int("max_attempts", job.MaxAttempts),
			zap.Duration("delay", delay),
			zap.Error(err))
		if enqErr := s.broker.Enqueue(context.Background(), job); enqErr != nil {
			s.logger.Error("redelivery enqueue failed", zap.String("job", job.ID), zap.Error(enqErr))
		}
		return
	}

	s.logger.Error("job permanently failed",
		zap.String("job", job.ID),
		zap.String("queue", job.Queue),
		zap.String("type", job.Type),
		zap.Int("attempts", job.Attempts),
		zap.Error(err))
	if failErr := s.broker.Fail(context.Background(), job, err.Error()); failErr != nil {
		s.logger.Error("failed-set record failed", zap.String("job", job.ID), zap.Error(failErr))
	}
	if s.onPermanentFailure != nil {
		s.onPermanentFailure(job, err)
	}
}

// redeliveryDelay computes the exponential backoff for the job's next
// delivery: base doubling per completed attempt, capped.
func redeliveryDelay(job *Job) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = job.BackoffBase
	bo.MaxInterval = job.BackoffCap
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0

	delay := bo.NextBackOff()
	for i := 1; i < job.Attempts; i++ {
		delay = bo.NextBackOff()
	}
	return delay
}
