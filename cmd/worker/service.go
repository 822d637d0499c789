package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/packrelay/pkg/config"
	"github.com/angelmondragon/packrelay/pkg/db/models"
	"github.com/angelmondragon/packrelay/pkg/enums"
	pkgerrors "github.com/angelmondragon/packrelay/pkg/errors"
	"github.com/angelmondragon/packrelay/pkg/logger"
	"github.com/angelmondragon/packrelay/pkg/notify"
	"github.com/angelmondragon/packrelay/pkg/queue"
)

const (
	defaultBatchSize    = 50
	defaultPollInterval = 5 * time.Second
	defaultLease        = 2 * time.Minute
	defaultMaxAttempts  = 10
	maxBackoff          = 10 * time.Second
	jitterWindow        = 250 * time.Millisecond
)

var jitterSource = rand.New(rand.NewSource(time.Now().UnixNano()))

type dbClient interface {
	Ping(context.Context) error
}

type queueStore interface {
	ClaimBatch(ctx context.Context, limit int, leaseDuration time.Duration) ([]models.QueueItem, error)
	MarkProcessed(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, failure error, maxAttempts int) error
	QueueDepth(ctx context.Context, kind enums.QueueKind) (int64, error)
}

type handlerRegistry interface {
	Resolve(kind enums.QueueKind) (queue.Handler, error)
}

type signalWaiter interface {
	WaitForSignal(ctx context.Context, timeout time.Duration) (notify.Outcome, error)
}

type healthMonitor interface {
	Touch()
}

type workerMetrics interface {
	SetUp(running bool)
	IncBatch(worker string)
	IncEvent(worker, kind string)
	SetQueueDepth(queue string, depth float64)
}

type ServiceParams struct {
	Config   *config.Config
	Logger   *logger.Logger
	DB       dbClient
	Store    queueStore
	Registry handlerRegistry
	Listener signalWaiter
	Monitor  healthMonitor
	Metrics  workerMetrics
	WorkerID string
}

type Service struct {
	cfg      *config.Config
	logg     *logger.Logger
	db       dbClient
	store    queueStore
	registry handlerRegistry
	listener signalWaiter
	monitor  healthMonitor
	metrics  workerMetrics
	workerID string

	batchSize     int
	pollInterval  time.Duration
	leaseDuration time.Duration
	maxAttempts   int
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Config == nil {
		return nil, errors.New("config is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.DB == nil {
		return nil, errors.New("database client is required")
	}
	if params.Store == nil {
		return nil, errors.New("queue store is required")
	}
	if params.Registry == nil {
		return nil, errors.New("handler registry is required")
	}
	if params.Monitor == nil {
		return nil, errors.New("health monitor is required")
	}
	if params.Metrics == nil {
		return nil, errors.New("worker metrics are required")
	}
	if params.WorkerID == "" {
		return nil, errors.New("worker id is required")
	}

	batch := params.Config.Queue.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	poll := params.Config.Queue.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	lease := params.Config.Queue.LeaseDuration
	if lease <= 0 {
		lease = defaultLease
	}
	maxAttempts := params.Config.Queue.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	return &Service{
		cfg:           params.Config,
		logg:          params.Logger,
		db:            params.DB,
		store:         params.Store,
		registry:      params.Registry,
		listener:      params.Listener,
		monitor:       params.Monitor,
		metrics:       params.Metrics,
		workerID:      params.WorkerID,
		batchSize:     batch,
		pollInterval:  poll,
		leaseDuration: lease,
		maxAttempts:   maxAttempts,
	}, nil
}

func (s *Service) ensureReadiness(ctx context.Context) error {
	if err := pingDependency(ctx, s.logg, "database", s.db.Ping); err != nil {
		return err
	}
	return nil
}

func pingDependency(ctx context.Context, logg *logger.Logger, name string, fn func(context.Context) error) error {
	if err := fn(ctx); err != nil {
		logg.Error(ctx, fmt.Sprintf("%s ping failed", name), err)
		return fmt.Errorf("%s ping failed: %w", name, err)
	}
	return nil
}

// Run drives the claim/dispatch loop until ctx is canceled. A non-empty batch
// loops immediately; an idle round waits on the notification channel bounded
// by the poll interval, so a dropped notification only delays work by one
// interval instead of starving the queue.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := s.ensureReadiness(ctx); err != nil {
		return err
	}

	s.metrics.SetUp(true)
	defer s.metrics.SetUp(false)

	backoff := s.pollInterval

	for {
		select {
		case <-ctx.Done():
			s.logg.Info(ctx, "worker context canceled")
			return ctx.Err()
		default:
		}

		processed, err := s.processBatch(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			s.logg.Error(ctx, "queue batch error", err)
			backoff = nextBackoff(backoff, s.pollInterval, maxBackoff)
			if err := s.sleep(ctx, withJitter(backoff)); err != nil {
				return err
			}
			continue
		}

		backoff = s.pollInterval
		s.monitor.Touch()
		s.metrics.IncBatch(s.workerID)
		// Depth is refreshed on busy rounds too; a saturated queue is exactly
		// when the gauge has to move.
		s.refreshQueueDepth(ctx)

		if processed {
			continue
		}

		if err := s.idleWait(ctx); err != nil {
			return err
		}
	}
}

// idleWait blocks until new work is signaled or the poll interval elapses.
// A channel error downgrades this round to plain polling; it is never treated
// as absence of work.
func (s *Service) idleWait(ctx context.Context) error {
	if s.listener == nil {
		return s.sleep(ctx, withJitter(s.pollInterval))
	}

	outcome, err := s.listener.WaitForSignal(ctx, s.pollInterval)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	switch outcome {
	case notify.OutcomeSignal:
		return nil
	case notify.OutcomeChannelError:
		if err != nil {
			s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "notification channel error; falling back to polling")
		}
		return s.sleep(ctx, withJitter(s.pollInterval))
	default:
		return nil
	}
}

// processBatch claims one batch and dispatches each item in claim order.
// Handler failures are absorbed per item; only store-level failures abort the
// round, leaving unfinished claims to lease expiry.
func (s *Service) processBatch(ctx context.Context) (bool, error) {
	items, err := s.store.ClaimBatch(ctx, s.batchSize, s.leaseDuration)
	if err != nil {
		return false, fmt.Errorf("claim batch: %w", err)
	}
	if len(items) == 0 {
		return false, nil
	}

	for _, item := range items {
		if err := s.processItem(ctx, item); err != nil {
			return true, err
		}
		// A shutdown finishes the in-flight item; the rest of the batch is
		// reclaimed when its lease expires.
		if ctx.Err() != nil {
			return true, ctx.Err()
		}
	}
	return true, nil
}

func (s *Service) processItem(ctx context.Context, item models.QueueItem) error {
	fields := s.itemFields(item)
	s.metrics.IncEvent(s.workerID, string(item.Kind))

	handler, err := s.registry.Resolve(item.Kind)
	if err != nil {
		return s.markFailure(ctx, item, err, fields)
	}

	if err := dispatch(ctx, handler, item); err != nil {
		return s.markFailure(ctx, item, err, fields)
	}

	if markErr := s.store.MarkProcessed(ctx, item.ID); markErr != nil {
		return fmt.Errorf("mark processed %s: %w", item.ID, markErr)
	}
	s.logg.Info(s.logg.WithFields(ctx, fields), "queue item processed")
	return nil
}

// markFailure records a failed attempt. Non-retryable failures (unknown kind,
// malformed payload) dead-letter in the same update by collapsing the attempt
// budget to the current attempt.
func (s *Service) markFailure(ctx context.Context, item models.QueueItem, failure error, fields map[string]any) error {
	maxAttempts := s.maxAttempts
	if !pkgerrors.IsRetryable(failure) {
		maxAttempts = item.Attempts + 1
		fields["terminal_reason"] = "non_retryable"
	}
	fields["attempt_count"] = item.Attempts + 1
	for key, value := range pkgerrors.Dump(failure).Fields() {
		fields[key] = value
	}

	logCtx := s.logg.WithFields(ctx, fields)
	if item.Attempts+1 >= maxAttempts {
		s.logg.Warn(logCtx, "queue item dead-lettered")
	} else {
		s.logg.Warn(logCtx, "queue item failed; will retry")
	}

	if markErr := s.store.MarkFailed(ctx, item.ID, failure, maxAttempts); markErr != nil {
		return fmt.Errorf("mark failed %s: %w", item.ID, markErr)
	}
	return nil
}

// dispatch runs the handler, converting a panic into an error so one poisoned
// item never takes down the batch.
func dispatch(ctx context.Context, handler queue.Handler, item models.QueueItem) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler.Handle(ctx, item)
}

// refreshQueueDepth reports pending depth for every known kind, not just the
// kinds this worker has handlers for, so a deployment with the relay disabled
// still exposes backlog.
func (s *Service) refreshQueueDepth(ctx context.Context) {
	for _, kind := range enums.KnownKinds() {
		depth, err := s.store.QueueDepth(ctx, kind)
		if err != nil {
			s.logg.Warn(s.logg.WithField(ctx, "queue_kind", kind), "failed to read queue depth")
			continue
		}
		s.metrics.SetQueueDepth(string(kind), float64(depth))
	}
}

func (s *Service) itemFields(item models.QueueItem) map[string]any {
	fields := map[string]any{
		"queue_id":      item.ID.String(),
		"queue_kind":    item.Kind,
		"attempt_count": item.Attempts,
		"batch_size":    s.batchSize,
		"worker":        s.workerID,
	}
	if item.LastError != nil {
		fields["last_error"] = *item.LastError
	}
	return fields
}

func (s *Service) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func nextBackoff(current, base, max time.Duration) time.Duration {
	if current <= 0 {
		current = base
	}
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	jitter := time.Duration(jitterSource.Int63n(int64(jitterWindow)))
	return d + jitter
}
