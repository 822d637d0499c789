package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/angelmondragon/packrelay/pkg/config"
	"github.com/angelmondragon/packrelay/pkg/db/models"
	"github.com/angelmondragon/packrelay/pkg/enums"
	pkgerrors "github.com/angelmondragon/packrelay/pkg/errors"
	"github.com/angelmondragon/packrelay/pkg/logger"
	"github.com/angelmondragon/packrelay/pkg/notify"
	"github.com/angelmondragon/packrelay/pkg/queue"
)

func TestServiceProcessBatchContinuesAfterFailure(t *testing.T) {
	items := []models.QueueItem{
		{ID: uuid.New(), Kind: enums.KindOutboxEvent, Attempts: 0},
		{ID: uuid.New(), Kind: enums.KindOutboxEvent, Attempts: 0},
	}
	store := &fakeStore{items: items}
	calls := 0
	registry := queue.NewRegistry()
	registry.Register(enums.KindOutboxEvent, queue.HandlerFunc(func(context.Context, models.QueueItem) error {
		calls++
		if calls == 1 {
			return errors.New("transient")
		}
		return nil
	}))
	service := newTestService(t, store, registry, nil, nil)

	processed, err := service.processBatch(context.Background())
	if err != nil {
		t.Fatalf("process batch returned error: %v", err)
	}
	if !processed {
		t.Fatalf("expected batch to report processed")
	}
	if got := len(store.failed); got != 1 {
		t.Fatalf("unexpected number of failed rows: %d", got)
	}
	if store.failed[0].id != items[0].ID {
		t.Fatalf("failed row recorded wrong ID")
	}
	if got := len(store.processed); got != 1 {
		t.Fatalf("unexpected number of processed rows: %d", got)
	}
	if store.processed[0] != items[1].ID {
		t.Fatalf("processed row recorded wrong ID")
	}
}

func TestServiceProcessBatchRetryableFailureKeepsBudget(t *testing.T) {
	item := models.QueueItem{ID: uuid.New(), Kind: enums.KindOutboxEvent, Attempts: 3}
	store := &fakeStore{items: []models.QueueItem{item}}
	registry := queue.NewRegistry()
	registry.Register(enums.KindOutboxEvent, queue.HandlerFunc(func(context.Context, models.QueueItem) error {
		return errors.New("downstream unavailable")
	}))
	service := newTestService(t, store, registry, nil, nil)

	if _, err := service.processBatch(context.Background()); err != nil {
		t.Fatalf("process batch returned error: %v", err)
	}
	if got := len(store.failed); got != 1 {
		t.Fatalf("expected one failed row, got %d", got)
	}
	if store.failed[0].maxAttempts != service.maxAttempts {
		t.Fatalf("retryable failure must keep the full attempt budget, got %d", store.failed[0].maxAttempts)
	}
}

func TestServiceProcessBatchDeadLettersUnknownKind(t *testing.T) {
	item := models.QueueItem{ID: uuid.New(), Kind: enums.QueueKind("mystery"), Attempts: 2}
	store := &fakeStore{items: []models.QueueItem{item}}
	service := newTestService(t, store, queue.NewRegistry(), nil, nil)

	processed, err := service.processBatch(context.Background())
	if err != nil {
		t.Fatalf("process batch returned error: %v", err)
	}
	if !processed {
		t.Fatalf("expected batch to report processed")
	}
	if got := len(store.failed); got != 1 {
		t.Fatalf("expected one failed row, got %d", got)
	}
	// Unknown kind collapses the budget so the row dead-letters on this
	// attempt instead of burning the remaining retries.
	if store.failed[0].maxAttempts != item.Attempts+1 {
		t.Fatalf("expected collapsed attempt budget %d, got %d", item.Attempts+1, store.failed[0].maxAttempts)
	}
}

func TestServiceProcessBatchDeadLettersNonRetryableHandlerError(t *testing.T) {
	item := models.QueueItem{ID: uuid.New(), Kind: enums.KindOutboxEvent, Attempts: 0}
	store := &fakeStore{items: []models.QueueItem{item}}
	registry := queue.NewRegistry()
	registry.Register(enums.KindOutboxEvent, queue.HandlerFunc(func(context.Context, models.QueueItem) error {
		return pkgerrors.New(pkgerrors.CodeValidation, "payload is not an envelope")
	}))
	service := newTestService(t, store, registry, nil, nil)

	if _, err := service.processBatch(context.Background()); err != nil {
		t.Fatalf("process batch returned error: %v", err)
	}
	if got := len(store.failed); got != 1 {
		t.Fatalf("expected one failed row, got %d", got)
	}
	if store.failed[0].maxAttempts != item.Attempts+1 {
		t.Fatalf("expected collapsed attempt budget %d, got %d", item.Attempts+1, store.failed[0].maxAttempts)
	}
}

func TestServiceProcessBatchLogsDriverFieldsOnFailure(t *testing.T) {
	var logs bytes.Buffer
	item := models.QueueItem{ID: uuid.New(), Kind: enums.KindOutboxEvent}
	store := &fakeStore{items: []models.QueueItem{item}}
	registry := queue.NewRegistry()
	registry.Register(enums.KindOutboxEvent, queue.HandlerFunc(func(context.Context, models.QueueItem) error {
		return fmt.Errorf("publishing event: %w", &pq.Error{Code: "55P03", Table: "queue_items"})
	}))
	params := testServiceParams(t, store, registry)
	params.Logger = logger.New(logger.Options{ServiceName: "worker-test", Output: &logs})
	service, err := NewService(params)
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}

	if _, err := service.processBatch(context.Background()); err != nil {
		t.Fatalf("process batch returned error: %v", err)
	}
	line := logs.String()
	if !strings.Contains(line, `"pg_code":"55P03"`) {
		t.Fatalf("expected driver code in failure log, got: %s", line)
	}
	if !strings.Contains(line, `"pg_table":"queue_items"`) {
		t.Fatalf("expected driver table in failure log, got: %s", line)
	}
}

func TestServiceProcessBatchRecoversHandlerPanic(t *testing.T) {
	item := models.QueueItem{ID: uuid.New(), Kind: enums.KindImportJob}
	store := &fakeStore{items: []models.QueueItem{item}}
	registry := queue.NewRegistry()
	registry.Register(enums.KindImportJob, queue.HandlerFunc(func(context.Context, models.QueueItem) error {
		panic("poisoned payload")
	}))
	service := newTestService(t, store, registry, nil, nil)

	if _, err := service.processBatch(context.Background()); err != nil {
		t.Fatalf("process batch returned error: %v", err)
	}
	if got := len(store.failed); got != 1 {
		t.Fatalf("expected panic to be recorded as a failed attempt, got %d rows", got)
	}
	// A panic is indistinguishable from a transient fault, so it keeps the
	// normal retry budget.
	if store.failed[0].maxAttempts != service.maxAttempts {
		t.Fatalf("unexpected attempt budget %d", store.failed[0].maxAttempts)
	}
}

func TestServiceProcessBatchAbortsWhenStoreWriteFails(t *testing.T) {
	items := []models.QueueItem{
		{ID: uuid.New(), Kind: enums.KindOutboxEvent},
		{ID: uuid.New(), Kind: enums.KindOutboxEvent},
	}
	store := &fakeStore{items: items, markProcessedErr: errors.New("connection reset")}
	registry := queue.NewRegistry()
	registry.Register(enums.KindOutboxEvent, queue.HandlerFunc(func(context.Context, models.QueueItem) error {
		return nil
	}))
	service := newTestService(t, store, registry, nil, nil)

	processed, err := service.processBatch(context.Background())
	if err == nil {
		t.Fatalf("expected store write failure to abort the round")
	}
	if !processed {
		t.Fatalf("aborted round must still report work so the loop retries promptly")
	}
	if got := len(store.processed); got != 0 {
		t.Fatalf("expected no processed rows, got %d", got)
	}
}

func TestServiceProcessBatchEmptyReportsIdle(t *testing.T) {
	store := &fakeStore{}
	service := newTestService(t, store, queue.NewRegistry(), nil, nil)

	processed, err := service.processBatch(context.Background())
	if err != nil {
		t.Fatalf("process batch returned error: %v", err)
	}
	if processed {
		t.Fatalf("empty claim must report idle")
	}
}

func TestIdleWaitSignalReturnsImmediately(t *testing.T) {
	waiter := &fakeWaiter{outcomes: []notify.Outcome{notify.OutcomeSignal}}
	service := newTestService(t, &fakeStore{}, queue.NewRegistry(), waiter, nil)
	service.pollInterval = time.Hour

	start := time.Now()
	if err := service.idleWait(context.Background()); err != nil {
		t.Fatalf("idle wait returned error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("signal outcome should not sleep, waited %s", elapsed)
	}
}

func TestIdleWaitChannelErrorFallsBackToPolling(t *testing.T) {
	waiter := &fakeWaiter{
		outcomes: []notify.Outcome{notify.OutcomeChannelError},
		errs:     []error{errors.New("listener disconnected")},
	}
	service := newTestService(t, &fakeStore{}, queue.NewRegistry(), waiter, nil)
	service.pollInterval = time.Millisecond

	if err := service.idleWait(context.Background()); err != nil {
		t.Fatalf("channel error must degrade to polling, got: %v", err)
	}
	if waiter.calls != 1 {
		t.Fatalf("expected one wait call, got %d", waiter.calls)
	}
}

func TestIdleWaitWithoutListenerSleeps(t *testing.T) {
	service := newTestService(t, &fakeStore{}, queue.NewRegistry(), nil, nil)
	service.pollInterval = time.Millisecond

	if err := service.idleWait(context.Background()); err != nil {
		t.Fatalf("idle wait returned error: %v", err)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	store := &fakeStore{}
	monitor := &fakeMonitor{}
	metrics := &fakeMetrics{}
	service := newTestService(t, store, queue.NewRegistry(), nil, nil)
	service.monitor = monitor
	service.metrics = metrics
	service.pollInterval = time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
	defer cancel()

	err := service.Run(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got: %v", err)
	}
	if monitor.touches == 0 {
		t.Fatalf("expected monitor touched on idle rounds")
	}
	if !metrics.upSet || !metrics.upCleared {
		t.Fatalf("expected worker_up raised then cleared")
	}
}

func TestRunBacksOffAfterClaimError(t *testing.T) {
	store := &fakeStore{claimErrs: []error{errors.New("deadlock"), errors.New("deadlock")}}
	service := newTestService(t, store, queue.NewRegistry(), nil, nil)
	service.pollInterval = time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := service.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got: %v", err)
	}
	if store.claims < 3 {
		t.Fatalf("expected loop to keep claiming after errors, got %d claims", store.claims)
	}
}

func TestRefreshQueueDepthReportsEveryKind(t *testing.T) {
	store := &fakeStore{depths: map[enums.QueueKind]int64{
		enums.KindOutboxEvent: 7,
	}}
	metrics := &fakeMetrics{}
	// No handlers registered: a worker with the relay disabled still reports
	// backlog for every known queue.
	service := newTestService(t, store, queue.NewRegistry(), nil, metrics)

	service.refreshQueueDepth(context.Background())

	if got := len(metrics.depths); got != len(enums.KnownKinds()) {
		t.Fatalf("expected depth for every known kind, got %v", metrics.depths)
	}
	if metrics.depths[string(enums.KindOutboxEvent)] != 7 {
		t.Fatalf("unexpected depth for outbox_event: %v", metrics.depths)
	}
	if depth, ok := metrics.depths[string(enums.KindImportJob)]; !ok || depth != 0 {
		t.Fatalf("zero depth must still be reported: %v", metrics.depths)
	}
}

func TestRunRefreshesQueueDepthWhileBusy(t *testing.T) {
	store := &fakeStore{
		refill: true,
		depths: map[enums.QueueKind]int64{enums.KindOutboxEvent: 12},
	}
	registry := queue.NewRegistry()
	registry.Register(enums.KindOutboxEvent, queue.HandlerFunc(func(context.Context, models.QueueItem) error {
		return nil
	}))
	metrics := &fakeMetrics{}
	service := newTestService(t, store, registry, nil, metrics)
	service.pollInterval = time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
	defer cancel()

	if err := service.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got: %v", err)
	}
	// Every claim returned work, so the loop never idled; the gauge must have
	// been refreshed anyway.
	if store.claims < 2 {
		t.Fatalf("expected the loop to stay busy, got %d claims", store.claims)
	}
	if metrics.depths[string(enums.KindOutboxEvent)] != 12 {
		t.Fatalf("depth gauge must refresh on busy rounds: %v", metrics.depths)
	}
}

func TestNextBackoffDoublesAndCaps(t *testing.T) {
	base := time.Second
	backoff := nextBackoff(base, base, maxBackoff)
	if backoff != 2*time.Second {
		t.Fatalf("expected doubled backoff, got %s", backoff)
	}
	backoff = nextBackoff(8*time.Second, base, maxBackoff)
	if backoff != maxBackoff {
		t.Fatalf("expected capped backoff, got %s", backoff)
	}
	if got := nextBackoff(0, base, maxBackoff); got != 2*time.Second {
		t.Fatalf("zero current must restart from base, got %s", got)
	}
}

func TestNewServiceValidatesParams(t *testing.T) {
	params := testServiceParams(t, &fakeStore{}, queue.NewRegistry())
	params.Store = nil
	if _, err := NewService(params); err == nil {
		t.Fatalf("expected error for missing store")
	}

	params = testServiceParams(t, &fakeStore{}, queue.NewRegistry())
	params.WorkerID = ""
	if _, err := NewService(params); err == nil {
		t.Fatalf("expected error for missing worker id")
	}
}

func testServiceParams(t *testing.T, store queueStore, registry handlerRegistry) ServiceParams {
	t.Helper()
	cfg := &config.Config{}
	cfg.Queue.BatchSize = 10
	cfg.Queue.PollInterval = 50 * time.Millisecond
	cfg.Queue.MaxAttempts = 5
	cfg.Queue.LeaseDuration = time.Minute
	logg := logger.New(logger.Options{
		ServiceName: "worker-test",
		Output:      io.Discard,
	})
	return ServiceParams{
		Config:   cfg,
		Logger:   logg,
		DB:       &fakeDB{},
		Store:    store,
		Registry: registry,
		Monitor:  &fakeMonitor{},
		Metrics:  &fakeMetrics{},
		WorkerID: "worker-test-0",
	}
}

func newTestService(t *testing.T, store queueStore, registry handlerRegistry, waiter signalWaiter, metrics *fakeMetrics) *Service {
	t.Helper()
	params := testServiceParams(t, store, registry)
	if waiter != nil {
		params.Listener = waiter
	}
	if metrics != nil {
		params.Metrics = metrics
	}
	service, err := NewService(params)
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return service
}

type failureRecord struct {
	id          uuid.UUID
	err         error
	maxAttempts int
}

type fakeStore struct {
	items            []models.QueueItem
	claimed          bool
	claims           int
	claimErrs        []error
	processed        []uuid.UUID
	failed           []failureRecord
	markProcessedErr error
	depths           map[enums.QueueKind]int64
	refill           bool
}

func (f *fakeStore) ClaimBatch(ctx context.Context, limit int, leaseDuration time.Duration) ([]models.QueueItem, error) {
	f.claims++
	if len(f.claimErrs) > 0 {
		err := f.claimErrs[0]
		f.claimErrs = f.claimErrs[1:]
		return nil, err
	}
	if f.refill {
		return []models.QueueItem{{ID: uuid.New(), Kind: enums.KindOutboxEvent}}, nil
	}
	if f.claimed {
		return nil, nil
	}
	f.claimed = true
	return f.items, nil
}

func (f *fakeStore) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	if f.markProcessedErr != nil {
		return f.markProcessedErr
	}
	f.processed = append(f.processed, id)
	return nil
}

func (f *fakeStore) MarkFailed(ctx context.Context, id uuid.UUID, failure error, maxAttempts int) error {
	f.failed = append(f.failed, failureRecord{id: id, err: failure, maxAttempts: maxAttempts})
	return nil
}

func (f *fakeStore) QueueDepth(ctx context.Context, kind enums.QueueKind) (int64, error) {
	return f.depths[kind], nil
}

type fakeDB struct{}

func (f *fakeDB) Ping(context.Context) error {
	return nil
}

type fakeWaiter struct {
	outcomes []notify.Outcome
	errs     []error
	calls    int
}

func (f *fakeWaiter) WaitForSignal(ctx context.Context, timeout time.Duration) (notify.Outcome, error) {
	f.calls++
	var outcome notify.Outcome
	if len(f.outcomes) > 0 {
		outcome = f.outcomes[0]
		f.outcomes = f.outcomes[1:]
	} else {
		outcome = notify.OutcomeTimeout
	}
	var err error
	if len(f.errs) > 0 {
		err = f.errs[0]
		f.errs = f.errs[1:]
	}
	return outcome, err
}

type fakeMonitor struct {
	touches int
}

func (f *fakeMonitor) Touch() {
	f.touches++
}

type fakeMetrics struct {
	upSet     bool
	upCleared bool
	batches   int
	events    map[string]int
	depths    map[string]float64
}

func (f *fakeMetrics) SetUp(running bool) {
	if running {
		f.upSet = true
		return
	}
	f.upCleared = true
}

func (f *fakeMetrics) IncBatch(worker string) {
	f.batches++
}

func (f *fakeMetrics) IncEvent(worker, kind string) {
	if f.events == nil {
		f.events = make(map[string]int)
	}
	f.events[kind]++
}

func (f *fakeMetrics) SetQueueDepth(queue string, depth float64) {
	if f.depths == nil {
		f.depths = make(map[string]float64)
	}
	f.depths[queue] = depth
}
