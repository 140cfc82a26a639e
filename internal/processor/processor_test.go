package processor_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"listsync/backend"
	"listsync/backend/sqlite"
	"listsync/internal/clock"
	"listsync/internal/operation"
	"listsync/internal/processor"
	"listsync/internal/queue"
	"listsync/internal/ratelimit"
	"listsync/internal/testutil"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	queue    *queue.Queue
	clock    *clock.Fake
	remote   *testutil.FakeRemote
	resolver *testutil.FakeResolver
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("sqlite.New error: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	clk := clock.NewFake(epoch)
	backoff := ratelimit.DefaultBackoff()
	backoff.MaxJitter = 0

	remote := testutil.NewFakeRemote()
	remote.Seed(backend.Collection{ID: 7, OwnerID: 42, Name: "Watch"})

	return &harness{
		queue:    queue.New(store, queue.Config{MaxRetries: 5, Backoff: backoff, Clock: clk}),
		clock:    clk,
		remote:   remote,
		resolver: testutil.NewFakeResolver(42),
	}
}

func (h *harness) processor(cfg processor.Config) *processor.Processor {
	cfg.Clock = h.clock
	return processor.New(h.queue, h.remote, h.resolver, cfg)
}

func (h *harness) enqueueAdd(t *testing.T, item int64) *operation.Record {
	t.Helper()
	rec, _, err := h.queue.Enqueue(context.Background(), operation.AddItemType, 42, operation.Int64(7), operation.AddItem{ItemID: item})
	if err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	return rec
}

func (h *harness) status(t *testing.T, id string) *operation.Record {
	t.Helper()
	rec, err := h.queue.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	return rec
}

type recordingReconciler struct {
	mu      sync.Mutex
	records []*operation.Record
}

func (r *recordingReconciler) Reconcile(ctx context.Context, rec *operation.Record, res *backend.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec.Clone())
}

type fixedBreaker bool

func (b fixedBreaker) Open() bool { return bool(b) }

// flakyResolver fails with err, or panics, until healed.
type flakyResolver struct {
	err    error
	panics bool
	healed atomic.Bool
}

func (r *flakyResolver) Resolve(ctx context.Context, ownerID int64) (backend.Credential, error) {
	if !r.healed.Load() {
		if r.panics {
			panic("resolver exploded")
		}
		return backend.Credential{}, r.err
	}
	return backend.Credential{OwnerID: ownerID, Token: "token"}, nil
}

type panicExecutor struct{}

func (panicExecutor) Execute(ctx context.Context, req backend.Request, cred backend.Credential) (*backend.Result, error) {
	panic("executor exploded")
}

// =============================================================================
// State Machine Tests
// =============================================================================

func TestProcessNowCompletesDueOperations(t *testing.T) {
	h := newHarness(t)
	reconciler := &recordingReconciler{}
	p := h.processor(processor.Config{Reconciler: reconciler})

	rec := h.enqueueAdd(t, 550)
	summary, err := p.ProcessNow(context.Background())
	if err != nil {
		t.Fatalf("ProcessNow error: %v", err)
	}
	if summary.Completed != 1 || summary.Processed != 1 {
		t.Errorf("expected 1 completed, got %+v", summary)
	}
	if got := h.status(t, rec.ID); got.Status != operation.StatusCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
	if len(reconciler.records) != 1 || reconciler.records[0].ID != rec.ID {
		t.Errorf("expected reconciler to see %s", rec.ID)
	}
	if c, _ := h.remote.Collection(7); c.ItemCount != 1 {
		t.Errorf("expected remote item count 1, got %d", c.ItemCount)
	}
}

func TestRetryableFailureGoesBackToPending(t *testing.T) {
	h := newHarness(t)
	p := h.processor(processor.Config{})

	rec := h.enqueueAdd(t, 550)
	h.remote.FailNext(backend.NewError(backend.KindServer, "503"))

	summary, _ := p.ProcessNow(context.Background())
	if summary.Retried != 1 {
		t.Errorf("expected 1 retried, got %+v", summary)
	}

	got := h.status(t, rec.ID)
	if got.Status != operation.StatusPending || got.RetryCount != 1 {
		t.Errorf("expected pending with retry 1, got %s/%d", got.Status, got.RetryCount)
	}

	// Not due yet: nothing runs.
	summary, _ = p.ProcessNow(context.Background())
	if summary.Processed != 0 {
		t.Errorf("expected nothing due before backoff, got %+v", summary)
	}

	h.clock.Advance(31 * time.Second)
	summary, _ = p.ProcessNow(context.Background())
	if summary.Completed != 1 {
		t.Errorf("expected completion after backoff, got %+v", summary)
	}
}

func TestRetryExhaustionMarksFailed(t *testing.T) {
	h := newHarness(t)
	p := h.processor(processor.Config{})

	rec := h.enqueueAdd(t, 550)
	for i := 0; i < 5; i++ {
		h.remote.FailNext(backend.NewError(backend.KindTimeout, "slow"))
		if _, err := p.ProcessNow(context.Background()); err != nil {
			t.Fatalf("ProcessNow error: %v", err)
		}
		h.clock.Advance(2 * time.Hour)
	}

	got := h.status(t, rec.ID)
	if got.Status != operation.StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if got.RetryCount > 5 {
		t.Errorf("retry count %d exceeds max", got.RetryCount)
	}

	calls := h.remote.ExecuteCalls()
	h.clock.Advance(24 * time.Hour)
	_, _ = p.ProcessNow(context.Background())
	if h.remote.ExecuteCalls() != calls {
		t.Error("expected failed record never to be attempted again")
	}
}

func TestDuplicateItemCountsAsCompleted(t *testing.T) {
	h := newHarness(t)
	h.remote.Seed(backend.Collection{ID: 7, OwnerID: 42, Items: []backend.Item{{ID: 550}}})
	p := h.processor(processor.Config{})

	rec := h.enqueueAdd(t, 550)
	_, _ = p.ProcessNow(context.Background())

	if got := h.status(t, rec.ID); got.Status != operation.StatusCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
}

func TestRemoveMissingItemCountsAsCompleted(t *testing.T) {
	h := newHarness(t)
	p := h.processor(processor.Config{})

	rec, _, _ := h.queue.Enqueue(context.Background(), operation.RemoveItemType, 42, operation.Int64(7), operation.RemoveItem{ItemID: 9})
	_, _ = p.ProcessNow(context.Background())

	if got := h.status(t, rec.ID); got.Status != operation.StatusCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
}

func TestMissingCredentialFailsRecord(t *testing.T) {
	h := newHarness(t)
	h.resolver.Revoke(42)
	p := h.processor(processor.Config{})

	rec := h.enqueueAdd(t, 550)
	summary, _ := p.ProcessNow(context.Background())
	if summary.Failed != 1 {
		t.Errorf("expected 1 failed, got %+v", summary)
	}

	got := h.status(t, rec.ID)
	if got.Status != operation.StatusFailed {
		t.Errorf("expected failed, got %s", got.Status)
	}
	if got.ErrorKind != string(backend.KindSessionExpired) {
		t.Errorf("expected session_expired, got %q", got.ErrorKind)
	}
	if h.remote.ExecuteCalls() != 0 {
		t.Error("expected no remote call without a credential")
	}
}

func TestTransientResolverErrorIsRetried(t *testing.T) {
	h := newHarness(t)
	resolver := &flakyResolver{err: errors.New("keyring temporarily locked")}
	p := processor.New(h.queue, h.remote, resolver, processor.Config{Clock: h.clock})

	rec := h.enqueueAdd(t, 550)
	summary, _ := p.ProcessNow(context.Background())
	if summary.Retried != 1 {
		t.Errorf("expected 1 retried, got %+v", summary)
	}

	got := h.status(t, rec.ID)
	if got.Status != operation.StatusPending || got.ErrorKind != string(backend.KindUnknown) {
		t.Errorf("expected pending/unknown, got %s/%s", got.Status, got.ErrorKind)
	}
	if got.RetryCount != 1 {
		t.Errorf("expected retry count 1, got %d", got.RetryCount)
	}

	resolver.healed.Store(true)
	h.clock.Advance(time.Minute)
	summary, _ = p.ProcessNow(context.Background())
	if summary.Completed != 1 {
		t.Errorf("expected 1 completed after the resolver recovered, got %+v", summary)
	}
}

func TestResolverPanicReleasesRecord(t *testing.T) {
	h := newHarness(t)
	resolver := &flakyResolver{panics: true}
	p := processor.New(h.queue, h.remote, resolver, processor.Config{Clock: h.clock})

	rec := h.enqueueAdd(t, 550)
	summary, err := p.ProcessNow(context.Background())
	if err != nil {
		t.Fatalf("ProcessNow error: %v", err)
	}
	if summary.Retried != 1 {
		t.Errorf("expected panic to be retried, got %+v", summary)
	}

	got := h.status(t, rec.ID)
	if got.Status != operation.StatusPending || got.ErrorKind != string(backend.KindUnknown) {
		t.Fatalf("expected pending/unknown, got %s/%s", got.Status, got.ErrorKind)
	}

	resolver.healed.Store(true)
	h.clock.Advance(time.Minute)
	summary, _ = p.ProcessNow(context.Background())
	if summary.Processed != 1 || summary.Completed != 1 {
		t.Errorf("expected the record to be processed again, got %+v", summary)
	}
	if got := h.status(t, rec.ID); got.Status != operation.StatusCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
}

func TestExecutorPanicBecomesUnknown(t *testing.T) {
	h := newHarness(t)
	p := processor.New(h.queue, panicExecutor{}, h.resolver, processor.Config{Clock: h.clock})

	rec := h.enqueueAdd(t, 550)
	summary, err := p.ProcessNow(context.Background())
	if err != nil {
		t.Fatalf("ProcessNow error: %v", err)
	}
	if summary.Retried != 1 {
		t.Errorf("expected panic to be retried, got %+v", summary)
	}

	got := h.status(t, rec.ID)
	if got.ErrorKind != string(backend.KindUnknown) || got.Status != operation.StatusPending {
		t.Errorf("expected pending/unknown, got %s/%s", got.Status, got.ErrorKind)
	}
}

func TestCancelledMidCallIsNotCompleted(t *testing.T) {
	h := newHarness(t)
	p := h.processor(processor.Config{})

	rec := h.enqueueAdd(t, 550)
	h.remote.OnExecute(func(ctx context.Context, req backend.Request) error {
		_, err := h.queue.Cancel(ctx, rec.ID)
		return err
	})

	summary, _ := p.ProcessNow(context.Background())
	if summary.Skipped != 1 {
		t.Errorf("expected 1 skipped, got %+v", summary)
	}
	if got := h.status(t, rec.ID); got.Status != operation.StatusCancelled {
		t.Errorf("expected cancelled, got %s", got.Status)
	}
}

// =============================================================================
// Scheduling Tests
// =============================================================================

func TestOpenBreakerSkipsTick(t *testing.T) {
	h := newHarness(t)
	p := h.processor(processor.Config{Breaker: fixedBreaker(true)})

	rec := h.enqueueAdd(t, 550)
	summary, _ := p.ProcessNow(context.Background())
	if summary.SkippedReason == "" {
		t.Error("expected a skip reason")
	}
	if got := h.status(t, rec.ID); got.Status != operation.StatusPending || got.RetryCount != 0 {
		t.Errorf("expected record untouched, got %s/%d", got.Status, got.RetryCount)
	}
	if !p.Status().BreakerOpen {
		t.Error("expected status to report open breaker")
	}
}

func TestConcurrencyIsBounded(t *testing.T) {
	h := newHarness(t)
	p := h.processor(processor.Config{Concurrency: 2})

	var inFlight, maxInFlight atomic.Int32
	h.remote.OnExecute(func(ctx context.Context, req backend.Request) error {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	})

	for i := int64(1); i <= 8; i++ {
		h.enqueueAdd(t, i)
	}
	summary, _ := p.ProcessNow(context.Background())
	if summary.Completed != 8 {
		t.Errorf("expected 8 completed, got %+v", summary)
	}
	if maxInFlight.Load() > 2 {
		t.Errorf("expected at most 2 concurrent attempts, got %d", maxInFlight.Load())
	}
}

func TestBatchSizeLimitsPass(t *testing.T) {
	h := newHarness(t)
	p := h.processor(processor.Config{BatchSize: 3})

	for i := int64(1); i <= 5; i++ {
		h.enqueueAdd(t, i)
	}
	summary, _ := p.ProcessNow(context.Background())
	if summary.Processed != 3 {
		t.Errorf("expected 3 processed, got %d", summary.Processed)
	}
}

func TestEnableDisable(t *testing.T) {
	h := newHarness(t)
	p := h.processor(processor.Config{Disabled: true})

	if p.Enabled() {
		t.Fatal("expected processor to start disabled")
	}
	p.SetEnabled(true)
	if !p.Enabled() {
		t.Error("expected processor to be enabled")
	}

	p.SetEnabled(false)
	h.enqueueAdd(t, 550)
	summary, _ := p.ProcessNow(context.Background())
	if summary.Completed != 1 {
		t.Error("expected ProcessNow to run while disabled")
	}
}

func TestStartRecoversStaleProcessing(t *testing.T) {
	h := newHarness(t)
	p := h.processor(processor.Config{Interval: time.Hour})

	rec := h.enqueueAdd(t, 550)
	if ok, _ := h.queue.MarkProcessing(context.Background(), rec); !ok {
		t.Fatal("expected claim")
	}
	h.clock.Advance(time.Minute)

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if err := p.Start(context.Background()); err == nil {
		t.Error("expected second Start to fail")
	}
	if !p.Status().Running {
		t.Error("expected running status")
	}
	p.Stop()
	p.Stop()

	if got := h.status(t, rec.ID); got.Status != operation.StatusPending {
		t.Errorf("expected pending after recovery, got %s", got.Status)
	}
	if p.Status().Running {
		t.Error("expected stopped status")
	}
}

func TestContextCancelAllowsRestart(t *testing.T) {
	h := newHarness(t)
	p := h.processor(processor.Config{Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for p.Status().Running {
		if time.Now().After(deadline) {
			t.Fatal("expected running to clear after the context ended")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("expected restart to succeed, got %v", err)
	}
	p.Stop()
}

func TestLastRunIsRecorded(t *testing.T) {
	h := newHarness(t)
	p := h.processor(processor.Config{})

	if p.Status().LastRun != nil {
		t.Error("expected no last run before processing")
	}
	h.enqueueAdd(t, 550)
	_, _ = p.ProcessNow(context.Background())

	last := p.Status().LastRun
	if last == nil || last.Completed != 1 {
		t.Errorf("expected last run with 1 completion, got %+v", last)
	}
}
