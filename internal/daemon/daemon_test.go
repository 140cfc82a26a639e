package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"listsync/backend"
	"listsync/internal/admin"
	"listsync/internal/cache"
	"listsync/internal/operation"
	"listsync/internal/orchestrator"
	"listsync/internal/processor"
	"listsync/internal/queue"
)

type fakeService struct {
	mu        sync.Mutex
	enabled   bool
	cleared   int
	processed int
	records   map[string]*operation.Record
	mutations []operation.Payload
	block     chan struct{}
}

func newFakeService() *fakeService {
	return &fakeService{
		enabled: true,
		records: map[string]*operation.Record{
			"op-failed":  {ID: "op-failed", OwnerID: 42, Status: operation.StatusFailed},
			"op-pending": {ID: "op-pending", OwnerID: 42, Status: operation.StatusPending},
		},
	}
}

func (f *fakeService) Status(ctx context.Context) (*admin.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &admin.Status{
		Processor: processor.Status{Enabled: f.enabled},
		Queue:     map[operation.Status]int{operation.StatusPending: 1, operation.StatusFailed: 1},
	}, nil
}

func (f *fakeService) QueueStats(ctx context.Context) (map[operation.Status]int, error) {
	return map[operation.Status]int{operation.StatusPending: 1, operation.StatusFailed: 1}, nil
}

func (f *fakeService) CacheStats() cache.Stats {
	return cache.Stats{Hits: 3, Misses: 1, Size: 2}
}

func (f *fakeService) RetryOperation(ctx context.Context, id string) (*operation.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", queue.ErrNotFound, id)
	}
	if rec.Status != operation.StatusFailed {
		return nil, fmt.Errorf("%w: %s is %s", queue.ErrInvalidState, id, rec.Status)
	}
	rec.Status = operation.StatusPending
	return rec.Clone(), nil
}

func (f *fakeService) CancelOperation(ctx context.Context, id string) (*operation.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", queue.ErrNotFound, id)
	}
	rec.Status = operation.StatusCancelled
	return rec.Clone(), nil
}

func (f *fakeService) SetProcessorEnabled(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = enabled
}

func (f *fakeService) ProcessNow(ctx context.Context) (processor.Summary, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return processor.Summary{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed++
	return processor.Summary{Processed: 2, Completed: 2}, nil
}

func (f *fakeService) ClearCache() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared++
}

func (f *fakeService) PendingForOwner(ctx context.Context, ownerID int64) ([]*operation.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*operation.Record
	for _, rec := range f.records {
		if rec.OwnerID == ownerID && rec.Status.Active() {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

func (f *fakeService) Operation(ctx context.Context, id string) (*operation.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", queue.ErrNotFound, id)
	}
	return rec.Clone(), nil
}

func (f *fakeService) ListOperations(ctx context.Context, statuses []operation.Status, limit int) ([]*operation.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*operation.Record
	for _, rec := range f.records {
		for _, s := range statuses {
			if rec.Status == s {
				out = append(out, rec.Clone())
			}
		}
	}
	return out, nil
}

// Mutate defers add_item of item 13, rejects collection 99 and applies the rest.
func (f *fakeService) Mutate(ctx context.Context, ownerID int64, targetID *int64, p operation.Payload) (*orchestrator.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mutations = append(f.mutations, p)

	if targetID != nil && *targetID == 99 {
		return nil, backend.NewError(backend.KindNotFound, "collection 99")
	}
	switch v := p.(type) {
	case operation.AddItem:
		if v.ItemID == 13 {
			return &orchestrator.Result{
				Outcome:   orchestrator.Deferred,
				Operation: &operation.Record{ID: "op-new", Type: operation.AddItemType, OwnerID: ownerID, TargetID: targetID, Status: operation.StatusPending},
				Cause:     backend.NewError(backend.KindServer, "remote returned 503"),
			}, nil
		}
	case operation.CreateCollection:
		return &orchestrator.Result{
			Outcome:    orchestrator.Applied,
			Collection: &backend.Collection{ID: 1001, OwnerID: ownerID, Name: v.Name},
		}, nil
	}
	return &orchestrator.Result{Outcome: orchestrator.Applied}, nil
}

func (f *fakeService) Collection(ctx context.Context, ownerID, targetID int64) (*orchestrator.Read[backend.Collection], error) {
	if targetID == 99 {
		return nil, backend.NewError(backend.KindNotFound, "collection 99")
	}
	return &orchestrator.Read[backend.Collection]{
		Value:     backend.Collection{ID: targetID, OwnerID: ownerID, Name: "Watch"},
		FromCache: true,
	}, nil
}

func (f *fakeService) Items(ctx context.Context, ownerID, targetID int64) (*orchestrator.Read[[]backend.Item], error) {
	return &orchestrator.Read[[]backend.Item]{Value: []backend.Item{{ID: 1}, {ID: 2}}, Stale: true}, nil
}

func (f *fakeService) OwnerCollections(ctx context.Context, ownerID int64) (*orchestrator.Read[[]backend.Collection], error) {
	return &orchestrator.Read[[]backend.Collection]{
		Value: []backend.Collection{{ID: 7, OwnerID: ownerID, Name: "Watch"}},
	}, nil
}

func (f *fakeService) isEnabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}

// startDaemon runs a daemon in a temp dir and returns it once the socket is ready.
func startDaemon(t *testing.T, svc Service) (*Daemon, Config, <-chan error) {
	t.Helper()
	tmpDir := t.TempDir()
	cfg := Config{
		PIDPath:    filepath.Join(tmpDir, "run", "daemon.pid"),
		SocketPath: filepath.Join(tmpDir, "sock", "daemon.sock"),
	}
	d := New(cfg, svc)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		errCh <- d.Run(ctx)
		close(done)
	}()

	select {
	case <-d.Ready():
	case err := <-errCh:
		cancel()
		t.Fatalf("daemon failed to start: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("daemon did not become ready")
	}

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
		}
	})
	return d, cfg, errCh
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestDaemonFilePermissions(t *testing.T) {
	_, cfg, _ := startDaemon(t, newFakeService())

	pidDirInfo, err := os.Stat(filepath.Dir(cfg.PIDPath))
	if err != nil {
		t.Fatalf("PID directory should exist: %v", err)
	}
	if perm := pidDirInfo.Mode().Perm(); perm != 0700 {
		t.Errorf("PID directory should have mode 0700, got %04o", perm)
	}

	pidInfo, err := os.Stat(cfg.PIDPath)
	if err != nil {
		t.Fatalf("PID file should exist: %v", err)
	}
	if perm := pidInfo.Mode().Perm(); perm != 0600 {
		t.Errorf("PID file should have mode 0600, got %04o", perm)
	}

	sockDirInfo, err := os.Stat(filepath.Dir(cfg.SocketPath))
	if err != nil {
		t.Fatalf("Socket directory should exist: %v", err)
	}
	if perm := sockDirInfo.Mode().Perm(); perm != 0700 {
		t.Errorf("Socket directory should have mode 0700, got %04o", perm)
	}
}

func TestIsRunning(t *testing.T) {
	tmpDir := t.TempDir()
	if IsRunning(filepath.Join(tmpDir, "daemon.pid"), filepath.Join(tmpDir, "daemon.sock")) {
		t.Error("expected daemon to not be running initially")
	}

	d, cfg, errCh := startDaemon(t, newFakeService())
	if !IsRunning(cfg.PIDPath, cfg.SocketPath) {
		t.Error("expected daemon to be running")
	}

	d.Stop()
	if err := <-errCh; err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if IsRunning(cfg.PIDPath, cfg.SocketPath) {
		t.Error("expected daemon to not be running after stop")
	}
	if _, err := os.Stat(cfg.PIDPath); !os.IsNotExist(err) {
		t.Error("expected PID file removed")
	}
	if _, err := os.Stat(cfg.SocketPath); !os.IsNotExist(err) {
		t.Error("expected socket removed")
	}
}

func TestIsRunningStalePID(t *testing.T) {
	tmpDir := t.TempDir()
	pidPath := filepath.Join(tmpDir, "daemon.pid")
	socketPath := filepath.Join(tmpDir, "daemon.sock")

	// PIDs this large are not handed out on Linux
	if err := os.WriteFile(pidPath, []byte("999999999"), 0600); err != nil {
		t.Fatal(err)
	}

	if IsRunning(pidPath, socketPath) {
		t.Error("expected stale PID to report not running")
	}
	if _, err := os.Stat(pidPath); !os.IsNotExist(err) {
		t.Error("expected stale PID file removed")
	}
}

func TestRunRefusesSecondInstance(t *testing.T) {
	_, cfg, _ := startDaemon(t, newFakeService())

	second := New(cfg, newFakeService())
	if err := second.Run(context.Background()); err == nil {
		t.Error("expected error starting a second daemon on the same socket")
	}
}

func TestStopViaIPC(t *testing.T) {
	_, cfg, errCh := startDaemon(t, newFakeService())

	if err := NewClient(cfg.SocketPath).Stop(context.Background()); err != nil {
		t.Fatalf("Stop error: %v", err)
	}

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func TestContextCancelUnblocksInFlightRequest(t *testing.T) {
	svc := newFakeService()
	svc.block = make(chan struct{})
	d, cfg, errCh := startDaemon(t, svc)

	reqErr := make(chan error, 1)
	go func() {
		_, err := NewClient(cfg.SocketPath).ProcessNow(context.Background())
		reqErr <- err
	}()

	// Give the request time to reach the service
	time.Sleep(50 * time.Millisecond)
	d.Stop()

	select {
	case <-errCh:
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop with a request in flight")
	}
	select {
	case <-reqErr:
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight request did not finish")
	}
}

// =============================================================================
// Client requests
// =============================================================================

func TestClientStatus(t *testing.T) {
	_, cfg, _ := startDaemon(t, newFakeService())

	st, err := NewClient(cfg.SocketPath).Status(context.Background())
	if err != nil {
		t.Fatalf("Status error: %v", err)
	}
	if !st.Processor.Enabled {
		t.Error("expected processor enabled")
	}
	if st.Queue[operation.StatusFailed] != 1 {
		t.Errorf("expected 1 failed, got %d", st.Queue[operation.StatusFailed])
	}
}

func TestClientProcessNow(t *testing.T) {
	svc := newFakeService()
	_, cfg, _ := startDaemon(t, svc)

	summary, err := NewClient(cfg.SocketPath).ProcessNow(context.Background())
	if err != nil {
		t.Fatalf("ProcessNow error: %v", err)
	}
	if summary.Completed != 2 {
		t.Errorf("expected 2 completed, got %d", summary.Completed)
	}
}

func TestClientRetry(t *testing.T) {
	_, cfg, _ := startDaemon(t, newFakeService())
	client := NewClient(cfg.SocketPath)

	rec, err := client.Retry(context.Background(), "op-failed")
	if err != nil {
		t.Fatalf("Retry error: %v", err)
	}
	if rec.Status != operation.StatusPending {
		t.Errorf("expected pending, got %s", rec.Status)
	}

	_, err = client.Retry(context.Background(), "op-pending")
	if !errors.Is(err, queue.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}

	_, err = client.Retry(context.Background(), "missing")
	if !errors.Is(err, queue.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestClientRetryRequiresID(t *testing.T) {
	_, cfg, _ := startDaemon(t, newFakeService())

	_, err := NewClient(cfg.SocketPath).Retry(context.Background(), "")
	if !errors.Is(err, ErrRequestFailed) {
		t.Errorf("expected ErrRequestFailed, got %v", err)
	}
}

func TestClientCancelAndPending(t *testing.T) {
	_, cfg, _ := startDaemon(t, newFakeService())
	client := NewClient(cfg.SocketPath)

	if _, err := client.Cancel(context.Background(), "op-pending"); err != nil {
		t.Fatalf("Cancel error: %v", err)
	}

	recs, err := client.Pending(context.Background(), 42)
	if err != nil {
		t.Fatalf("Pending error: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("expected no active operations, got %d", len(recs))
	}
}

func TestClientEnableDisable(t *testing.T) {
	svc := newFakeService()
	_, cfg, _ := startDaemon(t, svc)
	client := NewClient(cfg.SocketPath)

	if err := client.SetEnabled(context.Background(), false); err != nil {
		t.Fatalf("SetEnabled error: %v", err)
	}
	if svc.isEnabled() {
		t.Error("expected processor disabled")
	}
	if err := client.SetEnabled(context.Background(), true); err != nil {
		t.Fatalf("SetEnabled error: %v", err)
	}
	if !svc.isEnabled() {
		t.Error("expected processor enabled")
	}
}

func TestClientCache(t *testing.T) {
	svc := newFakeService()
	_, cfg, _ := startDaemon(t, svc)
	client := NewClient(cfg.SocketPath)

	stats, err := client.CacheStats(context.Background())
	if err != nil {
		t.Fatalf("CacheStats error: %v", err)
	}
	if stats.Hits != 3 || stats.Size != 2 {
		t.Errorf("expected hits=3 size=2, got hits=%d size=%d", stats.Hits, stats.Size)
	}

	if err := client.ClearCache(context.Background()); err != nil {
		t.Fatalf("ClearCache error: %v", err)
	}
	svc.mu.Lock()
	cleared := svc.cleared
	svc.mu.Unlock()
	if cleared != 1 {
		t.Errorf("expected 1 clear, got %d", cleared)
	}
}

func TestClientListAndQueueStats(t *testing.T) {
	_, cfg, _ := startDaemon(t, newFakeService())
	client := NewClient(cfg.SocketPath)

	recs, err := client.List(context.Background(), []operation.Status{operation.StatusFailed}, 10)
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != "op-failed" {
		t.Errorf("expected op-failed only, got %d records", len(recs))
	}

	stats, err := client.QueueStats(context.Background())
	if err != nil {
		t.Fatalf("QueueStats error: %v", err)
	}
	if stats[operation.StatusPending] != 1 {
		t.Errorf("expected 1 pending, got %d", stats[operation.StatusPending])
	}
}

// =============================================================================
// Collections
// =============================================================================

func TestClientMutateApplied(t *testing.T) {
	svc := newFakeService()
	_, cfg, _ := startDaemon(t, svc)
	client := NewClient(cfg.SocketPath)

	name := "Renamed"
	res, err := client.Mutate(context.Background(), 42, 7, operation.UpdateCollection{Name: &name})
	if err != nil {
		t.Fatalf("Mutate error: %v", err)
	}
	if res.Outcome != orchestrator.Applied || res.Cause != nil {
		t.Errorf("expected applied without cause, got %+v", res)
	}

	res, err = client.Mutate(context.Background(), 42, 0, operation.CreateCollection{Name: "Reading"})
	if err != nil {
		t.Fatalf("Mutate error: %v", err)
	}
	if res.Collection == nil || res.Collection.ID != 1001 {
		t.Errorf("expected created collection 1001, got %+v", res.Collection)
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()
	if len(svc.mutations) != 2 {
		t.Fatalf("expected 2 mutations, got %d", len(svc.mutations))
	}
	update, ok := svc.mutations[0].(operation.UpdateCollection)
	if !ok || update.Name == nil || *update.Name != name {
		t.Errorf("expected update payload to survive IPC, got %#v", svc.mutations[0])
	}
}

func TestClientMutateDeferredCarriesCause(t *testing.T) {
	_, cfg, _ := startDaemon(t, newFakeService())

	res, err := NewClient(cfg.SocketPath).Mutate(context.Background(), 42, 7, operation.AddItem{ItemID: 13})
	if err != nil {
		t.Fatalf("Mutate error: %v", err)
	}
	if res.Outcome != orchestrator.Deferred {
		t.Errorf("expected deferred, got %s", res.Outcome)
	}
	if res.Operation == nil || res.Operation.ID != "op-new" {
		t.Errorf("expected queued operation op-new, got %+v", res.Operation)
	}
	if kind := backend.KindOf(res.Cause); kind != backend.KindServer {
		t.Errorf("expected cause server_error, got %q", kind)
	}
}

func TestClientMutateErrors(t *testing.T) {
	_, cfg, _ := startDaemon(t, newFakeService())
	client := NewClient(cfg.SocketPath)

	_, err := client.Mutate(context.Background(), 42, 99, operation.DeleteCollection{})
	var remoteErr *backend.RemoteError
	if !errors.As(err, &remoteErr) {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if remoteErr.Kind != backend.KindNotFound {
		t.Errorf("expected not_found, got %s", remoteErr.Kind)
	}
	if err.Error() != "not_found: collection 99" {
		t.Errorf("expected kind to appear once, got %q", err.Error())
	}

	_, err = client.Mutate(context.Background(), 0, 7, operation.ClearCollection{})
	if !errors.Is(err, ErrRequestFailed) {
		t.Errorf("expected ErrRequestFailed for missing owner, got %v", err)
	}

	_, err = client.do(context.Background(), Message{Type: MsgMutate, OwnerID: 42, Operation: operation.AddItemType, Payload: []byte(`{"item_id":"x"}`)})
	if !errors.Is(err, operation.ErrInvalidPayload) {
		t.Errorf("expected ErrInvalidPayload for a malformed payload, got %v", err)
	}
}

func TestClientReads(t *testing.T) {
	_, cfg, _ := startDaemon(t, newFakeService())
	client := NewClient(cfg.SocketPath)
	ctx := context.Background()

	c, err := client.Collection(ctx, 42, 7)
	if err != nil {
		t.Fatalf("Collection error: %v", err)
	}
	if c.Value.Name != "Watch" || !c.FromCache {
		t.Errorf("expected cached Watch, got %+v", c)
	}

	items, err := client.Items(ctx, 42, 7)
	if err != nil {
		t.Fatalf("Items error: %v", err)
	}
	if len(items.Value) != 2 || !items.Stale {
		t.Errorf("expected 2 stale items, got %+v", items)
	}

	owned, err := client.OwnerCollections(ctx, 42)
	if err != nil {
		t.Fatalf("OwnerCollections error: %v", err)
	}
	if len(owned.Value) != 1 || owned.Value[0].ID != 7 {
		t.Errorf("expected collection 7, got %+v", owned.Value)
	}

	if _, err := client.Collection(ctx, 42, 99); backend.KindOf(err) != backend.KindNotFound {
		t.Errorf("expected not_found, got %v", err)
	}
	if _, err := client.Items(ctx, 42, 0); !errors.Is(err, ErrRequestFailed) {
		t.Errorf("expected ErrRequestFailed without a collection id, got %v", err)
	}
}

func TestClientNoDaemon(t *testing.T) {
	client := NewClient(filepath.Join(t.TempDir(), "missing.sock"))
	if _, err := client.Status(context.Background()); err == nil {
		t.Error("expected error with no daemon listening")
	}
}

func TestUnknownMessageType(t *testing.T) {
	_, cfg, _ := startDaemon(t, newFakeService())

	_, err := NewClient(cfg.SocketPath).do(context.Background(), Message{Type: "bogus"})
	if !errors.Is(err, ErrRequestFailed) {
		t.Errorf("expected ErrRequestFailed, got %v", err)
	}
}

func TestConcurrentClients(t *testing.T) {
	svc := newFakeService()
	_, cfg, _ := startDaemon(t, svc)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := NewClient(cfg.SocketPath).ProcessNow(context.Background()); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("ProcessNow error: %v", err)
	}
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.processed != 10 {
		t.Errorf("expected 10 passes, got %d", svc.processed)
	}
}
