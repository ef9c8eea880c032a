package lifecycle

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/electric-sql/satellite/internal/dbadapter"
	"github.com/electric-sql/satellite/internal/replication"
	"github.com/electric-sql/satellite/internal/satellite/model"
	"github.com/electric-sql/satellite/internal/satellite/oplog"
	"github.com/electric-sql/satellite/internal/satellite/subscription"
)

// fakeReplicationClient satisfies the replicationClient interface without
// touching the network, mirroring the stubReplicator pattern used in
// subscription_test.go. Subscribe calls are recorded on subscribed so a
// test can wait for the behind-window recovery goroutine's re-subscribe
// without sleeping.
type fakeReplicationClient struct {
	mu         sync.Mutex
	connectErr error
	startErr   error
	closed     bool
	subscribed chan []model.ShapeRequest
}

func newFakeReplicationClient() *fakeReplicationClient {
	return &fakeReplicationClient{subscribed: make(chan []model.ShapeRequest, 8)}
}

func (f *fakeReplicationClient) Connect(ctx context.Context, cfg replication.AuthConfig) error {
	return f.connectErr
}

func (f *fakeReplicationClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeReplicationClient) ResetOutboundLogPositions(ackBytes, sentBytes int64) {}

func (f *fakeReplicationClient) StartReplication(ctx context.Context, lsn []byte, schemaVersion string, resumeSubscriptions []string) error {
	return f.startErr
}

func (f *fakeReplicationClient) EnqueueTransaction(tx model.Transaction) error { return nil }

func (f *fakeReplicationClient) Subscribe(ctx context.Context, shapes []model.ShapeRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed <- shapes
	return fmt.Sprintf("sub-%d", len(f.subscribed)), nil
}

func (f *fakeReplicationClient) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func openTestAdapter(t *testing.T) *dbadapter.Adapter {
	t.Helper()
	path := filepath.Join(t.TempDir(), "satellite.db")
	adapter, err := dbadapter.Open(path)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { adapter.Close() })

	if err := oplog.EnsureSystemTables(func(q string, args ...any) error {
		_, err := adapter.ExecContext(context.Background(), q, args...)
		return err
	}); err != nil {
		t.Fatalf("EnsureSystemTables() error: %v", err)
	}
	return adapter
}

// newTestController builds a Controller without going through Start,
// wiring in a fakeReplicationClient so recoverBehindWindow's fire-and-forget
// reconnect-and-resubscribe goroutine completes instantly and
// deterministically instead of dialing a real endpoint.
func newTestController(t *testing.T, adapter *dbadapter.Adapter, client *fakeReplicationClient) (*Controller, *subscription.Manager) {
	t.Helper()
	subs := subscription.New(adapter, client)
	ctrl := &Controller{
		adapter:  adapter,
		cfg:      Config{}.withDefaults(),
		notifier: NewNotifier(),
		subs:     subs,
		client:   client,
		stopCh:   make(chan struct{}),
	}
	t.Cleanup(func() { ctrl.stopOnce.Do(func() { close(ctrl.stopCh) }) })
	return ctrl, subs
}

func fulfilledSubscription(t *testing.T, adapter *dbadapter.Adapter, subs *subscription.Manager, table string) {
	t.Helper()
	ctx := context.Background()
	if _, err := adapter.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE %s (id TEXT PRIMARY KEY)`, table)); err != nil {
		t.Fatalf("create table %s: %v", table, err)
	}
	shapes := []model.ShapeDefinition{{Namespace: "main", Table: table}}
	handle, err := subs.Subscribe(ctx, shapes)
	if err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}
	if err := subs.ApplyShapeData(ctx, handle.Subscription.ID, "main", table, nil, "[]", []byte("lsn-0")); err != nil {
		t.Fatalf("ApplyShapeData() error: %v", err)
	}
}

// drainInitialSubscribe discards the Subscribe call fulfilledSubscription's
// own setup made, so later assertions on client.subscribed only see calls
// made by the code under test.
func drainInitialSubscribe(t *testing.T, client *fakeReplicationClient) {
	t.Helper()
	select {
	case <-client.subscribed:
	case <-time.After(time.Second):
		t.Fatalf("expected the setup Subscribe() call to have recorded a shape")
	}
}

// TestRecoverBehindWindowClearsStateAndResubscribes exercises spec.md §8's
// behind-window end-to-end scenario: lsn and subscriptions meta both reset
// to empty, a fresh startReplication is attempted, and the previously
// fulfilled shape definitions are re-subscribed.
func TestRecoverBehindWindowClearsStateAndResubscribes(t *testing.T) {
	adapter := openTestAdapter(t)
	client := newFakeReplicationClient()
	ctrl, subs := newTestController(t, adapter, client)

	fulfilledSubscription(t, adapter, subs, "widgets")
	drainInitialSubscribe(t, client)

	ctx := context.Background()
	lsnBefore, ok, err := oplog.GetMeta(ctx, adapter, oplog.MetaLSN)
	if err != nil || !ok || lsnBefore == "" {
		t.Fatalf("precondition: lsn meta = (%q, %v, %v), want a non-empty value set by ApplyShapeData", lsnBefore, ok, err)
	}

	ctrl.recoverBehindWindow(ctx)

	lsnAfter, ok, err := oplog.GetMeta(ctx, adapter, oplog.MetaLSN)
	if err != nil {
		t.Fatalf("GetMeta(lsn) error: %v", err)
	}
	if ok && lsnAfter != "" {
		t.Errorf("lsn meta after recoverBehindWindow = %q, want empty", lsnAfter)
	}

	subsAfter, ok, err := oplog.GetMeta(ctx, adapter, oplog.MetaSubscriptions)
	if err != nil {
		t.Fatalf("GetMeta(subscriptions) error: %v", err)
	}
	if ok && subsAfter != "[]" {
		t.Errorf("subscriptions meta after recoverBehindWindow = %q, want []", subsAfter)
	}

	select {
	case shapes := <-client.subscribed:
		if len(shapes) != 1 || shapes[0].Definition.Table != "widgets" {
			t.Errorf("re-subscribed shapes = %+v, want one shape for table widgets", shapes)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for behind-window recovery to re-subscribe")
	}
}

// TestRecoverBehindWindowSkipsResubscribeOnReconnectFailure checks that a
// failed reconnect attempt (connectionFailed) leaves the state reset in
// place but never calls Subscribe again, since spec.md §4.7 only
// re-subscribes after startReplication succeeds.
func TestRecoverBehindWindowSkipsResubscribeOnReconnectFailure(t *testing.T) {
	adapter := openTestAdapter(t)
	client := newFakeReplicationClient()
	client.connectErr = fmt.Errorf("dial failed")
	ctrl, subs := newTestController(t, adapter, client)

	fulfilledSubscription(t, adapter, subs, "gadgets")
	drainInitialSubscribe(t, client)

	ctx := context.Background()
	ctrl.recoverBehindWindow(ctx)

	select {
	case shapes := <-client.subscribed:
		t.Fatalf("unexpected re-subscribe after failed reconnect: %+v", shapes)
	case <-time.After(200 * time.Millisecond):
	}

	subsAfter, ok, err := oplog.GetMeta(ctx, adapter, oplog.MetaSubscriptions)
	if err != nil {
		t.Fatalf("GetMeta(subscriptions) error: %v", err)
	}
	if ok && subsAfter != "[]" {
		t.Errorf("subscriptions meta after recoverBehindWindow = %q, want []", subsAfter)
	}
}

// TestOnConnectivityChangeDispatchesKnownStates walks the connectivity
// state machine's Available -> Connected -> Disconnected transitions from
// spec.md §4.7: Available (re)starts replication, Connected resets the
// reconnect backoff counter, and Disconnected closes the client.
func TestOnConnectivityChangeDispatchesKnownStates(t *testing.T) {
	adapter := openTestAdapter(t)
	client := newFakeReplicationClient()
	ctrl, _ := newTestController(t, adapter, client)

	ctrl.reconnectMu.Lock()
	ctrl.reconnectAttempt = 3
	ctrl.reconnectMu.Unlock()

	// Available spawns connectAndStartReplication in a goroutine against
	// the fake client, which resolves synchronously; give the scheduler a
	// moment to run it before moving on.
	ctrl.onConnectivityChange(Available)
	time.Sleep(50 * time.Millisecond)

	ctrl.onConnectivityChange(Connected)
	ctrl.reconnectMu.Lock()
	attempt := ctrl.reconnectAttempt
	ctrl.reconnectMu.Unlock()
	if attempt != 0 {
		t.Errorf("reconnectAttempt after Connected = %d, want 0", attempt)
	}

	ctrl.onConnectivityChange(Disconnected)
	if !client.isClosed() {
		t.Errorf("client.Close() was not called on Disconnected")
	}
}

// TestOnConnectivityChangeUnknownStateIsFatal documents spec.md §4.7's
// "any other value is fatal" clause: an unrecognized ConnectivityState
// panics rather than silently no-op'ing.
func TestOnConnectivityChangeUnknownStateIsFatal(t *testing.T) {
	adapter := openTestAdapter(t)
	client := newFakeReplicationClient()
	ctrl, _ := newTestController(t, adapter, client)

	defer func() {
		if recover() == nil {
			t.Errorf("onConnectivityChange(unknown state) did not panic")
		}
	}()
	ctrl.onConnectivityChange(ConnectivityState("bogus"))
}
