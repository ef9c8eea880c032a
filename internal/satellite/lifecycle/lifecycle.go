// Package lifecycle implements the Lifecycle Controller (spec.md §4.7): it
// owns start-up sequencing, the connectivity state machine, the polling
// timer, and behind-window recovery, wiring the Snapshotter, Applier,
// Subscription Manager and Replication Client together the way
// internal/sync/client.go and cmd/sync.go wire the host repository's own
// push/pull engine together.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/electric-sql/satellite/internal/dbadapter"
	"github.com/electric-sql/satellite/internal/replication"
	"github.com/electric-sql/satellite/internal/satellite/merge"
	"github.com/electric-sql/satellite/internal/satellite/model"
	"github.com/electric-sql/satellite/internal/satellite/oplog"
	"github.com/electric-sql/satellite/internal/satellite/snapshot"
	"github.com/electric-sql/satellite/internal/satellite/subscription"
)

// Config carries the spec.md §6 recognized keys this controller needs at
// start-up. Namespace is the schema/namespace name every qualified table
// name is generated under (spec.md §4.1's "main.<table>" convention uses
// "main" as namespace by default).
type Config struct {
	Namespace           string
	ClientID            string // optional; generated and persisted if empty
	PollingInterval     time.Duration
	MinSnapshotWindow   time.Duration
	ClearOnBehindWindow bool
	MaxReconnectBackoff time.Duration
}

// withDefaults fills zero-valued fields with spec.md §6's stated defaults.
func (c Config) withDefaults() Config {
	if c.Namespace == "" {
		c.Namespace = "main"
	}
	if c.PollingInterval == 0 {
		c.PollingInterval = 2 * time.Second
	}
	if c.MinSnapshotWindow == 0 {
		c.MinSnapshotWindow = 40 * time.Millisecond
	}
	if c.MaxReconnectBackoff == 0 {
		c.MaxReconnectBackoff = 30 * time.Second
	}
	return c
}

// StartHandle is returned by Start: its inner future reflects the outcome
// of the first connect-and-start-replication attempt (spec.md §4.7 step 8,
// "return a handle whose inner future reflects that attempt").
type StartHandle struct {
	done chan struct{}
	err  error
}

// Wait blocks until the first connection attempt resolves, or ctx is
// cancelled first.
func (h *StartHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// replicationClient is the slice of *replication.Client the Controller
// drives directly. It's declared as an interface, rather than the Controller
// holding the concrete type, purely so lifecycle_test.go can substitute a
// fake that never touches the network — the same reason snapshot.Emitter
// and subscription.Replicator exist as narrow interfaces in their packages.
// *replication.Client satisfies it, and (since interface-to-interface
// assignability is structural) so does passing a replicationClient value
// anywhere a snapshot.Emitter or subscription.Replicator is expected.
type replicationClient interface {
	Connect(ctx context.Context, cfg replication.AuthConfig) error
	Close() error
	ResetOutboundLogPositions(ackBytes, sentBytes int64)
	StartReplication(ctx context.Context, lsn []byte, schemaVersion string, resumeSubscriptions []string) error
	EnqueueTransaction(tx model.Transaction) error
	Subscribe(ctx context.Context, shapes []model.ShapeRequest) (string, error)
}

// Controller is the Lifecycle Controller collaborator. It owns no
// goroutine of its own until Start is called, and Stop tears down
// everything Start set in motion.
type Controller struct {
	adapter  *dbadapter.Adapter
	cfg      Config
	notifier *Notifier
	authCfg  replication.AuthConfig

	snapshotr *snapshot.Snapshotter
	applier   *merge.Applier
	subs      *subscription.Manager
	client    replicationClient

	clientID string

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup

	reconnectMu      sync.Mutex
	reconnectAttempt int
}

// New wires a Controller over an already-open adapter. authCfg carries the
// console/replication endpoint and bearer token (spec.md §6 auth.token,
// auth.clientId, url, console.*).
func New(adapter *dbadapter.Adapter, cfg Config, authCfg replication.AuthConfig) *Controller {
	return &Controller{
		adapter:  adapter,
		cfg:      cfg.withDefaults(),
		notifier: NewNotifier(),
		authCfg:  authCfg,
		stopCh:   make(chan struct{}),
	}
}

// Notifier exposes the pub/sub surface client code (e.g. a UI layer's
// "potentially changed" hints) subscribes against.
func (c *Controller) Notifier() *Notifier { return c.notifier }

// Subscriptions exposes the Subscription Manager for callers that need its
// read-only views (e.g. FulfilledDefinitions). Subscribe is the preferred
// entry point for requesting new shapes, since it also records
// subscriptionLatency.
func (c *Controller) Subscriptions() *subscription.Manager { return c.subs }

// Subscribe requests shapes through the Subscription Manager and records
// subscriptionLatency once the returned handle's synced future resolves
// (spec.md §4.5).
func (c *Controller) Subscribe(ctx context.Context, shapes []model.ShapeDefinition) (*subscription.Handle, error) {
	start := time.Now()
	handle, err := c.subs.Subscribe(ctx, shapes)
	if err != nil {
		return nil, err
	}
	go func() {
		if handle.Synced(context.Background()) == nil {
			subscriptionLatency.Observe(time.Since(start).Seconds())
		}
	}()
	return handle, nil
}

// Start runs spec.md §4.7 steps 1-8 and returns a handle for the first
// connection attempt, which proceeds asynchronously.
func (c *Controller) Start(ctx context.Context) (*StartHandle, error) {
	// Step 1: run the migrator (EnsureSystemTables is idempotent
	// create-if-not-exists) and verify the required tables landed.
	if err := oplog.EnsureSystemTables(func(q string, args ...any) error {
		_, err := c.adapter.ExecContext(ctx, q, args...)
		return err
	}); err != nil {
		return nil, fmt.Errorf("ensure system tables: %w", err)
	}
	if err := c.verifySystemTables(ctx); err != nil {
		return nil, err
	}

	// Step 2: resolve clientId from config or persisted meta, generating
	// and persisting one if absent.
	clientID, err := c.resolveClientID(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve client id: %w", err)
	}
	c.clientID = clientID
	c.authCfg.ClientID = clientID

	// Step 5 (relation cache rebuild is done lazily by merge.Applier's
	// columnsFor/oplog.TableColumns on first use, rather than eagerly
	// walking every user table up front) and step 6 (maxSqlParameters) are
	// folded into the collaborators below: subscription.maxSQLParameters
	// is a fixed conservative constant (999) that holds for SQLite builds
	// before and after 3.32, so no version probe is made.
	c.snapshotr = snapshot.New(c.adapter, c.cfg.Namespace, clientID, c.cfg.MinSnapshotWindow, nil)
	c.applier = merge.New(c.adapter, c.cfg.Namespace, clientID, c.snapshotr)

	handlers := replication.Handlers{
		OnRelation:          c.onRelation,
		OnTransaction:       c.onTransaction,
		OnAck:               c.onAck,
		OnOutboundStart:     func() { slog.Info("outbound replication started") },
		OnSubscriptionData:  c.onSubscriptionData,
		OnSubscriptionError: c.onSubscriptionError,
	}
	c.client = replication.New(handlers)
	c.snapshotr.SetEmitter(c.client)

	c.subs = subscription.New(c.adapter, c.client)
	if err := c.subs.LoadPersisted(ctx); err != nil {
		return nil, fmt.Errorf("load persisted subscriptions: %w", err)
	}

	// Step 3: install notifier subscriptions for connectivity and
	// "potentially changed" hints. Auth changes are not modeled as a
	// separate collaborator in this build (spec.md §6's auth.token is
	// fixed for the process lifetime), so only the two used subscriptions
	// are installed.
	c.notifier.OnConnectivityChange(c.onConnectivityChange)
	c.notifier.OnPotentiallyChanged(func([]string) {
		c.requestSnapshot(context.Background())
	})

	// Step 5 (continued): load persisted counters.
	lastAckd, lastSent, lsn, err := c.loadCounters(ctx)
	if err != nil {
		return nil, fmt.Errorf("load persisted meta: %w", err)
	}

	// Step 7: seed the client's outbound counters.
	c.client.ResetOutboundLogPositions(lastAckd, lastSent)

	// Step 4: register the polling timer.
	c.wg.Add(1)
	go c.pollLoop(ctx)

	// Step 8: asynchronously attempt the first connection.
	handle := &StartHandle{done: make(chan struct{})}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		err := c.connectAndStartReplication(ctx, lsn)
		handle.err = err
		close(handle.done)
		if err == nil {
			c.notifier.NotifyConnectivity(Connected)
		}
	}()

	return handle, nil
}

// Stop cancels the polling timer and all notifier subscriptions, then
// closes the client. In-flight snapshots/applies are not cancelled, per
// spec.md §5.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.notifier.Unsubscribe()
		if c.client != nil {
			c.client.Close()
		}
	})
	c.wg.Wait()
}

func (c *Controller) pollLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.PollingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.requestSnapshot(ctx)
		}
	}
}

// requestSnapshot calls through to the Snapshotter, recording
// snapshotDuration and snapshotErrors and refreshing the oplogBacklog
// gauge so both are live regardless of which caller triggered the
// snapshot (the poll timer or a "potentially changed" hint).
func (c *Controller) requestSnapshot(ctx context.Context) {
	start := time.Now()
	err := c.snapshotr.Request(ctx)
	snapshotDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		snapshotErrors.Inc()
		slog.Warn("snapshot request failed", "err", err)
	}
	c.refreshOplogBacklog(ctx)
}

func (c *Controller) refreshOplogBacklog(ctx context.Context) {
	lastAckd, _, _, err := c.loadCounters(ctx)
	if err != nil {
		return
	}
	var count int64
	if err := c.adapter.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM _electric_oplog WHERE rowid > ?`, lastAckd).Scan(&count); err != nil {
		return
	}
	oplogBacklog.Set(float64(count))
}

// onConnectivityChange is the state machine from spec.md §4.7: "available"
// (re)starts replication, "disconnected"/"error" close the client,
// "connected" resets the reconnect backoff, anything else is fatal.
func (c *Controller) onConnectivityChange(state ConnectivityState) {
	recordConnectivity(state)
	switch state {
	case Available:
		go func() {
			if err := c.connectAndStartReplication(context.Background(), nil); err != nil {
				slog.Warn("reconnect attempt failed", "err", err)
			}
		}()
	case Disconnected, ConnError:
		if c.client != nil {
			c.client.Close()
		}
	case Connected:
		c.reconnectMu.Lock()
		c.reconnectAttempt = 0
		c.reconnectMu.Unlock()
	default:
		panic(fmt.Sprintf("internal: unknown connectivity state %q", state))
	}
}

// connectAndStartReplication is _connectAndStartReplication from spec.md
// §4.7/§7: connect, then startReplication(lsn, schemaVersion,
// resumeSubscriptions). connectionFailed/invalidPosition/behindWindow
// propagate to the caller; every other error is logged and swallowed, and
// the controller waits for the next "available" transition to retry.
func (c *Controller) connectAndStartReplication(ctx context.Context, lsn []byte) error {
	if err := c.client.Connect(ctx, c.authCfg); err != nil {
		c.scheduleReconnect()
		return classifyStartErr(err)
	}

	if lsn == nil {
		if _, _, loaded, err := c.loadCounters(ctx); err == nil {
			lsn = loaded
		}
	}

	resume := c.subs.FulfilledSubscriptionIDs()
	err := c.client.StartReplication(ctx, lsn, fmt.Sprintf("%d", oplog.SchemaVersion), resume)
	if err == nil {
		return nil
	}

	replErr, ok := err.(*replication.ReplicationError)
	if !ok {
		slog.Warn("start replication failed", "err", err)
		c.scheduleReconnect()
		return nil
	}

	switch replErr.Code {
	case replication.ErrBehindWindow:
		if c.cfg.ClearOnBehindWindow {
			c.recoverBehindWindow(ctx)
		}
		return replErr
	case replication.ErrConnectionFailed, replication.ErrInvalidPosition:
		return replErr
	default:
		slog.Warn("start replication returned non-fatal error; will retry", "code", replErr.Code, "message", replErr.Message)
		c.scheduleReconnect()
		return nil
	}
}

// recoverBehindWindow implements spec.md §4.7's behind-window recovery:
// snapshot the currently-fulfilled shape definitions, reset local state
// (clear lsn, drop subscriptions), reconnect, then fire-and-forget
// re-subscribe to those same shapes.
func (c *Controller) recoverBehindWindow(ctx context.Context) {
	defs := c.subs.FulfilledDefinitions()

	_, err := dbadapter.RunInTransaction(ctx, c.adapter, func(tx *dbadapter.Tx) (struct{}, error) {
		if err := oplog.SetMeta(ctx, tx, oplog.MetaLSN, ""); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, oplog.SetMeta(ctx, tx, oplog.MetaSubscriptions, "[]")
	})
	if err != nil {
		slog.Warn("behind-window state reset failed", "err", err)
		return
	}
	c.subs = subscription.New(c.adapter, c.client)

	go func() {
		if err := c.connectAndStartReplication(context.Background(), nil); err != nil {
			slog.Warn("behind-window reconnect failed", "err", err)
			return
		}
		for _, shapes := range defs {
			if _, err := c.subs.Subscribe(context.Background(), shapes); err != nil {
				slog.Warn("behind-window re-subscribe failed", "err", err)
			}
		}
	}()
}

func (c *Controller) scheduleReconnect() {
	c.reconnectMu.Lock()
	attempt := c.reconnectAttempt
	c.reconnectAttempt++
	c.reconnectMu.Unlock()

	delay := replication.ReconnectBackoff(attempt, c.cfg.MaxReconnectBackoff)
	go func() {
		select {
		case <-time.After(delay):
		case <-c.stopCh:
			return
		}
		c.notifier.NotifyConnectivity(Available)
	}()
}

func (c *Controller) onRelation(r model.Relation) {
	slog.Debug("relation received", "schema", r.Schema, "table", r.Table)
}

func (c *Controller) onTransaction(tx model.Transaction) {
	start := time.Now()
	err := c.applier.Apply(context.Background(), tx)
	applierDuration.Observe(time.Since(start).Seconds())
	applierBatchSize.Observe(float64(len(tx.Changes)))
	if err != nil {
		slog.Warn("apply inbound transaction failed", "err", err)
	}
}

func (c *Controller) onAck(lsn []byte, kind replication.AckKind) {
	slog.Debug("ack received", "kind", kind, "lsnLen", len(lsn))
}

func (c *Controller) onSubscriptionData(subscriptionID string, lsn []byte, tables []replication.TableRows) {
	for _, t := range tables {
		if err := c.subs.ApplyShapeData(context.Background(), subscriptionID, t.Namespace, t.Table, t.Rows, t.Tag, lsn); err != nil {
			slog.Warn("apply subscription data failed", "subscriptionId", subscriptionID, "table", t.Table, "err", err)
			return
		}
		c.notifier.NotifyPotentiallyChanged([]string{t.Namespace + "." + t.Table})
	}
}

func (c *Controller) onSubscriptionError(subscriptionID string, err error) {
	c.subs.OnSubscriptionError(subscriptionID, err)
}

func (c *Controller) verifySystemTables(ctx context.Context) error {
	for _, table := range []string{"_electric_meta", "_electric_oplog", "_electric_shadow"} {
		var name string
		err := c.adapter.QueryRowContext(ctx,
			`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		if err != nil {
			return fmt.Errorf("internal: required system table %s missing: %w", table, err)
		}
	}
	return nil
}

func (c *Controller) resolveClientID(ctx context.Context) (string, error) {
	if c.cfg.ClientID != "" {
		return c.cfg.ClientID, nil
	}

	existing, err := dbadapter.RunInTransaction(ctx, c.adapter, func(tx *dbadapter.Tx) (string, error) {
		v, ok, err := oplog.GetMeta(ctx, tx, oplog.MetaClientID)
		if err != nil || !ok {
			return "", err
		}
		return v, nil
	})
	if err != nil {
		return "", err
	}
	if existing != "" {
		return existing, nil
	}

	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate client id: %w", err)
	}
	clientID := id.String()
	_, err = dbadapter.RunInTransaction(ctx, c.adapter, func(tx *dbadapter.Tx) (struct{}, error) {
		return struct{}{}, oplog.SetMeta(ctx, tx, oplog.MetaClientID, clientID)
	})
	return clientID, err
}

type loadedCounters struct {
	ackd, sent int64
	lsn        string
}

func (c *Controller) loadCounters(ctx context.Context) (lastAckd, lastSent int64, lsn []byte, err error) {
	got, err := dbadapter.RunInTransaction(ctx, c.adapter, func(tx *dbadapter.Tx) (loadedCounters, error) {
		var out loadedCounters
		raw, ok, gerr := oplog.GetMeta(ctx, tx, oplog.MetaLastAckdRowID)
		if gerr != nil {
			return out, gerr
		}
		if ok {
			fmt.Sscanf(raw, "%d", &out.ackd)
		}
		raw, ok, gerr = oplog.GetMeta(ctx, tx, oplog.MetaLastSentRowID)
		if gerr != nil {
			return out, gerr
		}
		if ok {
			fmt.Sscanf(raw, "%d", &out.sent)
		}
		raw, ok, gerr = oplog.GetMeta(ctx, tx, oplog.MetaLSN)
		if gerr != nil {
			return out, gerr
		}
		if ok {
			out.lsn = raw
		}
		return out, nil
	})
	if err != nil {
		return 0, 0, nil, err
	}
	if got.lsn != "" {
		lsn = []byte(got.lsn)
	}
	return got.ackd, got.sent, lsn, nil
}

// classifyStartErr reclassifies a raw connect error as a
// *replication.ReplicationError so connectAndStartReplication's switch
// above always has a typed code to dispatch on.
func classifyStartErr(err error) error {
	if _, ok := err.(*replication.ReplicationError); ok {
		return err
	}
	return &replication.ReplicationError{Code: replication.ErrConnectionFailed, Message: err.Error()}
}
