// Package syncer drains the durable mutation queue against the remote
// API. A single orchestrator owns all drain passes: triggers from the
// periodic ticker, from explicit user action, and from connectivity
// changes all funnel into one serialized loop, with overlapping triggers
// coalesced into a single follow-up pass.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/movetrace/fieldsync/internal/record"
	"github.com/movetrace/fieldsync/internal/remote"
	"github.com/movetrace/fieldsync/internal/store"
	"github.com/movetrace/fieldsync/internal/upload"
)

// deferDelay is the requeue delay for items that are not failing but
// cannot run yet, such as an annotation whose session has no remote id.
const deferDelay = 2 * time.Second

// connectivityDelay is the requeue delay after a transport-level failure.
// Short on purpose: the next pass is expected to be triggered by a
// connectivity change, not by this timer.
const connectivityDelay = 5 * time.Second

// errOffline aborts a drain pass without touching any item's retry budget.
var errOffline = errors.New("device is offline")

// Config controls orchestrator behavior.
type Config struct {
	// Interval between automatic drain passes in daemon mode.
	Interval time.Duration

	// BatchSize is the number of queue items claimed per dequeue round.
	BatchSize int

	// SyncOnCellular permits automatic passes on metered networks.
	// Forced passes always run regardless.
	SyncOnCellular bool

	// Backoff schedules retries for transient failures.
	Backoff Backoff

	// Logger receives operational output. Defaults to the standard logger.
	Logger *log.Logger
}

// DefaultConfig returns the standard orchestrator configuration.
func DefaultConfig() *Config {
	return &Config{
		Interval:       30 * time.Second,
		BatchSize:      20,
		SyncOnCellular: false,
		Backoff:        DefaultBackoff(),
		Logger:         log.Default(),
	}
}

// Orchestrator coordinates queue drains, conflict bookkeeping, and video
// uploads against a single local store and remote API.
type Orchestrator struct {
	store    *store.Store
	api      remote.API
	uploader *upload.Engine
	network  NetworkStatus
	config   *Config
	logger   *log.Logger
	hub      *stateHub

	mu       sync.Mutex
	draining bool
	rerun    bool

	periodicMu     sync.Mutex
	periodicCancel context.CancelFunc
	periodicWG     sync.WaitGroup
}

// New creates an orchestrator and recovers any queue items left in
// PROCESSING by a previous process.
func New(ctx context.Context, st *store.Store, api remote.API, uploader *upload.Engine, network NetworkStatus, config *Config) (*Orchestrator, error) {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = log.Default()
	}

	o := &Orchestrator{
		store:    st,
		api:      api,
		uploader: uploader,
		network:  network,
		config:   config,
		logger:   logger,
		hub:      newStateHub(),
	}

	n, err := st.RequeueStale(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to recover stale queue items: %w", err)
	}
	if n > 0 {
		o.logger.Printf("[syncer] recovered %d stale in-flight items", n)
	}
	return o, nil
}

// State returns the current sync state snapshot.
func (o *Orchestrator) State() State {
	return o.hub.Current()
}

// Subscribe returns a channel receiving state snapshots and a cancel
// function. The channel only holds the latest state; slow readers skip
// intermediate snapshots rather than blocking the orchestrator.
func (o *Orchestrator) Subscribe() (<-chan State, func()) {
	return o.hub.Subscribe()
}

// TriggerImmediateSync runs a drain pass now. With force set, the
// cellular policy gate is bypassed; this is the path behind an explicit
// user action. If a drain is already running the call coalesces into a
// single follow-up pass and returns immediately.
func (o *Orchestrator) TriggerImmediateSync(ctx context.Context, force bool) error {
	if !force {
		if skip, reason := o.policySkip(); skip {
			o.logger.Printf("[syncer] skipping automatic sync: %s", reason)
			return nil
		}
	}
	return o.drain(ctx)
}

// SchedulePeriodicSync starts the automatic drain loop. Idempotent: a
// second call while the loop is running is a no-op.
func (o *Orchestrator) SchedulePeriodicSync(ctx context.Context) {
	o.periodicMu.Lock()
	defer o.periodicMu.Unlock()
	if o.periodicCancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	o.periodicCancel = cancel
	o.periodicWG.Add(1)

	go func() {
		defer o.periodicWG.Done()
		ticker := time.NewTicker(o.config.Interval)
		defer ticker.Stop()
		o.logger.Printf("[syncer] periodic sync started (interval %s)", o.config.Interval)

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				if err := o.TriggerImmediateSync(loopCtx, false); err != nil && !errors.Is(err, context.Canceled) {
					o.logger.Printf("[syncer] periodic pass: %v", err)
				}
			}
		}
	}()
}

// CancelPeriodicSync stops the automatic drain loop and waits for the
// current tick to finish. Idempotent.
func (o *Orchestrator) CancelPeriodicSync() {
	o.periodicMu.Lock()
	cancel := o.periodicCancel
	o.periodicCancel = nil
	o.periodicMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	o.periodicWG.Wait()
	o.logger.Printf("[syncer] periodic sync stopped")
}

// Close shuts down background work and the state broadcast.
func (o *Orchestrator) Close() {
	o.CancelPeriodicSync()
	o.hub.close()
}

func (o *Orchestrator) policySkip() (bool, string) {
	switch o.network.Active() {
	case NetworkOffline:
		return true, "offline"
	case NetworkCellular:
		if !o.config.SyncOnCellular {
			return true, "on cellular and cellular sync is disabled"
		}
	}
	return false, ""
}

// drain serializes passes. The first caller runs the loop; concurrent
// callers set the rerun flag so their trigger is honored by exactly one
// extra pass instead of piling up.
func (o *Orchestrator) drain(ctx context.Context) error {
	o.mu.Lock()
	if o.draining {
		o.rerun = true
		o.mu.Unlock()
		return nil
	}
	o.draining = true
	o.mu.Unlock()

	for {
		err := o.runPass(ctx)

		o.mu.Lock()
		again := o.rerun && err == nil
		o.rerun = false
		if !again {
			o.draining = false
		}
		o.mu.Unlock()

		if !again {
			return err
		}
	}
}

// runPass claims and dispatches queue items until the queue is empty or
// the pass aborts. Connectivity loss mid-pass requeues the in-flight
// batch without consuming retries and ends the pass quietly; the next
// trigger picks up where this one stopped.
func (o *Orchestrator) runPass(ctx context.Context) error {
	o.publishSyncing(true, "")

	passErr := o.drainQueue(ctx)

	msg := ""
	if passErr != nil {
		msg = passErr.Error()
	}
	o.publishSyncing(false, msg)

	if errors.Is(passErr, errOffline) {
		// Not a failure: mutations stay queued until connectivity returns.
		return nil
	}
	return passErr
}

func (o *Orchestrator) drainQueue(ctx context.Context) error {
	if o.network.Active() == NetworkOffline {
		return errOffline
	}

	processed := 0
	for {
		batch, err := o.store.DequeueNextBatch(ctx, o.config.BatchSize)
		if err != nil {
			return fmt.Errorf("failed to claim queue items: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		for i, item := range batch {
			if err := o.processItem(ctx, item); err != nil {
				o.releaseBatch(batch[i:])
				return err
			}
			processed++
		}
	}

	if processed > 0 {
		o.logger.Printf("[syncer] pass complete: %d items processed", processed)
	}
	return nil
}

// releaseBatch returns claimed items to PENDING after a pass aborts
// mid-batch, starting with the item whose dispatch failed so nothing is
// left PROCESSING until the next restart. Items the failure path already
// requeued are untouched: Requeue only matches PROCESSING rows.
func (o *Orchestrator) releaseBatch(rest []*record.QueueItem) {
	for _, item := range rest {
		if err := o.store.Requeue(context.Background(), item.ID, 0); err != nil {
			o.logger.Printf("[syncer] failed to release item %d: %v", item.ID, err)
		}
	}
}

// processItem dispatches one claimed item and records the outcome. A
// non-nil return aborts the pass; per-item failures are absorbed into
// the item's own retry bookkeeping and return nil.
func (o *Orchestrator) processItem(ctx context.Context, item *record.QueueItem) error {
	if item.Operation != record.OpDelete {
		if err := o.store.SetSyncStatus(ctx, item.EntityType, item.EntityID, record.SyncSyncing, ""); err != nil {
			o.logger.Printf("[syncer] failed to mark %s %s syncing: %v", item.EntityType, item.EntityID, err)
		}
	}

	ack, expect, err := o.dispatch(ctx, item)

	switch {
	case err == nil:
		return o.recordSuccess(ctx, item, ack, expect)

	case errors.Is(err, errEntityGone):
		// The record was deleted locally while this item waited; a DELETE
		// item further down the queue carries the remote cleanup.
		if err := o.store.MarkCompleted(ctx, item.ID); err != nil {
			return fmt.Errorf("failed to complete superseded item %d: %w", item.ID, err)
		}
		return nil

	case errors.Is(err, errSessionNotSynced):
		// Ordering dependency, not a failure. No retry consumed.
		if err := o.store.Requeue(ctx, item.ID, deferDelay); err != nil {
			return fmt.Errorf("failed to defer item %d: %w", item.ID, err)
		}
		if err := o.store.SetSyncStatus(ctx, item.EntityType, item.EntityID, record.SyncPending, ""); err != nil {
			o.logger.Printf("[syncer] failed to reset %s %s: %v", item.EntityType, item.EntityID, err)
		}
		return nil

	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		o.requeueInFlight(item)
		return err

	case remote.IsConflict(err):
		return o.recordConflict(ctx, item, remote.ConflictVersion(err))

	case remote.IsConnectivity(err):
		o.logger.Printf("[syncer] connectivity lost dispatching item %d: %v", item.ID, err)
		o.requeueInFlight(item)
		return errOffline

	case remote.IsRetryable(err):
		return o.recordTransientFailure(ctx, item, err)

	default:
		return o.recordPermanentFailure(ctx, item, err)
	}
}

func (o *Orchestrator) recordSuccess(ctx context.Context, item *record.QueueItem, ack *remote.Ack, expect *int64) error {
	if item.Operation == record.OpDelete || ack == nil {
		// Local rows were purged when the delete was enqueued; the item
		// itself is the only state left to settle.
		if err := o.store.MarkCompleted(ctx, item.ID); err != nil {
			return fmt.Errorf("failed to complete item %d: %w", item.ID, err)
		}
		return nil
	}

	if classifyAck(expect, ack) == ackConflicted {
		o.logger.Printf("[syncer] %s %s: server at version %d, expected a clean increment", item.EntityType, item.EntityID, ack.RemoteVersion)
		return o.recordConflict(ctx, item, ack.RemoteVersion)
	}

	if err := o.store.ApplySyncSuccess(ctx, item.EntityType, item.EntityID, ack.RemoteID, ack.RemoteVersion, snapshotVersion(item)); err != nil {
		return fmt.Errorf("failed to apply sync result for %s %s: %w", item.EntityType, item.EntityID, err)
	}
	if err := o.store.MarkCompleted(ctx, item.ID); err != nil {
		return fmt.Errorf("failed to complete item %d: %w", item.ID, err)
	}
	return nil
}

// recordConflict parks the record in CONFLICT for explicit resolution
// and settles the queue item. Conflicts never retry on their own:
// re-sending the same snapshot cannot change the outcome.
func (o *Orchestrator) recordConflict(ctx context.Context, item *record.QueueItem, serverVersion int64) error {
	if item.Operation != record.OpDelete {
		if err := o.store.MarkConflict(ctx, item.EntityType, item.EntityID, serverVersion); err != nil {
			return fmt.Errorf("failed to mark %s %s conflicted: %w", item.EntityType, item.EntityID, err)
		}
	}
	if err := o.store.MarkCompleted(ctx, item.ID); err != nil {
		return fmt.Errorf("failed to complete item %d: %w", item.ID, err)
	}
	return nil
}

func (o *Orchestrator) recordTransientFailure(ctx context.Context, item *record.QueueItem, cause error) error {
	delay := o.config.Backoff.Delay(item.RetryCount)
	status, err := o.store.MarkFailed(ctx, item.ID, cause.Error(), delay)
	if err != nil {
		return fmt.Errorf("failed to record failure for item %d: %w", item.ID, err)
	}

	if status == record.QueueAbandoned {
		o.logger.Printf("[syncer] item %d abandoned after %d attempts: %v", item.ID, item.RetryCount+1, cause)
		return nil
	}

	o.logger.Printf("[syncer] item %d failed (attempt %d), retrying in %s: %v", item.ID, item.RetryCount+1, delay, cause)
	if item.Operation != record.OpDelete {
		if err := o.store.SetSyncStatus(ctx, item.EntityType, item.EntityID, record.SyncPending, ""); err != nil {
			o.logger.Printf("[syncer] failed to reset %s %s: %v", item.EntityType, item.EntityID, err)
		}
	}
	return nil
}

func (o *Orchestrator) recordPermanentFailure(ctx context.Context, item *record.QueueItem, cause error) error {
	o.logger.Printf("[syncer] item %d rejected permanently: %v", item.ID, cause)
	if err := o.store.MarkFailedPermanent(ctx, item.ID, cause.Error()); err != nil {
		return fmt.Errorf("failed to record rejection for item %d: %w", item.ID, err)
	}
	return nil
}

// requeueInFlight returns an item claimed by this pass to PENDING after
// an interruption that says nothing about the item itself.
func (o *Orchestrator) requeueInFlight(item *record.QueueItem) {
	ctx := context.Background()
	if err := o.store.Requeue(ctx, item.ID, connectivityDelay); err != nil {
		o.logger.Printf("[syncer] failed to requeue item %d: %v", item.ID, err)
	}
	if item.Operation != record.OpDelete {
		if err := o.store.SetSyncStatus(ctx, item.EntityType, item.EntityID, record.SyncPending, ""); err != nil {
			o.logger.Printf("[syncer] failed to reset %s %s: %v", item.EntityType, item.EntityID, err)
		}
	}
}

// UploadSessionVideo pushes a session's video through the chunked upload
// engine, publishing progress through the state hub. Uploads run outside
// queue drains: a multi-gigabyte transfer must not block metadata sync.
func (o *Orchestrator) UploadSessionVideo(ctx context.Context, sessionID string, force bool) error {
	if !force {
		if skip, reason := o.policySkip(); skip {
			return fmt.Errorf("upload blocked: %s", reason)
		}
	}

	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}

	return o.uploader.UploadSessionVideo(ctx, sess, func(p upload.Progress) {
		o.hub.publish(func(s *State) {
			s.Upload = &p
			if p.Done {
				s.Upload = nil
			}
		})
	})
}

// ResolveConflict settles a CONFLICT record. keepLocal re-asserts the
// local copy by enqueueing a fresh update; otherwise the local record is
// aligned to the server's version and marked SYNCED.
func (o *Orchestrator) ResolveConflict(ctx context.Context, et record.EntityType, id string, keepLocal bool) error {
	if keepLocal {
		return o.store.ResolveConflictKeepLocal(ctx, et, id, 0)
	}
	sess, err := o.latestServerVersion(ctx, et, id)
	if err != nil {
		return err
	}
	return o.store.ResolveConflictAcceptRemote(ctx, et, id, sess)
}

func (o *Orchestrator) latestServerVersion(ctx context.Context, et record.EntityType, id string) (int64, error) {
	if et != record.EntitySession {
		ann, err := o.store.GetAnnotation(ctx, id)
		if err != nil {
			return 0, fmt.Errorf("failed to load annotation: %w", err)
		}
		if ann.RemoteVersion == nil {
			return 0, fmt.Errorf("annotation %s has no recorded server version", id)
		}
		return *ann.RemoteVersion, nil
	}

	sess, err := o.store.GetSession(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("failed to load session: %w", err)
	}
	if sess.RemoteID != "" {
		remoteSess, err := o.api.FetchSession(ctx, sess.RemoteID)
		if err == nil && remoteSess.RemoteVersion != nil {
			return *remoteSess.RemoteVersion, nil
		}
		// Fall back to the version captured when the conflict was detected.
	}
	if sess.RemoteVersion == nil {
		return 0, fmt.Errorf("session %s has no recorded server version", id)
	}
	return *sess.RemoteVersion, nil
}

func (o *Orchestrator) publishSyncing(active bool, errMsg string) {
	var health *store.Health
	if h, err := o.store.GetHealth(context.Background()); err == nil {
		health = h
	}

	o.hub.publish(func(s *State) {
		s.Syncing = active
		if !active {
			s.LastSyncAt = time.Now()
			s.LastError = errMsg
		}
		if health != nil {
			s.Health = *health
		}
	})
}
