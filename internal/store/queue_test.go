package store

import (
	"context"
	"testing"
	"time"

	"github.com/movetrace/fieldsync/internal/record"
)

// enqueueSession creates a session and returns its id plus the id of the
// CREATE queue item.
func enqueueSession(t *testing.T, s *Store, title string) (string, int64) {
	t.Helper()
	ctx := context.Background()

	sess := record.NewRecordingSession(title)
	if err := s.CreateSession(ctx, sess, 0); err != nil {
		t.Fatalf("CreateSession() failed: %v", err)
	}

	items, err := s.ListQueueItems(ctx, record.QueuePending)
	if err != nil {
		t.Fatalf("ListQueueItems() failed: %v", err)
	}
	for _, item := range items {
		if item.EntityID == sess.ID {
			return sess.ID, item.ID
		}
	}
	t.Fatalf("no queue item for session %s", sess.ID)
	return "", 0
}

// TestDequeueNextBatch_ClaimsAtomically verifies claimed items flip to
// PROCESSING and are not handed out twice.
func TestDequeueNextBatch_ClaimsAtomically(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	enqueueSession(t, s, "one")
	enqueueSession(t, s, "two")

	batch, err := s.DequeueNextBatch(ctx, 10)
	if err != nil {
		t.Fatalf("DequeueNextBatch() failed: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("got %d items, want 2", len(batch))
	}
	for _, item := range batch {
		if item.Status != record.QueueProcessing {
			t.Errorf("item %d status = %s, want PROCESSING", item.ID, item.Status)
		}
	}

	again, err := s.DequeueNextBatch(ctx, 10)
	if err != nil {
		t.Fatalf("DequeueNextBatch() failed: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("second dequeue returned %d items, want 0", len(again))
	}
}

// TestDequeueNextBatch_PriorityOrder verifies higher-priority items are
// claimed ahead of lower-priority ones even when enqueued later.
func TestDequeueNextBatch_PriorityOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	low := record.NewRecordingSession("routine drill")
	if err := s.CreateSession(ctx, low, 0); err != nil {
		t.Fatalf("CreateSession() failed: %v", err)
	}
	high := record.NewRecordingSession("competition lift")
	if err := s.CreateSession(ctx, high, 5); err != nil {
		t.Fatalf("CreateSession() failed: %v", err)
	}

	batch, err := s.DequeueNextBatch(ctx, 10)
	if err != nil {
		t.Fatalf("DequeueNextBatch() failed: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("got %d items, want 2", len(batch))
	}
	if batch[0].EntityID != high.ID || batch[0].Priority != 5 {
		t.Errorf("first claimed item is %s (priority %d), want the priority-5 session", batch[0].EntityID, batch[0].Priority)
	}
	if batch[1].EntityID != low.ID {
		t.Errorf("second claimed item is %s, want the priority-0 session", batch[1].EntityID)
	}
}

// TestDequeueNextBatch_OnePerEntity verifies that while one mutation of a
// record is in flight, its later mutations stay queued.
func TestDequeueNextBatch_OnePerEntity(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess := record.NewRecordingSession("edited twice")
	if err := s.CreateSession(ctx, sess, 0); err != nil {
		t.Fatalf("CreateSession() failed: %v", err)
	}
	sess.Title = "edit one"
	if err := s.UpdateSession(ctx, sess, 0); err != nil {
		t.Fatalf("UpdateSession() failed: %v", err)
	}
	sess.Title = "edit two"
	if err := s.UpdateSession(ctx, sess, 0); err != nil {
		t.Fatalf("UpdateSession() failed: %v", err)
	}

	// The oldest mutation (CREATE) is claimable; nothing else is.
	batch, err := s.DequeueNextBatch(ctx, 10)
	if err != nil {
		t.Fatalf("DequeueNextBatch() failed: %v", err)
	}
	if len(batch) != 1 {
		t.Fatalf("got %d items, want 1 (one PROCESSING per record)", len(batch))
	}
	if batch[0].Operation != record.OpCreate {
		t.Errorf("claimed %s, want the oldest mutation (CREATE)", batch[0].Operation)
	}

	// While it is in flight, nothing further for this record dequeues.
	if more, _ := s.DequeueNextBatch(ctx, 10); len(more) != 0 {
		t.Errorf("dequeued %d items while sibling in flight, want 0", len(more))
	}

	// After settling, the next-oldest mutation becomes claimable.
	if err := s.MarkCompleted(ctx, batch[0].ID); err != nil {
		t.Fatalf("MarkCompleted() failed: %v", err)
	}
	next, err := s.DequeueNextBatch(ctx, 10)
	if err != nil {
		t.Fatalf("DequeueNextBatch() failed: %v", err)
	}
	if len(next) != 1 || next[0].Operation != record.OpUpdate {
		t.Fatalf("expected the first UPDATE next, got %d items", len(next))
	}
}

// TestDequeueNextBatch_RespectsSchedule verifies backed-off items are not
// claimed before their scheduled time.
func TestDequeueNextBatch_RespectsSchedule(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, itemID := enqueueSession(t, s, "backed off")

	batch, err := s.DequeueNextBatch(ctx, 10)
	if err != nil || len(batch) != 1 {
		t.Fatalf("DequeueNextBatch() = %d items, err %v", len(batch), err)
	}

	// Push it an hour into the future.
	if _, err := s.MarkFailed(ctx, itemID, "remote error (status 503)", time.Hour); err != nil {
		t.Fatalf("MarkFailed() failed: %v", err)
	}

	if batch, _ := s.DequeueNextBatch(ctx, 10); len(batch) != 0 {
		t.Errorf("claimed %d items scheduled in the future, want 0", len(batch))
	}
}

// TestMarkFailed_RetriesThenAbandons walks an item through its full retry
// budget and verifies the owning record lands in ERROR.
func TestMarkFailed_RetriesThenAbandons(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sessID, itemID := enqueueSession(t, s, "doomed")

	for attempt := 1; attempt < record.DefaultMaxRetries; attempt++ {
		status, err := s.MarkFailed(ctx, itemID, "remote error (status 500)", 0)
		if err != nil {
			t.Fatalf("MarkFailed() attempt %d failed: %v", attempt, err)
		}
		if status != record.QueuePending {
			t.Fatalf("attempt %d status = %s, want PENDING", attempt, status)
		}
	}

	status, err := s.MarkFailed(ctx, itemID, "remote error (status 500)", 0)
	if err != nil {
		t.Fatalf("final MarkFailed() failed: %v", err)
	}
	if status != record.QueueAbandoned {
		t.Fatalf("final status = %s, want ABANDONED", status)
	}

	item, err := s.GetQueueItem(ctx, itemID)
	if err != nil {
		t.Fatalf("GetQueueItem() failed: %v", err)
	}
	if item.RetryCount != record.DefaultMaxRetries {
		t.Errorf("RetryCount = %d, want %d", item.RetryCount, record.DefaultMaxRetries)
	}
	if item.ErrorMessage == "" {
		t.Error("expected the last failure to be recorded")
	}

	sess, err := s.GetSession(ctx, sessID)
	if err != nil {
		t.Fatalf("GetSession() failed: %v", err)
	}
	if sess.SyncStatus != record.SyncError {
		t.Errorf("session SyncStatus = %q, want ERROR after abandonment", sess.SyncStatus)
	}
	if sess.ErrorMessage == "" {
		t.Error("expected the failure message on the record")
	}
}

// TestRequeue_NoRetryPenalty verifies connectivity-style requeues do not
// consume the retry budget.
func TestRequeue_NoRetryPenalty(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, itemID := enqueueSession(t, s, "offline mid-pass")

	if batch, _ := s.DequeueNextBatch(ctx, 10); len(batch) != 1 {
		t.Fatal("expected to claim the item")
	}

	if err := s.Requeue(ctx, itemID, 0); err != nil {
		t.Fatalf("Requeue() failed: %v", err)
	}

	item, err := s.GetQueueItem(ctx, itemID)
	if err != nil {
		t.Fatalf("GetQueueItem() failed: %v", err)
	}
	if item.Status != record.QueuePending {
		t.Errorf("status = %s, want PENDING", item.Status)
	}
	if item.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0 (requeue is not a failure)", item.RetryCount)
	}
}

// TestRequeueStale_RecoversCrashedItems verifies startup recovery of items
// left PROCESSING by a dead process.
func TestRequeueStale_RecoversCrashedItems(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	enqueueSession(t, s, "a")
	enqueueSession(t, s, "b")

	if batch, _ := s.DequeueNextBatch(ctx, 10); len(batch) != 2 {
		t.Fatal("expected to claim both items")
	}

	n, err := s.RequeueStale(ctx)
	if err != nil {
		t.Fatalf("RequeueStale() failed: %v", err)
	}
	if n != 2 {
		t.Errorf("recovered %d items, want 2", n)
	}

	if batch, _ := s.DequeueNextBatch(ctx, 10); len(batch) != 2 {
		t.Error("recovered items should be claimable again")
	}
}

// TestPruneCompleted_KeepsAbandoned verifies maintenance removes settled
// items but preserves abandoned ones for diagnostics.
func TestPruneCompleted_KeepsAbandoned(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, doneID := enqueueSession(t, s, "done")
	_, deadID := enqueueSession(t, s, "dead")

	if err := s.MarkCompleted(ctx, doneID); err != nil {
		t.Fatalf("MarkCompleted() failed: %v", err)
	}
	for i := 0; i < record.DefaultMaxRetries; i++ {
		if _, err := s.MarkFailed(ctx, deadID, "remote error (status 500)", 0); err != nil {
			t.Fatalf("MarkFailed() failed: %v", err)
		}
	}

	n, err := s.PruneCompleted(ctx, 0)
	if err != nil {
		t.Fatalf("PruneCompleted() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d items, want 1", n)
	}

	items, err := s.ListQueueItems(ctx, "")
	if err != nil {
		t.Fatalf("ListQueueItems() failed: %v", err)
	}
	if len(items) != 1 || items[0].Status != record.QueueAbandoned {
		t.Errorf("expected only the abandoned item to survive, got %d items", len(items))
	}
}

// TestMarkFailedPermanent_SetsEntityError verifies non-retryable failures
// skip the retry budget entirely.
func TestMarkFailedPermanent_SetsEntityError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sessID, itemID := enqueueSession(t, s, "rejected")

	if err := s.MarkFailedPermanent(ctx, itemID, "remote error (status 422): bad payload"); err != nil {
		t.Fatalf("MarkFailedPermanent() failed: %v", err)
	}

	item, _ := s.GetQueueItem(ctx, itemID)
	if item.Status != record.QueueFailed {
		t.Errorf("status = %s, want FAILED", item.Status)
	}

	sess, _ := s.GetSession(ctx, sessID)
	if sess.SyncStatus != record.SyncError {
		t.Errorf("session SyncStatus = %q, want ERROR", sess.SyncStatus)
	}
}

func TestGetHealth_Counts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	enqueueSession(t, s, "pending")
	_, itemID := enqueueSession(t, s, "erroring")
	if err := s.MarkFailedPermanent(ctx, itemID, "remote error (status 400)"); err != nil {
		t.Fatalf("MarkFailedPermanent() failed: %v", err)
	}

	h, err := s.GetHealth(ctx)
	if err != nil {
		t.Fatalf("GetHealth() failed: %v", err)
	}
	if h.QueuePending != 1 {
		t.Errorf("QueuePending = %d, want 1", h.QueuePending)
	}
	if h.SessionsError != 1 {
		t.Errorf("SessionsError = %d, want 1", h.SessionsError)
	}
	if h.SessionsPending != 1 {
		t.Errorf("SessionsPending = %d, want 1", h.SessionsPending)
	}
}
