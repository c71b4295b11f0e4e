package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/movetrace/fieldsync/internal/record"
)

// openTestStore creates a fresh store in a temp directory with the schema
// initialized.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if err := s.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return s
}

// TestInitSchema_TablesExist checks every table the engine relies on.
func TestInitSchema_TablesExist(t *testing.T) {
	s := openTestStore(t)

	tables := []string{"sessions", "annotations", "sync_queue", "upload_state"}
	for _, table := range tables {
		var count int
		err := s.conn.QueryRow(
			`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
		if err != nil {
			t.Fatalf("Failed to query table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("Table %s does not exist", table)
		}
	}
}

func TestInitSchema_Idempotent(t *testing.T) {
	s := openTestStore(t)
	if err := s.InitSchema(); err != nil {
		t.Errorf("Second InitSchema() failed: %v", err)
	}
}

// TestCreateSession_EnqueuesCreate verifies the session row and its CREATE
// queue item are written together.
func TestCreateSession_EnqueuesCreate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess := record.NewRecordingSession("Clean and jerk")
	if err := s.CreateSession(ctx, sess, 0); err != nil {
		t.Fatalf("CreateSession() failed: %v", err)
	}

	got, err := s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession() failed: %v", err)
	}
	if got.Title != "Clean and jerk" {
		t.Errorf("Title = %q", got.Title)
	}
	if got.SyncStatus != record.SyncPending {
		t.Errorf("SyncStatus = %q, want PENDING", got.SyncStatus)
	}

	items, err := s.ListQueueItems(ctx, record.QueuePending)
	if err != nil {
		t.Fatalf("ListQueueItems() failed: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("got %d queue items, want 1", len(items))
	}
	if items[0].Operation != record.OpCreate || items[0].EntityID != sess.ID {
		t.Errorf("unexpected item %s %s", items[0].Operation, items[0].EntityID)
	}
}

// TestUpdateSession_BumpsVersionAndEnqueues verifies every edit produces a
// version bump and a new UPDATE item, with the snapshot frozen.
func TestUpdateSession_BumpsVersionAndEnqueues(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess := record.NewRecordingSession("Snatch" /* v1 */)
	if err := s.CreateSession(ctx, sess, 0); err != nil {
		t.Fatalf("CreateSession() failed: %v", err)
	}

	sess.Title = "Snatch technique"
	if err := s.UpdateSession(ctx, sess, 0); err != nil {
		t.Fatalf("UpdateSession() failed: %v", err)
	}

	got, err := s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession() failed: %v", err)
	}
	if got.LocalVersion != 2 {
		t.Errorf("LocalVersion = %d, want 2", got.LocalVersion)
	}

	items, err := s.ListQueueItems(ctx, record.QueuePending)
	if err != nil {
		t.Fatalf("ListQueueItems() failed: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("got %d queue items, want CREATE and UPDATE", len(items))
	}
}

// TestCompleteSession_Lifecycle verifies the completed transition enqueues
// a COMPLETE item and rejects double transitions.
func TestCompleteSession_Lifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess := record.NewRecordingSession("Box jumps")
	if err := s.CreateSession(ctx, sess, 0); err != nil {
		t.Fatalf("CreateSession() failed: %v", err)
	}

	if err := s.CompleteSession(ctx, sess.ID, 0); err != nil {
		t.Fatalf("CompleteSession() failed: %v", err)
	}

	got, _ := s.GetSession(ctx, sess.ID)
	if got.Status != record.SessionCompleted {
		t.Errorf("Status = %q, want completed", got.Status)
	}
	if got.LocalVersion != 2 {
		t.Errorf("LocalVersion = %d, want 2", got.LocalVersion)
	}

	if err := s.CompleteSession(ctx, sess.ID, 0); err == nil {
		t.Error("expected error completing an already-completed session")
	}
	if err := s.CancelSession(ctx, sess.ID, 0); err == nil {
		t.Error("expected error cancelling a completed session")
	}

	items, _ := s.ListQueueItems(ctx, record.QueuePending)
	var ops []record.Operation
	for _, item := range items {
		ops = append(ops, item.Operation)
	}
	if len(ops) != 2 || ops[0] != record.OpCreate || ops[1] != record.OpComplete {
		t.Errorf("queue operations = %v, want [CREATE COMPLETE]", ops)
	}
}

// TestDeleteSession_Cascade verifies the delete removes the session, its
// annotations, and superseded queue items in one shot, and enqueues a
// remote DELETE only for records the server knows about.
func TestDeleteSession_Cascade(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess := record.NewRecordingSession("To delete")
	sess.RemoteID = "srv-9"
	if err := s.CreateSession(ctx, sess, 0); err != nil {
		t.Fatalf("CreateSession() failed: %v", err)
	}

	ann := record.NewPhaseAnnotation(sess.ID, "drive", 0, 500)
	if err := s.CreateAnnotation(ctx, ann, 0); err != nil {
		t.Fatalf("CreateAnnotation() failed: %v", err)
	}

	if err := s.DeleteSession(ctx, sess.ID, 0); err != nil {
		t.Fatalf("DeleteSession() failed: %v", err)
	}

	if _, err := s.GetSession(ctx, sess.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("GetSession() after delete = %v, want ErrNoRows", err)
	}
	anns, err := s.ListAnnotations(ctx, sess.ID)
	if err != nil {
		t.Fatalf("ListAnnotations() failed: %v", err)
	}
	if len(anns) != 0 {
		t.Errorf("got %d annotations after cascade delete, want 0", len(anns))
	}

	// The pending CREATE items are superseded; only the DELETE survives.
	items, err := s.ListQueueItems(ctx, record.QueuePending)
	if err != nil {
		t.Fatalf("ListQueueItems() failed: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("got %d pending items, want only the DELETE", len(items))
	}
	if items[0].Operation != record.OpDelete {
		t.Errorf("surviving item operation = %s, want DELETE", items[0].Operation)
	}
}

// TestDeleteSession_NeverSynced verifies no DELETE item is written for a
// session the server has never seen.
func TestDeleteSession_NeverSynced(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess := record.NewRecordingSession("Local only")
	if err := s.CreateSession(ctx, sess, 0); err != nil {
		t.Fatalf("CreateSession() failed: %v", err)
	}
	if err := s.DeleteSession(ctx, sess.ID, 0); err != nil {
		t.Fatalf("DeleteSession() failed: %v", err)
	}

	items, err := s.ListQueueItems(ctx, "")
	if err != nil {
		t.Fatalf("ListQueueItems() failed: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("got %d queue items, want none for a never-synced delete", len(items))
	}
}

func TestListSessions_Filters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := record.NewRecordingSession("A")
	b := record.NewRecordingSession("B")
	if err := s.CreateSession(ctx, a, 0); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateSession(ctx, b, 0); err != nil {
		t.Fatal(err)
	}
	if err := s.CompleteSession(ctx, b.ID, 0); err != nil {
		t.Fatal(err)
	}

	completed, err := s.ListSessions(ctx, ListSessionsFilter{Status: record.SessionCompleted})
	if err != nil {
		t.Fatalf("ListSessions() failed: %v", err)
	}
	if len(completed) != 1 || completed[0].ID != b.ID {
		t.Errorf("completed filter returned %d sessions", len(completed))
	}

	all, err := s.ListSessions(ctx, ListSessionsFilter{})
	if err != nil {
		t.Fatalf("ListSessions() failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("got %d sessions, want 2", len(all))
	}
}

// TestApplySyncSuccess_SkipsMutatedRecord verifies a record edited while
// its snapshot was in flight stays PENDING instead of being marked SYNCED.
func TestApplySyncSuccess_SkipsMutatedRecord(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess := record.NewRecordingSession("Racing the ack")
	if err := s.CreateSession(ctx, sess, 0); err != nil {
		t.Fatalf("CreateSession() failed: %v", err)
	}

	// The snapshot dispatched at version 1; the user edits meanwhile.
	sess.Title = "Edited mid-flight"
	if err := s.UpdateSession(ctx, sess, 0); err != nil {
		t.Fatalf("UpdateSession() failed: %v", err)
	}

	if err := s.ApplySyncSuccess(ctx, record.EntitySession, sess.ID, "srv-1", 1, 1); err != nil {
		t.Fatalf("ApplySyncSuccess() failed: %v", err)
	}

	got, _ := s.GetSession(ctx, sess.ID)
	if got.RemoteID != "srv-1" {
		t.Errorf("RemoteID = %q, want srv-1 (identity always recorded)", got.RemoteID)
	}
	if got.SyncStatus != record.SyncPending {
		t.Errorf("SyncStatus = %q, want PENDING (newer local edit exists)", got.SyncStatus)
	}

	// Without the in-flight edit the same ack marks the record SYNCED.
	if err := s.ApplySyncSuccess(ctx, record.EntitySession, sess.ID, "srv-1", 2, got.LocalVersion); err != nil {
		t.Fatalf("ApplySyncSuccess() failed: %v", err)
	}
	got, _ = s.GetSession(ctx, sess.ID)
	if got.SyncStatus != record.SyncSynced {
		t.Errorf("SyncStatus = %q, want SYNCED", got.SyncStatus)
	}
}

// TestConflictResolution_BothPaths exercises keep-local and accept-remote.
func TestConflictResolution_BothPaths(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess := record.NewRecordingSession("Conflicted")
	if err := s.CreateSession(ctx, sess, 0); err != nil {
		t.Fatalf("CreateSession() failed: %v", err)
	}
	if err := s.MarkConflict(ctx, record.EntitySession, sess.ID, 7); err != nil {
		t.Fatalf("MarkConflict() failed: %v", err)
	}

	got, _ := s.GetSession(ctx, sess.ID)
	if got.SyncStatus != record.SyncConflict {
		t.Fatalf("SyncStatus = %q, want CONFLICT", got.SyncStatus)
	}
	if got.RemoteVersion == nil || *got.RemoteVersion != 7 {
		t.Fatalf("RemoteVersion = %v, want 7", got.RemoteVersion)
	}

	// Keep local: record returns to PENDING with a fresh UPDATE queued
	// against the server's version.
	if err := s.ResolveConflictKeepLocal(ctx, record.EntitySession, sess.ID, 0); err != nil {
		t.Fatalf("ResolveConflictKeepLocal() failed: %v", err)
	}
	got, _ = s.GetSession(ctx, sess.ID)
	if got.SyncStatus != record.SyncPending {
		t.Errorf("SyncStatus = %q, want PENDING after keep-local", got.SyncStatus)
	}

	// Set up a second conflict and accept the remote side.
	if err := s.MarkConflict(ctx, record.EntitySession, sess.ID, 9); err != nil {
		t.Fatalf("MarkConflict() failed: %v", err)
	}
	if err := s.ResolveConflictAcceptRemote(ctx, record.EntitySession, sess.ID, 9); err != nil {
		t.Fatalf("ResolveConflictAcceptRemote() failed: %v", err)
	}
	got, _ = s.GetSession(ctx, sess.ID)
	if got.SyncStatus != record.SyncSynced {
		t.Errorf("SyncStatus = %q, want SYNCED after accept-remote", got.SyncStatus)
	}
	if got.LocalVersion != 9 {
		t.Errorf("LocalVersion = %d, want aligned to server version 9", got.LocalVersion)
	}

	// Accept-remote on a non-conflicted record is rejected.
	if err := s.ResolveConflictAcceptRemote(ctx, record.EntitySession, sess.ID, 10); err == nil {
		t.Error("expected error resolving a record not in CONFLICT")
	}
}

// TestRetryErrored_RequiresErrorState verifies the user retry transition.
func TestRetryErrored_RequiresErrorState(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess := record.NewRecordingSession("Flaky")
	if err := s.CreateSession(ctx, sess, 0); err != nil {
		t.Fatalf("CreateSession() failed: %v", err)
	}

	if err := s.RetryErrored(ctx, record.EntitySession, sess.ID, 0); err == nil {
		t.Error("expected error retrying a non-ERROR record")
	}

	if err := s.SetSyncStatus(ctx, record.EntitySession, sess.ID, record.SyncError, "boom"); err != nil {
		t.Fatalf("SetSyncStatus() failed: %v", err)
	}
	if err := s.RetryErrored(ctx, record.EntitySession, sess.ID, 0); err != nil {
		t.Fatalf("RetryErrored() failed: %v", err)
	}

	got, _ := s.GetSession(ctx, sess.ID)
	if got.SyncStatus != record.SyncPending {
		t.Errorf("SyncStatus = %q, want PENDING", got.SyncStatus)
	}
	if got.ErrorMessage != "" {
		t.Errorf("ErrorMessage = %q, want cleared", got.ErrorMessage)
	}
}

func TestAttachVideo_NoVersionBump(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sess := record.NewRecordingSession("With video")
	if err := s.CreateSession(ctx, sess, 0); err != nil {
		t.Fatalf("CreateSession() failed: %v", err)
	}

	if err := s.AttachVideo(ctx, sess.ID, "/videos/clip.mp4"); err != nil {
		t.Fatalf("AttachVideo() failed: %v", err)
	}

	got, _ := s.GetSession(ctx, sess.ID)
	if got.VideoPath != "/videos/clip.mp4" {
		t.Errorf("VideoPath = %q", got.VideoPath)
	}
	if got.LocalVersion != 1 {
		t.Errorf("LocalVersion = %d, want unchanged", got.LocalVersion)
	}

	if err := s.AttachVideo(ctx, "nope", "/x.mp4"); err == nil {
		t.Error("expected error attaching to a missing session")
	}
}
