package syncer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/movetrace/fieldsync/internal/record"
	"github.com/movetrace/fieldsync/internal/remote"
)

// errSessionNotSynced defers an annotation mutation whose owning session
// has no remote id yet. The item requeues without consuming a retry; it
// becomes dispatchable as soon as the session CREATE is acknowledged.
var errSessionNotSynced = errors.New("owning session not yet created remotely")

// errEntityGone marks an item whose record was deleted locally after the
// item was claimed. The mutation is superseded and settles without a
// remote call.
var errEntityGone = errors.New("record deleted locally, mutation superseded")

// ackOutcome classifies a successful remote acknowledgment.
type ackOutcome int

const (
	ackSynced ackOutcome = iota
	ackConflicted
)

// classifyAck compares the version the snapshot expected against the
// version the server reports. The happy path is the server's version being
// exactly the expected next one; anything else means something mutated the
// record server-side behind the client's back (or a prior attempt
// partially succeeded), which surfaces as a conflict - never auto-merged.
func classifyAck(expect *int64, ack *remote.Ack) ackOutcome {
	var expectedNext int64 = 1
	if expect != nil {
		expectedNext = *expect + 1
	}
	if ack.RemoteVersion == expectedNext {
		return ackSynced
	}
	return ackConflicted
}

// dispatch sends one queue item to the remote and returns the
// acknowledgment, or an error for the caller to classify. DELETE
// operations return a nil ack.
func (o *Orchestrator) dispatch(ctx context.Context, item *record.QueueItem) (*remote.Ack, *int64, error) {
	switch item.EntityType {
	case record.EntitySession:
		return o.dispatchSession(ctx, item)
	case record.EntityAnnotation:
		return o.dispatchAnnotation(ctx, item)
	default:
		return nil, nil, fmt.Errorf("unknown entity type %q", item.EntityType)
	}
}

func (o *Orchestrator) dispatchSession(ctx context.Context, item *record.QueueItem) (*remote.Ack, *int64, error) {
	if item.Operation == record.OpDelete {
		var snap record.DeleteSnapshot
		if err := json.Unmarshal(item.Payload, &snap); err != nil {
			return nil, nil, fmt.Errorf("corrupt delete payload: %w", err)
		}
		if snap.RemoteID == "" {
			return nil, nil, nil // never reached the server; nothing to delete
		}
		return nil, nil, o.api.DeleteSession(ctx, snap.RemoteID)
	}

	var snap record.SessionSnapshot
	if err := json.Unmarshal(item.Payload, &snap); err != nil {
		return nil, nil, fmt.Errorf("corrupt session payload: %w", err)
	}

	// The payload content is frozen at enqueue time, but the record's
	// remote identity is not: an item enqueued before an earlier item was
	// acknowledged carries a stale (or empty) remote id and version.
	// Refresh both from the live row so ordering within the queue doesn't
	// manufacture false conflicts.
	live, err := o.store.GetSession(ctx, item.EntityID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, errEntityGone
		}
		return nil, nil, fmt.Errorf("failed to load session: %w", err)
	}
	if live.RemoteID != "" {
		snap.Session.RemoteID = live.RemoteID
	}
	if live.RemoteVersion != nil {
		snap.ExpectVersion = live.RemoteVersion
	}

	var ack *remote.Ack
	switch {
	case item.Operation == record.OpComplete || item.Operation == record.OpCancel:
		if snap.Session.RemoteID == "" {
			return nil, nil, errSessionNotSynced
		}
		if item.Operation == record.OpComplete {
			ack, err = o.api.CompleteSession(ctx, snap.Session.RemoteID)
		} else {
			ack, err = o.api.CancelSession(ctx, snap.Session.RemoteID)
		}
	case item.Operation == record.OpCreate || snap.Session.RemoteID == "":
		ack, err = o.api.CreateSession(ctx, snap)
	default:
		ack, err = o.api.UpdateSession(ctx, snap.Session.RemoteID, snap)
	}
	return ack, snap.ExpectVersion, err
}

func (o *Orchestrator) dispatchAnnotation(ctx context.Context, item *record.QueueItem) (*remote.Ack, *int64, error) {
	if item.Operation == record.OpDelete {
		var snap record.DeleteSnapshot
		if err := json.Unmarshal(item.Payload, &snap); err != nil {
			return nil, nil, fmt.Errorf("corrupt delete payload: %w", err)
		}
		if snap.RemoteID == "" {
			return nil, nil, nil
		}
		return nil, nil, o.api.DeleteAnnotation(ctx, snap.RemoteID)
	}

	var snap record.AnnotationSnapshot
	if err := json.Unmarshal(item.Payload, &snap); err != nil {
		return nil, nil, fmt.Errorf("corrupt annotation payload: %w", err)
	}

	live, err := o.store.GetAnnotation(ctx, item.EntityID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, errEntityGone
		}
		return nil, nil, fmt.Errorf("failed to load annotation: %w", err)
	}
	if live.RemoteID != "" {
		snap.Annotation.RemoteID = live.RemoteID
	}
	if live.RemoteVersion != nil {
		snap.ExpectVersion = live.RemoteVersion
	}

	if item.Operation == record.OpCreate || snap.Annotation.RemoteID == "" {
		sess, err := o.store.GetSession(ctx, snap.Annotation.SessionID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load owning session: %w", err)
		}
		if sess.RemoteID == "" {
			return nil, nil, errSessionNotSynced
		}
		ack, err := o.api.CreateAnnotation(ctx, sess.RemoteID, snap)
		return ack, snap.ExpectVersion, err
	}

	ack, err := o.api.UpdateAnnotation(ctx, snap.Annotation.RemoteID, snap)
	return ack, snap.ExpectVersion, err
}

// snapshotVersion extracts the local version the payload was taken at,
// so a success acknowledgment only marks the record SYNCED if it hasn't
// mutated again since.
func snapshotVersion(item *record.QueueItem) int64 {
	switch item.EntityType {
	case record.EntitySession:
		var snap record.SessionSnapshot
		if err := json.Unmarshal(item.Payload, &snap); err == nil {
			return snap.Session.LocalVersion
		}
	case record.EntityAnnotation:
		var snap record.AnnotationSnapshot
		if err := json.Unmarshal(item.Payload, &snap); err == nil {
			return snap.Annotation.LocalVersion
		}
	}
	return 0
}
