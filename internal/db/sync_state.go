package db

import "github.com/zmh/Quill-sub002/internal/models"

// DeriveSyncState computes the user-facing sync state of a post from its lane
// and returns the reason to show alongside it.
func DeriveSyncState(p *models.Post, ops []*models.Operation, hasConflict bool) (models.SyncState, string) {
	if hasConflict {
		return models.SyncConflicted, ""
	}

	var (
		live       bool
		liveDelete bool
		liveErr    string
		failed     *models.Operation
	)
	for _, op := range ops {
		switch op.State {
		case models.OpPending, models.OpInFlight:
			if !live {
				liveErr = op.LastError
			}
			live = true
			if op.Kind == models.OpDelete {
				liveDelete = true
			}
		case models.OpFailed:
			failed = op
		}
	}

	switch {
	case live && liveDelete:
		return models.SyncPendingDelete, liveErr
	case live && !p.HasRemote():
		return models.SyncPendingCreate, liveErr
	case live:
		return models.SyncPendingUpdate, liveErr
	case failed != nil:
		return models.SyncFailed, failed.LastError
	case !p.HasRemote():
		return models.SyncPendingCreate, ""
	}
	return models.SyncSynced, ""
}

// laneHead returns the operation that currently gates the lane: the first
// one that is pending, in flight or awaiting conflict resolution.
func laneHead(ops []*models.Operation) *models.Operation {
	for _, op := range ops {
		switch op.State {
		case models.OpPending, models.OpInFlight, models.OpConflicted:
			return op
		}
	}
	return nil
}
