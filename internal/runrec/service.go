// Package runrec owns the run-record lifecycle. OpenRun is the only
// creation path; every other entry point fails on a missing record rather
// than creating one, which is what keeps one record per
// (tenant, operation, day, stream).
package runrec

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadscore/internal/model"
	"github.com/sells-group/leadscore/internal/store"
)

// ErrAlreadyComplete is returned when the day's run already reached a
// terminal state and reopen was not requested.
var ErrAlreadyComplete = errors.New("runrec: run already complete for this day")

// ErrMissingRun is returned when an update targets a record that does not
// exist. Callers must not create one in response.
var ErrMissingRun = errors.New("runrec: run record does not exist")

// Service drives run records for one tenant store.
type Service struct {
	st store.TenantStore
}

func NewService(st store.TenantStore) *Service {
	return &Service{st: st}
}

// OpenRun returns the day's run record, creating it in Started when absent.
// A non-terminal existing record is resumed as-is. A terminal one fails
// with ErrAlreadyComplete unless reopen is set, in which case it is moved
// back to Started with its counters intact.
func (s *Service) OpenRun(ctx context.Context, id store.RunIdentity, now time.Time, reopen bool) (*model.RunRecord, error) {
	rec, err := s.st.GetRunRecord(ctx, id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, eris.Wrap(err, "runrec: open run")
	}

	if rec == nil {
		rec = &model.RunRecord{
			TenantHandle: id.TenantHandle,
			Operation:    id.Operation,
			RunDate:      id.Day,
			StreamID:     id.StreamID,
			Status:       model.RunStarted,
			StartedAt:    now.UTC(),
		}
		if err := s.st.InsertRunRecord(ctx, rec); err != nil {
			// Lost the creation race; the winner's record is the run.
			if errors.Is(err, store.ErrConflict) {
				existing, gerr := s.st.GetRunRecord(ctx, id)
				if gerr != nil {
					return nil, eris.Wrap(gerr, "runrec: reload after insert conflict")
				}
				rec = existing
			} else {
				return nil, eris.Wrap(err, "runrec: create run record")
			}
		} else {
			zap.L().Info("opened run",
				zap.String("tenant", id.TenantHandle),
				zap.String("operation", string(id.Operation)),
				zap.String("day", id.Day),
				zap.Int("stream", id.StreamID),
			)
			return rec, nil
		}
	}

	if !rec.Status.Terminal() {
		return rec, nil
	}
	if !reopen {
		return nil, ErrAlreadyComplete
	}

	started := model.RunStarted
	empty := ""
	err = s.st.UpdateRunRecord(ctx, rec.ID,
		[]model.RunStatus{model.RunCompleted, model.RunCompletedWithErrors, model.RunFailed},
		store.RunPatch{Status: &started, LastError: &empty},
	)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Someone else reopened it first; reload and continue.
			return s.reload(ctx, id)
		}
		return nil, eris.Wrap(err, "runrec: reopen run")
	}
	zap.L().Info("reopened run", zap.String("run_id", rec.ID))
	return s.reload(ctx, id)
}

func (s *Service) reload(ctx context.Context, id store.RunIdentity) (*model.RunRecord, error) {
	rec, err := s.st.GetRunRecord(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrMissingRun
		}
		return nil, eris.Wrap(err, "runrec: reload run record")
	}
	return rec, nil
}

// MarkInProgress moves the run to InProgress. Idempotent: re-marking an
// InProgress run is a no-op. The attempted count is not set here; it
// accrues with each per-lead event so a resumed run never loses work
// already counted.
func (s *Service) MarkInProgress(ctx context.Context, runID string) error {
	status := model.RunInProgress
	err := s.st.UpdateRunRecord(ctx, runID,
		[]model.RunStatus{model.RunStarted, model.RunInProgress},
		store.RunPatch{Status: &status},
	)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return eris.Wrap(err, "runrec: mark in progress on terminal run")
		}
		return eris.Wrap(err, "runrec: mark in progress")
	}
	return nil
}

// Accumulate records one per-lead completion, bumping attempted together
// with the outcome counter. Replays of the same (lead, kind) pair are
// no-ops, reported via the bool.
func (s *Service) Accumulate(ctx context.Context, runID, leadID string, kind model.RunEventKind, tokens model.TokenUsage) (bool, error) {
	applied, err := s.st.ApplyRunEvent(ctx, runID, leadID, kind, tokens)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, ErrMissingRun
		}
		return false, eris.Wrap(err, "runrec: accumulate")
	}
	return applied, nil
}

// Finish transitions a non-terminal run to the given terminal status.
func (s *Service) Finish(ctx context.Context, runID string, status model.RunStatus, lastError string) error {
	if !status.Terminal() {
		return eris.Errorf("runrec: finish with non-terminal status %s", status)
	}
	now := time.Now().UTC()
	err := s.st.UpdateRunRecord(ctx, runID,
		[]model.RunStatus{model.RunStarted, model.RunInProgress},
		store.RunPatch{Status: &status, FinishedAt: &now, LastError: &lastError},
	)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return eris.Wrapf(err, "runrec: finish run %s already terminal", runID)
		}
		return eris.Wrap(err, "runrec: finish run")
	}
	return nil
}
