/*
workflow.go - Human review workflow over pending attributions

PURPOSE:
  Operates on persisted attributions in UNKNOWN status. Accepts human
  decisions (APPROVE / OVERRIDE), mutates status and reason, and appends
  an immutable audit entry for every mutation.

STATE MACHINE:
  UNKNOWN --APPROVE--> ACCEPTED   (reason unchanged)
  UNKNOWN --OVERRIDE-> ACCEPTED   (reason replaced by a resolved code)
  ACCEPTED is terminal. Resolving a missing attribution is an error,
  never a silent no-op.

ATOMICITY:
  Each resolution runs inside Store.WithTx: the compare-and-swap status
  update and the audit insert both commit or both roll back. A resolution
  is never recorded without its audit trail, and an audit entry is never
  written without an accompanying state change.

CONCURRENCY:
  Resolutions serialize per attribution via the CAS on the current
  status. Of two concurrent resolves on the same attribution, exactly one
  wins; the other gets ErrConcurrentResolution.

FOUR-EYES:
  Dual approval is not enforced. The audit snapshot plus actor identity
  is the extension point for a checker stage.
*/
package recon

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ResolveRequest is one human decision against a pending attribution.
// Comment length policy belongs to the caller's boundary, not here.
type ResolveRequest struct {
	AttributionID AttributionID
	Action        AuditAction
	NewReasonCode string // required for OVERRIDE
	ActorID       string
	Comment       string
}

// ReviewService exposes the review workflow to the API layer.
type ReviewService struct {
	Store TxStore
}

func NewReviewService(store TxStore) *ReviewService {
	return &ReviewService{Store: store}
}

// ListPending returns the review queue: UNKNOWN attributions with their
// difference and record context, lowest confidence first.
func (s *ReviewService) ListPending(ctx context.Context, limit int) ([]ReviewItem, error) {
	return s.Store.ListPending(ctx, limit)
}

// Resolve applies one APPROVE or OVERRIDE decision. Validation failures
// reject the request with no mutation.
func (s *ReviewService) Resolve(ctx context.Context, req ResolveRequest) error {
	switch req.Action {
	case ActionApprove:
	case ActionOverride:
		if req.NewReasonCode == "" {
			return ErrReasonCodeRequired
		}
	default:
		return ErrInvalidAction
	}

	now := time.Now().UTC()

	return s.Store.WithTx(ctx, func(tx Store) error {
		attr, err := tx.GetAttribution(ctx, req.AttributionID)
		if err != nil {
			return err
		}
		if attr == nil {
			return ErrAttributionNotFound
		}
		if attr.Status != StatusUnknown {
			return ErrAlreadyResolved
		}

		newReason := attr.ReasonID
		if req.Action == ActionOverride {
			reasons, err := tx.ReasonMap(ctx)
			if err != nil {
				return err
			}
			id, ok := reasons.Lookup(req.NewReasonCode)
			if !ok {
				// Rejected whole: no partial update.
				return ErrUnknownReasonCode
			}
			newReason = &id
		}

		if err := tx.TransitionAttribution(ctx, attr.ID, attr.Status, StatusAccepted, newReason, req.ActorID, now); err != nil {
			return err
		}

		return tx.AppendAudit(ctx, AuditEntry{
			ID:            uuid.NewString(),
			AttributionID: attr.ID,
			ActorID:       req.ActorID,
			Action:        req.Action,
			Comment:       req.Comment,
			PrevStatus:    attr.Status,
			PrevReasonID:  attr.ReasonID,
			CreatedAt:     now,
		})
	})
}
