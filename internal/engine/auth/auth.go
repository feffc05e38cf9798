// Package auth decides whether an actor may perform an operation on an
// assignment. Identity itself is established upstream (JWT or dev header).
package auth

import (
	"claimline/internal/apperr"
	"claimline/internal/domain"
)

type Op string

const (
	OpClaim    Op = "claim"
	OpStart    Op = "start"
	OpRelease  Op = "release"
	OpSubmit   Op = "submit_proof"
	OpResolve  Op = "resolve"
	OpReverify Op = "request_reverification"
)

// forbidden reports that the actor is not the rightful party for op.
func forbidden(op Op, actorID, reason string) error {
	return apperr.New(apperr.KindForbidden, "%s: %s", op, reason).
		WithDetail("op", string(op)).
		WithDetail("actor_id", actorID)
}

// Check applies the ownership rule for op. It does not look at status;
// callers combine it with the lifecycle checks.
func Check(a domain.Assignment, actorID string, op Op) error {
	if actorID == "" {
		return apperr.New(apperr.KindValidation, "actor id is required")
	}
	switch op {
	case OpClaim:
		if actorID == a.BuyerID {
			return forbidden(op, actorID, "buyers cannot claim their own assignments")
		}
	case OpStart, OpRelease, OpSubmit, OpReverify:
		if !a.ClaimedByActor(actorID) {
			return forbidden(op, actorID, "caller is not the claim holder")
		}
	case OpResolve:
		if actorID != a.BuyerID {
			return forbidden(op, actorID, "caller is not the buyer")
		}
	}
	return nil
}
