package core

import (
	"context"
	"errors"

	"github.com/3cpo-dev/missionfleet/internal/identity"
	"github.com/3cpo-dev/missionfleet/internal/ledger"
)

// ClaimLedger is the claim primitive of the authoritative ledger.
type ClaimLedger interface {
	IsClaimed(ctx context.Context, missionID string) (bool, error)
	ClaimMission(ctx context.Context, id *identity.Identity, missionID string) error
}

// ClaimArbiter wraps the ledger's claim primitive. It holds no state: the
// ledger decides every race and nothing here is cached between cycles.
type ClaimArbiter struct {
	ledger ClaimLedger
}

func NewClaimArbiter(l ClaimLedger) *ClaimArbiter {
	return &ClaimArbiter{ledger: l}
}

// IsClaimed reads the claim status straight from the ledger.
func (a *ClaimArbiter) IsClaimed(ctx context.Context, missionID string) (bool, error) {
	return a.ledger.IsClaimed(ctx, missionID)
}

// Claim attempts one claim transaction. Losing the race returns (false, nil);
// an error means the attempt itself failed.
func (a *ClaimArbiter) Claim(ctx context.Context, id *identity.Identity, missionID string) (bool, error) {
	err := a.ledger.ClaimMission(ctx, id, missionID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ledger.ErrClaimLost):
		return false, nil
	default:
		return false, err
	}
}
