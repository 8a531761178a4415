package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/missionfleet/internal/identity"
	"github.com/3cpo-dev/missionfleet/internal/ledger"
	"github.com/3cpo-dev/missionfleet/internal/telemetry"
)

// FundingLedger is the part of the ledger the funding pass needs.
type FundingLedger interface {
	Balance(ctx context.Context, address string) (float64, error)
	SendFunds(ctx context.Context, from *identity.Identity, to string, amount float64) (string, error)
	WaitForReceipt(ctx context.Context, txHash string) (ledger.Receipt, error)
}

// FundingGuardian tops up identities whose balance is below the threshold.
// Without a source it only warns; the underfunded worker's own transactions
// fail later on the normal error path.
type FundingGuardian struct {
	ledger    FundingLedger
	source    *identity.Identity
	threshold float64
	topup     float64
}

// NewFundingGuardian returns a guardian. source may be nil.
func NewFundingGuardian(l FundingLedger, source *identity.Identity, threshold, topup float64) *FundingGuardian {
	return &FundingGuardian{ledger: l, source: source, threshold: threshold, topup: topup}
}

// Ensure checks every identity and tops up those below the threshold, waiting
// for each transfer to confirm. Top-ups run one at a time because they all
// spend from the same key. It may be called again at any time; the returned
// error joins the failed top-ups and is never about balances alone.
func (g *FundingGuardian) Ensure(ctx context.Context, ids []*identity.Identity) error {
	var errs []error
	for _, id := range ids {
		bal, err := g.ledger.Balance(ctx, id.Address)
		if err != nil {
			log.Warn().Err(err).Str("agent", id.Tag()).Msg("Balance check failed")
			continue
		}
		if bal >= g.threshold {
			log.Debug().Str("agent", id.Tag()).Float64("balance", bal).Msg("Balance ok")
			continue
		}
		if g.source == nil {
			log.Warn().
				Str("agent", id.Tag()).
				Str("address", id.Address).
				Float64("balance", bal).
				Float64("threshold", g.threshold).
				Msg("Identity underfunded and no funding source configured")
			continue
		}
		if err := g.topUp(ctx, id, bal); err != nil {
			log.Error().Err(err).Str("agent", id.Tag()).Msg("Top-up failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (g *FundingGuardian) topUp(ctx context.Context, id *identity.Identity, bal float64) error {
	tx, err := g.ledger.SendFunds(ctx, g.source, id.Address, g.topup)
	if err != nil {
		return fmt.Errorf("fund %s: %w", id.Tag(), err)
	}
	r, err := g.ledger.WaitForReceipt(ctx, tx)
	if err != nil {
		return fmt.Errorf("fund %s: %w", id.Tag(), err)
	}
	if r.Status != ledger.StatusSuccess {
		return fmt.Errorf("fund %s: tx %s %s: %s", id.Tag(), tx, r.Status, r.Reason)
	}
	telemetry.CounterGlobal("mfleet_topups", 1, map[string]string{"capability": id.Capability})
	log.Info().
		Str("agent", id.Tag()).
		Float64("balance", bal).
		Float64("amount", g.topup).
		Str("tx", tx).
		Msg("Identity topped up")
	return nil
}
