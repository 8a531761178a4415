package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/missionfleet/internal/identity"
)

// FleetLedger is everything the fleet asks of the ledger.
type FleetLedger interface {
	ClaimLedger
	GuildLedger
	FundingLedger
}

// CoordinatorService is the coordinator as seen by the fleet.
type CoordinatorService interface {
	PipelineSource
	Coordinator
}

// FleetOptions wires a supervisor.
type FleetOptions struct {
	Seed []byte
	// LoadRoster returns the provisioning artifact; an error is fatal.
	LoadRoster  func(ctx context.Context) (identity.Roster, error)
	Limit       int
	Coordinator CoordinatorService
	Open        OpenSource
	Ledger      FleetLedger
	Executor    Executor
	Journal     Journal
	// FundingSource may be nil, in which case underfunded identities are only reported.
	FundingSource *identity.Identity
	Funding       FundingConfig
	Schedule      ScheduleConfig
	// StateDir holds the fleet lock; empty skips locking.
	StateDir string
}

// Supervisor performs startup: roster, workers, funding, guild membership, a
// first heartbeat round, then the scheduler. It does no recurring work itself.
type Supervisor struct {
	opts FleetOptions

	mu      sync.RWMutex
	workers []*Worker
}

func NewSupervisor(opts FleetOptions) *Supervisor {
	return &Supervisor{opts: opts}
}

// Workers returns the workers built by Start (nil before the roster is loaded).
func (s *Supervisor) Workers() []*Worker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.workers
}

// Statuses snapshots every worker.
func (s *Supervisor) Statuses() []WorkerStatus {
	ws := s.Workers()
	out := make([]WorkerStatus, len(ws))
	for i, w := range ws {
		out[i] = w.Status()
	}
	return out
}

// Identities loads the roster and derives the fleet's identities without
// starting anything.
func (s *Supervisor) Identities(ctx context.Context) ([]*identity.Identity, error) {
	roster, err := s.opts.LoadRoster(ctx)
	if err != nil {
		return nil, fmt.Errorf("load roster: %w", err)
	}
	if len(roster) == 0 {
		return nil, identity.ErrEmptyRoster
	}
	roster = roster.Truncate(s.opts.Limit)
	return roster.Identities(s.opts.Seed)
}

// Funding returns the guardian configured for this fleet.
func (s *Supervisor) Funding() *FundingGuardian {
	return NewFundingGuardian(s.opts.Ledger, s.opts.FundingSource, s.opts.Funding.Threshold, s.opts.Funding.Topup)
}

// Start runs the fleet until ctx is cancelled. Roster and lock failures are
// returned before any worker or timer exists; bootstrap failures are logged.
func (s *Supervisor) Start(ctx context.Context) error {
	if s.opts.StateDir != "" {
		lk, err := AcquireFleetLock(s.opts.StateDir)
		if err != nil {
			return err
		}
		defer func() { _ = lk.Unlock() }()
	}

	ids, err := s.Identities(ctx)
	if err != nil {
		return err
	}

	deps := WorkerDeps{
		Source:      NewWorkSource(s.opts.Coordinator, s.opts.Open),
		Claims:      NewClaimArbiter(s.opts.Ledger),
		Coordinator: s.opts.Coordinator,
		Executor:    s.opts.Executor,
		Journal:     s.opts.Journal,
	}
	workers := make([]*Worker, len(ids))
	pollers := make([]Poller, len(ids))
	beats := make([]Heartbeater, len(ids))
	for i, id := range ids {
		w := NewWorker(id, deps)
		workers[i], pollers[i], beats[i] = w, w, w
	}
	s.mu.Lock()
	s.workers = workers
	s.mu.Unlock()
	log.Info().Int("workers", len(workers)).Msg("Fleet built")

	if err := s.Funding().Ensure(ctx, ids); err != nil {
		log.Warn().Err(err).Msg("Funding pass incomplete")
	}
	if err := EnsureGuilds(ctx, s.opts.Ledger, ids, s.opts.Schedule.GuildJoinParallel); err != nil {
		log.Warn().Err(err).Msg("Guild bootstrap incomplete")
	}

	sc := s.opts.Schedule
	hb := NewBroadcaster(beats, sc.HeartbeatBatch, sc.HeartbeatPause)
	hb.Broadcast(ctx)

	return NewScheduler(pollers, sc.PollInterval, hb, sc.HeartbeatInterval, sc.DrainTimeout).Run(ctx)
}
