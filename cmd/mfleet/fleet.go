package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/3cpo-dev/missionfleet/internal/coordinator"
	core "github.com/3cpo-dev/missionfleet/internal/core"
	"github.com/3cpo-dev/missionfleet/internal/identity"
	"github.com/3cpo-dev/missionfleet/internal/indexer"
	"github.com/3cpo-dev/missionfleet/internal/ledger"
	prov "github.com/3cpo-dev/missionfleet/internal/providers"
	"github.com/3cpo-dev/missionfleet/internal/providers/ollama"
	"github.com/3cpo-dev/missionfleet/internal/providers/openai"
	gssh "github.com/3cpo-dev/missionfleet/internal/ssh"
)

// fleet is every collaborator built from one config.
type fleet struct {
	cfg     core.Config
	ledger  *ledger.Client
	backend *prov.Backend
	journal *core.Store
	sup     *core.Supervisor
}

func (f *fleet) Close() error {
	if f.journal != nil {
		return f.journal.Close()
	}
	return nil
}

// newRegistry registers every provider kind the binary ships with.
func newRegistry() *prov.Registry {
	reg := prov.NewRegistry()
	reg.Register("openai", openai.New)
	reg.Register("ollama", ollama.New)
	return reg
}

func loadConfig(cmd *cobra.Command) (core.Config, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := core.LoadConfig(cfgPath)
	if err != nil {
		return cfg, err
	}
	if cmd.Flags().Lookup("limit") != nil && cmd.Flags().Changed("limit") {
		cfg.Limit, _ = cmd.Flags().GetInt("limit")
	}
	return cfg, nil
}

// buildFleet wires the clients, the execution backend and the journal. withJournal
// is false for commands that never run cycles.
func buildFleet(cfg core.Config, withJournal bool) (*fleet, error) {
	seed, err := identity.ParseSeed(cfg.Seed)
	if err != nil {
		return nil, err
	}
	f := &fleet{cfg: cfg}

	f.backend, err = newRegistry().BuildBackend(prov.NewPersonaTable(cfg.Execution.Personas), cfg.Execution.Providers)
	if err != nil {
		return nil, err
	}
	f.ledger = ledger.New(cfg.Ledger.URL, cfg.Ledger.Client(),
		ledger.WithConfirmation(cfg.Ledger.ReceiptPoll, time.Duration(cfg.Ledger.ConfirmTimeoutSeconds)*time.Second))

	var source *identity.Identity
	if cfg.Funding.SourceKey != "" {
		if source, err = fundingSource(cfg.Funding.SourceKey); err != nil {
			return nil, err
		}
	}

	var journal core.Journal
	if withJournal && cfg.JournalEnabled() {
		if f.journal, err = core.NewStore(cfg.Journal.Path); err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		journal = f.journal
	}

	fetcher := &gssh.ArtifactFetcher{
		KeyPath:    cfg.Roster.KeyPath,
		KnownHosts: cfg.Roster.KnownHosts,
		Timeout:    15 * time.Second,
		Retries:    2,
	}
	f.sup = core.NewSupervisor(core.FleetOptions{
		Seed: seed,
		LoadRoster: func(ctx context.Context) (identity.Roster, error) {
			return identity.LoadRoster(ctx, cfg.Roster.Path, fetcher)
		},
		Limit:         cfg.Limit,
		Coordinator:   coordinator.New(cfg.Coordinator.URL, cfg.Coordinator.Client()),
		Open:          indexer.New(cfg.Indexer.URL, cfg.Indexer.Client()),
		Ledger:        f.ledger,
		Executor:      f.backend,
		Journal:       journal,
		FundingSource: source,
		Funding:       cfg.Funding,
		Schedule:      cfg.Schedule,
		StateDir:      cfg.StateDir,
	})
	return f, nil
}

// fundingSource loads the top-up identity from its hex ed25519 seed.
func fundingSource(key string) (*identity.Identity, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(key), "0x"))
	if err != nil {
		return nil, fmt.Errorf("funding source key: %w", err)
	}
	id, err := identity.FromSeed(raw)
	if err != nil {
		return nil, fmt.Errorf("funding source key: %w", err)
	}
	id.Key = "funder"
	return id, nil
}
