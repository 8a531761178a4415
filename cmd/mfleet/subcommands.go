package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/3cpo-dev/missionfleet/internal/agent"
	core "github.com/3cpo-dev/missionfleet/internal/core"
	gssh "github.com/3cpo-dev/missionfleet/internal/ssh"
	"github.com/3cpo-dev/missionfleet/internal/telemetry"
	"github.com/3cpo-dev/missionfleet/pkg/api"
)

// Run the fleet until interrupted
func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start every worker in the roster",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			f, err := buildFleet(cfg, true)
			if err != nil {
				return err
			}
			defer f.Close()

			collector := telemetry.InitGlobal(cfg.Telemetry.Enabled, cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.MetricsInterval)
			defer func() { _ = telemetry.Shutdown() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return f.sup.Start(gctx)
			})
			if addr := cfg.Telemetry.StatusAddr; addr != "" {
				srv := &agent.Server{
					Version:        version,
					Workers:        f.sup.Statuses,
					Collector:      collector,
					AllowedOrigins: cfg.Telemetry.StatusOrigins,
				}
				tlsCfg := agent.MTLSConfig{
					ServerCert:   cfg.Telemetry.StatusTLS.Cert,
					ServerKey:    cfg.Telemetry.StatusTLS.Key,
					ClientCACert: cfg.Telemetry.StatusTLS.ClientCA,
					RequireAuth:  cfg.Telemetry.StatusTLS.RequireClientCert,
				}
				g.Go(func() error {
					var err error
					if tlsCfg.Enabled() {
						err = srv.ListenAndServeTLS(addr, tlsCfg)
					} else {
						err = srv.ListenAndServe(addr)
					}
					if errors.Is(err, http.ErrServerClosed) {
						return nil
					}
					return err
				})
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
					return nil
				})
			}

			err = g.Wait()
			if errors.Is(err, core.ErrDrainTimeout) {
				log.Warn().Dur("drain_timeout", cfg.Schedule.DrainTimeout).Msg("Exiting with cycles still in flight")
				return nil
			}
			return err
		},
	}
	cmd.Flags().Int("limit", 0, "run only the first N roster entries (0 = all)")
	return cmd
}

// List the derived identities
func newRosterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "roster",
		Short: "Print the identities derived from the roster",
		RunE: func(cmd *cobra.Command, args []string) error {
			withBalances, _ := cmd.Flags().GetBool("balances")
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			f, err := buildFleet(cfg, false)
			if err != nil {
				return err
			}
			defer f.Close()
			ids, err := f.sup.Identities(cmd.Context())
			if err != nil {
				return err
			}

			headers := []string{"Key", "Index", "Guild", "Capability", "Address"}
			if withBalances {
				headers = append(headers, "Balance")
			}
			rows := make([][]string, 0, len(ids))
			for _, id := range ids {
				row := []string{id.Tag(), strconv.Itoa(id.Index), strconv.FormatUint(id.GuildID, 10), id.Capability, id.Address}
				if withBalances {
					bal, err := f.ledger.Balance(cmd.Context(), id.Address)
					if err != nil {
						row = append(row, "error")
						log.Warn().Err(err).Str("agent", id.Tag()).Msg("Balance check failed")
					} else {
						row = append(row, strconv.FormatFloat(bal, 'f', -1, 64))
					}
				}
				rows = append(rows, row)
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(headers, rows, 2, 3, 6))
			return nil
		},
	}
	cmd.Flags().Int("limit", 0, "show only the first N roster entries (0 = all)")
	cmd.Flags().Bool("balances", false, "also read each identity's balance from the ledger")
	return cmd
}

// Top up underfunded identities without starting workers
func newFundCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fund",
		Short: "Top up identities below the funding threshold",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			lk, err := core.AcquireFleetLock(cfg.StateDir)
			if err != nil {
				return err
			}
			defer func() { _ = lk.Unlock() }()

			f, err := buildFleet(cfg, false)
			if err != nil {
				return err
			}
			defer f.Close()
			ids, err := f.sup.Identities(cmd.Context())
			if err != nil {
				return err
			}
			if err := f.sup.Funding().Ensure(cmd.Context(), ids); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "checked %d identities\n", len(ids))
			return nil
		},
	}
	cmd.Flags().Int("limit", 0, "fund only the first N roster entries (0 = all)")
	return cmd
}

// Summarize the cycle journal
func newStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize recorded worker cycles",
		RunE: func(cmd *cobra.Command, args []string) error {
			recent, _ := cmd.Flags().GetInt("recent")
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if !cfg.JournalEnabled() {
				return errors.New("journal is disabled (journal.path: off)")
			}
			store, err := core.NewStore(cfg.Journal.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			sum, err := store.Summary(cmd.Context())
			if err != nil {
				return err
			}
			outcomes := []api.CycleOutcome{api.OutcomeSubmitted, api.OutcomeClaimLost, api.OutcomeNoWork, api.OutcomeFailed}
			headers := []string{"Agent", "Address", "Cycles"}
			for _, o := range outcomes {
				headers = append(headers, string(o))
			}
			headers = append(headers, "Last cycle")
			rows := make([][]string, 0, len(sum))
			for _, s := range sum {
				row := []string{s.Agent, s.Address, strconv.Itoa(s.Cycles)}
				for _, o := range outcomes {
					row = append(row, strconv.Itoa(s.Outcomes[o]))
				}
				rows = append(rows, append(row, s.LastCycle.Format(time.RFC3339)))
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, renderTable(headers, rows, 3, 4, 5, 6, 7))

			if recent > 0 {
				recs, err := store.Recent(cmd.Context(), recent)
				if err != nil {
					return err
				}
				rows = rows[:0]
				for _, r := range recs {
					rows = append(rows, []string{
						r.StartedAt.Format(time.RFC3339), r.Agent, r.MissionID, string(r.Kind),
						string(r.Outcome), r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String(), r.Detail,
					})
				}
				fmt.Fprintln(out, renderTable([]string{"Started", "Agent", "Mission", "Kind", "Outcome", "Took", "Detail"}, rows, 6))
			}
			return nil
		},
	}
	cmd.Flags().Int("recent", 0, "also list the N most recent cycles")
	return cmd
}

const defaultConfig = `# mfleet configuration. Secrets (MFLEET_SEED, MFLEET_FUNDER_KEY,
# MFLEET_OPENAI_KEY) belong in secrets.env next to this file.
roster:
  path: %s
  key_path: %s
  known_hosts: %s
coordinator:
  url: http://localhost:3000
indexer:
  url: http://localhost:8000/subgraphs/name/missions
ledger:
  url: http://localhost:8545
funding:
  threshold: 0.0005
  topup: 0.002
execution:
  providers:
    - name: primary
      kind: openai
      base_url: https://api.openai.com/v1
      model: gpt-4o-mini
      timeout_seconds: 60
    - name: local
      kind: ollama
      base_url: http://localhost:11434
      timeout_seconds: 120
schedule:
  poll_interval: 30s
  heartbeat_interval: 60s
  heartbeat_batch: 10
  guild_join_parallel: 4
  heartbeat_pause: 1s
  drain_timeout: 2m
telemetry:
  enabled: false
  status_addr: 127.0.0.1:9477
`

// Initialize configuration and SSH material for remote rosters
func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "mfleet initialization command. Run this the first time.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			if cfgPath == "" {
				cfgPath = filepath.Join(core.DefaultConfigDir(), "config.yaml")
			}
			dir := filepath.Dir(cfgPath)
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			keyPath := filepath.Join(dir, "id_ed25519")
			pins := gssh.HostPins{Path: filepath.Join(dir, "known_hosts")}
			roster, _ := cmd.Flags().GetString("roster")
			if roster == "" {
				roster = filepath.Join(dir, "roster.json")
			}
			if _, err := os.Stat(cfgPath); errors.Is(err, os.ErrNotExist) {
				body := fmt.Sprintf(defaultConfig, roster, keyPath, pins.Path)
				if err := os.WriteFile(cfgPath, []byte(body), 0o600); err != nil {
					return fmt.Errorf("write config: %w", err)
				}
				fmt.Fprintf(out, "wrote %s\n", cfgPath)
			} else {
				fmt.Fprintf(out, "config exists: %s\n", cfgPath)
			}

			if _, err := os.Stat(keyPath); errors.Is(err, os.ErrNotExist) {
				pub, err := gssh.GenerateEd25519Keypair(keyPath)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "generated %s; authorize it on the roster host:\n%s", keyPath, pub)
			}
			if err := pins.Ensure(); err != nil {
				return err
			}
			if key, _ := cmd.Flags().GetString("trust"); key != "" {
				host, err := pins.Pin(roster, key)
				if err != nil {
					return fmt.Errorf("trust roster host: %w", err)
				}
				fmt.Fprintf(out, "pinned %s\n", host)
			}
			return nil
		},
	}
	cmd.Flags().String("roster", "", "roster location: a local path or sftp://user@host[:port]/path")
	cmd.Flags().String("trust", "", "host key (authorized_keys format) to pin for the sftp:// roster host")
	return cmd
}
