package core

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/3cpo-dev/missionfleet/pkg/api"
	_ "modernc.org/sqlite"
)

// Store is the SQLite cycle journal. It is an audit trail only: claim state is
// always read from the ledger, never from here.
type Store struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

// CycleRecord is one finished worker cycle.
type CycleRecord struct {
	ID         string
	Agent      string
	Address    string
	MissionID  string
	Kind       api.ItemKind
	Outcome    api.CycleOutcome
	Detail     string
	StartedAt  time.Time
	FinishedAt time.Time
}

// AgentSummary aggregates the journal for one agent.
type AgentSummary struct {
	Agent     string
	Address   string
	Cycles    int
	Outcomes  map[api.CycleOutcome]int
	LastCycle time.Time
}

func NewStore(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record appends a finished cycle.
func (s *Store) Record(ctx context.Context, r CycleRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cycles (id, agent, address, mission_id, kind, outcome, detail, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Agent, r.Address, r.MissionID, string(r.Kind), string(r.Outcome), r.Detail,
		r.StartedAt.UnixMilli(), r.FinishedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("record cycle %s: %w", r.ID, err)
	}
	return nil
}

// Recent returns the newest cycles, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]CycleRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent, address, mission_id, kind, outcome, detail, started_at, finished_at
		 FROM cycles ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CycleRecord
	for rows.Next() {
		var (
			r                 CycleRecord
			kind, outcome     string
			started, finished int64
		)
		if err := rows.Scan(&r.ID, &r.Agent, &r.Address, &r.MissionID, &kind, &outcome, &r.Detail, &started, &finished); err != nil {
			return nil, err
		}
		r.Kind = api.ItemKind(kind)
		r.Outcome = api.CycleOutcome(outcome)
		r.StartedAt = time.UnixMilli(started)
		r.FinishedAt = time.UnixMilli(finished)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Summary counts outcomes per agent, ordered by agent.
func (s *Store) Summary(ctx context.Context) ([]AgentSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT agent, address, outcome, COUNT(*), MAX(started_at)
		 FROM cycles GROUP BY agent, address, outcome ORDER BY agent, outcome`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AgentSummary
	for rows.Next() {
		var (
			agent, address, outcome string
			n                       int
			last                    int64
		)
		if err := rows.Scan(&agent, &address, &outcome, &n, &last); err != nil {
			return nil, err
		}
		if len(out) == 0 || out[len(out)-1].Agent != agent {
			out = append(out, AgentSummary{Agent: agent, Address: address, Outcomes: map[api.CycleOutcome]int{}})
		}
		cur := &out[len(out)-1]
		cur.Cycles += n
		cur.Outcomes[api.CycleOutcome(outcome)] += n
		if t := time.UnixMilli(last); t.After(cur.LastCycle) {
			cur.LastCycle = t
		}
	}
	return out, rows.Err()
}
