package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/missionfleet/internal/fallback"
	"github.com/3cpo-dev/missionfleet/internal/identity"
	"github.com/3cpo-dev/missionfleet/internal/telemetry"
	"github.com/3cpo-dev/missionfleet/pkg/api"
)

// ErrNoWork tells the discovery chain to move on to the next source.
var ErrNoWork = errors.New("no work")

// Coordinator is the write side of the coordinator service plus mission lookups.
type Coordinator interface {
	MissionContext(ctx context.Context, missionID string) (string, error)
	Submit(ctx context.Context, id *identity.Identity, missionID, result string) error
	Heartbeat(ctx context.Context, id *identity.Identity) error
}

// Executor turns a task into result text. It must always return some text.
type Executor interface {
	Execute(ctx context.Context, capability, task string) api.ExecutionResult
}

// Journal records finished cycles. Failures are logged and otherwise ignored.
type Journal interface {
	Record(ctx context.Context, r CycleRecord) error
}

// WorkerDeps are the collaborators a worker drives. Everything here may be
// shared between workers; the identity may not.
type WorkerDeps struct {
	Source      *WorkSource
	Claims      *ClaimArbiter
	Coordinator Coordinator
	Executor    Executor
	Journal     Journal
}

// WorkerStatus is a point-in-time view of a worker for the status API.
type WorkerStatus struct {
	Agent       string           `json:"agent"`
	Address     string           `json:"address"`
	Capability  string           `json:"capability"`
	GuildID     uint64           `json:"guildId"`
	Busy        bool             `json:"busy"`
	Cycles      int              `json:"cycles"`
	LastOutcome api.CycleOutcome `json:"lastOutcome,omitempty"`
	LastMission string           `json:"lastMission,omitempty"`
	LastCycle   time.Time        `json:"lastCycle,omitempty"`
}

// Worker drives one identity through discover, claim, execute and submit.
// The busy flag is the only state carried between cycles and keeps the
// identity's key out of two cycles at once.
type Worker struct {
	id   *identity.Identity
	deps WorkerDeps
	busy atomic.Bool
	log  zerolog.Logger
	now  func() time.Time

	mu     sync.Mutex
	status WorkerStatus
}

func NewWorker(id *identity.Identity, deps WorkerDeps) *Worker {
	return &Worker{
		id:   id,
		deps: deps,
		log: log.With().
			Str("agent", id.Tag()).
			Str("address", id.Short()).
			Uint64("guild", id.GuildID).
			Logger(),
		now: time.Now,
		status: WorkerStatus{
			Agent:      id.Tag(),
			Address:    id.Address,
			Capability: id.Capability,
			GuildID:    id.GuildID,
		},
	}
}

// Identity returns the worker's identity.
func (w *Worker) Identity() *identity.Identity { return w.id }

// Tag identifies the worker in logs.
func (w *Worker) Tag() string { return w.id.Tag() }

// Busy reports whether a cycle is running.
func (w *Worker) Busy() bool { return w.busy.Load() }

// Status returns a snapshot for the status API.
func (w *Worker) Status() WorkerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.status
	s.Busy = w.busy.Load()
	return s
}

// Heartbeat announces the worker to the coordinator.
func (w *Worker) Heartbeat(ctx context.Context) error {
	return w.deps.Coordinator.Heartbeat(ctx, w.id)
}

type cycle struct {
	id      string
	started time.Time
	item    api.WorkItem
	detail  string
	log     zerolog.Logger
}

// Poll runs one cycle. If a cycle is already running it returns OutcomeSkipped
// without touching any collaborator. Errors end the cycle and are never returned;
// the busy flag is cleared on every path.
func (w *Worker) Poll(ctx context.Context) (outcome api.CycleOutcome) {
	if !w.busy.CompareAndSwap(false, true) {
		return api.OutcomeSkipped
	}
	defer w.busy.Store(false)

	c := &cycle{id: uuid.NewString(), started: w.now()}
	c.log = w.log.With().Str("cycle", c.id).Logger()

	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Msg("Worker cycle panicked")
			c.detail = fmt.Sprint(r)
			outcome = api.OutcomeFailed
		}
		w.finish(ctx, c, outcome)
	}()

	outcome, _, err := fallback.First(ctx, []fallback.Step[api.CycleOutcome]{
		{Name: "pipeline", Run: func(ctx context.Context) (api.CycleOutcome, error) { return w.pipeline(ctx, c) }},
		{Name: "open", Run: func(ctx context.Context) (api.CycleOutcome, error) { return w.open(ctx, c) }},
	})
	if err != nil {
		if !errors.Is(err, ErrNoWork) {
			c.detail = err.Error()
		}
		c.log.Trace().Msg("No work this cycle")
		return api.OutcomeNoWork
	}
	return outcome
}

// pipeline handles the first pending step. Steps are assigned to this identity
// already, so there is nothing to claim. Once a step is taken the open path is
// not consulted in this cycle, whatever happens to the step.
func (w *Worker) pipeline(ctx context.Context, c *cycle) (api.CycleOutcome, error) {
	steps := w.deps.Source.PendingSteps(ctx, w.id)
	if len(steps) == 0 {
		return "", ErrNoWork
	}
	c.item = steps[0]
	c.log.Info().Str("mission", c.item.ID).Str("role", c.item.PipelineRole).Msg("Handling pipeline step")
	return w.executeAndSubmit(ctx, c, PipelineTask(c.item)), nil
}

// open walks the guild's open missions and makes at most one claim attempt.
func (w *Worker) open(ctx context.Context, c *cycle) (api.CycleOutcome, error) {
	for _, item := range w.deps.Source.OpenItems(ctx, w.id) {
		claimed, err := w.deps.Claims.IsClaimed(ctx, item.ID)
		if err != nil {
			c.log.Warn().Err(err).Str("mission", item.ID).Msg("Claim status read failed")
			continue
		}
		if claimed {
			continue
		}

		c.item = item
		won, err := w.deps.Claims.Claim(ctx, w.id, item.ID)
		if err != nil {
			c.log.Warn().Err(err).Str("mission", item.ID).Msg("Claim attempt failed")
			c.detail = err.Error()
			return api.OutcomeFailed, nil
		}
		if !won {
			c.log.Debug().Str("mission", item.ID).Msg("Claim lost to another agent")
			telemetry.CounterGlobal("mfleet_claims_lost", 1, w.labels())
			return api.OutcomeClaimLost, nil
		}
		telemetry.CounterGlobal("mfleet_claims_won", 1, w.labels())
		c.log.Info().Str("mission", item.ID).Msg("Mission claimed")
		return w.executeAndSubmit(ctx, c, w.missionTask(ctx, c, item)), nil
	}
	return "", ErrNoWork
}

// missionTask fetches the full task text, synthesizing one when the
// coordinator cannot provide it.
func (w *Worker) missionTask(ctx context.Context, c *cycle, item api.WorkItem) string {
	task, err := w.deps.Coordinator.MissionContext(ctx, item.ID)
	if err == nil && task != "" {
		return task
	}
	if err != nil {
		c.log.Warn().Err(err).Str("mission", item.ID).Msg("Mission context unavailable, synthesizing task")
	}
	if item.Task != "" {
		return item.Task
	}
	return fmt.Sprintf("Complete mission #%s (budget %s) as a %s agent.", item.ID, item.Budget, capabilityOrGeneral(w.id.Capability))
}

func (w *Worker) executeAndSubmit(ctx context.Context, c *cycle, task string) api.CycleOutcome {
	res := w.deps.Executor.Execute(ctx, w.id.Capability, task)
	c.log.Debug().Str("provider", res.Provider).Int("chars", len(res.Text)).Msg("Task executed")
	telemetry.HistogramGlobal("mfleet_result_chars", float64(len(res.Text)), map[string]string{"provider": res.Provider})

	if err := w.deps.Coordinator.Submit(ctx, w.id, c.item.ID, res.Text); err != nil {
		c.log.Warn().Err(err).Str("mission", c.item.ID).Msg("Submission failed")
		c.detail = err.Error()
		return api.OutcomeFailed
	}
	telemetry.CounterGlobal("mfleet_submissions", 1, map[string]string{
		"capability": w.id.Capability,
		"kind":       string(c.item.Kind),
		"provider":   res.Provider,
	})
	c.log.Info().Str("mission", c.item.ID).Str("provider", res.Provider).Msg("Result submitted")
	return api.OutcomeSubmitted
}

func (w *Worker) finish(ctx context.Context, c *cycle, outcome api.CycleOutcome) {
	finished := w.now()
	labels := w.labels()
	labels["outcome"] = string(outcome)
	telemetry.CounterGlobal("mfleet_cycles", 1, labels)
	telemetry.TimerGlobal("mfleet_cycle_duration", finished.Sub(c.started), labels)

	w.mu.Lock()
	w.status.Cycles++
	w.status.LastOutcome = outcome
	w.status.LastMission = c.item.ID
	w.status.LastCycle = finished
	w.mu.Unlock()

	if w.deps.Journal == nil {
		return
	}
	rec := CycleRecord{
		ID:         c.id,
		Agent:      w.id.Tag(),
		Address:    w.id.Address,
		MissionID:  c.item.ID,
		Kind:       c.item.Kind,
		Outcome:    outcome,
		Detail:     c.detail,
		StartedAt:  c.started,
		FinishedAt: finished,
	}
	if err := w.deps.Journal.Record(ctx, rec); err != nil {
		c.log.Debug().Err(err).Msg("Journal write failed")
	}
}

func (w *Worker) labels() map[string]string {
	return map[string]string{"capability": w.id.Capability}
}

func capabilityOrGeneral(c string) string {
	if c == "" {
		return "general"
	}
	return c
}
