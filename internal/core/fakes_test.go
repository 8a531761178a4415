package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/missionfleet/internal/identity"
	"github.com/3cpo-dev/missionfleet/internal/ledger"
	"github.com/3cpo-dev/missionfleet/pkg/api"
)

var testSeed = []byte("core-test-seed")

func testIdentity(t testing.TB, index int, capability string) *identity.Identity {
	t.Helper()
	id, err := identity.Derive(testSeed, index, 7, capability)
	require.NoError(t, err)
	id.Key = fmt.Sprintf("%s:%d", capability, index)
	return id
}

// memLedger is an in-memory ledger with an atomic claim table.
type memLedger struct {
	mu sync.Mutex
	// staleReads makes IsClaimed always answer false, widening the race window.
	staleReads   bool
	claimErr     error
	readErr      map[string]error
	claims       map[string]string
	claimCalls   []string
	members      map[string]bool
	joinErr      error
	joins        []string
	balances     map[string]float64
	transfers    []string
	receiptState string
}

func newMemLedger() *memLedger {
	return &memLedger{
		claims:   map[string]string{},
		members:  map[string]bool{},
		balances: map[string]float64{},
		readErr:  map[string]error{},
	}
}

func (l *memLedger) IsClaimed(_ context.Context, missionID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.readErr[missionID]; err != nil {
		return false, err
	}
	if l.staleReads {
		return false, nil
	}
	_, ok := l.claims[missionID]
	return ok, nil
}

func (l *memLedger) ClaimMission(_ context.Context, id *identity.Identity, missionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.claimCalls = append(l.claimCalls, missionID)
	if l.claimErr != nil {
		return l.claimErr
	}
	if _, taken := l.claims[missionID]; taken {
		return fmt.Errorf("%w: %s", ledger.ErrClaimLost, missionID)
	}
	l.claims[missionID] = id.Address
	return nil
}

func (l *memLedger) IsMember(_ context.Context, address string, _ uint64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.members[address], nil
}

func (l *memLedger) JoinGuild(_ context.Context, id *identity.Identity, _ uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.joins = append(l.joins, id.Address)
	if l.joinErr != nil {
		return l.joinErr
	}
	l.members[id.Address] = true
	return nil
}

func (l *memLedger) Balance(_ context.Context, address string) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	bal, ok := l.balances[address]
	if !ok {
		return 0, errors.New("unknown address")
	}
	return bal, nil
}

func (l *memLedger) SendFunds(_ context.Context, _ *identity.Identity, to string, amount float64) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.transfers = append(l.transfers, to)
	l.balances[to] += amount
	return fmt.Sprintf("0x%02d", len(l.transfers)), nil
}

func (l *memLedger) WaitForReceipt(_ context.Context, tx string) (ledger.Receipt, error) {
	status := l.receiptState
	if status == "" {
		status = ledger.StatusSuccess
	}
	return ledger.Receipt{TxHash: tx, Status: status}, nil
}

func (l *memLedger) claimCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.claimCalls)
}

type submission struct {
	agent, mission, result string
}

// memCoordinator records every call made to it.
type memCoordinator struct {
	mu          sync.Mutex
	steps       map[string][]api.WorkItem
	stepsErr    error
	contexts    map[string]string
	submitErr   error
	submissions []submission
	heartbeats  []string
	stepCalls   int
}

func newMemCoordinator() *memCoordinator {
	return &memCoordinator{steps: map[string][]api.WorkItem{}, contexts: map[string]string{}}
}

func (c *memCoordinator) PendingSteps(_ context.Context, agent string) ([]api.WorkItem, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stepCalls++
	if c.stepsErr != nil {
		return nil, c.stepsErr
	}
	return append([]api.WorkItem(nil), c.steps[agent]...), nil
}

func (c *memCoordinator) MissionContext(_ context.Context, missionID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	task, ok := c.contexts[missionID]
	if !ok {
		return "", errors.New("mission not found")
	}
	return task, nil
}

func (c *memCoordinator) Submit(_ context.Context, id *identity.Identity, missionID, result string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.submitErr != nil {
		return c.submitErr
	}
	c.submissions = append(c.submissions, submission{agent: id.Address, mission: missionID, result: result})
	return nil
}

func (c *memCoordinator) Heartbeat(_ context.Context, id *identity.Identity) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.heartbeats = append(c.heartbeats, id.Address)
	return nil
}

func (c *memCoordinator) submitted() []submission {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]submission(nil), c.submissions...)
}

func (c *memCoordinator) heartbeatCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.heartbeats)
}

type memOpen struct {
	mu    sync.Mutex
	items []api.WorkItem
	err   error
	calls int
}

func (o *memOpen) OpenMissions(_ context.Context, guild uint64) ([]api.WorkItem, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	if o.err != nil {
		return nil, o.err
	}
	return append([]api.WorkItem(nil), o.items...), nil
}

func (o *memOpen) callCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

// echoExecutor returns the task it was given, optionally blocking or panicking.
type echoExecutor struct {
	mu      sync.Mutex
	tasks   []string
	block   chan struct{}
	started chan struct{}
	panics  bool
}

func (e *echoExecutor) Execute(_ context.Context, capability, task string) api.ExecutionResult {
	e.mu.Lock()
	e.tasks = append(e.tasks, task)
	e.mu.Unlock()
	if e.started != nil {
		e.started <- struct{}{}
	}
	if e.block != nil {
		<-e.block
	}
	if e.panics {
		panic("executor exploded")
	}
	return api.ExecutionResult{Text: "done: " + task, Provider: "echo"}
}

type memJournal struct {
	mu      sync.Mutex
	records []CycleRecord
}

func (j *memJournal) Record(_ context.Context, r CycleRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = append(j.records, r)
	return nil
}

type harness struct {
	ledger  *memLedger
	coord   *memCoordinator
	open    *memOpen
	exec    *echoExecutor
	journal *memJournal
}

func newHarness() *harness {
	return &harness{
		ledger:  newMemLedger(),
		coord:   newMemCoordinator(),
		open:    &memOpen{},
		exec:    &echoExecutor{},
		journal: &memJournal{},
	}
}

func (h *harness) deps() WorkerDeps {
	return WorkerDeps{
		Source:      NewWorkSource(h.coord, h.open),
		Claims:      NewClaimArbiter(h.ledger),
		Coordinator: h.coord,
		Executor:    h.exec,
		Journal:     h.journal,
	}
}

func (h *harness) worker(t testing.TB, index int) *Worker {
	return NewWorker(testIdentity(t, index, "code"), h.deps())
}
