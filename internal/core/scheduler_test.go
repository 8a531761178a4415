package core

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/missionfleet/pkg/api"
)

func TestChunkInputs(t *testing.T) {
	in := []string{"a", "b", "c", "d", "e"}
	chunks := ChunkInputs(in, 2)
	require.Len(t, chunks, 3)
	assert.Equal(t, []string{"a", "b"}, chunks[0])
	assert.Equal(t, []string{"e"}, chunks[2])
	assert.Len(t, ChunkInputs(in, 0), 1)
}

func TestStaggerOffsets(t *testing.T) {
	for _, n := range []int{1, 2, 3, 7, 50, 101} {
		for _, interval := range []time.Duration{time.Millisecond, time.Second, 30 * time.Second, 7} {
			offs := StaggerOffsets(n, interval)
			require.Len(t, offs, n)
			assert.Zero(t, offs[0])
			for i, off := range offs {
				assert.GreaterOrEqual(t, off, time.Duration(0))
				assert.Less(t, off, interval, "n=%d i=%d", n, i)
				if i > 0 {
					assert.GreaterOrEqual(t, off, offs[i-1])
				}
			}
		}
	}
	assert.Equal(t, []time.Duration{0, 10 * time.Second, 20 * time.Second}, StaggerOffsets(3, 30*time.Second))
	assert.Nil(t, StaggerOffsets(0, time.Second))
}

type fakeBeat struct {
	tag   string
	err   error
	calls atomic.Int32
	order *[]string
	mu    *sync.Mutex
}

func (f *fakeBeat) Heartbeat(context.Context) error {
	f.calls.Add(1)
	f.mu.Lock()
	*f.order = append(*f.order, f.tag)
	f.mu.Unlock()
	return f.err
}

func (f *fakeBeat) Tag() string { return f.tag }

func TestBroadcastBatchesWithPauses(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	beats := make([]Heartbeater, 5)
	for i := range beats {
		fb := &fakeBeat{tag: string(rune('a' + i)), order: &order, mu: &mu}
		if i == 3 {
			fb.err = errors.New("coordinator busy")
		}
		beats[i] = fb
	}
	b := NewBroadcaster(beats, 2, time.Second)
	var pauses []int
	b.sleep = func(_ context.Context, d time.Duration) error {
		assert.Equal(t, time.Second, d)
		mu.Lock()
		pauses = append(pauses, len(order))
		mu.Unlock()
		return nil
	}

	sent := b.Broadcast(context.Background())

	assert.Equal(t, 4, sent)
	assert.Equal(t, []int{2, 4}, pauses, "a pause follows every full batch but the last")
	assert.Len(t, order, 5)
}

type countingPoller struct {
	calls   atomic.Int32
	block   chan struct{}
	ctxErrs atomic.Int32
}

func (p *countingPoller) Poll(ctx context.Context) api.CycleOutcome {
	p.calls.Add(1)
	if p.block != nil {
		<-p.block
	}
	if ctx.Err() != nil {
		p.ctxErrs.Add(1)
	}
	return api.OutcomeNoWork
}

func TestSchedulerRunsEveryPollerUntilCancelled(t *testing.T) {
	pollers := []*countingPoller{{}, {}, {}}
	ps := make([]Poller, len(pollers))
	for i, p := range pollers {
		ps[i] = p
	}
	s := NewScheduler(ps, 10*time.Millisecond, nil, 0, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- s.Run(ctx) }()

	assert.Eventually(t, func() bool {
		for _, p := range pollers {
			if p.calls.Load() < 2 {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	after := pollers[0].calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, pollers[0].calls.Load(), "no cycles after shutdown")
}

func TestLaunchAfterCancelStartsNothing(t *testing.T) {
	p := &countingPoller{}
	s := NewScheduler([]Poller{p}, time.Hour, nil, 0, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.False(t, s.launch(ctx, p))
	require.NoError(t, s.wait())
	assert.Zero(t, p.calls.Load())
}

func TestSchedulerLetsInFlightCyclesFinish(t *testing.T) {
	p := &countingPoller{block: make(chan struct{})}
	s := NewScheduler([]Poller{p}, time.Hour, nil, 0, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- s.Run(ctx) }()
	require.Eventually(t, func() bool { return p.calls.Load() == 1 }, time.Second, time.Millisecond)

	cancel()
	select {
	case <-done:
		t.Fatal("Run returned while a cycle was in flight")
	case <-time.After(20 * time.Millisecond):
	}
	close(p.block)
	require.NoError(t, <-done)
	assert.Zero(t, p.ctxErrs.Load(), "in-flight cycles do not see the shutdown")
}

func TestSchedulerDrainTimeout(t *testing.T) {
	p := &countingPoller{block: make(chan struct{})}
	defer close(p.block)
	s := NewScheduler([]Poller{p}, time.Hour, nil, 0, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- s.Run(ctx) }()
	require.Eventually(t, func() bool { return p.calls.Load() == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, ErrDrainTimeout)
}

func TestSchedulerSendsHeartbeats(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	fb := &fakeBeat{tag: "a", order: &order, mu: &mu}
	hb := NewBroadcaster([]Heartbeater{fb}, 10, 0)
	s := NewScheduler([]Poller{&countingPoller{}}, time.Hour, hb, 5*time.Millisecond, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- s.Run(ctx) }()
	assert.Eventually(t, func() bool { return fb.calls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}
