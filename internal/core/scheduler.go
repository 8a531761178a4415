package core

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/3cpo-dev/missionfleet/internal/telemetry"
	"github.com/3cpo-dev/missionfleet/pkg/api"
)

// ErrDrainTimeout is returned when in-flight cycles outlive the drain window.
var ErrDrainTimeout = errors.New("in-flight cycles did not finish before the drain timeout")

// Poller runs one worker cycle.
type Poller interface {
	Poll(ctx context.Context) api.CycleOutcome
}

// Heartbeater announces one worker.
type Heartbeater interface {
	Heartbeat(ctx context.Context) error
	Tag() string
}

// ChunkInputs splits a list of inputs into chunks of at most chunkSize.
func ChunkInputs[T any](inputs []T, chunkSize int) [][]T {
	if chunkSize <= 0 {
		return [][]T{inputs}
	}
	var chunks [][]T
	for i := 0; i < len(inputs); i += chunkSize {
		end := i + chunkSize
		if end > len(inputs) {
			end = len(inputs)
		}
		chunks = append(chunks, inputs[i:end])
	}
	return chunks
}

// StaggerOffsets spreads n start times evenly over one interval:
// offset_i = floor(i/n * interval), so 0 <= offset_i < interval.
func StaggerOffsets(n int, interval time.Duration) []time.Duration {
	if n <= 0 {
		return nil
	}
	out := make([]time.Duration, n)
	for i := range out {
		out[i] = time.Duration(int64(interval) * int64(i) / int64(n))
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Broadcaster sends every worker's heartbeat in fixed-size batches with a
// pause between batches so the coordinator never sees the whole fleet at once.
type Broadcaster struct {
	workers []Heartbeater
	batch   int
	pause   time.Duration
	sleep   func(context.Context, time.Duration) error
}

func NewBroadcaster(workers []Heartbeater, batch int, pause time.Duration) *Broadcaster {
	return &Broadcaster{workers: workers, batch: batch, pause: pause, sleep: sleepCtx}
}

// Broadcast sends one round and returns how many heartbeats were accepted.
// Failures are logged per worker.
func (b *Broadcaster) Broadcast(ctx context.Context) int {
	var sent atomic.Int64
	chunks := ChunkInputs(b.workers, b.batch)
	for i, chunk := range chunks {
		g, gctx := errgroup.WithContext(ctx)
		for _, w := range chunk {
			w := w
			g.Go(func() error {
				if err := w.Heartbeat(gctx); err != nil {
					log.Warn().Err(err).Str("agent", w.Tag()).Msg("Heartbeat failed")
					return nil
				}
				sent.Add(1)
				return nil
			})
		}
		_ = g.Wait()
		if i < len(chunks)-1 && b.pause > 0 {
			if err := b.sleep(ctx, b.pause); err != nil {
				break
			}
		}
	}
	telemetry.GaugeGlobal("mfleet_heartbeats_sent", float64(sent.Load()), nil)
	log.Debug().Int64("sent", sent.Load()).Int("workers", len(b.workers)).Msg("Heartbeat round done")
	return int(sent.Load())
}

// Scheduler drives each poller on its own staggered timer plus one shared
// heartbeat timer.
//
// Cancelling Run's context stops new cycles only. A cycle already running
// continues on a context detached from the cancellation and is bounded by its
// own network timeouts; Run waits for such cycles up to the drain timeout.
type Scheduler struct {
	pollers           []Poller
	pollInterval      time.Duration
	heartbeat         *Broadcaster
	heartbeatInterval time.Duration
	drain             time.Duration

	inflight sync.WaitGroup
}

func NewScheduler(pollers []Poller, pollInterval time.Duration, heartbeat *Broadcaster, heartbeatInterval, drain time.Duration) *Scheduler {
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	return &Scheduler{
		pollers:           pollers,
		pollInterval:      pollInterval,
		heartbeat:         heartbeat,
		heartbeatInterval: heartbeatInterval,
		drain:             drain,
	}
}

// Run blocks until ctx is cancelled and in-flight cycles have drained.
func (s *Scheduler) Run(ctx context.Context) error {
	var loops sync.WaitGroup
	for i, off := range StaggerOffsets(len(s.pollers), s.pollInterval) {
		p := s.pollers[i]
		loops.Add(1)
		go func(off time.Duration) {
			defer loops.Done()
			s.pollLoop(ctx, p, off)
		}(off)
	}
	if s.heartbeat != nil && s.heartbeatInterval > 0 {
		loops.Add(1)
		go func() {
			defer loops.Done()
			s.heartbeatLoop(ctx)
		}()
	}
	log.Info().Int("workers", len(s.pollers)).Dur("interval", s.pollInterval).Msg("Scheduler started")

	<-ctx.Done()
	loops.Wait()
	log.Info().Dur("drain_timeout", s.drain).Msg("Scheduler stopped, draining in-flight cycles")
	return s.wait()
}

func (s *Scheduler) wait() error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	if s.drain <= 0 {
		<-done
		return nil
	}
	t := time.NewTimer(s.drain)
	defer t.Stop()
	select {
	case <-done:
		return nil
	case <-t.C:
		return ErrDrainTimeout
	}
}

func (s *Scheduler) pollLoop(ctx context.Context, p Poller, offset time.Duration) {
	if err := sleepCtx(ctx, offset); err != nil {
		return
	}
	s.launch(ctx, p)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.launch(ctx, p) {
				return
			}
		}
	}
}

// launch runs a cycle without blocking the timer; an overlapping cycle is
// turned away by the worker's busy flag. Once ctx is cancelled nothing new
// starts, even when a tick raced the cancellation.
func (s *Scheduler) launch(ctx context.Context, p Poller) bool {
	if ctx.Err() != nil {
		return false
	}
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		p.Poll(context.WithoutCancel(ctx))
	}()
	return true
}

func (s *Scheduler) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			s.heartbeat.Broadcast(ctx)
		}
	}
}
