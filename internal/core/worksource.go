package core

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/missionfleet/internal/identity"
	"github.com/3cpo-dev/missionfleet/pkg/api"
)

// PipelineSource lists pipeline steps assigned to an address.
type PipelineSource interface {
	PendingSteps(ctx context.Context, agent string) ([]api.WorkItem, error)
}

// OpenSource lists a guild's unresolved missions.
type OpenSource interface {
	OpenMissions(ctx context.Context, guild uint64) ([]api.WorkItem, error)
}

// WorkSource discovers candidate work. Both queries fail soft: an outage
// reads as "no work this cycle".
type WorkSource struct {
	pipeline PipelineSource
	open     OpenSource
}

func NewWorkSource(pipeline PipelineSource, open OpenSource) *WorkSource {
	return &WorkSource{pipeline: pipeline, open: open}
}

// PendingSteps returns the pipeline steps waiting on id.
func (s *WorkSource) PendingSteps(ctx context.Context, id *identity.Identity) []api.WorkItem {
	if s.pipeline == nil {
		return nil
	}
	items, err := s.pipeline.PendingSteps(ctx, id.Address)
	if err != nil {
		log.Warn().Err(err).Str("agent", id.Tag()).Msg("Pipeline discovery failed")
		return nil
	}
	for i := range items {
		items[i].Kind = api.KindPipelineStep
	}
	return items
}

// OpenItems returns the unclaimed-looking missions of id's guild, in discovery order.
func (s *WorkSource) OpenItems(ctx context.Context, id *identity.Identity) []api.WorkItem {
	if s.open == nil {
		return nil
	}
	items, err := s.open.OpenMissions(ctx, id.GuildID)
	if err != nil {
		log.Warn().Err(err).Str("agent", id.Tag()).Uint64("guild", id.GuildID).Msg("Open mission discovery failed")
		return nil
	}
	for i := range items {
		items[i].Kind = api.KindOpenItem
	}
	return items
}

// PipelineTask is the text executed for a pipeline step: the step's task, plus
// the upstream agent's output when there is one.
func PipelineTask(item api.WorkItem) string {
	if item.PreviousResult == "" {
		return item.Task
	}
	return item.Task + "\n\nPrevious agent's work:\n" + item.PreviousResult
}
