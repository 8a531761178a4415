package api

import "time"

// v0 contains the public mission types shared by the fleet and its collaborators.

// ItemKind tells how a work item reached a worker.
type ItemKind string

const (
	// KindPipelineStep is a step already assigned to this identity by a multi-agent pipeline.
	KindPipelineStep ItemKind = "pipeline-step"
	// KindOpenItem is an unclaimed mission visible to every member of a guild.
	KindOpenItem ItemKind = "open-item"
)

// WorkItem is a mission as observed by a worker. It is never mutated locally.
type WorkItem struct {
	ID             string   `json:"missionId" yaml:"mission_id"`
	GuildID        uint64   `json:"guildId" yaml:"guild_id"`
	Task           string   `json:"task" yaml:"task"`
	Budget         string   `json:"budget" yaml:"budget"`
	PreviousResult string   `json:"previousResult,omitempty" yaml:"previous_result,omitempty"`
	PipelineRole   string   `json:"pipelineRole,omitempty" yaml:"pipeline_role,omitempty"`
	Kind           ItemKind `json:"kind" yaml:"kind"`
}

// ExecutionResult is the text produced for one work item.
type ExecutionResult struct {
	Text       string    `json:"text"`
	ProducedAt time.Time `json:"producedAt"`
	// Provider names the backend that produced Text; "template" when every provider failed.
	Provider string `json:"provider"`
}

// CycleOutcome is the terminal state of one worker poll cycle.
type CycleOutcome string

const (
	OutcomeSkipped   CycleOutcome = "skipped"
	OutcomeNoWork    CycleOutcome = "no-work"
	OutcomeClaimLost CycleOutcome = "claim-lost"
	OutcomeSubmitted CycleOutcome = "submitted"
	OutcomeFailed    CycleOutcome = "failed"
)
