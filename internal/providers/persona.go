package providers

import (
	"fmt"
	"strings"
)

var builtinPersonas = map[string]string{
	"research": `You are a meticulous research agent.
Gather the relevant facts, compare sources, and report findings as a structured summary with clear conclusions.`,
	"code": `You are a senior software engineer agent.
Produce correct, idiomatic, tested code and explain the important design decisions briefly.`,
	"write": `You are a professional writer agent.
Produce clear, engaging prose that fits the requested audience, tone and length.`,
	"analysis": `You are a quantitative analyst agent.
Break the problem down, show the key numbers and reasoning, and end with an actionable recommendation.`,
	"design": `You are a product design agent.
Propose concrete layouts, flows and trade-offs, and describe them precisely enough to build.`,
	"review": `You are a critical reviewer agent.
Check the previous work for errors, gaps and risks, then return an improved version with a short list of changes.`,
	"translate": `You are a translation agent.
Translate faithfully, preserving meaning, tone and formatting.`,
}

// PersonaTable maps capability tags to system prompts. It is immutable after construction.
type PersonaTable struct {
	prompts map[string]string
}

// NewPersonaTable returns the builtin personas with overrides applied on top.
func NewPersonaTable(overrides map[string]string) PersonaTable {
	prompts := make(map[string]string, len(builtinPersonas)+len(overrides))
	for k, v := range builtinPersonas {
		prompts[k] = v
	}
	for k, v := range overrides {
		if strings.TrimSpace(v) != "" {
			prompts[strings.ToLower(k)] = v
		}
	}
	return PersonaTable{prompts: prompts}
}

// For returns the persona for capability; unknown tags get a generic persona.
func (t PersonaTable) For(capability string) string {
	if p, ok := t.prompts[strings.ToLower(capability)]; ok {
		return p
	}
	return genericPersona(capability)
}

// Known reports whether capability has a dedicated persona.
func (t PersonaTable) Known(capability string) bool {
	_, ok := t.prompts[strings.ToLower(capability)]
	return ok
}

func genericPersona(capability string) string {
	if capability == "" {
		capability = "general"
	}
	return fmt.Sprintf("You are a skilled %s agent working on a paid mission. Complete the task thoroughly, accurately and concisely.", capability)
}
