package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Guardrail stages and kinds as stored in persona configuration documents.
const (
	AppliesInput  = "input"
	AppliesOutput = "output"
	AppliesBoth   = "both"

	KindMaxLength      = "max-length"
	KindTopicBlockList = "topic-block-list"
	KindPatternBlock   = "pattern-block"
	KindSafeMode       = "safe-mode"
)

// Response formats supported by generation requests.
const (
	ResponseFormatText       = "text"
	ResponseFormatStructured = "structured"
)

// GuardrailRule is one configured safety constraint. Rules are evaluated in
// ascending Priority order; Parameters carries kind-specific values.
type GuardrailRule struct {
	RuleID     string         `json:"ruleId"`
	Priority   int            `json:"priority"`
	AppliesTo  string         `json:"appliesTo"`
	Kind       string         `json:"kind"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// AppliesToStage reports whether the rule participates in the given stage
// ("input" or "output").
func (r GuardrailRule) AppliesToStage(stage string) bool {
	return r.AppliesTo == stage || r.AppliesTo == AppliesBoth
}

// PersonaConfig is one animal's behavior profile, read-only from the engine's
// perspective. The record is decoded from the JSON document stored under the
// persona's parameter path.
type PersonaConfig struct {
	PersonaID              string          `json:"personaId"`
	SystemPromptTemplate   string          `json:"systemPromptTemplate"`
	PersonalityDescription string          `json:"personalityDescription"`
	Model                  string          `json:"model"`
	Temperature            float64         `json:"temperature"`
	TopP                   float64         `json:"topP"`
	MaxTokens              int             `json:"maxTokens"`
	ToolsEnabled           []string        `json:"toolsEnabled,omitempty"`
	ResponseFormat         string          `json:"responseFormat,omitempty"`
	Guardrails             []GuardrailRule `json:"guardrails,omitempty"`
}

// Validate checks the generation parameter domains before the config is used
// for a turn. A config that fails here must never reach the provider.
func (c PersonaConfig) Validate() error {
	if strings.TrimSpace(c.PersonaID) == "" {
		return errors.New("domain: personaId must not be empty")
	}
	if strings.TrimSpace(c.Model) == "" {
		return errors.New("domain: model must not be empty")
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("domain: temperature %v outside [0, 2]", c.Temperature)
	}
	if c.TopP < 0 || c.TopP > 1 {
		return fmt.Errorf("domain: topP %v outside [0, 1]", c.TopP)
	}
	if c.MaxTokens < 1 {
		return fmt.Errorf("domain: maxTokens %d must be at least 1", c.MaxTokens)
	}
	switch c.ResponseFormat {
	case "", ResponseFormatText, ResponseFormatStructured:
	default:
		return fmt.Errorf("domain: unknown responseFormat %q", c.ResponseFormat)
	}
	return nil
}
