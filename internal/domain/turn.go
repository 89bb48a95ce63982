package domain

import "time"

// TurnStatus is the lifecycle state of a conversation turn. A turn reaches
// exactly one terminal state and is never mutated afterwards.
type TurnStatus string

const (
	StatusPending   TurnStatus = "pending"
	StatusCompleted TurnStatus = "completed"
	StatusRejected  TurnStatus = "rejected"
	StatusFailed    TurnStatus = "failed"
)

// Terminal reports whether the status is one of the three terminal states.
func (s TurnStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusRejected || s == StatusFailed
}

// RuleViolation records one guardrail rule that rejected a text. Violations
// are attached to turn metadata for diagnostics and never shown to end users.
type RuleViolation struct {
	RuleID string `json:"ruleId"`
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

// TurnMetadata captures the generation parameters in effect for a turn plus
// token, latency, and violation diagnostics. Parameter values are copied from
// the persona config at generation time so the record stays auditable even
// after the config changes.
type TurnMetadata struct {
	Model            string          `json:"model,omitempty"`
	Temperature      float64         `json:"temperature,omitempty"`
	TopP             float64         `json:"topP,omitempty"`
	MaxTokens        int             `json:"maxTokens,omitempty"`
	PromptTokens     int             `json:"promptTokens,omitempty"`
	CompletionTokens int             `json:"completionTokens,omitempty"`
	LatencyMS        int64           `json:"latencyMs,omitempty"`
	FinishReason     string          `json:"finishReason,omitempty"`
	Regenerated      bool            `json:"regenerated,omitempty"`
	Violations       []RuleViolation `json:"violations,omitempty"`
	FailureKind      string          `json:"failureKind,omitempty"`
}

// ConversationTurn is one user-message/reply exchange. TurnID doubles as the
// idempotency key for persistence.
type ConversationTurn struct {
	TurnID      string       `json:"turnId"`
	SessionID   string       `json:"sessionId"`
	PersonaID   string       `json:"personaId"`
	UserMessage string       `json:"userMessage"`
	Reply       string       `json:"reply,omitempty"`
	Status      TurnStatus   `json:"status"`
	CreatedAt   time.Time    `json:"createdAt"`
	CompletedAt *time.Time   `json:"completedAt,omitempty"`
	Metadata    TurnMetadata `json:"metadata"`
}
