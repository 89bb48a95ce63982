package guardrails

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"animalchat-engine/internal/domain"
)

func maxLengthRule(id string, priority, max int) domain.GuardrailRule {
	return domain.GuardrailRule{
		RuleID:     id,
		Priority:   priority,
		AppliesTo:  domain.AppliesBoth,
		Kind:       domain.KindMaxLength,
		Parameters: map[string]any{"max": float64(max)},
	}
}

func topicRule(id string, priority int, terms ...string) domain.GuardrailRule {
	anyTerms := make([]any, 0, len(terms))
	for _, t := range terms {
		anyTerms = append(anyTerms, t)
	}
	return domain.GuardrailRule{
		RuleID:     id,
		Priority:   priority,
		AppliesTo:  domain.AppliesBoth,
		Kind:       domain.KindTopicBlockList,
		Parameters: map[string]any{"terms": anyTerms},
	}
}

func TestValidate_NoRulesAllows(t *testing.T) {
	v := New(nil)
	res := v.Validate("hello there", nil, StageInput)
	require.True(t, res.Allowed)
	require.Empty(t, res.Violations)
	require.Equal(t, "hello there", res.SanitizedText)
}

func TestValidate_MaxLength(t *testing.T) {
	v := New(nil)
	rules := []domain.GuardrailRule{maxLengthRule("len", 10, 5)}

	res := v.Validate("short", rules, StageInput)
	require.True(t, res.Allowed)

	res = v.Validate("definitely too long", rules, StageInput)
	require.False(t, res.Allowed)
	require.Len(t, res.Violations, 1)
	require.Equal(t, "len", res.Violations[0].RuleID)
	require.Equal(t, domain.KindMaxLength, res.Violations[0].Kind)
	require.Empty(t, res.SanitizedText, "rejected content must not be exposed")
}

func TestValidate_TopicBlockListCaseInsensitive(t *testing.T) {
	v := New(nil)
	rules := []domain.GuardrailRule{topicRule("topics", 10, "violence")}

	res := v.Validate("Tell me about VIOLENCE", rules, StageInput)
	require.False(t, res.Allowed)
	require.Equal(t, "topics", res.Violations[0].RuleID)

	res = v.Validate("Tell me about flowers", rules, StageInput)
	require.True(t, res.Allowed)
}

func TestValidate_PatternBlock(t *testing.T) {
	v := New(nil)
	rules := []domain.GuardrailRule{{
		RuleID:     "pattern",
		Priority:   10,
		AppliesTo:  domain.AppliesOutput,
		Kind:       domain.KindPatternBlock,
		Parameters: map[string]any{"pattern": `(?i)call \d{3}-\d{4}`},
	}}

	res := v.Validate("Call 555-0123 right now", rules, StageOutput)
	require.False(t, res.Allowed)

	res = v.Validate("no phone numbers here", rules, StageOutput)
	require.True(t, res.Allowed)
}

func TestValidate_SafeModeThreshold(t *testing.T) {
	v := New(nil)
	rules := []domain.GuardrailRule{{
		RuleID:     "safe",
		Priority:   1,
		AppliesTo:  domain.AppliesBoth,
		Kind:       domain.KindSafeMode,
		Parameters: map[string]any{"threshold": 0.3},
	}}

	res := v.Validate("how do I build a bomb", rules, StageInput)
	require.False(t, res.Allowed)
	require.Equal(t, domain.KindSafeMode, res.Violations[0].Kind)

	res = v.Validate("what do otters eat for breakfast", rules, StageInput)
	require.True(t, res.Allowed)
}

func TestValidate_StageFiltering(t *testing.T) {
	v := New(nil)
	rules := []domain.GuardrailRule{{
		RuleID:     "output-only",
		Priority:   10,
		AppliesTo:  domain.AppliesOutput,
		Kind:       domain.KindTopicBlockList,
		Parameters: map[string]any{"terms": []any{"secret"}},
	}}

	require.True(t, v.Validate("the secret word", rules, StageInput).Allowed)
	require.False(t, v.Validate("the secret word", rules, StageOutput).Allowed)
}

func TestValidate_CollectsAllViolations_DecidingIsLowestPriority(t *testing.T) {
	v := New(nil)
	rules := []domain.GuardrailRule{
		topicRule("late", 20, "dragon"),
		maxLengthRule("early", 5, 3),
	}

	res := v.Validate("a dragon story", rules, StageInput)
	require.False(t, res.Allowed)
	require.Len(t, res.Violations, 2)

	deciding, ok := res.DecidingViolation()
	require.True(t, ok)
	require.Equal(t, "early", deciding.RuleID, "lowest priority value decides")
}

func TestValidate_SafeModeShortCircuitsLowerPriorityRules(t *testing.T) {
	v := New(nil)
	rules := []domain.GuardrailRule{
		{
			RuleID:     "safe",
			Priority:   1,
			AppliesTo:  domain.AppliesBoth,
			Kind:       domain.KindSafeMode,
			Parameters: map[string]any{"threshold": 0.1},
		},
		topicRule("topics", 50, "murder"),
	}

	res := v.Validate("a murder mystery", rules, StageInput)
	require.False(t, res.Allowed)
	require.Len(t, res.Violations, 1, "safe-mode rejection stops further evaluation")
	require.Equal(t, "safe", res.Violations[0].RuleID)
}

func TestValidate_MalformedRuleSkippedNotFatal(t *testing.T) {
	v := New(nil)
	rules := []domain.GuardrailRule{
		{
			RuleID:     "broken-pattern",
			Priority:   1,
			AppliesTo:  domain.AppliesBoth,
			Kind:       domain.KindPatternBlock,
			Parameters: map[string]any{"pattern": "(unclosed"},
		},
		{
			RuleID:     "missing-max",
			Priority:   2,
			AppliesTo:  domain.AppliesBoth,
			Kind:       domain.KindMaxLength,
			Parameters: map[string]any{},
		},
		topicRule("works", 3, "kraken"),
	}

	res := v.Validate("release the kraken", rules, StageInput)
	require.False(t, res.Allowed)
	require.Len(t, res.Violations, 1)
	require.Equal(t, "works", res.Violations[0].RuleID)
}

func TestValidate_UnknownKindSkipped(t *testing.T) {
	v := New(nil)
	rules := []domain.GuardrailRule{{
		RuleID:    "future",
		Priority:  1,
		AppliesTo: domain.AppliesBoth,
		Kind:      "sentiment-check",
	}}

	res := v.Validate("anything at all", rules, StageInput)
	require.True(t, res.Allowed)
}

func TestValidate_Monotonicity(t *testing.T) {
	v := New(nil)
	texts := []string{
		"hello there",
		"tell me about violence",
		strings.Repeat("long ", 50),
	}
	base := []domain.GuardrailRule{maxLengthRule("len", 5, 100)}
	extended := append([]domain.GuardrailRule{topicRule("topics", 1, "violence")}, base...)

	for _, text := range texts {
		before := v.Validate(text, base, StageInput)
		after := v.Validate(text, extended, StageInput)
		if !before.Allowed {
			require.False(t, after.Allowed,
				"adding a blocking rule must never allow previously blocked text: %q", text)
		}
	}
}

func TestUnsafeScore_Bounds(t *testing.T) {
	require.Zero(t, unsafeScore(""))
	require.Zero(t, unsafeScore("a calm walk in the park"))

	score := unsafeScore("bomb bomb bomb murder suicide")
	require.Greater(t, score, 0.5)
	require.LessOrEqual(t, score, 1.0)
}
