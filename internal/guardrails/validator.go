package guardrails

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"animalchat-engine/internal/domain"
)

// Stage selects which half of the pipeline a validation run belongs to.
type Stage string

const (
	StageInput  Stage = "input"
	StageOutput Stage = "output"
)

// Result is the outcome of validating one text against a rule set.
// SanitizedText equals the input when allowed and is empty when not; callers
// must never use rejected content.
type Result struct {
	Allowed       bool
	Violations    []domain.RuleViolation
	SanitizedText string
}

// DecidingViolation returns the violation with the lowest priority value,
// i.e. the one that should drive user-facing messaging. Rules are evaluated
// in ascending priority order, so this is always the first one recorded.
func (r Result) DecidingViolation() (domain.RuleViolation, bool) {
	if len(r.Violations) == 0 {
		return domain.RuleViolation{}, false
	}
	return r.Violations[0], true
}

// Validator evaluates guardrail rules against input and output text. It never
// returns an error: a rule with unusable parameters is skipped with a logged
// warning so one bad rule cannot abort validation of the whole turn.
type Validator struct {
	logger *slog.Logger
}

// New creates a Validator. A nil logger falls back to slog.Default().
func New(logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{logger: logger}
}

// Validate runs the rules applicable to stage against text in ascending
// priority order, collecting every violation. A failing safe-mode rule
// short-circuits the remaining lower-priority rules for the stage.
func (v *Validator) Validate(text string, rules []domain.GuardrailRule, stage Stage) Result {
	applicable := make([]domain.GuardrailRule, 0, len(rules))
	for _, r := range rules {
		if r.AppliesToStage(string(stage)) {
			applicable = append(applicable, r)
		}
	}
	sort.SliceStable(applicable, func(i, j int) bool {
		if applicable[i].Priority != applicable[j].Priority {
			return applicable[i].Priority < applicable[j].Priority
		}
		return applicable[i].RuleID < applicable[j].RuleID
	})

	var violations []domain.RuleViolation
	for _, rule := range applicable {
		reason, violated, err := v.evalRule(text, rule)
		if err != nil {
			v.logger.Warn("skipping guardrail rule",
				"ruleId", rule.RuleID, "kind", rule.Kind, "stage", stage, "err", err)
			continue
		}
		if !violated {
			continue
		}
		violations = append(violations, domain.RuleViolation{
			RuleID: rule.RuleID,
			Kind:   rule.Kind,
			Reason: reason,
		})
		if rule.Kind == domain.KindSafeMode {
			break
		}
	}

	if len(violations) > 0 {
		return Result{Allowed: false, Violations: violations}
	}
	return Result{Allowed: true, SanitizedText: text}
}

// evalRule dispatches on the rule kind. An unknown kind or unusable
// parameters surface as an error, which the caller turns into a skip.
func (v *Validator) evalRule(text string, rule domain.GuardrailRule) (reason string, violated bool, err error) {
	switch rule.Kind {
	case domain.KindMaxLength:
		max, err := intParam(rule.Parameters, "max")
		if err != nil {
			return "", false, err
		}
		if n := utf8.RuneCountInString(text); n > max {
			return fmt.Sprintf("text length %d exceeds maximum %d", n, max), true, nil
		}
		return "", false, nil

	case domain.KindTopicBlockList:
		terms, err := stringSliceParam(rule.Parameters, "terms")
		if err != nil {
			return "", false, err
		}
		lower := strings.ToLower(text)
		for _, term := range terms {
			term = strings.TrimSpace(term)
			if term == "" {
				continue
			}
			if strings.Contains(lower, strings.ToLower(term)) {
				return fmt.Sprintf("blocked topic %q", term), true, nil
			}
		}
		return "", false, nil

	case domain.KindPatternBlock:
		pattern, err := stringParam(rule.Parameters, "pattern")
		if err != nil {
			return "", false, err
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return "", false, fmt.Errorf("compile pattern: %w", err)
		}
		if re.MatchString(text) {
			return fmt.Sprintf("text matches blocked pattern %q", pattern), true, nil
		}
		return "", false, nil

	case domain.KindSafeMode:
		threshold := defaultSafeModeThreshold
		if _, ok := rule.Parameters["threshold"]; ok {
			threshold, err = floatParam(rule.Parameters, "threshold")
			if err != nil {
				return "", false, err
			}
		}
		if score := unsafeScore(text); score >= threshold {
			return fmt.Sprintf("unsafe-content score %.2f at or above threshold %.2f", score, threshold), true, nil
		}
		return "", false, nil

	default:
		return "", false, fmt.Errorf("unknown guardrail kind %q", rule.Kind)
	}
}
