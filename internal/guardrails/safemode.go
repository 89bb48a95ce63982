package guardrails

import "strings"

// defaultSafeModeThreshold applies when a safe-mode rule carries no
// "threshold" parameter.
const defaultSafeModeThreshold = 0.5

// unsafeTermWeights is the lexicon behind the safe-mode heuristic. Weights
// are per hit; the final score is normalized so short texts dominated by
// flagged terms score higher than long texts with an incidental hit.
var unsafeTermWeights = map[string]float64{
	"kill":        0.6,
	"murder":      0.8,
	"weapon":      0.5,
	"bomb":        0.8,
	"explosive":   0.7,
	"suicide":     0.9,
	"self-harm":   0.9,
	"hurt myself": 0.9,
	"attack":      0.4,
	"hate":        0.3,
	"drugs":       0.4,
	"overdose":    0.7,
	"blood":       0.3,
	"gore":        0.6,
}

// unsafeScore returns a score in [0, 1]. Deterministic and purely lexical so
// the validator stays a leaf with no network dependency.
func unsafeScore(text string) float64 {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	lower := strings.ToLower(trimmed)
	words := len(strings.Fields(lower))
	if words == 0 {
		return 0
	}

	var total float64
	for term, weight := range unsafeTermWeights {
		total += weight * float64(strings.Count(lower, term))
	}
	if total == 0 {
		return 0
	}

	// Normalize against text length: one strong hit in a ten-word message
	// matters more than the same hit buried in a paragraph.
	score := total / (1 + float64(words)/10)
	if score > 1 {
		return 1
	}
	return score
}
