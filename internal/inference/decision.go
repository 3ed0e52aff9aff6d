// Package inference turns an open-vocabulary classifier's top prediction
// into a fresh or rotten verdict.
package inference

import "strings"

// RottenThreshold is the confidence below which an unrecognized label is
// treated as rotten.
const RottenThreshold = 0.7

var (
	rottenKeywords = []string{"rotten", "spoiled", "decayed", "moldy", "bad", "diseased"}
	freshKeywords  = []string{"fresh", "ripe", "healthy", "good"}
)

// ClassificationResult is a classifier's top label and its confidence in [0,1].
type ClassificationResult struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// Verdict is the user-facing outcome of one analysis.
type Verdict struct {
	Label    string  `json:"label"`
	Score    float64 `json:"score"`
	IsRotten bool    `json:"isRotten"`
	// Degraded marks a verdict produced without a classifier result.
	Degraded bool `json:"degraded,omitempty"`
}

// Branch names the rule that decided a verdict.
type Branch int

const (
	BranchRottenKeyword Branch = iota
	BranchFreshKeyword
	BranchThreshold
)

func (b Branch) String() string {
	switch b {
	case BranchRottenKeyword:
		return "rotten-keyword"
	case BranchFreshKeyword:
		return "fresh-keyword"
	default:
		return "threshold"
	}
}

// Decide applies the decision rule to a classifier result.
func Decide(r ClassificationResult) Verdict {
	v, _ := Explain(r)
	return v
}

// Explain is Decide that also reports which rule fired. Rotten keywords are
// checked first, so a label naming both outcomes is rotten.
func Explain(r ClassificationResult) (Verdict, Branch) {
	label := strings.ToLower(r.Label)
	v := Verdict{Label: r.Label, Score: r.Score}

	switch {
	case containsAny(label, rottenKeywords):
		v.IsRotten = true
		return v, BranchRottenKeyword
	case containsAny(label, freshKeywords):
		return v, BranchFreshKeyword
	default:
		v.IsRotten = r.Score < RottenThreshold
		return v, BranchThreshold
	}
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
