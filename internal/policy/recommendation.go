// Package policy defines the two task policies the agent runs: periodic
// recommendation generation and one-shot question answering.
package policy

import (
	"fmt"
	"time"

	"github.com/nugget/pennywise/internal/agent"
	"github.com/nugget/pennywise/internal/extract"
	"github.com/nugget/pennywise/internal/prompts"
)

// Recommendation types.
const (
	TypeSpendingAlert      = "SpendingAlert"
	TypeSavingsOpportunity = "SavingsOpportunity"
	TypeRecurringCharge    = "RecurringCharge"
	TypeBudgetAdvice       = "BudgetAdvice"
	TypeUnusualActivity    = "UnusualActivity"
	TypeOther              = "Other"
)

// Recommendation priorities.
const (
	PriorityLow    = "Low"
	PriorityMedium = "Medium"
	PriorityHigh   = "High"
)

// MaxRecommendations caps the items accepted from one run.
const MaxRecommendations = 5

// Types lists the recommendation types; unknown labels become TypeOther.
var Types = []string{
	TypeSpendingAlert, TypeSavingsOpportunity, TypeRecurringCharge,
	TypeBudgetAdvice, TypeUnusualActivity, TypeOther,
}

// Priorities lists the priorities; unknown labels become PriorityMedium.
var Priorities = []string{PriorityLow, PriorityMedium, PriorityHigh}

// RecommendationSchema is the terminal shape of a recommendation run.
var RecommendationSchema = extract.Schema{
	WrapArray: "recommendations",
	Fields: []extract.Field{{
		Name:     "recommendations",
		Kind:     extract.Array,
		Required: true,
		MaxItems: MaxRecommendations,
		Fields: []extract.Field{
			{Name: "title", Kind: extract.String, Required: true},
			{Name: "message", Kind: extract.String, Required: true},
			{Name: "type", Kind: extract.String, Enum: Types, Default: TypeOther},
			{Name: "priority", Kind: extract.String, Enum: Priorities, Default: PriorityMedium},
		},
	}},
}

// RecommendationConfig tunes the recommendation policy.
type RecommendationConfig struct {
	MaxIterations int
	Model         string
	MaxTokens     int
}

// DefaultRecommendationIterations bounds a recommendation run.
const DefaultRecommendationIterations = 5

// Recommendation builds the policy for one user's run.
func Recommendation(cfg RecommendationConfig, now time.Time, transactionCount int) agent.Policy {
	iters := cfg.MaxIterations
	if iters <= 0 {
		iters = DefaultRecommendationIterations
	}
	return agent.Policy{
		Name:          "recommendation",
		SystemPrompt:  prompts.RecommendationSystemPrompt(MaxRecommendations, Types, Priorities),
		UserPrompt:    prompts.RecommendationUserPrompt(now, transactionCount),
		MaxIterations: iters,
		Schema:        RecommendationSchema,
		Model:         cfg.Model,
		MaxTokens:     cfg.MaxTokens,
	}
}

// Suggestion is one extracted recommendation.
type Suggestion struct {
	Title    string `json:"title"`
	Message  string `json:"message"`
	Type     string `json:"type"`
	Priority string `json:"priority"`
}

// DecodeRecommendations converts a recommendation Result into typed
// suggestions.
func DecodeRecommendations(r extract.Result) ([]Suggestion, error) {
	var out struct {
		Recommendations []Suggestion `json:"recommendations"`
	}
	if err := extract.Decode(r, &out); err != nil {
		return nil, fmt.Errorf("decode recommendations: %w", err)
	}
	return out.Recommendations, nil
}

// PriorityRank orders priorities for display, highest first.
func PriorityRank(p string) int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}
