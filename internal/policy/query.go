package policy

import (
	"fmt"
	"time"

	"github.com/nugget/pennywise/internal/agent"
	"github.com/nugget/pennywise/internal/extract"
	"github.com/nugget/pennywise/internal/prompts"
)

// MaxQueryTransactions caps the transactions an answer may reference.
const MaxQueryTransactions = 5

// DefaultQueryIterations bounds a query run.
const DefaultQueryIterations = 5

// QuerySchema is the terminal shape of a query run.
var QuerySchema = extract.Schema{Fields: []extract.Field{
	{Name: "answer", Kind: extract.String, Required: true},
	{Name: "amount", Kind: extract.Number, Nullable: true},
	{Name: "transactions", Kind: extract.Array, Nullable: true, MaxItems: MaxQueryTransactions, Fields: []extract.Field{
		{Name: "id", Kind: extract.String},
		{Name: "date", Kind: extract.String},
		{Name: "description", Kind: extract.String},
		{Name: "amount", Kind: extract.Number, Nullable: true},
		{Name: "category", Kind: extract.String},
	}},
}}

// QueryConfig tunes the query policy.
type QueryConfig struct {
	MaxIterations int
	Model         string
	MaxTokens     int
}

// Query builds the policy for answering one question. The question must
// already be validated by the caller.
func Query(cfg QueryConfig, now time.Time, question string) agent.Policy {
	iters := cfg.MaxIterations
	if iters <= 0 {
		iters = DefaultQueryIterations
	}
	return agent.Policy{
		Name:          "query",
		SystemPrompt:  prompts.QuerySystemPrompt(now, MaxQueryTransactions),
		UserPrompt:    prompts.QueryUserPrompt(question),
		MaxIterations: iters,
		Schema:        QuerySchema,
		Model:         cfg.Model,
		MaxTokens:     cfg.MaxTokens,
	}
}

// TransactionRef is a transaction cited in an answer.
type TransactionRef struct {
	ID          string   `json:"id"`
	Date        string   `json:"date"`
	Description string   `json:"description"`
	Amount      *float64 `json:"amount,omitempty"`
	Category    string   `json:"category"`
}

// Answer is the typed result of a query run.
type Answer struct {
	Text         string           `json:"answer"`
	Amount       *float64         `json:"amount"`
	Transactions []TransactionRef `json:"transactions"`
}

// DecodeAnswer converts a query Result into an Answer.
func DecodeAnswer(r extract.Result) (Answer, error) {
	var a Answer
	if err := extract.Decode(r, &a); err != nil {
		return Answer{}, fmt.Errorf("decode answer: %w", err)
	}
	return a, nil
}
