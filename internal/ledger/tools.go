package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/pennywise/internal/embeddings"
	"github.com/nugget/pennywise/internal/tools"
)

// Result limits enforced regardless of what the model asks for.
const (
	DefaultLimit = 10
	MaxLimit     = 25
)

const dayLayout = "2006-01-02"

// TxnView is the model-facing rendering of a transaction.
type TxnView struct {
	ID          string  `json:"id"`
	Date        string  `json:"date"`
	Description string  `json:"description"`
	Merchant    string  `json:"merchant,omitempty"`
	Category    string  `json:"category,omitempty"`
	Amount      float64 `json:"amount"`
}

func views(txns []Transaction) []TxnView {
	out := make([]TxnView, len(txns))
	for i, t := range txns {
		out[i] = TxnView{
			ID:          t.ID,
			Date:        t.PostedAt.Format(dayLayout),
			Description: t.Description,
			Merchant:    t.Merchant,
			Category:    t.Category,
			Amount:      t.Amount,
		}
	}
	return out
}

// Tools exposes the ledger to the agent. Every handler reads only the
// calling user's rows.
type Tools struct {
	store    *Store
	embedder embeddings.Embedder
	logger   *slog.Logger
	now      func() time.Time
}

// NewTools creates ledger tools. embedder may be nil, in which case
// search is keyword-only.
func NewTools(store *Store, embedder embeddings.Embedder, logger *slog.Logger) *Tools {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tools{
		store:    store,
		embedder: embedder,
		logger:   logger.With("component", "ledger_tools"),
		now:      time.Now,
	}
}

// Registry builds the static tool registry shared by all runs.
func (t *Tools) Registry() (*tools.Registry, error) {
	return tools.NewRegistry(
		t.searchTool(),
		t.spendingTool(),
		t.recentTool(),
		t.recurringTool(),
		t.monthlyTool(),
	)
}

type searchArgs struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

type searchResult struct {
	Method       string    `json:"method"`
	Count        int       `json:"count"`
	Transactions []TxnView `json:"transactions"`
}

func (t *Tools) searchTool() tools.Tool {
	return tools.Typed(tools.Descriptor{
		Name:        "search_transactions",
		Description: "Find transactions by merchant, description, or category. Matches by meaning when possible, otherwise by keyword. Newest first.",
		Params: []tools.Param{
			{Name: "query", Type: "string", Description: "What to look for, e.g. \"coffee\" or \"Netflix\"", Required: true},
			{Name: "limit", Type: "integer", Description: fmt.Sprintf("Maximum results (max %d)", MaxLimit), Default: DefaultLimit},
		},
	}, t.search)
}

func (t *Tools) search(ctx context.Context, caller tools.Caller, a searchArgs) (searchResult, error) {
	query := strings.TrimSpace(a.Query)
	if query == "" {
		return searchResult{}, fmt.Errorf("query is required")
	}
	limit := tools.ClampLimit(a.Limit, DefaultLimit, MaxLimit)

	if t.embedder != nil {
		found, err := t.semantic(ctx, caller.UserID, query, limit)
		switch {
		case err != nil:
			t.logger.Debug("semantic search unavailable, using keyword", "error", err)
		case len(found) > 0:
			return searchResult{Method: "semantic", Count: len(found), Transactions: views(found)}, nil
		}
	}

	found, err := t.store.Search(ctx, caller.UserID, query, limit)
	if err != nil {
		return searchResult{}, fmt.Errorf("search: %w", err)
	}
	return searchResult{Method: "keyword", Count: len(found), Transactions: views(found)}, nil
}

func (t *Tools) semantic(ctx context.Context, userID, query string, limit int) ([]Transaction, error) {
	vec, err := t.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	return t.store.SemanticSearch(ctx, userID, vec, limit)
}

type spendingArgs struct {
	Category string `json:"category"`
	From     string `json:"from"`
	To       string `json:"to"`
}

type spendingResult struct {
	From       string          `json:"from"`
	To         string          `json:"to"`
	Total      float64         `json:"total"`
	Categories []CategoryTotal `json:"categories"`
}

func (t *Tools) spendingTool() tools.Tool {
	return tools.Typed(tools.Descriptor{
		Name:        "spending_by_category",
		Description: "Total spending per category over a date range. Defaults to the current month. Amounts are positive figures of money spent.",
		Params: []tools.Param{
			{Name: "category", Type: "string", Description: "Only this category (case-insensitive)"},
			{Name: "from", Type: "string", Description: "First day, YYYY-MM-DD"},
			{Name: "to", Type: "string", Description: "Last day inclusive, YYYY-MM-DD"},
		},
	}, t.spending)
}

func (t *Tools) spending(ctx context.Context, caller tools.Caller, a spendingArgs) (spendingResult, error) {
	now := t.now().UTC()
	from := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	last := now

	var err error
	if a.From != "" {
		if from, err = time.Parse(dayLayout, a.From); err != nil {
			return spendingResult{}, fmt.Errorf("from must be YYYY-MM-DD: %w", err)
		}
	}
	if a.To != "" {
		if last, err = time.Parse(dayLayout, a.To); err != nil {
			return spendingResult{}, fmt.Errorf("to must be YYYY-MM-DD: %w", err)
		}
	}
	end := time.Date(last.Year(), last.Month(), last.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	if !from.Before(end) {
		return spendingResult{}, fmt.Errorf("from must not be after to")
	}

	cats, err := t.store.SpendingByCategory(ctx, caller.UserID, from, end)
	if err != nil {
		return spendingResult{}, fmt.Errorf("spending: %w", err)
	}

	res := spendingResult{From: from.Format(dayLayout), To: end.AddDate(0, 0, -1).Format(dayLayout), Categories: []CategoryTotal{}}
	for _, c := range cats {
		if a.Category != "" && !strings.EqualFold(c.Category, a.Category) {
			continue
		}
		res.Categories = append(res.Categories, c)
		res.Total += c.Spent
	}
	return res, nil
}

type recentArgs struct {
	Limit int `json:"limit"`
}

func (t *Tools) recentTool() tools.Tool {
	return tools.Typed(tools.Descriptor{
		Name:        "recent_transactions",
		Description: "The most recent transactions, newest first.",
		Params: []tools.Param{
			{Name: "limit", Type: "integer", Description: fmt.Sprintf("Maximum results (max %d)", MaxLimit), Default: DefaultLimit},
		},
	}, func(ctx context.Context, caller tools.Caller, a recentArgs) ([]TxnView, error) {
		found, err := t.store.Recent(ctx, caller.UserID, tools.ClampLimit(a.Limit, DefaultLimit, MaxLimit))
		if err != nil {
			return nil, fmt.Errorf("recent: %w", err)
		}
		return views(found), nil
	})
}

type recurringArgs struct {
	MinMonths int `json:"min_months"`
}

func (t *Tools) recurringTool() tools.Tool {
	return tools.Typed(tools.Descriptor{
		Name:        "find_recurring_charges",
		Description: "Merchants that charged the account in several different months, such as subscriptions and bills.",
		Params: []tools.Param{
			{Name: "min_months", Type: "integer", Description: "Minimum distinct months seen", Default: 3},
		},
	}, func(ctx context.Context, caller tools.Caller, a recurringArgs) ([]RecurringCharge, error) {
		found, err := t.store.RecurringCharges(ctx, caller.UserID, a.MinMonths)
		if err != nil {
			return nil, fmt.Errorf("recurring: %w", err)
		}
		if len(found) > MaxLimit {
			found = found[:MaxLimit]
		}
		return found, nil
	})
}

type monthlyArgs struct {
	Month string `json:"month"`
}

func (t *Tools) monthlyTool() tools.Tool {
	return tools.Typed(tools.Descriptor{
		Name:        "monthly_summary",
		Description: "Income, spending, net, and top spending categories for one calendar month.",
		Params: []tools.Param{
			{Name: "month", Type: "string", Description: "YYYY-MM; defaults to the current month"},
		},
	}, func(ctx context.Context, caller tools.Caller, a monthlyArgs) (*MonthSummary, error) {
		month := t.now().UTC()
		if a.Month != "" {
			m, err := time.Parse("2006-01", a.Month)
			if err != nil {
				return nil, fmt.Errorf("month must be YYYY-MM: %w", err)
			}
			month = m
		}
		sum, err := t.store.MonthlySummary(ctx, caller.UserID, month)
		if err != nil {
			return nil, fmt.Errorf("monthly summary: %w", err)
		}
		return sum, nil
	})
}
