package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nugget/pennywise/internal/agent"
	"github.com/nugget/pennywise/internal/extract"
)

var now = time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)

func TestPoliciesValidate(t *testing.T) {
	rec := Recommendation(RecommendationConfig{}, now, 40)
	require.NoError(t, rec.Validate())
	assert.Equal(t, DefaultRecommendationIterations, rec.MaxIterations)
	assert.Contains(t, rec.UserPrompt, "40 transactions")

	q := Query(QueryConfig{MaxIterations: 3, Model: "m"}, now, "How much on rent?")
	require.NoError(t, q.Validate())
	assert.Equal(t, 3, q.MaxIterations)
	assert.Equal(t, "m", q.Model)
	assert.Contains(t, q.UserPrompt, "How much on rent?")

	tooMany := Query(QueryConfig{MaxIterations: agent.HardIterationCeiling + 1}, now, "x")
	assert.ErrorIs(t, tooMany.Validate(), agent.ErrInvalidPolicy)
}

func TestRecommendationExtraction_FencedBlock(t *testing.T) {
	text := "```json\n{\"recommendations\":[{\"title\":\"A\",\"message\":\"B\",\"type\":\"SpendingAlert\",\"priority\":\"High\"}]}\n```"

	res, err := extract.Extract(text, RecommendationSchema)
	require.NoError(t, err)
	items, err := DecodeRecommendations(res)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, Suggestion{Title: "A", Message: "B", Type: TypeSpendingAlert, Priority: PriorityHigh}, items[0])
}

func TestRecommendationExtraction_UnknownPriority(t *testing.T) {
	text := `{"recommendations":[{"title":"A","message":"B","type":"SpendingAlert","priority":"Urgent"}]}`

	res, err := extract.Extract(text, RecommendationSchema)
	require.NoError(t, err)
	items, err := DecodeRecommendations(res)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, PriorityMedium, items[0].Priority)
}

func TestRecommendationExtraction_Coercion(t *testing.T) {
	text := `Here you go:
[
  {"title":"1","message":"m","type":"subscription creep"},
  {"title":"2","message":"m","type":"recurring_charge","priority":"low"},
  {"title":"3","message":"m"},
  {"title":"4","message":"m"},
  {"title":"5","message":"m"},
  {"title":"6","message":"m"}
]`
	res, err := extract.Extract(text, RecommendationSchema)
	require.NoError(t, err)
	items, err := DecodeRecommendations(res)
	require.NoError(t, err)

	require.Len(t, items, MaxRecommendations)
	assert.Equal(t, TypeOther, items[0].Type)
	assert.Equal(t, TypeRecurringCharge, items[1].Type)
	assert.Equal(t, PriorityLow, items[1].Priority)
	assert.Equal(t, PriorityMedium, items[2].Priority)
}

func TestRecommendationExtraction_NoJSON(t *testing.T) {
	_, err := extract.Extract("Everything looks fine, no recommendations.", RecommendationSchema)
	assert.ErrorIs(t, err, extract.ErrParse)
}

func TestRecommendationExtraction_MissingMessage(t *testing.T) {
	_, err := extract.Extract(`{"recommendations":[{"title":"A"}]}`, RecommendationSchema)
	assert.ErrorIs(t, err, extract.ErrParse)
}

func TestQueryExtraction(t *testing.T) {
	res, err := extract.Extract(`{"answer":"You spent $42.00 on Coffee this month.","amount":42.00,"transactions":null}`, QuerySchema)
	require.NoError(t, err)
	a, err := DecodeAnswer(res)
	require.NoError(t, err)
	assert.Equal(t, "You spent $42.00 on Coffee this month.", a.Text)
	require.NotNil(t, a.Amount)
	assert.Equal(t, 42.0, *a.Amount)
	assert.Empty(t, a.Transactions)

	res, err = extract.Extract(`{"answer":"Two charges.","amount":null,"transactions":[
		{"id":"t1","date":"2026-10-01","description":"Blue Bottle","amount":-4.5,"category":"Coffee"},
		{"id":"t2","date":"2026-10-03","description":"Blue Bottle","category":"Coffee"}
	]}`, QuerySchema)
	require.NoError(t, err)
	a, err = DecodeAnswer(res)
	require.NoError(t, err)
	assert.Nil(t, a.Amount)
	require.Len(t, a.Transactions, 2)
	assert.Equal(t, "t1", a.Transactions[0].ID)
	require.NotNil(t, a.Transactions[0].Amount)
	assert.Equal(t, -4.5, *a.Transactions[0].Amount)
	assert.Nil(t, a.Transactions[1].Amount)
}

func TestPriorityRank(t *testing.T) {
	assert.Greater(t, PriorityRank(PriorityHigh), PriorityRank(PriorityMedium))
	assert.Greater(t, PriorityRank(PriorityMedium), PriorityRank(PriorityLow))
	assert.Equal(t, 0, PriorityRank("Urgent"))
}
