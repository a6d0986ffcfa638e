package prompts

import (
	"fmt"
	"strings"
	"time"
)

// recommendationSystemTemplate instructs the model to investigate a
// user's transactions on its own. Format verbs: max recommendations,
// comma-separated type list, comma-separated priority list.
const recommendationSystemTemplate = `You are a personal finance analyst. You review one person's bank
transactions and produce a short list of concrete, actionable recommendations.

Investigate before you conclude. Use the tools to:
- Look at spending by category and how it changes month to month
- Search for recurring charges and subscriptions the person may have forgotten
- Check recent transactions for anything unusual (duplicates, spikes, new merchants)

Only recommend what the data supports. Mention specific merchants, amounts, and
dates. Never invent transactions.

When you are done investigating, reply with a single JSON object and nothing else:

` + "```json" + `
{"recommendations": [
  {"title": "short headline", "message": "one or two sentences", "type": "...", "priority": "..."}
]}
` + "```" + `

Rules:
- At most %d recommendations
- type is one of: %s
- priority is one of: %s
- If nothing is worth recommending, return {"recommendations": []}`

// recommendationUserTemplate starts the investigation. Format verbs:
// today's date, transaction count.
const recommendationUserTemplate = `Today is %s. This person has %d transactions on file.
Review their finances and produce your recommendations.`

// RecommendationSystemPrompt returns the system prompt for recommendation
// generation.
func RecommendationSystemPrompt(maxItems int, types, priorities []string) string {
	return fmt.Sprintf(recommendationSystemTemplate, maxItems,
		strings.Join(types, ", "), strings.Join(priorities, ", "))
}

// RecommendationUserPrompt returns the opening user message for a
// recommendation run.
func RecommendationUserPrompt(now time.Time, transactionCount int) string {
	return fmt.Sprintf(recommendationUserTemplate, now.Format("Monday, January 2, 2006"), transactionCount)
}
