package prompts

import (
	"fmt"
	"time"
)

// querySystemTemplate instructs the model to answer one question. Format
// verbs: today's date, max referenced transactions.
const querySystemTemplate = `You answer one question about a person's own bank transactions.
Today is %s.

Use the tools to look up the facts you need, then answer. Do not ask follow-up
questions; this is a single exchange. If the data does not contain the answer,
say so plainly.

Reply with a single JSON object and nothing else:

` + "```json" + `
{"answer": "plain-language answer", "amount": 42.00, "transactions": [
  {"id": "...", "date": "YYYY-MM-DD", "description": "...", "amount": -4.50, "category": "..."}
]}
` + "```" + `

- amount is the single figure that answers the question, or null
- transactions lists at most %d supporting transactions, or null`

// QueryApology is shown to the user whenever a question could not be
// answered. It never includes failure detail.
const QueryApology = "Sorry, I wasn't able to answer that right now. Please try again in a little while."

// QuerySystemPrompt returns the system prompt for answering a question.
func QuerySystemPrompt(now time.Time, maxTransactions int) string {
	return fmt.Sprintf(querySystemTemplate, now.Format("2006-01-02"), maxTransactions)
}

// QueryUserPrompt wraps the user's question.
func QueryUserPrompt(question string) string {
	return "Question: " + question
}
