// Package agent implements the bounded conversation and tool-dispatch
// loop that drives one task to a structured outcome.
package agent

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nugget/pennywise/internal/extract"
)

// HardIterationCeiling is the largest iteration bound any policy may ask
// for.
const HardIterationCeiling = 10

// ErrInvalidPolicy is wrapped by every Policy.Validate failure.
var ErrInvalidPolicy = errors.New("invalid policy")

// Policy specialises the loop to one task. Policies are built once and
// shared read-only.
type Policy struct {
	Name          string
	SystemPrompt  string
	UserPrompt    string
	MaxIterations int
	Schema        extract.Schema

	// Model overrides the runner's default model when set.
	Model string
	// MaxTokens caps each completion; zero uses the provider default.
	MaxTokens int
}

// Validate checks the iteration bound and prompts.
func (p Policy) Validate() error {
	if p.MaxIterations < 1 || p.MaxIterations > HardIterationCeiling {
		return fmt.Errorf("%w: max iterations %d outside [1, %d]", ErrInvalidPolicy, p.MaxIterations, HardIterationCeiling)
	}
	if strings.TrimSpace(p.SystemPrompt) == "" {
		return fmt.Errorf("%w: empty system prompt", ErrInvalidPolicy)
	}
	if strings.TrimSpace(p.UserPrompt) == "" {
		return fmt.Errorf("%w: empty user prompt", ErrInvalidPolicy)
	}
	if len(p.Schema.Fields) == 0 {
		return fmt.Errorf("%w: empty extraction schema", ErrInvalidPolicy)
	}
	return nil
}
