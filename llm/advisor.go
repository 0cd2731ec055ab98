// Package llm provides an optional language-model advisor that phrases the
// human-readable reasons attached to counter-offers. Negotiation decisions
// are never delegated to the model; it only words them.
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/linkedout-ai/agent-commerce/logger"
)

// Advisor turns a priced counter decision into a short reason string. A nil
// Advisor is valid and always uses the deterministic fallback.
type Advisor struct {
	model llms.Model
	lg    *logger.Logger
}

// NewAdvisor wraps an existing model.
func NewAdvisor(model llms.Model, lg *logger.Logger) *Advisor {
	if lg == nil {
		lg = logger.Global()
	}
	return &Advisor{model: model, lg: lg}
}

// NewOpenAIAdvisor creates an advisor backed by an OpenAI-compatible
// endpoint. Credentials come from the environment, per the client library.
func NewOpenAIAdvisor(modelName string, lg *logger.Logger) (*Advisor, error) {
	model, err := openai.New(openai.WithModel(modelName))
	if err != nil {
		return nil, fmt.Errorf("create llm client: %w", err)
	}
	return NewAdvisor(model, lg), nil
}

// CounterReason returns a one-sentence reason for countering at counterPrice
// after an offer of offeredPrice. Model failures fall back to a deterministic
// phrasing so negotiation never stalls on the model.
func (a *Advisor) CounterReason(ctx context.Context, item string, offeredPrice, counterPrice float64) string {
	fallback := fmt.Sprintf("Cannot accept %.2f for %s, countering at %.2f", offeredPrice, item, counterPrice)
	if a == nil || a.model == nil {
		return fallback
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	prompt := fmt.Sprintf(
		"You are a seller negotiating the price of %q. The buyer offered %.2f and you are countering at %.2f. "+
			"Reply with one short, polite sentence explaining the counter-offer. No quotes, no preamble.",
		item, offeredPrice, counterPrice,
	)

	out, err := llms.GenerateFromSinglePrompt(ctx, a.model, prompt, llms.WithMaxTokens(60))
	if err != nil {
		a.lg.Warnf("llm reason generation failed, using fallback: %v", err)
		return fallback
	}
	reason := strings.TrimSpace(out)
	if reason == "" {
		return fallback
	}
	return reason
}
