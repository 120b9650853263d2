// Package admission decides whether a completion request fits the model's
// context window and resolves its completion-token budget.
package admission

import (
	"fmt"
	"math"
	"net/http"

	"github.com/yungtweek/talkie/apps/completion-gateway/internal/engine"
	"github.com/yungtweek/talkie/apps/completion-gateway/internal/protocol"
)

// Reason classifies an admission failure.
type Reason string

const (
	ReasonContextLength  Reason = "context_length_exceeded"
	ReasonInvalidParams  Reason = "invalid_sampling_params"
	ReasonInvalidRequest Reason = "invalid_request"
)

// Error rejects a request before any generation starts. Status is an
// HTTP-style status code; transports map it to their own vocabulary.
type Error struct {
	Status  int
	Reason  Reason
	Field   string
	Message string
	Budget  Budget
}

func (e *Error) Error() string { return e.Message }

// Budget is the token accounting of one admitted request.
type Budget struct {
	PromptTokens        int
	MaxCompletionTokens int
	ContextLimit        int
}

// Total is the number of tokens the request asks the context window to hold.
// It saturates at math.MaxInt instead of wrapping.
func (b Budget) Total() int {
	if b.MaxCompletionTokens > 0 && b.PromptTokens > math.MaxInt-b.MaxCompletionTokens {
		return math.MaxInt
	}
	return b.PromptTokens + b.MaxCompletionTokens
}

// Fits reports whether the budget stays within the context window.
func (b Budget) Fits() bool {
	return b.MaxCompletionTokens <= b.ContextLimit-b.PromptTokens
}

// requested is the exact total for the rejection message; prompt and
// completion counts are non-negative there, so it cannot wrap.
func (b Budget) requested() uint64 {
	return uint64(b.PromptTokens) + uint64(b.MaxCompletionTokens)
}

// ResolveMaxTokens returns the caller's max_tokens when set, and otherwise
// the whole remainder of the context window.
func ResolveMaxTokens(maxTokens *int, promptTokens, contextLimit int) int {
	if maxTokens == nil {
		return contextLimit - promptTokens
	}
	return *maxTokens
}

// Admit computes the token budget of a request and rejects it when prompt and
// completion together exceed the context window.
func Admit(params protocol.SamplingParams, promptTokens, contextLimit int) (Budget, error) {
	b := Budget{
		PromptTokens:        promptTokens,
		MaxCompletionTokens: ResolveMaxTokens(params.MaxTokens, promptTokens, contextLimit),
		ContextLimit:        contextLimit,
	}

	if !b.Fits() {
		return b, &Error{
			Status: http.StatusBadRequest,
			Reason: ReasonContextLength,
			Field:  "max_tokens",
			Message: fmt.Sprintf(
				"This model's maximum context length is %d tokens. "+
					"However, you requested %d tokens "+
					"(%d in the messages, %d in the completion). "+
					"Please reduce the length of the messages or completion.",
				b.ContextLimit, b.requested(), b.PromptTokens, b.MaxCompletionTokens,
			),
			Budget: b,
		}
	}
	return b, nil
}

// BuildSamplingParams merges the caller's knobs over the engine defaults,
// applies the resolved completion budget and validates the result. Invalid
// values come back as an *Error so they are rejected like an oversized request.
func BuildSamplingParams(params protocol.SamplingParams, maxTokens int) (engine.SamplingParams, error) {
	sp := engine.DefaultSamplingParams()

	if params.N != nil {
		sp.N = *params.N
	}
	sp.BestOf = sp.N
	if params.BestOf != nil {
		sp.BestOf = *params.BestOf
	}
	if params.Temperature != nil {
		sp.Temperature = *params.Temperature
	}
	if params.TopP != nil {
		sp.TopP = *params.TopP
	}
	if params.TopK != nil {
		sp.TopK = *params.TopK
	}
	sp.PresencePenalty = params.PresencePenalty
	sp.FrequencyPenalty = params.FrequencyPenalty
	sp.Stop = params.Stop
	sp.Logprobs = params.Logprobs
	sp.IgnoreEOS = params.IgnoreEOS
	sp.UseBeamSearch = params.UseBeamSearch
	sp.MaxTokens = maxTokens

	if err := sp.Validate(); err != nil {
		aerr := &Error{
			Status:  http.StatusBadRequest,
			Reason:  ReasonInvalidParams,
			Message: err.Error(),
		}
		if perr, ok := err.(*engine.ParamError); ok {
			aerr.Field = perr.Field
		}
		return engine.SamplingParams{}, aerr
	}
	return sp, nil
}
