package protocol

// SamplingParams carries the generation knobs exactly as the caller sent them.
// Pointer fields are optional; nil means "use the engine default" (and for
// MaxTokens, "fill the remaining context window").
type SamplingParams struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	TopK             *int     `json:"top_k,omitempty"`
	PresencePenalty  float64  `json:"presence_penalty,omitempty"`
	FrequencyPenalty float64  `json:"frequency_penalty,omitempty"`
	MaxTokens        *int     `json:"max_tokens,omitempty"`
	N                *int     `json:"n,omitempty"`
	BestOf           *int     `json:"best_of,omitempty"`
	Stop             []string `json:"stop,omitempty"`
	Logprobs         *int     `json:"logprobs,omitempty"`
	IgnoreEOS        bool     `json:"ignore_eos,omitempty"`
	UseBeamSearch    bool     `json:"use_beam_search,omitempty"`
}

// CompletionRequest is one inbound completion call.
type CompletionRequest struct {
	ID     string         `json:"id"`
	Prompt string         `json:"prompt"`
	Stream bool           `json:"stream"`
	Params SamplingParams `json:"params"`
}
