package vllm

// TokenizeRequest is the payload of vLLM's /tokenize endpoint.
type TokenizeRequest struct {
	Model            string `json:"model"`
	Prompt           string `json:"prompt"`
	AddSpecialTokens bool   `json:"add_special_tokens"`
}

// TokenizeResponse is vLLM's /tokenize reply.
type TokenizeResponse struct {
	Count       int   `json:"count"`
	MaxModelLen int   `json:"max_model_len"`
	Tokens      []int `json:"tokens"`
}

// ModelCard is one entry of /v1/models.
type ModelCard struct {
	ID          string `json:"id"`
	Object      string `json:"object"`
	MaxModelLen int    `json:"max_model_len"`
}

// ModelList is the /v1/models reply.
type ModelList struct {
	Object string      `json:"object"`
	Data   []ModelCard `json:"data"`
}

// CompletionRequest is the payload we send to the OpenAI-compatible
// /v1/completions endpoint. Prompt is either a string or a list of token ids.
type CompletionRequest struct {
	Model            string   `json:"model"`
	Prompt           any      `json:"prompt"`
	MaxTokens        int      `json:"max_tokens"`
	Temperature      float64  `json:"temperature"`
	TopP             float64  `json:"top_p"`
	TopK             int      `json:"top_k"`
	N                int      `json:"n"`
	BestOf           int      `json:"best_of,omitempty"`
	PresencePenalty  float64  `json:"presence_penalty"`
	FrequencyPenalty float64  `json:"frequency_penalty"`
	Stop             []string `json:"stop,omitempty"`
	Logprobs         *int     `json:"logprobs,omitempty"`
	IgnoreEOS        bool     `json:"ignore_eos,omitempty"`
	UseBeamSearch    bool     `json:"use_beam_search,omitempty"`
	Stream           bool     `json:"stream"`
	ReturnTokenIDs   bool     `json:"return_token_ids,omitempty"`
	RequestID        string   `json:"request_id,omitempty"`
}

// CompletionChoice is one choice of a streamed completion chunk.
type CompletionChoice struct {
	Index        int     `json:"index"`
	Text         string  `json:"text"`
	TokenIDs     []int   `json:"token_ids"`
	FinishReason *string `json:"finish_reason"`
}

// Usage represents token usage stats from vLLM/OpenAI.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CompletionChunk is a single SSE chunk of a streamed completion. vLLM
// reports in-stream failures either as {"error": {...}} or, in older
// releases, as a top-level {"object": "error", ...} body.
type CompletionChunk struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []CompletionChoice `json:"choices"`
	Usage   *Usage             `json:"usage,omitempty"`

	Error   *APIError `json:"error,omitempty"`
	Message string    `json:"message,omitempty"`
	Type    string    `json:"type,omitempty"`
}

// APIError is vLLM's error body.
type APIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

// apiError returns the error carried by the chunk, if any.
func (c *CompletionChunk) apiError() *APIError {
	if c.Error != nil {
		return c.Error
	}
	if c.Object == "error" {
		return &APIError{Message: c.Message, Type: c.Type}
	}
	return nil
}
