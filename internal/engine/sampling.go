package engine

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// greedyEpsilon is the temperature under which sampling is treated as greedy.
const greedyEpsilon = 1e-5

// SamplingParams are the resolved, engine-facing generation parameters.
type SamplingParams struct {
	N                int      `json:"n" validate:"min=1"`
	BestOf           int      `json:"best_of" validate:"gtefield=N"`
	PresencePenalty  float64  `json:"presence_penalty" validate:"min=-2,max=2"`
	FrequencyPenalty float64  `json:"frequency_penalty" validate:"min=-2,max=2"`
	Temperature      float64  `json:"temperature" validate:"min=0"`
	TopP             float64  `json:"top_p" validate:"gt=0,lte=1"`
	TopK             int      `json:"top_k" validate:"eq=-1|gte=1"`
	UseBeamSearch    bool     `json:"use_beam_search"`
	Stop             []string `json:"stop,omitempty"`
	IgnoreEOS        bool     `json:"ignore_eos"`
	MaxTokens        int      `json:"max_tokens" validate:"min=1"`
	Logprobs         *int     `json:"logprobs,omitempty" validate:"omitempty,min=0"`
}

// DefaultSamplingParams returns the engine defaults for every knob.
func DefaultSamplingParams() SamplingParams {
	return SamplingParams{
		N:           1,
		BestOf:      1,
		Temperature: 1.0,
		TopP:        1.0,
		TopK:        -1,
		MaxTokens:   16,
	}
}

// ParamError reports the first sampling parameter that is out of range.
type ParamError struct {
	Field   string
	Message string
}

func (e *ParamError) Error() string { return e.Message }

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterStructValidation(validateSamplingMode, SamplingParams{})
	return v
}

// validateSamplingMode checks rules that span several fields.
func validateSamplingMode(sl validator.StructLevel) {
	p := sl.Current().Interface().(SamplingParams)

	if p.UseBeamSearch {
		if p.BestOf <= 1 {
			sl.ReportError(p.BestOf, "best_of", "BestOf", "beam_best_of", "")
		}
		if p.Temperature > greedyEpsilon {
			sl.ReportError(p.Temperature, "temperature", "Temperature", "beam_temperature", "")
		}
		if p.TopP < 1.0-greedyEpsilon {
			sl.ReportError(p.TopP, "top_p", "TopP", "beam_top_p", "")
		}
		if p.TopK != -1 {
			sl.ReportError(p.TopK, "top_k", "TopK", "beam_top_k", "")
		}
		return
	}

	if p.Temperature < greedyEpsilon && p.BestOf > 1 {
		sl.ReportError(p.BestOf, "best_of", "BestOf", "greedy_best_of", "")
	}
}

var tagRules = map[string]string{
	"beam_best_of":     "best_of must be greater than 1 when using beam search",
	"beam_temperature": "temperature must be 0 when using beam search",
	"beam_top_p":       "top_p must be 1 when using beam search",
	"beam_top_k":       "top_k must be -1 when using beam search",
	"greedy_best_of":   "best_of must be 1 when using greedy sampling",
}

var fieldRules = map[string]string{
	"n":                 "n must be at least 1",
	"best_of":           "best_of must be greater than or equal to n",
	"presence_penalty":  "presence_penalty must be in [-2, 2]",
	"frequency_penalty": "frequency_penalty must be in [-2, 2]",
	"temperature":       "temperature must be non-negative",
	"top_p":             "top_p must be in (0, 1]",
	"top_k":             "top_k must be -1 (disable), or at least 1",
	"max_tokens":        "max_tokens must be at least 1",
	"logprobs":          "logprobs must be non-negative",
}

// Validate checks every parameter against the ranges the engine accepts and
// returns a *ParamError describing the first violation.
func (p SamplingParams) Validate() error {
	err := validate.Struct(p)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &ParamError{Message: err.Error()}
	}

	fe := verrs[0]
	rule, ok := tagRules[fe.Tag()]
	if !ok {
		rule, ok = fieldRules[fe.Field()]
	}
	if !ok {
		rule = fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag())
	}

	return &ParamError{
		Field:   fe.Field(),
		Message: fmt.Sprintf("%s, got %v.", rule, fe.Value()),
	}
}
