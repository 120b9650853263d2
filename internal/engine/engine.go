// Package engine defines the inference-engine capability the serving core
// depends on. Implementations live elsewhere (see internal/vllm); the core only
// sees this interface.
package engine

import (
	"context"
	"iter"
)

// Snapshot is one engine output event: the entire text generated so far and
// the token ids that produced it. Successive snapshots extend each other.
type Snapshot struct {
	Text     string
	TokenIDs []int
}

// GenerateRequest is everything the engine needs to start one generation.
type GenerateRequest struct {
	RequestID string
	Prompt    string
	Params    SamplingParams
	TokenIDs  []int
}

// Engine is the black-box inference engine.
type Engine interface {
	// Tokenize returns the prompt's token ids.
	Tokenize(ctx context.Context, prompt string) ([]int, error)

	// MaxContextLength returns the model's context window in tokens.
	MaxContextLength(ctx context.Context) (int, error)

	// Generate starts a generation and returns its cumulative snapshots. The
	// sequence ends when generation finishes or after yielding a non-nil error.
	// Stopping the iteration early releases the generation.
	Generate(ctx context.Context, req GenerateRequest) iter.Seq2[Snapshot, error]
}
