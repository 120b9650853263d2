// Package enginetest provides a deterministic, scripted engine.Engine for
// tests of the admission and streaming layers.
package enginetest

import (
	"context"
	"iter"
	"sync"

	"github.com/yungtweek/talkie/apps/completion-gateway/internal/engine"
)

// Engine replays a fixed list of snapshot texts. Each snapshot's token ids
// grow by one per step. When Err is set it is yielded after FailAfter
// snapshots.
type Engine struct {
	Tokens       []int
	ContextLimit int
	Snapshots    []string

	Err       error
	FailAfter int

	TokenizeErr     error
	ContextLimitErr error

	mu         sync.Mutex
	generated  []engine.GenerateRequest
	pulled     int
	tokenizeN  int
	contextLen int
}

// Tokenize returns e.Tokens.
func (e *Engine) Tokenize(ctx context.Context, prompt string) ([]int, error) {
	e.mu.Lock()
	e.tokenizeN++
	e.mu.Unlock()

	if e.TokenizeErr != nil {
		return nil, e.TokenizeErr
	}
	return append([]int(nil), e.Tokens...), nil
}

// MaxContextLength returns e.ContextLimit.
func (e *Engine) MaxContextLength(ctx context.Context) (int, error) {
	e.mu.Lock()
	e.contextLen++
	e.mu.Unlock()

	if e.ContextLimitErr != nil {
		return 0, e.ContextLimitErr
	}
	return e.ContextLimit, nil
}

// Generate replays the script.
func (e *Engine) Generate(ctx context.Context, req engine.GenerateRequest) iter.Seq2[engine.Snapshot, error] {
	e.mu.Lock()
	e.generated = append(e.generated, req)
	e.mu.Unlock()

	return func(yield func(engine.Snapshot, error) bool) {
		for i, text := range e.Snapshots {
			if e.Err != nil && i == e.FailAfter {
				yield(engine.Snapshot{}, e.Err)
				return
			}
			if err := ctx.Err(); err != nil {
				yield(engine.Snapshot{}, err)
				return
			}

			e.mu.Lock()
			e.pulled++
			e.mu.Unlock()

			ids := make([]int, i+1)
			for j := range ids {
				ids[j] = j
			}
			if !yield(engine.Snapshot{Text: text, TokenIDs: ids}, nil) {
				return
			}
		}
		if e.Err != nil && e.FailAfter >= len(e.Snapshots) {
			yield(engine.Snapshot{}, e.Err)
		}
	}
}

// Requests returns every GenerateRequest received so far.
func (e *Engine) Requests() []engine.GenerateRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]engine.GenerateRequest(nil), e.generated...)
}

// Pulled returns how many snapshots have been handed to consumers.
func (e *Engine) Pulled() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pulled
}

// Calls returns how many times Tokenize and MaxContextLength were called.
func (e *Engine) Calls() (tokenize, contextLength int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tokenizeN, e.contextLen
}
