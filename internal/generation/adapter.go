// Package generation turns an engine's cumulative snapshots into the outbound
// event stream of one completion request.
package generation

import (
	"context"
	"iter"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/yungtweek/talkie/apps/completion-gateway/internal/engine"
	"github.com/yungtweek/talkie/apps/completion-gateway/internal/logger"
	"github.com/yungtweek/talkie/apps/completion-gateway/internal/metrics"
	"github.com/yungtweek/talkie/apps/completion-gateway/internal/protocol"
	"go.uber.org/zap"
)

// Adapter drives engine generations and converts them to protocol events.
// It holds no per-request state and is safe for concurrent use.
type Adapter struct {
	engine  engine.Engine
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewAdapter creates an Adapter over e. m may be nil.
func NewAdapter(e engine.Engine, m *metrics.Metrics) *Adapter {
	return &Adapter{
		engine:  e,
		metrics: m,
		now:     time.Now,
	}
}

// cursor is the per-stream position in the engine's cumulative output.
type cursor struct {
	consumed string // text already emitted
	tokens   int
	withheld bool // last snapshot ended mid-codepoint
}

// advance returns the text the snapshot adds past the cursor. Snapshots that
// end in an incomplete codepoint or do not extend the consumed text add
// nothing and leave the cursor where it is.
func (c *cursor) advance(snap engine.Snapshot) (string, bool) {
	if incompleteTail(snap.Text) {
		c.withheld = true
		return "", false
	}
	c.withheld = false

	if !strings.HasPrefix(snap.Text, c.consumed) {
		return "", false
	}

	delta := snap.Text[len(c.consumed):]
	c.consumed = snap.Text
	c.tokens = len(snap.TokenIDs)
	return delta, delta != ""
}

// incompleteTail reports whether s ends in U+FFFD or in bytes that do not
// form a complete UTF-8 sequence.
func incompleteTail(s string) bool {
	if s == "" {
		return false
	}
	r, _ := utf8.DecodeLastRuneInString(s)
	return r == utf8.RuneError
}

// Stream starts a generation for req and returns its events. In streaming
// mode every new piece of text is a chunk; otherwise the text is held back
// and delivered as one final aggregate. An engine fault ends the sequence
// with exactly one error event. When ctx is cancelled or the consumer stops
// iterating, the engine sequence is abandoned and nothing more is produced.
func (a *Adapter) Stream(ctx context.Context, req *protocol.CompletionRequest, params engine.SamplingParams, tokenIDs []int) iter.Seq[protocol.Event] {
	return func(yield func(protocol.Event) bool) {
		start := a.now()

		var (
			cur    cursor
			output strings.Builder
		)

		snapshots := a.engine.Generate(ctx, engine.GenerateRequest{
			RequestID: req.ID,
			Prompt:    req.Prompt,
			Params:    params,
			TokenIDs:  tokenIDs,
		})

		for snap, err := range snapshots {
			if ctx.Err() != nil {
				a.abandon(req, cur, ctx.Err())
				return
			}
			if err != nil {
				yield(a.fail(ctx, req, err))
				return
			}

			delta, ok := cur.advance(snap)
			if !ok {
				continue
			}

			if !req.Stream {
				output.WriteString(delta)
				continue
			}
			if !yield(protocol.Chunk(delta)) {
				a.abandon(req, cur, nil)
				return
			}
		}

		if ctx.Err() != nil {
			a.abandon(req, cur, ctx.Err())
			return
		}

		if cur.withheld && logger.Log != nil {
			logger.Log.Warn("dropping incomplete trailing codepoint",
				zap.String("request_id", req.ID),
			)
		}

		if !req.Stream {
			if !yield(protocol.Final(output.String())) {
				a.abandon(req, cur, nil)
				return
			}
		}

		a.complete(ctx, req, cur, a.now().Sub(start))
	}
}

func (a *Adapter) fail(ctx context.Context, req *protocol.CompletionRequest, err error) protocol.Event {
	payload := protocol.FaultToErrorPayload(err)

	a.metrics.RecordStreamError(ctx, payload.Type)
	if logger.Log != nil {
		logger.Log.Error("generation failed",
			zap.String("request_id", req.ID),
			zap.String("error_type", payload.Type),
			zap.Error(err),
		)
	}
	return protocol.Failure(payload)
}

func (a *Adapter) complete(ctx context.Context, req *protocol.CompletionRequest, cur cursor, elapsed time.Duration) {
	var throughput float64
	if elapsed > 0 {
		throughput = float64(cur.tokens) / elapsed.Seconds()
	}

	a.metrics.RecordGeneration(ctx, cur.tokens, throughput)
	if logger.Log != nil {
		logger.Log.Info("generation completed",
			zap.String("request_id", req.ID),
			zap.Int("tokens", cur.tokens),
			zap.Float64("tokens_per_second", throughput),
			zap.Int64("latency_ms", elapsed.Milliseconds()),
		)
	}
}

func (a *Adapter) abandon(req *protocol.CompletionRequest, cur cursor, cause error) {
	if logger.Log != nil {
		logger.Log.Info("generation abandoned by consumer",
			zap.String("request_id", req.ID),
			zap.Int("tokens", cur.tokens),
			zap.NamedError("cause", cause),
		)
	}
}
