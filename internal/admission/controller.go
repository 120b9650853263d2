package admission

import (
	"context"
	"errors"
	"fmt"

	"github.com/yungtweek/talkie/apps/completion-gateway/internal/engine"
	"github.com/yungtweek/talkie/apps/completion-gateway/internal/logger"
	"github.com/yungtweek/talkie/apps/completion-gateway/internal/metrics"
	"github.com/yungtweek/talkie/apps/completion-gateway/internal/protocol"
	"go.uber.org/zap"
)

// Admission is an accepted request, ready to be handed to the engine.
type Admission struct {
	Budget   Budget
	Params   engine.SamplingParams
	TokenIDs []int
}

// Controller admits requests against a live engine.
type Controller struct {
	engine  engine.Engine
	metrics *metrics.Metrics
}

// NewController creates a Controller. m may be nil.
func NewController(e engine.Engine, m *metrics.Metrics) *Controller {
	return &Controller{engine: e, metrics: m}
}

// Admit looks up the context limit, tokenizes the prompt and resolves the
// request's budget and sampling parameters. Rejections are *Error; any other
// error is an engine fault raised by one of the two engine calls.
func (c *Controller) Admit(ctx context.Context, req *protocol.CompletionRequest) (*Admission, error) {
	contextLimit, err := c.engine.MaxContextLength(ctx)
	if err != nil {
		return nil, fmt.Errorf("context length lookup failed: %w", err)
	}

	tokenIDs, err := c.engine.Tokenize(ctx, req.Prompt)
	if err != nil {
		return nil, fmt.Errorf("prompt tokenization failed: %w", err)
	}

	budget, err := Admit(req.Params, len(tokenIDs), contextLimit)
	if err != nil {
		c.reject(ctx, req, err)
		return nil, err
	}

	params, err := BuildSamplingParams(req.Params, budget.MaxCompletionTokens)
	if err != nil {
		c.reject(ctx, req, err)
		return nil, err
	}

	c.metrics.RecordAdmission(ctx, metrics.OutcomeAdmitted)
	if logger.Log != nil {
		logger.Log.Debug("request admitted",
			zap.String("request_id", req.ID),
			zap.Int("prompt_tokens", budget.PromptTokens),
			zap.Int("max_completion_tokens", budget.MaxCompletionTokens),
			zap.Int("context_limit", budget.ContextLimit),
		)
	}

	return &Admission{
		Budget:   budget,
		Params:   params,
		TokenIDs: tokenIDs,
	}, nil
}

func (c *Controller) reject(ctx context.Context, req *protocol.CompletionRequest, err error) {
	reason := "unknown"
	var aerr *Error
	if errors.As(err, &aerr) {
		reason = string(aerr.Reason)
	}

	c.metrics.RecordAdmission(ctx, reason)
	if logger.Log != nil {
		logger.Log.Info("request rejected",
			zap.String("request_id", req.ID),
			zap.String("reason", reason),
			zap.Error(err),
		)
	}
}
