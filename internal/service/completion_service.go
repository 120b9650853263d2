package service

import (
	"context"
	"errors"
	"iter"
	"net/http"

	"github.com/google/uuid"
	"github.com/yungtweek/talkie/apps/completion-gateway/internal/admission"
	"github.com/yungtweek/talkie/apps/completion-gateway/internal/engine"
	"github.com/yungtweek/talkie/apps/completion-gateway/internal/generation"
	"github.com/yungtweek/talkie/apps/completion-gateway/internal/logger"
	"github.com/yungtweek/talkie/apps/completion-gateway/internal/metrics"
	"github.com/yungtweek/talkie/apps/completion-gateway/internal/protocol"
	"go.uber.org/zap"
)

// Completer is what the transports need from the completion service.
type Completer interface {
	Complete(ctx context.Context, req *protocol.CompletionRequest) (iter.Seq[protocol.Event], error)
}

// CompletionService admits completion requests and streams their generations.
// It is shared by the HTTP and gRPC transports.
type CompletionService struct {
	admission *admission.Controller
	adapter   *generation.Adapter
	metrics   *metrics.Metrics
}

// NewCompletionService creates a CompletionService backed by e. m may be nil.
func NewCompletionService(e engine.Engine, m *metrics.Metrics) *CompletionService {
	return &CompletionService{
		admission: admission.NewController(e, m),
		adapter:   generation.NewAdapter(e, m),
		metrics:   m,
	}
}

// Complete admits req and returns its event sequence. Rejections come back as
// *admission.Error before anything is generated. Every other failure,
// including engine faults during admission, is delivered as the sequence's
// single error event.
func (s *CompletionService) Complete(ctx context.Context, req *protocol.CompletionRequest) (iter.Seq[protocol.Event], error) {
	if req == nil {
		return nil, &admission.Error{
			Status:  http.StatusBadRequest,
			Reason:  admission.ReasonInvalidRequest,
			Message: "request is nil",
		}
	}

	r := *req
	if r.ID == "" {
		r.ID = uuid.NewString()
	}

	if logger.Log != nil {
		logger.Log.Info("Completion request",
			zap.String("request_id", r.ID),
			zap.Bool("stream", r.Stream),
			zap.Int("prompt_chars", len(r.Prompt)),
		)
	}

	adm, err := s.admission.Admit(ctx, &r)
	if err != nil {
		var aerr *admission.Error
		if errors.As(err, &aerr) {
			return nil, err
		}
		return s.engineFault(ctx, &r, err), nil
	}

	return s.adapter.Stream(ctx, &r, adm.Params, adm.TokenIDs), nil
}

func (s *CompletionService) engineFault(ctx context.Context, req *protocol.CompletionRequest, err error) iter.Seq[protocol.Event] {
	payload := protocol.FaultToErrorPayload(err)

	s.metrics.RecordStreamError(ctx, payload.Type)
	if logger.Log != nil {
		logger.Log.Error("Completion engine error before generation",
			zap.String("request_id", req.ID),
			zap.String("error_type", payload.Type),
			zap.Error(err),
		)
	}

	return func(yield func(protocol.Event) bool) {
		yield(protocol.Failure(payload))
	}
}
