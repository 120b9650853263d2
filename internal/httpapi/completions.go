package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/yungtweek/talkie/apps/completion-gateway/internal/admission"
	"github.com/yungtweek/talkie/apps/completion-gateway/internal/logger"
	"github.com/yungtweek/talkie/apps/completion-gateway/internal/protocol"
	"github.com/yungtweek/talkie/apps/completion-gateway/internal/service"
	"go.uber.org/zap"
)

const invalidRequestType = "invalid_request_error"

type completionHandler struct {
	svc service.Completer
}

func (h *completionHandler) postCompletions(c *gin.Context) {
	var req protocol.CompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid request body: "+err.Error(), invalidRequestType)
		return
	}
	if req.ID == "" {
		req.ID = c.GetString(requestIDKey)
	}

	ctx := c.Request.Context()
	events, err := h.svc.Complete(ctx, &req)
	if err != nil {
		var aerr *admission.Error
		if errors.As(err, &aerr) {
			abortWithError(c, aerr.Status, aerr.Message, invalidRequestType)
			return
		}
		abortWithError(c, http.StatusInternalServerError, err.Error(), "InternalError")
		return
	}

	if !req.Stream {
		for ev := range events {
			status := http.StatusOK
			if ev.Kind == protocol.EventError {
				status = http.StatusInternalServerError
			}
			writeRecord(c, status, ev.Payload())
			if ev.IsTerminal() {
				return
			}
		}
		return
	}

	c.Status(http.StatusOK)
	c.Header("Connection", "keep-alive")
	for ev := range events {
		data, err := protocol.Marshal(ev.Payload())
		if err != nil {
			if logger.Log != nil {
				logger.Log.Error("failed to encode stream record",
					zap.String("request_id", req.ID),
					zap.Error(err),
				)
			}
			return
		}

		c.Render(-1, sse.Event{Data: string(data)})
		c.Writer.Flush()

		if ev.IsTerminal() || c.IsAborted() || ctx.Err() != nil {
			return
		}
	}
}
