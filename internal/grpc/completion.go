package grpc

import (
	"context"
	"errors"

	"github.com/yungtweek/talkie/apps/completion-gateway/internal/admission"
	"github.com/yungtweek/talkie/apps/completion-gateway/internal/logger"
	"github.com/yungtweek/talkie/apps/completion-gateway/internal/protocol"
	"github.com/yungtweek/talkie/apps/completion-gateway/internal/service"
	"go.uber.org/zap"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	ggrpc "google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	serviceName        = "completion.v1.CompletionService"
	completeMethodName = "/" + serviceName + "/Complete"
)

// CompletionServer is the server API of completion.v1.CompletionService.
type CompletionServer interface {
	Complete(req *protocol.CompletionRequest, stream CompletionStream) error
}

// CompletionStream is the server side of a Complete call.
type CompletionStream interface {
	Send(payload any) error
	Context() context.Context
}

type completionStream struct {
	ggrpc.ServerStream
}

func (s *completionStream) Send(payload any) error {
	return s.ServerStream.SendMsg(payload)
}

func completeHandler(srv any, stream ggrpc.ServerStream) error {
	req := new(protocol.CompletionRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(CompletionServer).Complete(req, &completionStream{stream})
}

// serviceDesc describes completion.v1.CompletionService: one server-streaming
// method whose messages travel through the JSON codec.
var serviceDesc = ggrpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*CompletionServer)(nil),
	Methods:     []ggrpc.MethodDesc{},
	Streams: []ggrpc.StreamDesc{
		{
			StreamName:    "Complete",
			Handler:       completeHandler,
			ServerStreams: true,
		},
	},
	Metadata: "completion/v1/completion.proto",
}

// RegisterCompletionServer registers srv on s.
func RegisterCompletionServer(s ggrpc.ServiceRegistrar, srv CompletionServer) {
	s.RegisterService(&serviceDesc, srv)
}

// CompletionHandler implements CompletionServer on top of the completion
// service.
type CompletionHandler struct {
	svc service.Completer
}

// NewCompletionHandler creates a CompletionHandler.
func NewCompletionHandler(svc service.Completer) *CompletionHandler {
	return &CompletionHandler{svc: svc}
}

// Complete admits the request and streams one message per event. Admission
// rejections end the call with InvalidArgument; generation faults are sent
// in-band as error records and the call itself succeeds.
func (h *CompletionHandler) Complete(req *protocol.CompletionRequest, stream CompletionStream) error {
	if req == nil {
		return status.Error(codes.InvalidArgument, "request is nil")
	}

	events, err := h.svc.Complete(stream.Context(), req)
	if err != nil {
		return admissionStatus(err)
	}

	for ev := range events {
		if err := stream.Send(ev.Payload()); err != nil {
			if logger.Log != nil {
				logger.Log.Warn("Complete send failed",
					zap.String("request_id", req.ID),
					zap.Error(err),
				)
			}
			return err
		}
		if ev.IsTerminal() {
			return nil
		}
	}
	return nil
}

func admissionStatus(err error) error {
	var aerr *admission.Error
	if !errors.As(err, &aerr) {
		return status.Errorf(codes.Internal, "completion error: %v", err)
	}

	st := status.New(codes.InvalidArgument, aerr.Message)
	detailed, derr := st.WithDetails(&errdetails.BadRequest{
		FieldViolations: []*errdetails.BadRequest_FieldViolation{{
			Field:       aerr.Field,
			Description: aerr.Message,
		}},
	})
	if derr != nil {
		return st.Err()
	}
	return detailed.Err()
}
