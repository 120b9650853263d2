package protocol

import (
	"context"
	"errors"
	"go/token"
	"reflect"
)

// ErrorPayload describes a failure in a form the client can always parse.
type ErrorPayload struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// ErrorResponse is the wire record of a failed request or generation.
type ErrorResponse struct {
	Error ErrorPayload `json:"error"`
}

// typedFault is implemented by errors that know their own category name.
type typedFault interface {
	FaultType() string
}

// FaultToErrorPayload converts any error into an ErrorPayload. The type is the
// error's declared category when it has one, a context category for deadline
// and cancellation, and otherwise its Go type name.
func FaultToErrorPayload(err error) ErrorPayload {
	if err == nil {
		return ErrorPayload{Message: "unknown error", Type: "InternalError"}
	}

	p := ErrorPayload{Message: err.Error()}

	var tf typedFault
	switch {
	case errors.As(err, &tf) && tf.FaultType() != "":
		p.Type = tf.FaultType()
	case errors.Is(err, context.DeadlineExceeded):
		p.Type = "TimeoutError"
	case errors.Is(err, context.Canceled):
		p.Type = "CancelledError"
	default:
		p.Type = typeName(err)
	}
	return p
}

func typeName(err error) string {
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if !token.IsExported(t.Name()) {
		return "InternalError"
	}
	return t.String()
}
