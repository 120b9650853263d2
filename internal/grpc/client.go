package grpc

import (
	"context"
	"fmt"
	"io"
	"iter"

	"github.com/yungtweek/talkie/apps/completion-gateway/internal/protocol"
	ggrpc "google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client calls completion.v1.CompletionService.
type Client struct {
	conn *ggrpc.ClientConn
}

// NewClient dials target without transport security. Extra dial options are
// appended (tests pass a bufconn dialer).
func NewClient(target string, opts ...ggrpc.DialOption) (*Client, error) {
	opts = append([]ggrpc.DialOption{
		ggrpc.WithTransportCredentials(insecure.NewCredentials()),
		ggrpc.WithDefaultCallOptions(ggrpc.CallContentSubtype(codecName)),
	}, opts...)

	conn, err := ggrpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to completion service: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Complete starts a completion and returns its events. An admission
// rejection arrives as the sequence's error, a gRPC status with code
// InvalidArgument. The call is cancelled when the iteration ends, so callers
// must range over the returned sequence.
func (c *Client) Complete(ctx context.Context, req *protocol.CompletionRequest) (iter.Seq2[protocol.Event, error], error) {
	ctx, cancel := context.WithCancel(ctx)

	stream, err := c.conn.NewStream(ctx, &serviceDesc.Streams[0], completeMethodName)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}
	if err := stream.SendMsg(req); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to close send: %w", err)
	}

	return func(yield func(protocol.Event, error) bool) {
		defer cancel()
		for {
			var rec protocol.Record
			err := stream.RecvMsg(&rec)
			if err == io.EOF {
				return
			}
			if err != nil {
				yield(protocol.Event{}, err)
				return
			}
			if !yield(rec.Event(req.Stream), nil) {
				return
			}
		}
	}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}
