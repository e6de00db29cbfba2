// Package transports provides pluggable transport implementations for the CLI.
package transports

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	grpcserver "github.com/rzbill/courier/internal/server/grpc"
)

// GrpcTransport implements Transport over courier.v1.Courier.
type GrpcTransport struct {
	dial func(ctx context.Context) (*grpc.ClientConn, error)
}

// NewGrpcTransport constructs a new GrpcTransport using the provided dialer.
func NewGrpcTransport(dial func(ctx context.Context) (*grpc.ClientConn, error)) *GrpcTransport {
	return &GrpcTransport{dial: dial}
}

func (t *GrpcTransport) withClient(ctx context.Context, fn func(cli *grpcserver.CourierClient) error) error {
	conn, err := t.dial(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()
	return fn(grpcserver.NewCourierClient(conn))
}

func (t *GrpcTransport) call(ctx context.Context, in map[string]any, fn func(context.Context, *grpcserver.CourierClient, *structpb.Struct) (*structpb.Struct, error)) (map[string]any, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	err = t.withClient(ctx, func(cli *grpcserver.CourierClient) error {
		res, err := fn(ctx, cli, req)
		if err != nil {
			return err
		}
		out = res.AsMap()
		return nil
	})
	return out, err
}

// Send submits a message and returns its assigned id.
func (t *GrpcTransport) Send(ctx context.Context, req SendRequest) (string, error) {
	in := map[string]any{
		"senderId":   req.SenderID,
		"receiverId": req.ReceiverID,
		"body":       req.Body,
	}
	if req.AttachmentRef != "" {
		in["attachmentRef"] = req.AttachmentRef
	}
	if req.SentAt != "" {
		in["sentAt"] = req.SentAt
	}
	out, err := t.call(ctx, in, func(ctx context.Context, c *grpcserver.CourierClient, s *structpb.Struct) (*structpb.Struct, error) {
		return c.Send(ctx, s)
	})
	if err != nil {
		return "", err
	}
	msgID, _ := out["id"].(string)
	return msgID, nil
}

// Fetch returns one page of stored messages.
func (t *GrpcTransport) Fetch(ctx context.Context, req FetchRequest) (map[string]any, error) {
	in := map[string]any{"receiverId": req.ReceiverID, "limit": req.Limit}
	if req.Cursor != "" {
		in["cursor"] = req.Cursor
	}
	return t.call(ctx, in, func(ctx context.Context, c *grpcserver.CourierClient, s *structpb.Struct) (*structpb.Struct, error) {
		return c.Fetch(ctx, s)
	})
}

// Ack commits the receiver's read position.
func (t *GrpcTransport) Ack(ctx context.Context, receiverID, cursor string) error {
	_, err := t.call(ctx, map[string]any{"receiverId": receiverID, "cursor": cursor}, func(ctx context.Context, c *grpcserver.CourierClient, s *structpb.Struct) (*structpb.Struct, error) {
		return c.Ack(ctx, s)
	})
	return err
}

// ListDeadLetters returns one page of the dead-letter archive.
func (t *GrpcTransport) ListDeadLetters(ctx context.Context, after string, limit int) (map[string]any, error) {
	in := map[string]any{"limit": limit}
	if after != "" {
		in["after"] = after
	}
	return t.call(ctx, in, func(ctx context.Context, c *grpcserver.CourierClient, s *structpb.Struct) (*structpb.Struct, error) {
		return c.ListDeadLetters(ctx, s)
	})
}

func (t *GrpcTransport) Stats(ctx context.Context) (map[string]any, error) {
	return t.call(ctx, map[string]any{}, func(ctx context.Context, c *grpcserver.CourierClient, s *structpb.Struct) (*structpb.Struct, error) {
		return c.Stats(ctx, s)
	})
}
