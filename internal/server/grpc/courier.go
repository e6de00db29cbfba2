package grpcserver

import (
	"context"
	"encoding/json"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/rzbill/courier/internal/message"
	messagesvc "github.com/rzbill/courier/internal/services/messages"
	"github.com/rzbill/courier/internal/store"
	"github.com/rzbill/courier/internal/validate"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "courier.v1.Courier"

// CourierServer is the courier.v1.Courier service. Requests and responses
// are google.protobuf.Struct values carrying the same JSON shapes as the
// REST surface.
type CourierServer interface {
	Send(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Fetch(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Ack(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListDeadLetters(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Stats(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(CourierServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(method string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(CourierServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(CourierServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

var courierServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CourierServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Send", CourierServer.Send),
		unary("Fetch", CourierServer.Fetch),
		unary("Ack", CourierServer.Ack),
		unary("ListDeadLetters", CourierServer.ListDeadLetters),
		unary("Stats", CourierServer.Stats),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "courier/v1/courier.proto",
}

// RegisterCourierServer registers impl on s.
func RegisterCourierServer(s grpc.ServiceRegistrar, impl CourierServer) {
	s.RegisterService(&courierServiceDesc, impl)
}

// CourierClient calls courier.v1.Courier.
type CourierClient struct {
	cc grpc.ClientConnInterface
}

func NewCourierClient(cc grpc.ClientConnInterface) *CourierClient { return &CourierClient{cc: cc} }

func (c *CourierClient) invoke(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *CourierClient) Send(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "Send", in, opts...)
}

func (c *CourierClient) Fetch(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "Fetch", in, opts...)
}

func (c *CourierClient) Ack(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "Ack", in, opts...)
}

func (c *CourierClient) ListDeadLetters(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "ListDeadLetters", in, opts...)
}

func (c *CourierClient) Stats(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "Stats", in, opts...)
}

// courierSvc adapts the messages service to CourierServer.
type courierSvc struct {
	svc *messagesvc.Service
}

type fetchReq struct {
	ReceiverID string       `json:"receiverId"`
	Cursor     store.Cursor `json:"cursor"`
	Limit      int          `json:"limit"`
}

type ackReq struct {
	ReceiverID string       `json:"receiverId"`
	Cursor     store.Cursor `json:"cursor"`
}

type listReq struct {
	After string `json:"after"`
	Limit int    `json:"limit"`
}

func (c *courierSvc) Send(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var raw validate.Raw
	if err := fromStruct(in, &raw); err != nil {
		return nil, err
	}
	m, err := c.svc.Submit(ctx, raw)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]string{"id": m.ID.String()})
}

func (c *courierSvc) Fetch(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req fetchReq
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	page, err := c.svc.Fetch(ctx, req.ReceiverID, req.Cursor, req.Limit)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(page)
}

func (c *courierSvc) Ack(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ackReq
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	if err := c.svc.AckRead(ctx, req.ReceiverID, req.Cursor); err != nil {
		return nil, toStatus(err)
	}
	return &structpb.Struct{}, nil
}

func (c *courierSvc) ListDeadLetters(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req listReq
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	page, err := c.svc.ListDeadLetters(ctx, req.After, req.Limit)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(page)
}

func (c *courierSvc) Stats(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	st, err := c.svc.Stats(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(st)
}

func fromStruct(in *structpb.Struct, dst any) error {
	b, err := protojson.Marshal(in)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	return nil
}

func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(b, out); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func toStatus(err error) error {
	var me *message.Error
	switch {
	case errors.As(err, &me) && me.Kind == message.KindValidation:
		return status.Error(codes.InvalidArgument, me.Reason)
	case errors.Is(err, messagesvc.ErrNotFound):
		return status.Error(codes.NotFound, "not found")
	case message.IsKind(err, message.KindTransientInfra):
		return status.Error(codes.Unavailable, "temporarily unavailable")
	default:
		return status.Error(codes.Internal, "internal error")
	}
}
