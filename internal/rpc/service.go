// Package rpc is the command boundary between the backend and its UI
// clients: a unary Invoke(command, args) call and a server-streaming
// Subscribe for backend events, carried by gRPC with JSON messages.
package rpc

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
)

const (
	ServiceName     = "bucketkeeper.Backend"
	InvokeMethod    = "/" + ServiceName + "/Invoke"
	SubscribeMethod = "/" + ServiceName + "/Subscribe"
)

// AccessTokenHeader is the metadata key carrying the session token.
const AccessTokenHeader = "access_token"

type Command struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type Reply struct {
	Result json.RawMessage `json:"result,omitempty"`
}

// SubscribeRequest lists the event names wanted; empty means all.
type SubscribeRequest struct {
	Events []string `json:"events,omitempty"`
}

type Event struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
}

// BackendServer is implemented by *Server.
type BackendServer interface {
	Invoke(ctx context.Context, cmd *Command) (*Reply, error)
	Subscribe(req *SubscribeRequest, stream grpc.ServerStream) error
}

func invokeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Command)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BackendServer).Invoke(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: InvokeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(BackendServer).Invoke(ctx, req.(*Command))
	}
	return interceptor(ctx, in, info, handler)
}

func subscribeHandler(srv any, stream grpc.ServerStream) error {
	in := new(SubscribeRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(BackendServer).Subscribe(in, stream)
}

// ServiceDesc describes the Backend service to grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*BackendServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Invoke", Handler: invokeHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Subscribe", Handler: subscribeHandler, ServerStreams: true},
	},
	Metadata: "bucketkeeper/backend",
}
