package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dmitrijs2005/bucketkeeper/internal/events"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

// Client calls a Backend service.
type Client struct {
	conn        *grpc.ClientConn
	accessToken string
}

// NewClient connects lazily to target and attaches token to every call.
// Extra dial options are appended, which tests use to dial in-memory.
func NewClient(target, token string, opts ...grpc.DialOption) (*Client, error) {
	c := &Client{accessToken: token}
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
		grpc.WithUnaryInterceptor(c.accessTokenInterceptor),
		grpc.WithStreamInterceptor(c.streamAccessTokenInterceptor),
	}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create grpc client: %w", err)
	}
	c.conn = conn
	return c, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func withAccessToken(ctx context.Context, token string) context.Context {
	md, _ := metadata.FromOutgoingContext(ctx)
	md = md.Copy()
	if md == nil {
		md = metadata.MD{}
	}
	md.Set(AccessTokenHeader, token)
	return metadata.NewOutgoingContext(ctx, md)
}

func (c *Client) accessTokenInterceptor(ctx context.Context, method string, req, reply any,
	cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
	return invoker(withAccessToken(ctx, c.accessToken), method, req, reply, cc, opts...)
}

func (c *Client) streamAccessTokenInterceptor(ctx context.Context, desc *grpc.StreamDesc,
	cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	return streamer(withAccessToken(ctx, c.accessToken), desc, cc, method, opts...)
}

// InvokeRaw sends a command with pre-encoded args.
func (c *Client) InvokeRaw(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	reply := new(Reply)
	if err := c.conn.Invoke(ctx, InvokeMethod, &Command{Name: name, Args: args}, reply); err != nil {
		return nil, err
	}
	return reply.Result, nil
}

// Invoke encodes args, runs the command and decodes the result into out
// unless out is nil.
func (c *Client) Invoke(ctx context.Context, name string, args, out any) error {
	var raw json.RawMessage
	if args != nil {
		b, err := json.Marshal(args)
		if err != nil {
			return fmt.Errorf("failed to encode %s args: %w", name, err)
		}
		raw = b
	}
	res, err := c.InvokeRaw(ctx, name, raw)
	if err != nil {
		return err
	}
	if out == nil || len(res) == 0 {
		return nil
	}
	if err := json.Unmarshal(res, out); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", name, err)
	}
	return nil
}

// EventStream yields events from a Subscribe call.
type EventStream struct {
	stream grpc.ClientStream
}

// Subscribe opens the event stream; it ends when ctx is cancelled.
func (c *Client) Subscribe(ctx context.Context, names ...string) (*EventStream, error) {
	desc := &ServiceDesc.Streams[0]
	stream, err := c.conn.NewStream(ctx, desc, SubscribeMethod)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&SubscribeRequest{Events: names}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &EventStream{stream: stream}, nil
}

func (s *EventStream) Recv() (Event, error) {
	var ev Event
	if err := s.stream.RecvMsg(&ev); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// Next returns the next event with its typed payload, so an EventStream can
// feed the same consumers as a local bus subscription.
func (s *EventStream) Next(context.Context) (events.Event, error) {
	ev, err := s.Recv()
	if err != nil {
		return events.Event{}, err
	}
	return events.Decode(ev.Name, ev.Payload)
}
