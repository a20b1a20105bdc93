package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net"

	"github.com/dmitrijs2005/bucketkeeper/internal/events"
	"github.com/dmitrijs2005/bucketkeeper/internal/logging"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// EventSource is the bus the Subscribe stream reads from.
type EventSource interface {
	Subscribe(names ...string) *events.Subscription
}

type Server struct {
	address   string
	router    *Router
	events    EventSource
	logger    logging.Logger
	jwtSecret []byte
}

func NewServer(address string, router *Router, src EventSource, l logging.Logger, secretKey string) *Server {
	return &Server{
		address:   address,
		router:    router,
		events:    src,
		logger:    l.With("module", "grpc_server"),
		jwtSecret: []byte(secretKey),
	}
}

// Run listens on the configured address until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	listen, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}
	return s.Serve(ctx, listen)
}

// Serve accepts connections on lis and stops gracefully when ctx ends.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(s.accessTokenInterceptor),
		grpc.ChainStreamInterceptor(s.streamAccessTokenInterceptor),
	)
	srv.RegisterService(&ServiceDesc, s)

	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-ctx.Done():
			s.logger.Info(ctx, "Stopping gRPC server...")
			srv.GracefulStop()
		case <-stopped:
		}
	}()

	s.logger.Info(ctx, "Starting gRPC server", "address", lis.Addr().String())
	if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

func (s *Server) Invoke(ctx context.Context, cmd *Command) (*Reply, error) {
	if cmd.Name == "" {
		return nil, status.Error(codes.InvalidArgument, "command name is required")
	}
	s.logger.Debug(ctx, "command", "name", cmd.Name)
	res, err := s.router.Dispatch(ctx, cmd.Name, cmd.Args)
	if err != nil {
		st := toStatus(err)
		if status.Code(st) == codes.Internal {
			s.logger.Error(ctx, "command failed", "name", cmd.Name, "error", err)
		} else {
			s.logger.Warn(ctx, "command rejected", "name", cmd.Name, "error", err)
		}
		return nil, st
	}
	return &Reply{Result: res}, nil
}

// Subscribe forwards bus events to the stream until the client goes away.
func (s *Server) Subscribe(req *SubscribeRequest, stream grpc.ServerStream) error {
	ctx := stream.Context()
	sub := s.events.Subscribe(req.Events...)
	defer sub.Close()

	s.logger.Info(ctx, "event subscriber attached", "events", req.Events)
	defer s.logger.Info(ctx, "event subscriber detached")

	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, events.ErrClosed) {
				return nil
			}
			return toStatus(err)
		}
		payload, err := json.Marshal(ev.Payload)
		if err != nil {
			s.logger.Error(ctx, "event encode failed", "name", ev.Name, "error", err)
			continue
		}
		if err := stream.SendMsg(&Event{Name: ev.Name, Payload: payload}); err != nil {
			return err
		}
	}
}
