package rpc

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/dmitrijs2005/bucketkeeper/internal/auth"
	"github.com/dmitrijs2005/bucketkeeper/internal/common"
	"github.com/dmitrijs2005/bucketkeeper/internal/events"
	"github.com/dmitrijs2005/bucketkeeper/internal/logging"
	"github.com/dmitrijs2005/bucketkeeper/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

const secret = "test-secret"

type echoArgs struct {
	Text string `json:"text"`
}

type harness struct {
	bus *events.Bus
	lis *bufconn.Listener
}

func startServer(t *testing.T) *harness {
	t.Helper()
	r := NewRouter()
	Handle(r, "echo", func(_ context.Context, a echoArgs) (echoArgs, error) {
		return a, nil
	})
	Handle(r, "whoami", func(ctx context.Context, _ struct{}) (string, error) {
		c, _ := ClientFromContext(ctx)
		return c, nil
	})
	Handle(r, "busy", func(context.Context, struct{}) (any, error) {
		return nil, common.ErrMovesInProgress
	})
	Handle(r, "missing", func(context.Context, struct{}) (any, error) {
		return nil, common.ErrNotFound
	})

	h := &harness{bus: events.NewBus(), lis: bufconn.Listen(1 << 20)}
	srv := NewServer("bufnet", r, h.bus, logging.Nop(), secret)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, h.lis) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return h
}

func (h *harness) client(t *testing.T, token string) *Client {
	t.Helper()
	c, err := NewClient("passthrough:///bufnet", token,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return h.lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func validToken(t *testing.T) string {
	t.Helper()
	tok, err := auth.GenerateToken("ui", []byte(secret), time.Hour)
	require.NoError(t, err)
	return tok
}

func TestInvoke_RoundTrip(t *testing.T) {
	h := startServer(t)
	c := h.client(t, validToken(t))
	ctx := context.Background()

	var out echoArgs
	require.NoError(t, c.Invoke(ctx, "echo", echoArgs{Text: "hi"}, &out))
	assert.Equal(t, "hi", out.Text)

	var who string
	require.NoError(t, c.Invoke(ctx, "whoami", nil, &who))
	assert.Equal(t, "ui", who)
}

func TestInvoke_ErrorCodes(t *testing.T) {
	h := startServer(t)
	c := h.client(t, validToken(t))
	ctx := context.Background()

	cases := []struct {
		name string
		args any
		code codes.Code
	}{
		{"busy", nil, codes.FailedPrecondition},
		{"missing", nil, codes.NotFound},
		{"nope", nil, codes.Unimplemented},
		{"echo", map[string]int{"text": 5}, codes.InvalidArgument},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := c.Invoke(ctx, tc.name, tc.args, nil)
			assert.Equal(t, tc.code, status.Code(err), "%v", err)
		})
	}
}

func TestInvoke_RequiresToken(t *testing.T) {
	h := startServer(t)
	ctx := context.Background()

	err := h.client(t, "").Invoke(ctx, "echo", echoArgs{}, nil)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	expired, err := auth.GenerateToken("ui", []byte(secret), -time.Minute)
	require.NoError(t, err)
	err = h.client(t, expired).Invoke(ctx, "echo", echoArgs{}, nil)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	forged, err := auth.GenerateToken("ui", []byte("other"), time.Hour)
	require.NoError(t, err)
	stream, err := h.client(t, forged).Subscribe(ctx)
	if err == nil {
		_, err = stream.Recv()
	}
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestSubscribe_ForwardsFilteredEvents(t *testing.T) {
	h := startServer(t)
	c := h.client(t, validToken(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := c.Subscribe(ctx, events.MoveStatusChanged)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.bus.SubscriberCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	h.bus.Publish(events.SyncPhase, events.SyncPhasePayload{})
	h.bus.Publish(events.MoveStatusChanged, events.MoveStatusPayload{TaskID: "t1", Status: models.MoveUploading})

	ev, err := stream.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, events.MoveStatusChanged, ev.Name)
	assert.Equal(t, events.MoveStatusPayload{TaskID: "t1", Status: models.MoveUploading}, ev.Payload)

	cancel()
	require.Eventually(t, func() bool { return h.bus.SubscriberCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestRouter_DuplicatePanics(t *testing.T) {
	r := NewRouter()
	r.Register("a", func(context.Context, json.RawMessage) (any, error) { return nil, nil })
	assert.Panics(t, func() {
		r.Register("a", func(context.Context, json.RawMessage) (any, error) { return nil, nil })
	})
	assert.Equal(t, []string{"a"}, r.Commands())
}
