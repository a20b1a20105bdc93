package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/dmitrijs2005/bucketkeeper/internal/client/config"
	"github.com/dmitrijs2005/bucketkeeper/internal/rpc"
	"github.com/dmitrijs2005/bucketkeeper/internal/taskview"
)

// Backend is the daemon surface the CLI needs.
type Backend interface {
	InvokeRaw(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)
	Watch(ctx context.Context, names ...string) (taskview.Feed, error)
	Close() error
}

type rpcBackend struct {
	*rpc.Client
}

func (b rpcBackend) Watch(ctx context.Context, names ...string) (taskview.Feed, error) {
	s, err := b.Subscribe(ctx, names...)
	if err != nil {
		return nil, err
	}
	return s, nil
}

type App struct {
	config  *config.Config
	backend Backend
	reader  *bufio.Reader
	out     io.Writer
}

func NewApp(c *config.Config) (*App, error) {
	token, err := c.AccessToken()
	if err != nil {
		return nil, err
	}
	client, err := rpc.NewClient(c.ServerAddr, token)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", c.ServerAddr, err)
	}
	return newApp(c, rpcBackend{client}, os.Stdin, os.Stdout), nil
}

func newApp(c *config.Config, b Backend, in io.Reader, out io.Writer) *App {
	return &App{config: c, backend: b, reader: bufio.NewReader(in), out: out}
}

// Run executes args as a single command, or starts the REPL when args is
// empty.
func (a *App) Run(ctx context.Context, args []string) error {
	defer a.backend.Close()

	if len(args) > 0 {
		return a.Exec(ctx, args[0], joinArgs(args[1:]))
	}

	fmt.Fprintln(a.out, "bucketkeeper CLI (type 'help' for commands)")
	runREPL(ctx, a, func() string { return a.config.ServerAddr }, bufio.NewScanner(a.reader))
	return nil
}
