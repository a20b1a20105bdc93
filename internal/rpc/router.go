package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dmitrijs2005/bucketkeeper/internal/common"
)

// ErrUnknownCommand is returned for a command name nobody registered.
var ErrUnknownCommand = errors.New("unknown command")

// HandlerFunc serves one command. Args is the raw JSON object sent by the
// client and may be empty.
type HandlerFunc func(ctx context.Context, args json.RawMessage) (any, error)

// Router maps command names to handlers.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewRouter() *Router {
	return &Router{handlers: make(map[string]HandlerFunc)}
}

// Register panics on a duplicate name.
func (r *Router) Register(name string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.handlers[name]; dup {
		panic("rpc: duplicate command " + name)
	}
	r.handlers[name] = h
}

// Handle registers a handler with typed arguments decoded from JSON.
func Handle[A, R any](r *Router, name string, fn func(ctx context.Context, args A) (R, error)) {
	r.Register(name, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var args A
		if len(raw) > 0 && string(raw) != "null" {
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, fmt.Errorf("%w: %s: %v", common.ErrInvalidArgument, name, err)
			}
		}
		return fn(ctx, args)
	})
}

// Dispatch runs the named command and returns its JSON-encoded result.
func (r *Router) Dispatch(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	r.mu.RLock()
	h, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}
	res, err := h(ctx, args)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s result: %w", name, err)
	}
	return b, nil
}

// Commands lists registered names in order.
func (r *Router) Commands() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
