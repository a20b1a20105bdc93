package filex

import (
	"context"
	"io"
)

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

// ContextReader returns a reader that fails with ctx.Err() on the first
// read after ctx is done.
func ContextReader(ctx context.Context, r io.Reader) io.Reader {
	return &contextReader{ctx: ctx, r: r}
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// ProgressWriter counts bytes written and reports the running total.
type ProgressWriter struct {
	n  int64
	fn func(total int64)
}

// NewProgressWriter starts counting at start, which lets resumed copies
// report absolute offsets.
func NewProgressWriter(start int64, fn func(total int64)) *ProgressWriter {
	return &ProgressWriter{n: start, fn: fn}
}

func (w *ProgressWriter) Write(p []byte) (int, error) {
	w.n += int64(len(p))
	w.fn(w.n)
	return len(p), nil
}

func (w *ProgressWriter) Total() int64 { return w.n }
