// Package rungroup runs the long-lived loops of the server (HTTP listener,
// progress ticker) in one errgroup. A loop that panics is restarted with
// backoff instead of taking the whole server down.
package rungroup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	initialBackoff = 200 * time.Millisecond
	maxBackoff     = 30 * time.Second
)

// Group is an errgroup whose members survive panics.
type Group struct {
	group  *errgroup.Group
	ctx    context.Context
	parent context.Context

	// panicOut receives panic reports; stderr unless a test swaps it.
	panicOut io.Writer
	sleep    func(time.Duration)
}

// New derives the group context from ctx, typically a signal context.
func New(ctx context.Context) *Group {
	if ctx == nil {
		ctx = context.Background()
	}
	g, gctx := errgroup.WithContext(ctx)
	return &Group{group: g, ctx: gctx, parent: ctx, panicOut: os.Stderr, sleep: time.Sleep}
}

// Context is canceled when the parent is, or when a member returns an error.
func (g *Group) Context() context.Context { return g.ctx }

// Go runs fn until it returns. A panic is reported and fn is started again.
// Panics go straight to stderr since the logger itself may be what panicked.
func (g *Group) Go(name string, fn func(ctx context.Context) error) {
	g.group.Go(func() error {
		backoff := initialBackoff
		for {
			if g.ctx.Err() != nil {
				return nil
			}
			recovered, err := g.runOnce(fn)
			if recovered == nil {
				return err
			}
			_, _ = fmt.Fprintf(g.panicOut, "WARN: %s panicked: %v\n%s\n", name, recovered, debug.Stack())
			g.sleep(backoff)
			if backoff *= 2; backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	})
}

func (g *Group) runOnce(fn func(context.Context) error) (recovered any, err error) {
	defer func() {
		if r := recover(); r != nil {
			recovered = r
		}
	}()
	return nil, fn(g.ctx)
}

// Wait blocks until every member returned. Once the parent is done it waits
// at most grace longer. Shutdown by the parent context is not an error.
func (g *Group) Wait(grace time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- g.group.Wait() }()

	select {
	case err := <-done:
		return g.normalize(err)
	case <-g.parent.Done():
	}
	if grace <= 0 {
		return nil
	}
	select {
	case err := <-done:
		return g.normalize(err)
	case <-time.After(grace):
		return errors.New("rungroup: members still running after shutdown grace period")
	}
}

func (g *Group) normalize(err error) error {
	if err == nil {
		return nil
	}
	if g.parent.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return nil
	}
	return err
}
