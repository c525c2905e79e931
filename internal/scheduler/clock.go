// Package scheduler runs the wall-clock background tasks of the service:
// monthly message partition maintenance and the midnight counter reset.
// Each task is a goroutine that sleeps on the Clock between iterations and
// stops when its context is cancelled.
package scheduler

import (
	"context"
	"sync"
	"time"
)

// Clock abstracts time so tasks can be driven deterministically in tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// RealClock returns the wall clock.
func RealClock() Clock { return realClock{} }

// sleepUntil blocks until at or until ctx is done.
func sleepUntil(ctx context.Context, clk Clock, at time.Time) error {
	return sleep(ctx, clk, at.Sub(clk.Now()))
}

func sleep(ctx context.Context, clk Clock, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d < 0 {
		d = 0
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-clk.After(d):
		return nil
	}
}

// loop owns the lifecycle of one background goroutine.
type loop struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// start launches fn unless already running. It reports whether fn was
// started.
func (l *loop) start(ctx context.Context, fn func(context.Context)) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return false
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	l.cancel, l.done = cancel, done
	go func() {
		defer close(done)
		fn(ctx)
	}()
	return true
}

// stop cancels the goroutine and waits for it. Safe to call when stopped.
func (l *loop) stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (l *loop) running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cancel != nil
}
