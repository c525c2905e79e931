package app

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Sweepable drops expired in-memory state and reports how much it removed.
type Sweepable interface {
	Sweep() int
}

// sweeper periodically sweeps the in-memory guards so idle subjects do not
// accumulate between restarts.
type sweeper struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *sweeper) start(ctx context.Context, interval time.Duration, log zerolog.Logger, targets ...Sweepable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	done := s.done

	go func() {
		defer close(done)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if n := sweepAll(targets); n > 0 {
					log.Debug().Int("removed", n).Msg("guard sweep")
				}
			}
		}
	}()
}

func (s *sweeper) stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func sweepAll(targets []Sweepable) int {
	n := 0
	for _, t := range targets {
		n += t.Sweep()
	}
	return n
}
