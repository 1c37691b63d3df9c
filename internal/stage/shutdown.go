package stage

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"go.uber.org/zap"
)

// Shutdown is a cooperative stop flag observed at chunk boundaries.
type Shutdown struct {
	requested atomic.Bool
	once      sync.Once
	done      chan struct{}
}

func (s *Shutdown) init() {
	s.once.Do(func() { s.done = make(chan struct{}) })
}

// Request asks running stages to stop at the next chunk boundary.
func (s *Shutdown) Request() {
	if s == nil {
		return
	}
	s.init()
	if s.requested.CompareAndSwap(false, true) {
		close(s.done)
	}
}

// Done is closed once a stop was requested. A nil flag's channel never is.
func (s *Shutdown) Done() <-chan struct{} {
	if s == nil {
		return nil
	}
	s.init()
	return s.done
}

// Requested reports whether a stop was requested. A nil flag never is.
func (s *Shutdown) Requested() bool {
	return s != nil && s.requested.Load()
}

// WatchSignals turns the first SIGINT/SIGTERM into a shutdown request and a
// second one into context cancellation. The returned stop func releases the
// signal handler.
func WatchSignals(parent context.Context) (context.Context, *Shutdown, func()) {
	ctx, cancel := context.WithCancel(parent)
	sd := &Shutdown{}
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-sigs:
				if sd.Requested() {
					zap.L().Warn("second signal received, forcing exit", zap.String("signal", sig.String()))
					cancel()
					return
				}
				zap.L().Info("shutdown requested, finishing current chunk", zap.String("signal", sig.String()))
				sd.Request()
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	stop := func() {
		signal.Stop(sigs)
		close(done)
		cancel()
	}
	return ctx, sd, stop
}
