package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

var errSchedulerExited = errors.New("scheduler exited")

// serve runs the HTTP server and the scheduler until ctx is done or either
// fails. The server drains first; the scheduler keeps ticking for streams
// still open and is stopped only once Shutdown has returned.
func serve(ctx context.Context, srv *http.Server, ln net.Listener, run func(context.Context) error, drain time.Duration) error {
	schedCtx, stopSched := context.WithCancel(context.Background())
	defer stopSched()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := run(schedCtx); err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
		if schedCtx.Err() == nil {
			return errSchedulerExited
		}
		return nil
	})
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), drain)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		stopSched()
		return err
	})
	return g.Wait()
}
