package app

import (
	"context"
	"errors"

	"chillspace/pkg/state/logger"
)

// Shutdown stops components in the reverse order of Run and closes the
// store. The signed-in user is marked offline first when presence was
// started.
func (a *App) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	if a.state == "stopped" {
		a.mu.Unlock()
		return nil
	}
	a.state = "shutting_down"
	hbCancel, hbDone := a.hbCancel, a.hbDone
	a.hbCancel, a.hbDone = nil, nil
	srv := a.srvFast
	a.srvFast = nil
	stopWatch := a.stopWatch
	a.stopWatch = nil
	a.mu.Unlock()

	var errs []error
	if hbCancel != nil {
		hbCancel()
		select {
		case <-hbDone:
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
	}
	a.tracker.Close()

	if srv != nil {
		done := make(chan error, 1)
		go func() { done <- srv.Shutdown() }()
		select {
		case err := <-done:
			if err != nil {
				errs = append(errs, err)
			}
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
	}

	a.outbox.Stop()
	if stopWatch != nil {
		stopWatch()
	}
	a.closeBackend()

	err := errors.Join(errs...)
	a.mu.Lock()
	a.state = "stopped"
	a.mu.Unlock()
	if err != nil {
		logger.Warn("app_shutdown_incomplete", "error", err)
		return err
	}
	logger.Info("app_stopped")
	return nil
}
