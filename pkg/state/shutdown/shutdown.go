package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"chillspace/pkg/state/logger"
)

// SetupSignalHandler returns a context cancelled on SIGINT or SIGTERM. The
// returned cancel stops watching.
func SetupSignalHandler(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case s := <-sigc:
			logger.Info("signal_received", "signal", s.String(), "reason", "shutdown requested")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigc)
	}()

	return ctx, cancel
}

// Abort reports a fatal startup error and exits.
func Abort(context string, err error) {
	logger.Error("fatal", "context", context, "error", err)
	logger.Sync()
	fmt.Fprintf(os.Stderr, "%s: %v\n", context, err)
	os.Exit(1)
}
