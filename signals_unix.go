//go:build !windows

package clusterd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/loykin/clusterd/internal/cluster"
)

// watchSignals maps SIGINT and SIGTERM to a graceful shutdown and SIGUSR1 to
// a rolling restart until the supervisor stops.
func watchSignals(sup *cluster.Supervisor, log *slog.Logger) (stop func()) {
	ch := make(chan os.Signal, 4)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	quit := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-ch:
				log.Info("signal received", "signal", sig.String())
				if sig == syscall.SIGUSR1 {
					sup.RequestRestart()
				} else {
					sup.Shutdown()
				}
			case <-sup.Done():
				return
			case <-quit:
				return
			}
		}
	}()
	return func() {
		signal.Stop(ch)
		close(quit)
	}
}

// drainContext is cancelled when the primary disconnects this worker.
func drainContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, syscall.SIGTERM)
}
