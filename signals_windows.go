//go:build windows

package clusterd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"

	"github.com/loykin/clusterd/internal/cluster"
)

// watchSignals maps interrupts to a graceful shutdown. Windows has no
// SIGUSR1, so rolling restarts are only reachable through the API.
func watchSignals(sup *cluster.Supervisor, log *slog.Logger) (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt)
	quit := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-ch:
				log.Info("signal received", "signal", sig.String())
				sup.Shutdown()
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

func drainContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt)
}
