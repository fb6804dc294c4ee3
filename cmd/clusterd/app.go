package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/clusterd"
)

// appConfig is the [app] table of the config file.
type appConfig struct {
	Greeting string `json:"greeting"`
}

// newDemoRouter is the demo application every worker serves.
func newDemoRouter(workerID int, cfg appConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	greeting := cfg.Greeting
	if greeting == "" {
		greeting = "hello"
	}
	pid := os.Getpid()
	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"greeting": greeting, "worker": workerID, "pid": pid})
	})
	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	return r
}

// runDemoWorker serves the demo router on the inherited listener until the
// primary disconnects the worker. Without a listener it just idles.
func runDemoWorker(ctx context.Context, w *clusterd.Worker) error {
	var cfg appConfig
	if err := w.DecodeConfig(&cfg); err != nil {
		return err
	}
	log := w.Logger()
	ln, err := w.Listener()
	if err != nil {
		log.Info("no shared listener, idling until drained")
		<-ctx.Done()
		return nil
	}

	srv := &http.Server{
		Handler:           newDemoRouter(w.ID(), cfg),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	log.Info("worker serving", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	log.Info("worker drained")
	return nil
}
