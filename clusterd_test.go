package clusterd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/clusterd/internal/env"
	"github.com/loykin/clusterd/internal/pidfile"
)

// Spawned workers re-execute this test binary; they never reach m.Run.
const (
	testDirKey  = "CLUSTERD_TEST_DIR"
	testModeKey = "CLUSTERD_TEST_MODE"
)

func TestMain(m *testing.M) {
	if IsWorker() {
		if err := Run(context.Background(), Options{}, nil, testWorker); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

type testConfig struct {
	Greeting string `json:"greeting"`
}

func testWorker(ctx context.Context, w *Worker) error {
	var cfg testConfig
	if err := w.DecodeConfig(&cfg); err != nil {
		return err
	}
	if os.Getenv(testModeKey) == "http" {
		ln, err := w.Listener()
		if err != nil {
			return err
		}
		srv := &http.Server{Handler: http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
			_, _ = fmt.Fprintf(rw, "%s from worker %d", cfg.Greeting, w.ID())
		})}
		go func() {
			<-ctx.Done()
			_ = srv.Close()
		}()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
	marker := filepath.Join(os.Getenv(testDirKey), fmt.Sprintf("worker-%d", w.ID()))
	if err := os.WriteFile(marker, []byte(fmt.Sprintf("%d %s", os.Getpid(), cfg.Greeting)), 0o600); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

func requireUnix(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

func TestOptionsDefaults(t *testing.T) {
	o := Options{Workers: -1}.withDefaults()
	assert.Equal(t, runtime.NumCPU(), o.Workers)
	assert.Equal(t, DefaultPIDFile, o.PIDFile)
	assert.Equal(t, os.Stdout, o.Stdout)
	assert.Equal(t, os.Stderr, o.Stderr)

	o = Options{Workers: 3, PIDFile: "run/x.pid"}.withDefaults()
	assert.Equal(t, 3, o.Workers)
	assert.Equal(t, "run/x.pid", o.PIDFile)
}

func TestEncodeConfig(t *testing.T) {
	b, err := encodeConfig(nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(b))

	b, err = encodeConfig(testConfig{Greeting: "hi"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"greeting":"hi"}`, string(b))

	raw := json.RawMessage(`{"a":[1,2]}`)
	b, err = encodeConfig(raw)
	require.NoError(t, err)
	assert.Equal(t, raw, b)

	_, err = encodeConfig(make(chan int))
	require.Error(t, err)
}

func TestPrimaryFailureRemovesPIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "primary.pid")
	boom := errors.New("boom")
	var seen int
	err := Run(t.Context(), Options{Workers: 1, PIDFile: path, Log: LogConfig{Level: "error"}},
		func(_ context.Context, p *Primary) error {
			seen, _ = pidfile.Read(path)
			assert.Nil(t, p.ListenAddr())
			assert.NotNil(t, p.Logger())
			return boom
		}, nil)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, os.Getpid(), seen)
	assert.NoFileExists(t, path)
}

func TestPrimaryBadHistoryDSN(t *testing.T) {
	path := filepath.Join(t.TempDir(), "primary.pid")
	err := Run(t.Context(), Options{Workers: 1, PIDFile: path, HistoryDSN: "opensearch://", Log: LogConfig{Level: "error"}}, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "history sink")
	assert.NoFileExists(t, path)
}

func TestRunWorkerInProcess(t *testing.T) {
	t.Setenv(env.KeyWorkerID, "7")
	t.Setenv(env.KeyConfig, `{"greeting":"hello"}`)
	t.Setenv(env.KeyFileLogging, "false")
	t.Setenv(env.KeyListenFDs, "0")
	require.True(t, IsWorker())

	called := false
	err := Run(t.Context(), Options{Log: LogConfig{Level: "error"}}, nil, func(_ context.Context, w *Worker) error {
		called = true
		assert.Equal(t, 7, w.ID())
		var cfg testConfig
		require.NoError(t, w.DecodeConfig(&cfg))
		assert.Equal(t, "hello", cfg.Greeting)
		_, err := w.Listener()
		assert.Error(t, err)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
}

func TestRunWorkerErrors(t *testing.T) {
	t.Setenv(env.KeyWorkerID, "1")
	err := Run(t.Context(), Options{}, nil, nil)
	require.Error(t, err)

	t.Setenv(env.KeyWorkerID, "zero")
	err = Run(t.Context(), Options{}, nil, func(context.Context, *Worker) error { return nil })
	require.Error(t, err)

	t.Setenv(env.KeyWorkerID, "2")
	boom := errors.New("worker failed")
	err = Run(t.Context(), Options{Log: LogConfig{Level: "error"}}, nil, func(context.Context, *Worker) error { return boom })
	require.ErrorIs(t, err, boom)
}
