package env

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Variables carried from the primary to each worker at spawn time.
const (
	KeyWorkerID    = "CLUSTERD_WORKER_ID"
	KeyConfig      = "CLUSTERD_CONFIG"
	KeyFileLogging = "CLUSTERD_FILE_LOGGING"
	KeyListenFDs   = "CLUSTERD_LISTEN_FDS"
)

// Bootstrap is everything a worker learns from its environment. It is read
// once at worker start; there is no renegotiation afterwards.
type Bootstrap struct {
	WorkerID    int
	Config      json.RawMessage
	FileLogging bool
	ListenFDs   int
}

// Vars encodes b as KEY=VALUE pairs.
func (b Bootstrap) Vars() []string {
	cfg := b.Config
	if len(cfg) == 0 {
		cfg = json.RawMessage("{}")
	}
	return []string{
		KeyWorkerID + "=" + strconv.Itoa(b.WorkerID),
		KeyConfig + "=" + string(cfg),
		KeyFileLogging + "=" + strconv.FormatBool(b.FileLogging),
		KeyListenFDs + "=" + strconv.Itoa(b.ListenFDs),
	}
}

// IsWorker reports whether the environment marks this process as a worker.
func IsWorker(lookup func(string) (string, bool)) bool {
	_, ok := lookup(KeyWorkerID)
	return ok
}

// LoadBootstrap decodes the worker bootstrap variables.
func LoadBootstrap(lookup func(string) (string, bool)) (Bootstrap, error) {
	var b Bootstrap
	raw, ok := lookup(KeyWorkerID)
	if !ok {
		return b, fmt.Errorf("%s not set: not a worker process", KeyWorkerID)
	}
	id, err := strconv.Atoi(raw)
	if err != nil || id <= 0 {
		return b, fmt.Errorf("invalid %s %q", KeyWorkerID, raw)
	}
	b.WorkerID = id

	b.Config = json.RawMessage("{}")
	if raw, ok := lookup(KeyConfig); ok && raw != "" {
		if !json.Valid([]byte(raw)) {
			return b, fmt.Errorf("invalid %s: not JSON", KeyConfig)
		}
		b.Config = json.RawMessage(raw)
	}
	if raw, ok := lookup(KeyFileLogging); ok && raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return b, fmt.Errorf("invalid %s %q: %w", KeyFileLogging, raw, err)
		}
		b.FileLogging = v
	}
	if raw, ok := lookup(KeyListenFDs); ok && raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return b, fmt.Errorf("invalid %s %q", KeyListenFDs, raw)
		}
		b.ListenFDs = n
	}
	return b, nil
}
