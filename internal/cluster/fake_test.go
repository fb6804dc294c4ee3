package cluster

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loykin/clusterd/internal/history"
	"github.com/loykin/clusterd/internal/process"
)

// fakeProc is an in-memory worker. It exits on Disconnect unless told to
// ignore it, and always on Kill unless killErr is set.
type fakeProc struct {
	id     int
	pid    int
	pool   *fakePool
	exitCh chan process.Exit
	once   sync.Once
}

func (p *fakeProc) PID() int { return p.pid }

func (p *fakeProc) Disconnect() error {
	p.pool.mu.Lock()
	p.pool.disconnects = append(p.pool.disconnects, p.id)
	ignore := p.pool.ignore[p.id]
	p.pool.mu.Unlock()
	if !ignore {
		p.exit(process.Exit{Code: -1, Signal: syscall.SIGTERM})
	}
	return nil
}

func (p *fakeProc) Kill() error {
	p.pool.mu.Lock()
	p.pool.kills = append(p.pool.kills, p.id)
	err := p.pool.killErr[p.id]
	p.pool.mu.Unlock()
	if err != nil {
		return err
	}
	p.exit(process.Exit{Code: -1, Signal: syscall.SIGKILL})
	return nil
}

func (p *fakeProc) Wait() process.Exit { return <-p.exitCh }

func (p *fakeProc) exit(e process.Exit) {
	p.once.Do(func() {
		p.pool.mu.Lock()
		p.pool.alive--
		if p.pool.tracking && p.pool.alive < p.pool.minAlive {
			p.pool.minAlive = p.pool.alive
		}
		p.pool.mu.Unlock()
		p.exitCh <- e
	})
}

type fakePool struct {
	mu          sync.Mutex
	procs       map[int]*fakeProc
	spawned     []int
	disconnects []int
	kills       []int
	alive       int
	minAlive    int
	tracking    bool

	ignore     map[int]bool
	killErr    map[int]error
	spawnErr   map[int]error
	spawnPanic map[int]bool
}

func newFakePool() *fakePool {
	return &fakePool{
		procs:      make(map[int]*fakeProc),
		ignore:     make(map[int]bool),
		killErr:    make(map[int]error),
		spawnErr:   make(map[int]error),
		spawnPanic: make(map[int]bool),
	}
}

func (f *fakePool) spawn(id int) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spawnPanic[id] {
		panic(fmt.Sprintf("spawn %d exploded", id))
	}
	if err := f.spawnErr[id]; err != nil {
		return nil, err
	}
	p := &fakeProc{id: id, pid: 1000 + id, pool: f, exitCh: make(chan process.Exit, 1)}
	f.procs[id] = p
	f.spawned = append(f.spawned, id)
	f.alive++
	return p, nil
}

// crash makes worker id exit on its own.
func (f *fakePool) crash(id int, e process.Exit) {
	f.mu.Lock()
	p := f.procs[id]
	f.mu.Unlock()
	p.exit(e)
}

func (f *fakePool) track() {
	f.mu.Lock()
	f.tracking = true
	f.minAlive = f.alive
	f.mu.Unlock()
}

func (f *fakePool) snapshot() (spawned, disconnects, kills []int, minAlive int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.spawned...),
		append([]int(nil), f.disconnects...),
		append([]int(nil), f.kills...),
		f.minAlive
}

func (f *fakePool) disconnected(id int) bool {
	_, d, _, _ := f.snapshot()
	for _, x := range d {
		if x == id {
			return true
		}
	}
	return false
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *logBuffer) count(msg string) int {
	return strings.Count(b.String(), `msg="`+msg+`"`)
}

type memRecorder struct {
	mu     sync.Mutex
	events []history.Event
}

func (r *memRecorder) Record(e history.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *memRecorder) types() []history.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]history.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

// harness runs a supervisor over a fake pool.
type harness struct {
	t     *testing.T
	pool  *fakePool
	clock *fakeClock
	logs  *logBuffer
	sup   *Supervisor
	errCh chan error
}

func newHarness(t *testing.T, opts Options, setup func(*fakePool)) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		pool:  newFakePool(),
		clock: newFakeClock(),
		logs:  &logBuffer{},
		errCh: make(chan error, 1),
	}
	if setup != nil {
		setup(h.pool)
	}
	opts.Logger = slog.New(slog.NewTextHandler(h.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	opts.Now = h.clock.Now
	h.sup = New(opts, h.pool.spawn)
	return h
}

func (h *harness) start() {
	go func() { h.errCh <- h.sup.Run(h.t.Context()) }()
}

func (h *harness) liveIDs() []int {
	h.t.Helper()
	ws, err := h.sup.Workers(h.t.Context())
	require.NoError(h.t, err)
	ids := make([]int, 0, len(ws))
	for _, w := range ws {
		ids = append(ids, w.ID)
	}
	return ids
}

func (h *harness) waitIDs(want ...int) {
	h.t.Helper()
	if want == nil {
		want = []int{}
	}
	require.Eventually(h.t, func() bool {
		ws, err := h.sup.Workers(h.t.Context())
		if err != nil || len(ws) != len(want) {
			return false
		}
		for i, w := range ws {
			if w.ID != want[i] {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond, "live ids never became %v, logs:\n%s", want, h.logs)
}

// wait returns Run's result.
func (h *harness) wait() error {
	h.t.Helper()
	select {
	case err := <-h.errCh:
		return err
	case <-time.After(5 * time.Second):
		h.t.Fatalf("supervisor did not stop, logs:\n%s", h.logs)
		return errors.New("unreachable")
	}
}

func (h *harness) stop() {
	h.t.Helper()
	h.sup.Shutdown()
	require.NoError(h.t, h.wait())
}
