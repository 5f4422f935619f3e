package watch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ppiankov/lockc/internal/executor"
	"github.com/ppiankov/lockc/internal/policy"
)

// fakeSource feeds canned event batches and records every response.
type fakeSource struct {
	mu        sync.Mutex
	batches   [][]Event
	responses map[int32]bool // fd → allow
	onRespond func(ev Event, allow bool)
}

func newFakeSource(batches ...[]Event) *fakeSource {
	return &fakeSource{batches: batches, responses: make(map[int32]bool)}
}

func (f *fakeSource) MarkExecPerm(path string) error { return nil }

func (f *fakeSource) Wait(timeoutMs int) (bool, error) {
	f.mu.Lock()
	n := len(f.batches)
	f.mu.Unlock()
	if n == 0 {
		time.Sleep(5 * time.Millisecond)
		return false, nil
	}
	return true, nil
}

func (f *fakeSource) Drain() ([]Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.batches) == 0 {
		return nil, nil
	}
	batch := f.batches[0]
	f.batches = f.batches[1:]
	return batch, nil
}

func (f *fakeSource) Respond(ev Event, allow bool) error {
	f.mu.Lock()
	if _, dup := f.responses[ev.Fd]; dup {
		f.mu.Unlock()
		return fmt.Errorf("double response for fd %d", ev.Fd)
	}
	f.responses[ev.Fd] = allow
	cb := f.onRespond
	f.mu.Unlock()
	if cb != nil {
		cb(ev, allow)
	}
	return nil
}

func (f *fakeSource) Close() error { return nil }

func (f *fakeSource) verdict(fd int32) (allow, answered bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	allow, answered = f.responses[fd]
	return
}

func (f *fakeSource) answered() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.responses)
}

// fakeSink records dispatched commands.
type fakeSink struct {
	mu    sync.Mutex
	calls []string
	err   error
	onAdd func()
}

func (f *fakeSink) record(call string) error {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	cb := f.onAdd
	err := f.err
	f.mu.Unlock()
	if cb != nil {
		cb()
	}
	return err
}

func (f *fakeSink) AddContainer(id string, pid int, level policy.Level) error {
	return f.record(fmt.Sprintf("add %s %d %s", id, pid, level))
}

func (f *fakeSink) DeleteContainer(id string) error {
	return f.record("delete " + id)
}

func (f *fakeSink) AddProcess(id string, pid int) error {
	return f.record(fmt.Sprintf("addproc %s %d", id, pid))
}

func (f *fakeSink) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// fakeResolver returns a fixed level and records resolved bundles.
type fakeResolver struct {
	mu      sync.Mutex
	level   policy.Level
	err     error
	bundles []string
}

func (f *fakeResolver) Resolve(bundle string) (policy.Level, error) {
	f.mu.Lock()
	f.bundles = append(f.bundles, bundle)
	f.mu.Unlock()
	return f.level, f.err
}

// fakeInspector serves canned process metadata by pid.
type fakeInspector struct {
	comms map[int]string
	argvs map[int][]string
	cwds  map[int]string
}

func (f *fakeInspector) Comm(pid int) (string, error) {
	c, ok := f.comms[pid]
	if !ok {
		return "", fmt.Errorf("pid %d gone", pid)
	}
	return c, nil
}

func (f *fakeInspector) Cmdline(pid int) ([]string, error) {
	a, ok := f.argvs[pid]
	if !ok {
		return nil, fmt.Errorf("pid %d gone", pid)
	}
	return a, nil
}

func (f *fakeInspector) Cwd(pid int) (string, error) {
	c, ok := f.cwds[pid]
	if !ok {
		return "", fmt.Errorf("pid %d gone", pid)
	}
	return c, nil
}

func testConfig() Config {
	return Config{RuncNames: []string{"runc"}, ShimNames: []string{"containerd-shim"}}
}

func readyNow() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func runWatcher(t *testing.T, w *Watcher, src *fakeSource, wantAnswered int) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = w.Run(ctx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for src.answered() < wantAnswered {
		select {
		case <-deadline:
			t.Fatalf("answered %d of %d events", src.answered(), wantAnswered)
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestWatcherCreateCommitsThenAllows(t *testing.T) {
	src := newFakeSource([]Event{{Fd: 10, Pid: 1}})
	sink := &fakeSink{}
	resolver := &fakeResolver{level: policy.LevelRestricted}

	var mu sync.Mutex
	var seq []string
	sink.onAdd = func() { mu.Lock(); seq = append(seq, "commit"); mu.Unlock() }
	src.onRespond = func(Event, bool) { mu.Lock(); seq = append(seq, "respond"); mu.Unlock() }

	w := newWatcher(testConfig(), src, sink, resolver, readyNow(), nil)
	w.inspect = &fakeInspector{
		comms: map[int]string{1: "runc"},
		argvs: map[int][]string{1: {"runc", "create", "--bundle", "/b", "web-1"}},
	}
	runWatcher(t, w, src, 1)

	if allow, ok := src.verdict(10); !ok || !allow {
		t.Fatalf("event not allowed: answered=%v allow=%v", ok, allow)
	}
	calls := sink.recorded()
	if len(calls) != 1 || calls[0] != "add web-1 1 restricted" {
		t.Errorf("sink calls = %q", calls)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seq) != 2 || seq[0] != "commit" || seq[1] != "respond" {
		t.Errorf("ordering = %q, want commit before respond", seq)
	}
}

func TestWatcherSurvivesFailingEvent(t *testing.T) {
	// Event for pid 1 fails (process gone); the next event must still be
	// processed correctly and both must be answered.
	src := newFakeSource(
		[]Event{{Fd: 10, Pid: 1}},
		[]Event{{Fd: 11, Pid: 2}},
	)
	sink := &fakeSink{}
	resolver := &fakeResolver{level: policy.LevelBaseline}

	w := newWatcher(testConfig(), src, sink, resolver, readyNow(), nil)
	w.inspect = &fakeInspector{
		comms: map[int]string{2: "runc"},
		argvs: map[int][]string{2: {"runc", "create", "--bundle", "/b", "web-2"}},
	}
	runWatcher(t, w, src, 2)

	if allow, ok := src.verdict(10); !ok || !allow {
		t.Errorf("failing event fd 10: answered=%v allow=%v, want answered+allowed", ok, allow)
	}
	calls := sink.recorded()
	if len(calls) != 1 || calls[0] != "add web-2 2 baseline" {
		t.Errorf("second event not processed: %q", calls)
	}
}

func TestWatcherResolverFailureLeavesUnregistered(t *testing.T) {
	src := newFakeSource([]Event{{Fd: 10, Pid: 1}})
	sink := &fakeSink{}
	resolver := &fakeResolver{err: errors.New("API unreachable")}

	w := newWatcher(testConfig(), src, sink, resolver, readyNow(), nil)
	w.inspect = &fakeInspector{
		comms: map[int]string{1: "runc"},
		argvs: map[int][]string{1: {"runc", "create", "--bundle", "/b", "web-1"}},
	}
	runWatcher(t, w, src, 1)

	// Fail closed by omission: no registration, but the event is allowed.
	if calls := sink.recorded(); len(calls) != 0 {
		t.Errorf("sink calls = %q, want none", calls)
	}
	if allow, ok := src.verdict(10); !ok || !allow {
		t.Errorf("answered=%v allow=%v, want answered+allowed", ok, allow)
	}
}

func TestWatcherDeniesOnStoppedExecutor(t *testing.T) {
	src := newFakeSource([]Event{{Fd: 10, Pid: 1}})
	sink := &fakeSink{err: executor.ErrStopped}
	resolver := &fakeResolver{level: policy.LevelBaseline}

	w := newWatcher(testConfig(), src, sink, resolver, readyNow(), nil)
	w.inspect = &fakeInspector{
		comms: map[int]string{1: "runc"},
		argvs: map[int][]string{1: {"runc", "create", "--bundle", "/b", "web-1"}},
	}
	runWatcher(t, w, src, 1)

	if allow, ok := src.verdict(10); !ok || allow {
		t.Errorf("answered=%v allow=%v, want answered+denied", ok, allow)
	}
}

func TestWatcherIgnoresUnrelatedComm(t *testing.T) {
	src := newFakeSource([]Event{{Fd: 10, Pid: 1}})
	sink := &fakeSink{}
	resolver := &fakeResolver{level: policy.LevelBaseline}

	w := newWatcher(testConfig(), src, sink, resolver, readyNow(), nil)
	w.inspect = &fakeInspector{
		comms: map[int]string{1: "bash"},
		argvs: map[int][]string{1: {"bash", "-c", "runc create x"}},
	}
	runWatcher(t, w, src, 1)

	if calls := sink.recorded(); len(calls) != 0 {
		t.Errorf("sink calls = %q, want none", calls)
	}
	if allow, ok := src.verdict(10); !ok || !allow {
		t.Errorf("answered=%v allow=%v, want answered+allowed", ok, allow)
	}
}

func TestWatcherShimDelete(t *testing.T) {
	src := newFakeSource([]Event{{Fd: 10, Pid: 1}})
	sink := &fakeSink{}
	resolver := &fakeResolver{level: policy.LevelBaseline}

	w := newWatcher(testConfig(), src, sink, resolver, readyNow(), nil)
	w.inspect = &fakeInspector{
		comms: map[int]string{1: "containerd-shim"},
		argvs: map[int][]string{1: {"containerd-shim", "-id", "web-1", "delete"}},
	}
	runWatcher(t, w, src, 1)

	calls := sink.recorded()
	if len(calls) != 1 || calls[0] != "delete web-1" {
		t.Errorf("sink calls = %q", calls)
	}
}

func TestWatcherOtherActionAttributesProcess(t *testing.T) {
	src := newFakeSource([]Event{{Fd: 10, Pid: 7}})
	sink := &fakeSink{}
	resolver := &fakeResolver{level: policy.LevelBaseline}

	w := newWatcher(testConfig(), src, sink, resolver, readyNow(), nil)
	w.inspect = &fakeInspector{
		comms: map[int]string{7: "runc"},
		argvs: map[int][]string{7: {"runc", "exec", "web-1", "sh"}},
	}
	runWatcher(t, w, src, 1)

	calls := sink.recorded()
	if len(calls) != 1 || calls[0] != "addproc web-1 7" {
		t.Errorf("sink calls = %q", calls)
	}
}

func TestWatcherCreateFallsBackToCwd(t *testing.T) {
	src := newFakeSource([]Event{{Fd: 10, Pid: 1}})
	sink := &fakeSink{}
	resolver := &fakeResolver{level: policy.LevelBaseline}

	w := newWatcher(testConfig(), src, sink, resolver, readyNow(), nil)
	w.inspect = &fakeInspector{
		comms: map[int]string{1: "runc"},
		argvs: map[int][]string{1: {"runc", "create", "web-1"}},
		cwds:  map[int]string{1: "/run/bundles/web-1"},
	}
	runWatcher(t, w, src, 1)

	resolver.mu.Lock()
	defer resolver.mu.Unlock()
	if len(resolver.bundles) != 1 || resolver.bundles[0] != "/run/bundles/web-1" {
		t.Errorf("resolved bundles = %q, want runtime cwd", resolver.bundles)
	}
}

func TestWatcherWaitsForReadiness(t *testing.T) {
	src := newFakeSource([]Event{{Fd: 10, Pid: 1}})
	w := newWatcher(testConfig(), src, &fakeSink{}, &fakeResolver{}, make(chan struct{}), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := w.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Run = %v, want deadline exceeded while waiting for readiness", err)
	}
	if src.answered() != 0 {
		t.Error("watcher answered events before readiness")
	}
}
