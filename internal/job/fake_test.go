package job

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"dockingserver/internal/compute"
	"dockingserver/internal/dispatcher"
	"dockingserver/internal/receptor"
)

// fakeItem is a Handle whose task runs only when the test releases it.
type fakeItem struct {
	task      func(context.Context) (float64, error)
	onDone    func()
	done      chan struct{}
	score     float64
	err       error
	doneCalls atomic.Int32
}

func (f *fakeItem) Done() bool {
	f.doneCalls.Add(1)
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

func (f *fakeItem) Result() (float64, error) {
	<-f.done
	return f.score, f.err
}

// fakeExecutor queues tasks without running them.
type fakeExecutor struct {
	mu    sync.Mutex
	items []*fakeItem
	err   error
}

func (e *fakeExecutor) ExecuteAll(tasks []func(context.Context) (float64, error), onDone func()) ([]Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	handles := make([]Handle, len(tasks))
	for i, task := range tasks {
		item := &fakeItem{task: task, onDone: onDone, done: make(chan struct{})}
		e.items = append(e.items, item)
		handles[i] = item
	}
	return handles, nil
}

func (e *fakeExecutor) item(i int) *fakeItem {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.items[i]
}

func (e *fakeExecutor) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.items)
}

// release runs item i to completion on the calling goroutine.
func (e *fakeExecutor) release(i int) {
	item := e.item(i)
	func() {
		defer func() {
			if r := recover(); r != nil {
				item.err = fmt.Errorf("task panicked: %v", r)
			}
		}()
		item.score, item.err = item.task(context.Background())
	}()
	close(item.done)
	if item.onDone != nil {
		item.onDone()
	}
}

func (e *fakeExecutor) releaseAll() {
	for i := range e.count() {
		e.release(i)
	}
}

// scoreTable maps SMILES to scores. Unknown SMILES fail.
func scoreTable(scores map[string]float64) compute.Func {
	return func(_ context.Context, req compute.Request) (float64, error) {
		if score, ok := scores[req.SMILES]; ok {
			return score, nil
		}
		return 0, fmt.Errorf("no pose for %s", req.SMILES)
	}
}

// recordingDispatcher keeps every delivery.
type recordingDispatcher struct {
	mu  sync.Mutex
	got []*dispatcher.Delivery
}

func (d *recordingDispatcher) Dispatch(del *dispatcher.Delivery) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.got = append(d.got, del)
	return nil
}

func (d *recordingDispatcher) deliveries() []*dispatcher.Delivery {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.got)
}

func (d *recordingDispatcher) Stats() dispatcher.Stats { return dispatcher.Stats{} }
func (d *recordingDispatcher) Close(context.Context) error { return nil }

type testEnv struct {
	svc   *Service
	exec  *fakeExecutor
	cache *receptor.Cache
	clock *testClock
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestEnv(t *testing.T, score compute.Func, deps ...func(*Deps)) *testEnv {
	t.Helper()
	cache, err := receptor.NewCache(8, receptor.FileBuilder{}, nil)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	if _, err := cache.Add(context.Background(), "5nfa", receptor.Source{Blob: []byte("receptor")}); err != nil {
		t.Fatalf("Add receptor: %v", err)
	}

	exec := &fakeExecutor{}
	d := Deps{Executor: exec, Receptors: cache, Score: score}
	for _, fn := range deps {
		fn(&d)
	}

	clock := &testClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	svc := NewService(Config{Retention: time.Minute}, d)
	svc.now = clock.Now
	return &testEnv{svc: svc, exec: exec, cache: cache, clock: clock}
}

func batch(molecules ...string) *Submission {
	return &Submission{Molecules: molecules, ReceptorName: "5nfa"}
}

func single(smiles string) *Submission {
	return &Submission{Molecules: []string{smiles}, Single: true, ReceptorName: "5nfa"}
}
