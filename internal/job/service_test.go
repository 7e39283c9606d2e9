package job

import (
	"context"
	"errors"
	"math"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"dockingserver/internal/apperrors"
	"dockingserver/internal/compute"
	"dockingserver/internal/receptor"
	"dockingserver/internal/testutil"
	"dockingserver/internal/worker"
)

func TestSubmit_SingleNotDoneUntilWorkerRuns(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, scoreTable(map[string]float64{"CCO": -4.2}))
	ctx := context.Background()

	id, err := env.svc.Submit(ctx, single("CCO"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if id != 1 {
		t.Errorf("Expected first id 1, got %d", id)
	}

	done, err := env.svc.Poll(ctx, id)
	if err != nil || done {
		t.Fatalf("Poll before worker ran = %v, %v; want false, nil", done, err)
	}

	env.exec.release(0)
	done, err = env.svc.Poll(ctx, id)
	if err != nil || !done {
		t.Fatalf("Poll after worker ran = %v, %v; want true, nil", done, err)
	}

	res, err := env.svc.CollectResults(ctx, id)
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if !res.Single || len(res.Outcomes) != 1 || res.Outcomes[0].Score != -4.2 {
		t.Errorf("Unexpected results: %+v", res)
	}
}

func TestCollect_PreservesPositionsAroundFailures(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, scoreTable(map[string]float64{"A": -1, "C": -3}))
	ctx := context.Background()

	id, _ := env.svc.Submit(ctx, batch("A", "B", "C"))
	env.exec.releaseAll()

	outcomes, err := env.svc.Collect(ctx, id)
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if len(outcomes) != 3 {
		t.Fatalf("Expected 3 outcomes, got %d", len(outcomes))
	}
	if outcomes[0].Failed() || outcomes[0].Score != -1 {
		t.Errorf("outcome 0 = %+v, want score -1", outcomes[0])
	}
	if !outcomes[1].Failed() || !errors.Is(outcomes[1].Failure, apperrors.ErrCompute) {
		t.Errorf("outcome 1 = %+v, want compute failure", outcomes[1])
	}
	if !strings.Contains(outcomes[1].Failure.Error(), "no pose for B") {
		t.Errorf("Failure reason = %q", outcomes[1].Failure)
	}
	if outcomes[2].Failed() || outcomes[2].Score != -3 {
		t.Errorf("outcome 2 = %+v, want score -3", outcomes[2])
	}
}

func TestCollect_ReturnsNOutcomesInOrder(t *testing.T) {
	t.Parallel()
	for _, n := range []int{0, 1, 7, 100} {
		env := newTestEnv(t, func(_ context.Context, req compute.Request) (float64, error) {
			return float64(len(req.SMILES)), nil
		})
		ctx := context.Background()

		molecules := make([]string, n)
		for i := range molecules {
			molecules[i] = strings.Repeat("C", i+1)
		}
		id, err := env.svc.Submit(ctx, batch(molecules...))
		if err != nil {
			t.Fatalf("n=%d: Submit failed: %v", n, err)
		}
		// Finish in reverse to show order follows submission, not completion.
		for i := n - 1; i >= 0; i-- {
			env.exec.release(i)
		}

		outcomes, err := env.svc.Collect(ctx, id)
		if err != nil {
			t.Fatalf("n=%d: Collect failed: %v", n, err)
		}
		if len(outcomes) != n {
			t.Fatalf("n=%d: got %d outcomes", n, len(outcomes))
		}
		for i, o := range outcomes {
			if o.Index != i || o.Score != float64(i+1) {
				t.Errorf("n=%d: outcome %d = %+v", n, i, o)
			}
		}
	}
}

func TestEmptyBatch(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, scoreTable(nil))
	ctx := context.Background()

	id, err := env.svc.Submit(ctx, batch())
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if done, _ := env.svc.Poll(ctx, id); !done {
		t.Error("Expected empty batch to be done")
	}
	outcomes, err := env.svc.Collect(ctx, id)
	if err != nil || outcomes == nil || len(outcomes) != 0 {
		t.Errorf("Collect = %v, %v; want empty slice", outcomes, err)
	}
}

func TestCollect_UnknownJob(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, scoreTable(nil))

	if _, err := env.svc.Collect(context.Background(), 42); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if _, err := env.svc.Poll(context.Background(), 42); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Expected ErrNotFound from Poll, got %v", err)
	}
}

func TestCollect_NotReadyThenRetired(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, scoreTable(map[string]float64{"A": 1, "B": 2}))
	ctx := context.Background()

	id, _ := env.svc.Submit(ctx, batch("A", "B"))
	env.exec.release(0)

	if _, err := env.svc.Collect(ctx, id); !errors.Is(err, apperrors.ErrNotReady) {
		t.Fatalf("Expected ErrNotReady, got %v", err)
	}

	env.exec.release(1)
	if _, err := env.svc.Collect(ctx, id); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if _, err := env.svc.Collect(ctx, id); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Expected ErrNotFound after retirement, got %v", err)
	}
	if _, err := env.svc.Poll(ctx, id); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Expected Poll ErrNotFound after retirement, got %v", err)
	}
	if env.svc.Active() != 0 {
		t.Errorf("Expected no active queries, got %d", env.svc.Active())
	}
}

func TestPoll_ShortCircuitsOnFirstPending(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, scoreTable(map[string]float64{"A": 1, "B": 2, "C": 3}))
	ctx := context.Background()

	id, _ := env.svc.Submit(ctx, batch("A", "B", "C"))
	env.exec.release(2)

	if done, _ := env.svc.Poll(ctx, id); done {
		t.Fatal("Expected not done")
	}
	if got := []int32{env.exec.item(0).doneCalls.Load(), env.exec.item(1).doneCalls.Load(), env.exec.item(2).doneCalls.Load()}; !slices.Equal(got, []int32{1, 0, 0}) {
		t.Errorf("Done calls after first poll = %v, want [1 0 0]", got)
	}

	env.exec.release(0)
	if done, _ := env.svc.Poll(ctx, id); done {
		t.Fatal("Expected not done")
	}
	if got := []int32{env.exec.item(0).doneCalls.Load(), env.exec.item(1).doneCalls.Load(), env.exec.item(2).doneCalls.Load()}; !slices.Equal(got, []int32{2, 1, 0}) {
		t.Errorf("Done calls after second poll = %v, want [2 1 0]", got)
	}

	env.exec.release(1)
	if done, _ := env.svc.Poll(ctx, id); !done {
		t.Fatal("Expected done")
	}
	if got := env.exec.item(0).doneCalls.Load(); got != 2 {
		t.Errorf("Cached item checked again: %d calls", got)
	}
}

func TestPoll_MonotonicAndElapsedSetOnce(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, scoreTable(map[string]float64{"A": 1}))
	ctx := context.Background()

	id, _ := env.svc.Submit(ctx, batch("A"))
	env.clock.Advance(3 * time.Second)
	env.exec.release(0)

	first, err := env.svc.Status(ctx, id)
	if err != nil || !first.Done {
		t.Fatalf("Status = %+v, %v", first, err)
	}
	if first.Elapsed != 3*time.Second {
		t.Errorf("Elapsed = %v, want 3s", first.Elapsed)
	}

	for range 5 {
		env.clock.Advance(time.Second)
		done, err := env.svc.Poll(ctx, id)
		if err != nil || !done {
			t.Fatalf("Poll after completion = %v, %v", done, err)
		}
	}
	again, _ := env.svc.Status(ctx, id)
	if again.Elapsed != first.Elapsed {
		t.Errorf("Elapsed changed from %v to %v", first.Elapsed, again.Elapsed)
	}
	if again.Completed != 1 || again.Items != 1 {
		t.Errorf("Unexpected counts: %+v", again)
	}
}

func TestSubmit_ConcurrentIDsUniqueAndIncreasing(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, scoreTable(nil))
	const submitters, perSubmitter = 16, 25

	var (
		mu  sync.Mutex
		all = make(map[ID]bool)
		wg  sync.WaitGroup
	)
	for range submitters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var last ID
			for range perSubmitter {
				id, err := env.svc.Submit(context.Background(), batch("C"))
				if err != nil {
					t.Errorf("Submit failed: %v", err)
					return
				}
				if id <= last {
					t.Errorf("id %d not greater than previous %d", id, last)
				}
				last = id
				mu.Lock()
				all[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(all) != submitters*perSubmitter {
		t.Errorf("Expected %d distinct ids, got %d", submitters*perSubmitter, len(all))
	}
}

func TestSubmit_RacingFirstSubmissionsBuildReceptorOnce(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, scoreTable(nil))
	const submitters = 24

	start := make(chan struct{})
	var wg sync.WaitGroup
	errs := make(chan error, submitters)
	for range submitters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := env.svc.Submit(context.Background(), &Submission{
				Molecules:    []string{"CCO"},
				ReceptorName: "brand-new",
				Receptor:     receptor.Source{Blob: []byte("fresh receptor")},
			})
			errs <- err
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Submit failed: %v", err)
		}
	}
	// One build for the fixture receptor, one for brand-new.
	if got := env.cache.Builds(); got != 2 {
		t.Errorf("Expected 2 builds, got %d", got)
	}
}

func TestCollect_ConcurrentCollectorsExactlyOneWins(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, scoreTable(map[string]float64{"A": 1, "B": 2}))
	ctx := context.Background()
	id, _ := env.svc.Submit(ctx, batch("A", "B"))
	env.exec.releaseAll()

	const collectors = 12
	var wg sync.WaitGroup
	results := make(chan error, collectors)
	for range collectors {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.Collect(ctx, id)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		switch {
		case err == nil:
			wins++
		case !errors.Is(err, apperrors.ErrNotFound):
			t.Errorf("Unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("Expected exactly one successful collector, got %d", wins)
	}
}

func TestTask_UnreportableScoresBecomeFailures(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, scoreTable(map[string]float64{
		"nan":  math.NaN(),
		"inf":  math.Inf(-1),
		"huge": 12000,
		"ok":   -9,
	}))
	ctx := context.Background()

	id, _ := env.svc.Submit(ctx, batch("nan", "inf", "huge", "ok"))
	env.exec.releaseAll()
	outcomes, err := env.svc.Collect(ctx, id)
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	for i, wantFailed := range []bool{true, true, true, false} {
		if outcomes[i].Failed() != wantFailed {
			t.Errorf("outcome %d = %+v, want failed=%v", i, outcomes[i], wantFailed)
		}
	}

	sub := batch("huge")
	sub.Options = compute.DefaultOptions()
	sub.Options.NanToNone = false
	id, _ = env.svc.Submit(ctx, sub)
	env.exec.release(4)
	outcomes, _ = env.svc.Collect(ctx, id)
	if outcomes[0].Failed() || outcomes[0].Score != 12000 {
		t.Errorf("Expected raw score with nan_to_none off, got %+v", outcomes[0])
	}
}

func TestTask_PanicIsolatedToItsItem(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, func(_ context.Context, req compute.Request) (float64, error) {
		if req.SMILES == "boom" {
			panic("segfault in engine")
		}
		return 1, nil
	})
	ctx := context.Background()

	id, _ := env.svc.Submit(ctx, batch("C", "boom", "N"))
	env.exec.releaseAll()
	outcomes, err := env.svc.Collect(ctx, id)
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if outcomes[0].Failed() || !outcomes[1].Failed() || outcomes[2].Failed() {
		t.Errorf("Unexpected outcomes: %+v", outcomes)
	}
}

func TestSubmit_Validation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, scoreTable(nil))

	tooMany := make([]string, 10001)
	for i := range tooMany {
		tooMany[i] = "C"
	}

	tests := []struct {
		name   string
		sub    *Submission
		target error
	}{
		{"single with two molecules", &Submission{Molecules: []string{"C", "N"}, Single: true, ReceptorName: "5nfa"}, apperrors.ErrValidation},
		{"empty smiles", batch("C", " "), apperrors.ErrValidation},
		{"smiles too long", batch(strings.Repeat("C", 2049)), apperrors.ErrValidation},
		{"batch too large", batch(tooMany...), apperrors.ErrValidation},
		{"missing receptor name", &Submission{Molecules: []string{"C"}}, apperrors.ErrValidation},
		{"bad receptor name", &Submission{Molecules: []string{"C"}, ReceptorName: "../etc"}, apperrors.ErrValidation},
		{"unknown receptor", &Submission{Molecules: []string{"C"}, ReceptorName: "nope"}, apperrors.ErrNotFound},
		{"callbacks disabled", &Submission{Molecules: []string{"C"}, ReceptorName: "5nfa", Callback: &Callback{URL: "https://example.com"}}, apperrors.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := env.svc.Submit(context.Background(), tt.sub); !errors.Is(err, tt.target) {
				t.Errorf("Expected %v, got %v", tt.target, err)
			}
		})
	}
	if env.exec.count() != 0 {
		t.Errorf("Rejected submissions dispatched %d tasks", env.exec.count())
	}
}

func TestSubmit_ExecutorFailureLeavesNoJob(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, scoreTable(nil))
	env.exec.err = apperrors.Unavailable("worker.submit", errors.New("pool is closed"))

	for _, sub := range []*Submission{batch("C"), batch("A", "B", "C")} {
		if _, err := env.svc.Submit(context.Background(), sub); !errors.Is(err, apperrors.ErrUnavailable) {
			t.Fatalf("Expected ErrUnavailable, got %v", err)
		}
	}
	if env.svc.Active() != 0 {
		t.Errorf("Expected no registered job, got %d", env.svc.Active())
	}
	if env.exec.count() != 0 {
		t.Errorf("Failed dispatch left %d tasks running", env.exec.count())
	}
}

func TestSubmit_ClosedPoolRunsNoItems(t *testing.T) {
	t.Parallel()
	pool := worker.NewPool(worker.Config{Workers: 2}, nil)
	if err := pool.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	var ran atomic.Int32
	env := newTestEnv(t, func(context.Context, compute.Request) (float64, error) {
		ran.Add(1)
		return 1, nil
	}, func(d *Deps) { d.Executor = PoolExecutor(pool) })

	if _, err := env.svc.Submit(context.Background(), batch("A", "B", "C")); !errors.Is(err, apperrors.ErrUnavailable) {
		t.Fatalf("Expected ErrUnavailable, got %v", err)
	}
	if env.svc.Active() != 0 || ran.Load() != 0 {
		t.Errorf("Expected no job and no runs, got %d jobs and %d runs", env.svc.Active(), ran.Load())
	}
}

func TestSweep_RetiresOnlyFinishedUncollected(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, scoreTable(map[string]float64{"A": 1}))
	ctx := context.Background()

	finished, _ := env.svc.Submit(ctx, batch("A"))
	running, _ := env.svc.Submit(ctx, batch("A"))
	env.exec.release(0)

	if n := env.svc.Sweep(ctx, env.clock.Now().Add(30*time.Second)); n != 0 {
		t.Errorf("Swept %d before retention elapsed", n)
	}
	if n := env.svc.Sweep(ctx, env.clock.Now().Add(2*time.Minute)); n != 1 {
		t.Errorf("Expected 1 swept, got %d", n)
	}
	if _, err := env.svc.Poll(ctx, finished); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Expected swept job to be gone, got %v", err)
	}
	if done, err := env.svc.Poll(ctx, running); err != nil || done {
		t.Errorf("Running job affected by sweep: %v, %v", done, err)
	}
}

func TestCompletionCallback(t *testing.T) {
	t.Parallel()
	rec := &recordingDispatcher{}
	env := newTestEnv(t, scoreTable(map[string]float64{"A": -2}), func(d *Deps) { d.Dispatcher = rec })
	ctx := context.Background()

	sub := batch("A", "B")
	sub.Callback = &Callback{URL: "https://hooks.example.com/done", Key: "k"}
	id, err := env.svc.Submit(ctx, sub)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	env.exec.release(0)
	if len(rec.deliveries()) != 0 {
		t.Fatal("Callback sent before the last item finished")
	}
	env.exec.release(1)

	got := rec.deliveries()
	if len(got) != 1 {
		t.Fatalf("Expected 1 delivery, got %d", len(got))
	}
	d := got[0]
	if d.URL != sub.Callback.URL || d.Key != "k" || d.Event.Type != EventTypeQueryComplete {
		t.Errorf("Unexpected delivery: %+v", d)
	}
	data, ok := d.Event.Data.(CompletionData)
	if !ok {
		t.Fatalf("Unexpected data type %T", d.Event.Data)
	}
	if data.JobID != id || data.Items != 2 || data.Failed != 1 || data.Results[0].Score != -2 {
		t.Errorf("Unexpected completion data: %+v", data)
	}

	// The callback does not consume the results.
	if _, err := env.svc.Collect(ctx, id); err != nil {
		t.Errorf("Collect after callback failed: %v", err)
	}
}

func TestCompletionCallback_InvalidURL(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, scoreTable(nil), func(d *Deps) { d.Dispatcher = &recordingDispatcher{} })
	sub := batch("A")
	sub.Callback = &Callback{URL: "ftp://example.com"}

	if _, err := env.svc.Submit(context.Background(), sub); !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("Expected ErrValidation, got %v", err)
	}
}

func TestAddReceptorAndList(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, scoreTable(nil))

	r, err := env.svc.AddReceptor(context.Background(), "3clpro", receptor.Source{Blob: []byte("x")})
	if err != nil {
		t.Fatalf("AddReceptor failed: %v", err)
	}
	if r.Name != "3clpro" {
		t.Errorf("Name = %q", r.Name)
	}
	if got := env.svc.Receptors(); !slices.Equal(got, []string{"3clpro", "5nfa"}) {
		t.Errorf("Receptors() = %v", got)
	}
	if _, err := env.svc.AddReceptor(context.Background(), "bad name", receptor.Source{Blob: []byte("x")}); !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("Expected ErrValidation, got %v", err)
	}
}

func TestService_WithWorkerPool(t *testing.T) {
	t.Parallel()
	pool := worker.NewPool(worker.Config{Workers: 2}, nil)
	t.Cleanup(func() { _ = pool.Close(context.Background()) })

	cache, _ := receptor.NewCache(4, receptor.FileBuilder{}, nil)
	svc := NewService(Config{}, Deps{
		Executor:  PoolExecutor(pool),
		Receptors: cache,
		Score:     scoreTable(map[string]float64{"A": 1, "B": 2, "C": 3}),
	})
	ctx := context.Background()

	id, err := svc.Submit(ctx, &Submission{
		Molecules:    []string{"A", "B", "X", "C"},
		ReceptorName: "rec",
		Receptor:     receptor.Source{Blob: []byte("data")},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	testutil.PollUntil(t, func() (bool, error) { return svc.Poll(ctx, id) })

	outcomes, err := svc.Collect(ctx, id)
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	want := []float64{1, 2, 0, 3}
	for i, o := range outcomes {
		if o.Score != want[i] || o.Failed() != (i == 2) {
			t.Errorf("outcome %d = %+v", i, o)
		}
	}
}
