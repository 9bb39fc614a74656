package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"pkt.systems/domaind/internal/jobs/jobstore"
	"pkt.systems/domaind/internal/resmgr"
	"pkt.systems/domaind/internal/sched"
)

type testRig struct {
	engine *Engine
	store  *jobstore.MemStore
	vols   *MemVolumes
	res    *resmgr.Manager
	exec   *sched.Executor
}

func newTestRig(t *testing.T, workers int) *testRig {
	t.Helper()
	res := resmgr.New()
	if err := res.RegisterNamespace(DefaultNamespace, 10, nil); err != nil {
		t.Fatalf("RegisterNamespace: %v", err)
	}
	exec := sched.NewExecutor(workers)
	t.Cleanup(exec.Close)
	store := jobstore.NewMemStore()
	vols := NewMemVolumes()
	engine, err := New(Config{
		Store:           store,
		Resources:       res,
		Executor:        exec,
		Volumes:         vols,
		MaxStepRetries:  3,
		RetryBackoff:    time.Millisecond,
		DispatchTimeout: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &testRig{engine: engine, store: store, vols: vols, res: res, exec: exec}
}

func waitState(t *testing.T, e *Engine, jobID string, want State) Status {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		st, err := e.Status(jobID)
		if err != nil {
			t.Fatalf("Status(%s): %v", jobID, err)
		}
		if st.State == want {
			return st
		}
		if st.State.Terminal() {
			t.Fatalf("job %s reached %s (failed step %q: %s), want %s",
				jobID, st.State, st.FailedStep, st.Error, want)
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s stuck in %s, want %s", jobID, st.State, want)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestCopyDataRunsToDone(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rig := newTestRig(t, 2)
	if err := rig.vols.Create(ctx, "vol-src", 1<<20); err != nil {
		t.Fatalf("seed source: %v", err)
	}
	rig.vols.SetData("vol-src", "payload")

	id, err := rig.engine.Submit(ctx, TypeCopyData, Params{
		Source: "vol-src", Dest: "vol-dst", SizeBytes: 1 << 20,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	st := waitState(t, rig.engine, id, StateDone)
	if len(st.StepsDone) != 5 {
		t.Fatalf("StepsDone = %v, want all 5 copy-data steps", st.StepsDone)
	}
	if got := rig.vols.Data("vol-dst"); got != "payload" {
		t.Fatalf("dest data = %q, want payload", got)
	}
	if exists, _ := rig.vols.Exists(ctx, tmpName("vol-dst")); exists {
		t.Fatal("staging volume left behind after finalize")
	}
	// Record survives completion until cleared.
	rec, err := rig.store.Get(ctx, id)
	if err != nil {
		t.Fatalf("record after done: %v", err)
	}
	if rec.Status != string(StateDone) {
		t.Fatalf("stored status = %q, want done", rec.Status)
	}
}

func TestCopyDataLockOrderBothDirections(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cases := []struct {
		name   string
		source string
		dest   string
	}{
		{name: "dest sorts before source", source: "vol-b-src", dest: "vol-a-dst"},
		{name: "source sorts before dest", source: "vol-a-src", dest: "vol-b-dst"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rig := newTestRig(t, 2)
			if err := rig.vols.Create(ctx, tc.source, 1<<20); err != nil {
				t.Fatalf("seed source: %v", err)
			}
			rig.vols.SetData(tc.source, "payload")

			id, err := rig.engine.Submit(ctx, TypeCopyData, Params{
				Source: tc.source, Dest: tc.dest, SizeBytes: 1 << 20,
			})
			if err != nil {
				t.Fatalf("Submit: %v", err)
			}
			waitState(t, rig.engine, id, StateDone)
			if got := rig.vols.Data(tc.dest); got != "payload" {
				t.Fatalf("dest data = %q, want payload", got)
			}
		})
	}
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rig := newTestRig(t, 1)

	if _, err := rig.engine.Submit(ctx, Type("defrag"), Params{}); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("unknown type err = %v, want ErrUnknownType", err)
	}
	if _, err := rig.engine.Submit(ctx, TypeCopyData, Params{Source: "a", Dest: "a"}); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("same src/dst err = %v, want ErrInvalidParams", err)
	}
	if _, err := rig.engine.Submit(ctx, TypeCreateVolume, Params{Volume: "v"}); !errors.Is(err, ErrInvalidParams) {
		t.Fatalf("zero size err = %v, want ErrInvalidParams", err)
	}
	recs, err := rig.store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("rejected submits left %d records behind", len(recs))
	}
}

func TestSubmitBackpressure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rig := newTestRig(t, 1)
	rig.engine.cfg.DispatchTimeout = 20 * time.Millisecond

	// Occupy the only worker.
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	if _, err := rig.exec.Dispatch(func(context.Context) error {
		defer wg.Done()
		<-release
		return nil
	}, 0); err != nil {
		t.Fatalf("occupy worker: %v", err)
	}

	if err := rig.vols.Create(ctx, "vol-a", 1); err != nil {
		t.Fatalf("seed: %v", err)
	}
	_, err := rig.engine.Submit(ctx, TypeCopyData, Params{Source: "vol-a", Dest: "vol-b"})
	if !errors.Is(err, sched.ErrExecutorBusy) {
		t.Fatalf("Submit err = %v, want ErrExecutorBusy", err)
	}
	// The pre-dispatch record must have been rolled back.
	recs, listErr := rig.store.List(ctx)
	if listErr != nil {
		t.Fatalf("List: %v", listErr)
	}
	if len(recs) != 0 {
		t.Fatalf("busy submit left %d records behind", len(recs))
	}
	close(release)
	wg.Wait()
}

func TestCrashResumeSkipsCompletedSteps(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rig := newTestRig(t, 2)

	// Reconstruct the durable state of a copy-data job whose process died
	// after the first two steps were recorded.
	if err := rig.vols.Create(ctx, "vol-src", 1<<20); err != nil {
		t.Fatalf("seed source: %v", err)
	}
	rig.vols.SetData("vol-src", "payload")
	if err := rig.vols.Create(ctx, tmpName("vol-dst"), 1<<20); err != nil {
		t.Fatalf("seed staging: %v", err)
	}
	if err := rig.vols.Copy(ctx, "vol-src", tmpName("vol-dst")); err != nil {
		t.Fatalf("seed copy: %v", err)
	}
	createsBefore := rig.vols.Calls("Create")
	copiesBefore := rig.vols.Calls("Copy")

	params, err := json.Marshal(Params{Source: "vol-src", Dest: "vol-dst", SizeBytes: 1 << 20})
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	rec := &jobstore.Record{
		ID:          "job-restart",
		Type:        string(TypeCopyData),
		Status:      string(StateRunning),
		Params:      params,
		StepsDone:   []string{"allocate", "copy"},
		SubmittedAt: time.Now().Unix(),
		UpdatedAt:   time.Now().Unix(),
	}
	if err := rig.store.Put(ctx, rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := rig.engine.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	waitState(t, rig.engine, "job-restart", StateDone)

	if got := rig.vols.Calls("Create"); got != createsBefore {
		t.Fatalf("resume re-ran allocate: Create calls %d -> %d", createsBefore, got)
	}
	if got := rig.vols.Calls("Copy"); got != copiesBefore {
		t.Fatalf("resume re-ran copy: Copy calls %d -> %d", copiesBefore, got)
	}
	if got := rig.vols.Calls("Rename"); got != 1 {
		t.Fatalf("Rename calls = %d, want 1", got)
	}
	if got := rig.vols.Data("vol-dst"); got != "payload" {
		t.Fatalf("dest data = %q, want payload", got)
	}
}

func TestRecoverRegistersTerminalJobs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rig := newTestRig(t, 1)

	rec := &jobstore.Record{
		ID:     "job-old",
		Type:   string(TypeUpdateVolume),
		Status: string(StateFailed),
		Params: []byte(`{"volume":"v","meta":{"k":"v"}}`),
	}
	if err := rig.store.Put(ctx, rec); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := rig.engine.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	st, err := rig.engine.Status("job-old")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.State != StateFailed {
		t.Fatalf("State = %s, want failed", st.State)
	}
	if err := rig.engine.Clear(ctx, "job-old"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, err := rig.engine.Status("job-old"); !errors.Is(err, ErrNoSuchJob) {
		t.Fatalf("Status after clear err = %v, want ErrNoSuchJob", err)
	}
}

func TestBlockedJobStaysPendingUntilResourcesRelease(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rig := newTestRig(t, 2)
	if err := rig.vols.Create(ctx, "vol-a", 1); err != nil {
		t.Fatalf("seed: %v", err)
	}
	rig.vols.SetData("vol-a", "x")

	// Another live holder owns both volumes exclusively.
	group, err := rig.res.AcquireAll(ctx, []resmgr.Request{
		{Namespace: DefaultNamespace, Name: "vol-a", Mode: resmgr.Exclusive},
		{Namespace: DefaultNamespace, Name: "vol-b", Mode: resmgr.Exclusive},
	})
	if err != nil {
		t.Fatalf("AcquireAll: %v", err)
	}

	id, err := rig.engine.Submit(ctx, TypeCopyData, Params{Source: "vol-a", Dest: "vol-b"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	st, err := rig.engine.Status(id)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.State != StatePending {
		t.Fatalf("State = %s while resources held elsewhere, want pending", st.State)
	}

	group.Release()
	waitState(t, rig.engine, id, StateDone)
}

func TestAbortPendingJob(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rig := newTestRig(t, 2)
	if err := rig.vols.Create(ctx, "vol-a", 1); err != nil {
		t.Fatalf("seed: %v", err)
	}

	lock, err := rig.res.Acquire(ctx, DefaultNamespace, "vol-b", resmgr.Exclusive)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer lock.Release()

	id, err := rig.engine.Submit(ctx, TypeCopyData, Params{Source: "vol-a", Dest: "vol-b"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := rig.engine.Abort(id); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	st := waitState(t, rig.engine, id, StateAborted)
	if len(st.StepsDone) != 0 {
		t.Fatalf("aborted pending job ran steps: %v", st.StepsDone)
	}
	if err := rig.engine.Abort(id); !errors.Is(err, ErrJobNotActive) {
		t.Fatalf("Abort terminal err = %v, want ErrJobNotActive", err)
	}
}

func TestTransientFailuresRetryWithRecordedCount(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rig := newTestRig(t, 2)
	if err := rig.vols.Create(ctx, "vol-a", 1); err != nil {
		t.Fatalf("seed: %v", err)
	}
	rig.vols.SetData("vol-a", "x")

	var mu sync.Mutex
	failures := 2
	rig.vols.Hook = func(op, name string) error {
		if op != "Copy" {
			return nil
		}
		mu.Lock()
		defer mu.Unlock()
		if failures > 0 {
			failures--
			return Transient(errors.New("io timeout"))
		}
		return nil
	}

	id, err := rig.engine.Submit(ctx, TypeCopyData, Params{Source: "vol-a", Dest: "vol-b"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	st := waitState(t, rig.engine, id, StateDone)
	if st.StepRetries["copy"] != 2 {
		t.Fatalf("StepRetries = %v, want copy:2", st.StepRetries)
	}
}

func TestStructuralFailureFailsJobWithStepDetail(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rig := newTestRig(t, 2)
	if err := rig.vols.Create(ctx, "vol-a", 1); err != nil {
		t.Fatalf("seed: %v", err)
	}
	rig.vols.Hook = func(op, name string) error {
		if op == "Verify" {
			return errors.New("checksum mismatch")
		}
		return nil
	}

	id, err := rig.engine.Submit(ctx, TypeCopyData, Params{Source: "vol-a", Dest: "vol-b"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	st := waitState(t, rig.engine, id, StateFailed)
	if st.FailedStep != "verify" {
		t.Fatalf("FailedStep = %q, want verify", st.FailedStep)
	}
	if st.Error == "" {
		t.Fatal("Error detail missing on failed job")
	}
	// A failed job releases its locks.
	lock, err := rig.res.Acquire(ctx, DefaultNamespace, "vol-b", resmgr.Exclusive)
	if err != nil {
		t.Fatalf("Acquire after failure: %v", err)
	}
	lock.Release()
}

func TestClearRunningJobFails(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rig := newTestRig(t, 2)

	lock, err := rig.res.Acquire(ctx, DefaultNamespace, "vol-v", resmgr.Exclusive)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	id, err := rig.engine.Submit(ctx, TypeCreateVolume, Params{Volume: "vol-v", SizeBytes: 1})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := rig.engine.Clear(ctx, id); !errors.Is(err, ErrJobNotDone) {
		t.Fatalf("Clear live job err = %v, want ErrJobNotDone", err)
	}
	lock.Release()
	waitState(t, rig.engine, id, StateDone)
	if err := rig.engine.Clear(ctx, id); err != nil {
		t.Fatalf("Clear done job: %v", err)
	}
}

func TestRemainingJobTypes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rig := newTestRig(t, 4)
	for _, name := range []string{"vol-top", "vol-base", "vol-x"} {
		if err := rig.vols.Create(ctx, name, 1); err != nil {
			t.Fatalf("seed %s: %v", name, err)
		}
	}
	rig.vols.SetData("vol-top", "delta")

	cases := []struct {
		typ    Type
		params Params
		check  func() error
	}{
		{TypeMerge, Params{Top: "vol-top", Base: "vol-base"}, func() error {
			if got := rig.vols.Data("vol-base"); got != "delta" {
				return errors.New("merge did not land delta in base: " + got)
			}
			if exists, _ := rig.vols.Exists(ctx, "vol-top"); exists {
				return errors.New("merge left top volume behind")
			}
			return nil
		}},
		{TypeAmendVolume, Params{Volume: "vol-x", Format: "cow2"}, func() error {
			if got := rig.vols.Format("vol-x"); got != "cow2" {
				return errors.New("amend format = " + got)
			}
			return nil
		}},
		{TypeUpdateVolume, Params{Volume: "vol-x", Meta: map[string]string{"gen": "4"}}, nil},
		{TypeIndirectionChange, Params{Volume: "vol-x", Target: "vol-base"}, func() error {
			if got := rig.vols.Target("vol-x"); got != "vol-base" {
				return errors.New("indirection target = " + got)
			}
			return nil
		}},
		{TypeCreateVolume, Params{Volume: "vol-new", SizeBytes: 1 << 10, Meta: map[string]string{"fmt": "raw"}}, func() error {
			if exists, _ := rig.vols.Exists(ctx, "vol-new"); !exists {
				return errors.New("create-volume produced no volume")
			}
			return nil
		}},
	}
	for _, tc := range cases {
		id, err := rig.engine.Submit(ctx, tc.typ, tc.params)
		if err != nil {
			t.Fatalf("Submit %s: %v", tc.typ, err)
		}
		waitState(t, rig.engine, id, StateDone)
		if tc.check != nil {
			if err := tc.check(); err != nil {
				t.Fatalf("%s: %v", tc.typ, err)
			}
		}
	}

	if got := len(rig.engine.Jobs()); got != len(cases) {
		t.Fatalf("Jobs() = %d entries, want %d", got, len(cases))
	}
}
