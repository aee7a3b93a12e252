package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"reconbatch/internal/backend"
	"reconbatch/internal/graph"
	"reconbatch/internal/job"
	"reconbatch/internal/store"
)

// MockBackend implements backend.Backend for testing.
type MockBackend struct {
	mu         sync.Mutex
	SubmitFunc func(ctx context.Context, j *job.Job) (backend.Handle, error)
	Submits    []string
}

func (m *MockBackend) Submit(ctx context.Context, j *job.Job) (backend.Handle, error) {
	m.mu.Lock()
	m.Submits = append(m.Submits, j.ID)
	m.mu.Unlock()
	if m.SubmitFunc != nil {
		return m.SubmitFunc(ctx, j)
	}
	return &MockHandle{}, nil
}

func (m *MockBackend) Name() string { return "mock" }

func (m *MockBackend) submitCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Submits)
}

// MockHandle implements backend.Handle for testing.
type MockHandle struct {
	WaitFunc   func(ctx context.Context) (backend.ExitResult, error)
	CancelFunc func(ctx context.Context) error
}

func (m *MockHandle) Wait(ctx context.Context) (backend.ExitResult, error) {
	if m.WaitFunc != nil {
		return m.WaitFunc(ctx)
	}
	return backend.ExitResult{ExitCode: 0}, nil
}

func (m *MockHandle) Cancel(ctx context.Context) error {
	if m.CancelFunc != nil {
		return m.CancelFunc(ctx)
	}
	return nil
}

func (m *MockHandle) Logs(ctx context.Context) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

// MockMerger implements Merger for testing.
type MockMerger struct {
	mu        sync.Mutex
	MergeFunc func(ctx context.Context, j *job.Job) error
	Merged    []string
}

func (m *MockMerger) Merge(ctx context.Context, j *job.Job) error {
	m.mu.Lock()
	m.Merged = append(m.Merged, j.ID)
	m.mu.Unlock()
	if m.MergeFunc != nil {
		return m.MergeFunc(ctx, j)
	}
	return nil
}

// MockPlanner implements Planner for testing.
type MockPlanner struct {
	OverridesFunc func(item job.WorkItem) map[string]graph.Param
}

func (m *MockPlanner) Overrides(item job.WorkItem) map[string]graph.Param {
	if m.OverridesFunc != nil {
		return m.OverridesFunc(item)
	}
	return map[string]graph.Param{
		"source": graph.Path("/data/" + item.ID + ".laz"),
	}
}

func (m *MockPlanner) Artifacts(item job.WorkItem) []job.OutputArtifact {
	return []job.OutputArtifact{{
		Name:      "mesh",
		Path:      "/out/" + item.ID + "/mesh.gpkg",
		Container: "/out/city.gpkg",
		Layer:     "mesh_" + item.ID,
		Format:    "gpkg",
		Mode:      job.WriteAppendLayer,
	}}
}

// MemStore is an in-memory store.Store for testing.
type MemStore struct {
	mu       sync.Mutex
	outcomes map[string]store.Outcome
}

func NewMemStore() *MemStore {
	return &MemStore{outcomes: make(map[string]store.Outcome)}
}

func (s *MemStore) RecordOutcome(ctx context.Context, o *store.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := *o
	rec.UpdatedAt = time.Now()
	s.outcomes[o.JobID] = rec
	return nil
}

func (s *MemStore) GetOutcome(ctx context.Context, jobID string) (*store.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.outcomes[jobID]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

func (s *MemStore) ListOutcomes(ctx context.Context) ([]store.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Outcome, 0, len(s.outcomes))
	for _, o := range s.outcomes {
		out = append(out, o)
	}
	return out, nil
}

func (s *MemStore) Close() error { return nil }

func testTemplate(t *testing.T) *graph.Graph {
	t.Helper()
	nodes := []graph.Node{
		{
			ID:      "read",
			Type:    "reader",
			Params:  map[string]graph.Param{"source": graph.Path("/data/template.laz")},
			Outputs: []string{"cloud"},
			PerJob:  []string{"source"},
		},
		{
			ID:     "write",
			Type:   "writer",
			Params: map[string]graph.Param{"method": graph.GlobalRef("method")},
			Inputs: map[string][]graph.PortRef{
				"in": {{Node: "read", Port: "cloud"}},
			},
		},
	}
	globals := map[string]graph.Param{"method": graph.String("poisson")}
	g, err := graph.New(nodes, globals)
	if err != nil {
		t.Fatalf("build template graph: %v", err)
	}
	return g
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOptions(t *testing.T) Options {
	return Options{
		Concurrency: 2,
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
		WorkDir:     t.TempDir(),
	}
}

func newTestOrchestrator(t *testing.T, be backend.Backend, m Merger, st store.Store, opts Options) *Orchestrator {
	t.Helper()
	o, err := New(testTemplate(t), be, m, st, &MockPlanner{}, discardLogger(), opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return o
}

func items(ids ...string) []job.WorkItem {
	out := make([]job.WorkItem, 0, len(ids))
	for _, id := range ids {
		out = append(out, job.WorkItem{ID: id})
	}
	return out
}

func TestNew_RejectsBadOptions(t *testing.T) {
	tpl := testTemplate(t)
	if _, err := New(tpl, &MockBackend{}, nil, nil, &MockPlanner{}, discardLogger(), Options{Concurrency: 0, MaxAttempts: 1}); err == nil {
		t.Error("expected error for zero concurrency, got nil")
	}
	if _, err := New(tpl, &MockBackend{}, nil, nil, &MockPlanner{}, discardLogger(), Options{Concurrency: 1, MaxAttempts: 0}); err == nil {
		t.Error("expected error for zero max attempts, got nil")
	}
}

func TestRun_AllSucceed(t *testing.T) {
	be := &MockBackend{}
	merger := &MockMerger{}
	o := newTestOrchestrator(t, be, merger, nil, testOptions(t))

	ctx := context.Background()
	if err := o.Enqueue(ctx, items("bldg-1", "bldg-2", "bldg-3")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	report, err := o.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !report.OK() {
		t.Errorf("report not OK: exhausted=%v consolidation=%v", report.Exhausted, report.ConsolidationFailed)
	}
	if got := report.Counts[job.StatusSucceeded]; got != 3 {
		t.Errorf("got %d succeeded, want 3", got)
	}
	if got := be.submitCount(); got != 3 {
		t.Errorf("got %d submissions, want 3", got)
	}
	if len(merger.Merged) != 3 {
		t.Errorf("got %d merges, want 3", len(merger.Merged))
	}
}

func TestEnqueue_DuplicateItemIsIgnored(t *testing.T) {
	be := &MockBackend{}
	o := newTestOrchestrator(t, be, nil, nil, testOptions(t))

	ctx := context.Background()
	if err := o.Enqueue(ctx, items("bldg-1", "bldg-1")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	report, err := o.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := report.Counts[job.StatusSucceeded]; got != 1 {
		t.Errorf("got %d succeeded, want 1", got)
	}
	if got := be.submitCount(); got != 1 {
		t.Errorf("got %d submissions, want 1", got)
	}
}

func TestEnqueue_SkipsJobRecordedSucceeded(t *testing.T) {
	st := NewMemStore()
	attempts := 2
	if err := st.RecordOutcome(context.Background(), &store.Outcome{
		JobID:    "bldg-1",
		Status:   string(job.StatusSucceeded),
		Attempts: attempts,
	}); err != nil {
		t.Fatalf("seed outcome: %v", err)
	}

	be := &MockBackend{}
	o := newTestOrchestrator(t, be, nil, st, testOptions(t))

	ctx := context.Background()
	if err := o.Enqueue(ctx, items("bldg-1")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	status, err := o.Status("bldg-1")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status != job.StatusSucceeded {
		t.Errorf("got status %s, want %s before Run", status, job.StatusSucceeded)
	}

	report, err := o.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := be.submitCount(); got != 0 {
		t.Errorf("got %d submissions, want 0 for a job recorded as succeeded", got)
	}
	if got := report.Counts[job.StatusSucceeded]; got != 1 {
		t.Errorf("got %d succeeded, want 1", got)
	}
}

func TestRun_RetriesThenSucceeds(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	be := &MockBackend{}
	be.SubmitFunc = func(ctx context.Context, j *job.Job) (backend.Handle, error) {
		mu.Lock()
		calls++
		failing := calls == 1
		mu.Unlock()
		if failing {
			return &MockHandle{WaitFunc: func(ctx context.Context) (backend.ExitResult, error) {
				return backend.ExitResult{
					ExitCode: 1,
					Err:      &backend.ExecutionError{JobID: j.ID, ExitCode: 1, Reason: "tool crashed"},
				}, nil
			}}, nil
		}
		return &MockHandle{}, nil
	}

	o := newTestOrchestrator(t, be, nil, nil, testOptions(t))

	ctx := context.Background()
	if err := o.Enqueue(ctx, items("bldg-1")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	report, err := o.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !report.OK() {
		t.Errorf("report not OK after retry: %+v", report)
	}
	if got := be.submitCount(); got != 2 {
		t.Errorf("got %d submissions, want 2", got)
	}
}

func TestRun_ExhaustsAfterMaxAttempts(t *testing.T) {
	be := &MockBackend{}
	be.SubmitFunc = func(ctx context.Context, j *job.Job) (backend.Handle, error) {
		return &MockHandle{WaitFunc: func(ctx context.Context) (backend.ExitResult, error) {
			return backend.ExitResult{
				ExitCode: 2,
				Err:      &backend.ExecutionError{JobID: j.ID, ExitCode: 2, Reason: "mesh step failed"},
			}, nil
		}}, nil
	}

	st := NewMemStore()
	opts := testOptions(t)
	opts.MaxAttempts = 2
	o := newTestOrchestrator(t, be, nil, st, opts)

	ctx := context.Background()
	if err := o.Enqueue(ctx, items("bldg-1")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	report, err := o.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.OK() {
		t.Error("report OK, want failure")
	}
	if got := be.submitCount(); got != 2 {
		t.Errorf("got %d submissions, want 2", got)
	}
	if len(report.Exhausted) != 1 || report.Exhausted[0].JobID != "bldg-1" {
		t.Fatalf("got exhausted %+v, want bldg-1", report.Exhausted)
	}
	var ee *backend.ExecutionError
	if !errors.As(report.Exhausted[0].Err, &ee) {
		t.Errorf("got error %v, want ExecutionError", report.Exhausted[0].Err)
	}

	rec, err := st.GetOutcome(ctx, "bldg-1")
	if err != nil {
		t.Fatalf("GetOutcome failed: %v", err)
	}
	if rec == nil || rec.Status != string(job.StatusExhausted) {
		t.Errorf("got recorded outcome %+v, want exhausted", rec)
	}
	if rec != nil && rec.Attempts != 2 {
		t.Errorf("got recorded attempts %d, want 2", rec.Attempts)
	}
}

func TestRun_SubmissionErrorIsRetryable(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	be := &MockBackend{}
	be.SubmitFunc = func(ctx context.Context, j *job.Job) (backend.Handle, error) {
		mu.Lock()
		calls++
		failing := calls == 1
		mu.Unlock()
		if failing {
			return nil, &backend.SubmissionError{Backend: "mock", Err: errors.New("scheduler unreachable")}
		}
		return &MockHandle{}, nil
	}

	o := newTestOrchestrator(t, be, nil, nil, testOptions(t))

	ctx := context.Background()
	if err := o.Enqueue(ctx, items("bldg-1")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	report, err := o.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !report.OK() {
		t.Errorf("report not OK after submission retry: %+v", report)
	}
	if got := be.submitCount(); got != 2 {
		t.Errorf("got %d submissions, want 2", got)
	}
}

func TestRun_TimeoutIsRetryableFailure(t *testing.T) {
	be := &MockBackend{}
	be.SubmitFunc = func(ctx context.Context, j *job.Job) (backend.Handle, error) {
		// The attempt never finishes on its own; only the wall-clock
		// budget ends it.
		return &MockHandle{WaitFunc: func(ctx context.Context) (backend.ExitResult, error) {
			<-ctx.Done()
			return backend.ExitResult{ExitCode: -1, Err: ctx.Err()}, ctx.Err()
		}}, nil
	}

	opts := testOptions(t)
	opts.MaxAttempts = 2
	opts.JobTimeout = 20 * time.Millisecond
	o := newTestOrchestrator(t, be, nil, nil, opts)

	ctx := context.Background()
	if err := o.Enqueue(ctx, items("bldg-1")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	report, err := o.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if got := be.submitCount(); got != 2 {
		t.Errorf("got %d submissions, want 2; a timed-out attempt must be retried", got)
	}
	if len(report.Exhausted) != 1 || report.Exhausted[0].JobID != "bldg-1" {
		t.Fatalf("got exhausted %+v, want bldg-1", report.Exhausted)
	}
	if !errors.Is(report.Exhausted[0].Err, context.DeadlineExceeded) {
		t.Errorf("got error %v, want deadline exceeded", report.Exhausted[0].Err)
	}
	if got := report.Counts[job.StatusExhausted]; got != 1 {
		t.Errorf("got %d exhausted, want 1", got)
	}
}

func TestEnqueue_ResolveFailureExhaustsWithoutBackendCall(t *testing.T) {
	be := &MockBackend{}
	st := NewMemStore()
	planner := &MockPlanner{
		OverridesFunc: func(item job.WorkItem) map[string]graph.Param {
			return map[string]graph.Param{"no_such_param": graph.String("x")}
		},
	}
	o, err := New(testTemplate(t), be, nil, st, planner, discardLogger(), testOptions(t))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx := context.Background()
	if err := o.Enqueue(ctx, items("bldg-1")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	report, err := o.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := be.submitCount(); got != 0 {
		t.Errorf("got %d submissions, want 0 for a templating failure", got)
	}
	if len(report.Exhausted) != 1 {
		t.Fatalf("got exhausted %+v, want one entry", report.Exhausted)
	}
	rec, err := st.GetOutcome(ctx, "bldg-1")
	if err != nil {
		t.Fatalf("GetOutcome failed: %v", err)
	}
	if rec == nil || rec.Status != string(job.StatusExhausted) {
		t.Errorf("got recorded outcome %+v, want exhausted", rec)
	}
}

func TestRun_ConsolidationFailureDoesNotDemoteJob(t *testing.T) {
	be := &MockBackend{}
	merger := &MockMerger{
		MergeFunc: func(ctx context.Context, j *job.Job) error {
			return errors.New("layer name collision")
		},
	}
	o := newTestOrchestrator(t, be, merger, nil, testOptions(t))

	ctx := context.Background()
	if err := o.Enqueue(ctx, items("bldg-1")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	report, err := o.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := report.Counts[job.StatusSucceeded]; got != 1 {
		t.Errorf("got %d succeeded, want 1; consolidation must not demote the job", got)
	}
	if len(report.ConsolidationFailed) != 1 || report.ConsolidationFailed[0].JobID != "bldg-1" {
		t.Fatalf("got consolidation failures %+v, want bldg-1", report.ConsolidationFailed)
	}
	if report.OK() {
		t.Error("report OK, want consolidation failure to surface")
	}
	if got := be.submitCount(); got != 1 {
		t.Errorf("got %d submissions, want 1; a merge failure must not consume a retry", got)
	}
}

func TestRun_ConcurrencyBound(t *testing.T) {
	var mu sync.Mutex
	running, peak := 0, 0

	be := &MockBackend{}
	be.SubmitFunc = func(ctx context.Context, j *job.Job) (backend.Handle, error) {
		return &MockHandle{WaitFunc: func(ctx context.Context) (backend.ExitResult, error) {
			mu.Lock()
			running++
			if running > peak {
				peak = running
			}
			mu.Unlock()
			time.Sleep(20 * time.Millisecond)
			mu.Lock()
			running--
			mu.Unlock()
			return backend.ExitResult{ExitCode: 0}, nil
		}}, nil
	}

	opts := testOptions(t)
	opts.Concurrency = 2
	o := newTestOrchestrator(t, be, nil, nil, opts)

	ctx := context.Background()
	if err := o.Enqueue(ctx, items("b-1", "b-2", "b-3", "b-4", "b-5", "b-6")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	report, err := o.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !report.OK() {
		t.Fatalf("report not OK: %+v", report)
	}

	mu.Lock()
	defer mu.Unlock()
	if peak > 2 {
		t.Errorf("observed %d concurrent attempts, want at most 2", peak)
	}
}

func TestCancel_PendingJob(t *testing.T) {
	be := &MockBackend{}
	o := newTestOrchestrator(t, be, nil, nil, testOptions(t))

	ctx := context.Background()
	if err := o.Enqueue(ctx, items("bldg-1")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := o.Cancel(ctx, "bldg-1", "operator abort"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	status, err := o.Status("bldg-1")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status != job.StatusExhausted {
		t.Errorf("got status %s, want %s", status, job.StatusExhausted)
	}

	report, err := o.Run(ctx)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := be.submitCount(); got != 0 {
		t.Errorf("got %d submissions, want 0 for a cancelled pending job", got)
	}
	if len(report.Exhausted) != 1 {
		t.Errorf("got exhausted %+v, want the cancelled job", report.Exhausted)
	}
}

func TestCancel_RunningJob(t *testing.T) {
	release := make(chan struct{})
	be := &MockBackend{}
	be.SubmitFunc = func(ctx context.Context, j *job.Job) (backend.Handle, error) {
		return &MockHandle{
			WaitFunc: func(ctx context.Context) (backend.ExitResult, error) {
				<-release
				return backend.ExitResult{ExitCode: 137, Err: &backend.ExecutionError{
					JobID: j.ID, ExitCode: 137, Reason: "killed",
				}}, nil
			},
			CancelFunc: func(ctx context.Context) error {
				close(release)
				return nil
			},
		}, nil
	}

	o := newTestOrchestrator(t, be, nil, nil, testOptions(t))

	ctx := context.Background()
	if err := o.Enqueue(ctx, items("bldg-1")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	done := make(chan *Report, 1)
	go func() {
		report, _ := o.Run(ctx)
		done <- report
	}()

	// Wait for the attempt to reach Running, then cancel it.
	deadline := time.After(5 * time.Second)
	for {
		status, err := o.Status("bldg-1")
		if err != nil {
			t.Fatalf("Status failed: %v", err)
		}
		if status == job.StatusRunning {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("job never reached running, status %s", status)
		case <-time.After(time.Millisecond):
		}
	}
	if err := o.Cancel(ctx, "bldg-1", "operator abort"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	var report *Report
	select {
	case report = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not finish after cancellation")
	}

	if got := be.submitCount(); got != 1 {
		t.Errorf("got %d submissions, want 1; a cancelled job must not be redispatched", got)
	}
	if len(report.Exhausted) != 1 {
		t.Fatalf("got exhausted %+v, want the cancelled job", report.Exhausted)
	}
	if msg := report.Exhausted[0].Err.Error(); !strings.Contains(msg, "operator abort") {
		t.Errorf("got error %q, want cancellation reason preserved", msg)
	}
}

func TestCancel_UnknownJob(t *testing.T) {
	o := newTestOrchestrator(t, &MockBackend{}, nil, nil, testOptions(t))
	if err := o.Cancel(context.Background(), "nope", ""); err == nil {
		t.Error("expected error for unknown job, got nil")
	}
}

func TestBackoff_DoublesAndCaps(t *testing.T) {
	o := newTestOrchestrator(t, &MockBackend{}, nil, nil, Options{
		Concurrency: 1,
		MaxAttempts: 10,
		BackoffBase: time.Second,
		MaxBackoff:  5 * time.Second,
		WorkDir:     t.TempDir(),
	})

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second},
		{9, 5 * time.Second},
	}
	for _, tc := range cases {
		if got := o.backoff(tc.attempt); got != tc.want {
			t.Errorf("backoff(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestRetryable(t *testing.T) {
	if retryable(&graph.ValidationError{}) {
		t.Error("graph validation errors must not be retried")
	}
	if !retryable(&backend.ExecutionError{JobID: "j", ExitCode: 1, Reason: "boom"}) {
		t.Error("execution errors must be retried")
	}
	if !retryable(errors.New("transient")) {
		t.Error("unclassified errors must be retried")
	}
}
