package scrub_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Mantanak/hava/internal/scrub"
	"github.com/Mantanak/hava/internal/topology"
)

// recordingRunner completes every job immediately with a configured
// status or error.
type recordingRunner struct {
	mu      sync.Mutex
	started []string
	status  map[string]scrub.Status
	errs    map[string]error
}

func (r *recordingRunner) Run(_ context.Context, mnt string) (scrub.Status, error) {
	r.mu.Lock()
	r.started = append(r.started, mnt)
	r.mu.Unlock()
	if err := r.errs[mnt]; err != nil {
		return scrub.StatusUnableToRun, err
	}
	return r.status[mnt], nil
}

func (r *recordingRunner) startedMounts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.started...)
}

// manualRunner blocks every job until the test completes it, so tests
// can observe which jobs run concurrently.
type manualRunner struct {
	mu      sync.Mutex
	release map[string]chan scrub.Status
	stopped map[string]int
	begun   chan string
}

func newManualRunner() *manualRunner {
	return &manualRunner{
		release: make(map[string]chan scrub.Status),
		stopped: make(map[string]int),
		begun:   make(chan string, 16),
	}
}

func (r *manualRunner) Run(ctx context.Context, mnt string) (scrub.Status, error) {
	r.mu.Lock()
	ch := make(chan scrub.Status, 1)
	r.release[mnt] = ch
	r.mu.Unlock()
	r.begun <- mnt

	select {
	case status := <-ch:
		return status, nil
	case <-ctx.Done():
		r.mu.Lock()
		r.stopped[mnt]++
		r.mu.Unlock()
		<-ch // the scheduler must keep waiting until the job actually ends
		return scrub.StatusClean, ctx.Err()
	}
}

func (r *manualRunner) complete(t *testing.T, mnt string, status scrub.Status) {
	t.Helper()
	r.mu.Lock()
	ch, ok := r.release[mnt]
	r.mu.Unlock()
	require.True(t, ok, "job %s never started", mnt)
	ch <- status
}

func (r *manualRunner) stopCalls(mnt string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped[mnt]
}

func waitBegun(t *testing.T, r *manualRunner) string {
	t.Helper()
	select {
	case mnt := <-r.begun:
		return mnt
	case <-time.After(2 * time.Second):
		t.Fatal("no job started in time")
		return ""
	}
}

func requireNoneBegun(t *testing.T, r *manualRunner) {
	t.Helper()
	select {
	case mnt := <-r.begun:
		t.Fatalf("unexpected job started: %s", mnt)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSchedulerRunsEachMountpointOnce(t *testing.T) {
	t.Parallel()
	fs := topology.Map{
		"/":       topology.NewSet("sda"),
		"/srv":    topology.NewSet("sda"),
		"/mnt/a":  topology.NewSet("sdb"),
		"/mnt/md": topology.NewSet("sdc", "sdd"),
	}
	runner := &recordingRunner{status: map[string]scrub.Status{}}

	res := scrub.NewScheduler(fs, runner).Run(t.Context())

	require.ElementsMatch(t, []string{"/", "/srv", "/mnt/a", "/mnt/md"}, runner.startedMounts())
	require.Equal(t, 0, res.Code)
	require.Empty(t, res.Unable)
}

func TestSchedulerAggregatesStatuses(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		status map[string]scrub.Status
		want   int
	}{
		{"all clean", map[string]scrub.Status{"/a": 0, "/b": 0}, 0},
		{"one finding", map[string]scrub.Status{"/a": 0, "/b": 1}, 1},
		{"bits are ORed", map[string]scrub.Status{"/a": 5, "/b": 2}, 7},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			fs := topology.Map{}
			for mnt := range tc.status {
				fs[mnt] = topology.NewSet(topology.DeviceID("dev-" + mnt))
			}
			runner := &recordingRunner{status: tc.status}
			res := scrub.NewScheduler(fs, runner).Run(t.Context())
			require.Equal(t, tc.want, res.Code)
		})
	}
}

func TestSchedulerRecordsUnableToRun(t *testing.T) {
	t.Parallel()
	fs := topology.Map{
		"/a": topology.NewSet("sda"),
		"/b": topology.NewSet("sdb"),
	}
	runner := &recordingRunner{
		status: map[string]scrub.Status{"/b": scrub.StatusClean},
		errs:   map[string]error{"/a": errors.New("no scrub tool")},
	}

	res := scrub.NewScheduler(fs, runner).Run(t.Context())

	// the failed start frees its devices and does not poison the code
	require.Equal(t, []string{"/a"}, res.Unable)
	require.Equal(t, 0, res.Code)
	require.ElementsMatch(t, []string{"/a", "/b"}, runner.startedMounts())
}

func TestSchedulerSharedDiskNeverOverlaps(t *testing.T) {
	t.Parallel()
	fs := topology.Map{
		"/a": topology.NewSet("sda"),
		"/b": topology.NewSet("sda"),
	}
	runner := newManualRunner()
	sched := scrub.NewScheduler(fs, runner)

	done := make(chan scrub.Result, 1)
	go func() { done <- sched.Run(context.Background()) }()

	first := waitBegun(t, runner)
	requireNoneBegun(t, runner) // same disk, must wait

	runner.complete(t, first, scrub.StatusClean)
	second := waitBegun(t, runner)
	require.NotEqual(t, first, second)
	runner.complete(t, second, scrub.StatusFindings)

	res := <-done
	require.Equal(t, 1, res.Code)
}

func TestSchedulerDisjointDisksRunConcurrently(t *testing.T) {
	t.Parallel()
	fs := topology.Map{
		"/a": topology.NewSet("sda"),
		"/b": topology.NewSet("sdb"),
	}
	runner := newManualRunner()
	sched := scrub.NewScheduler(fs, runner)

	done := make(chan scrub.Result, 1)
	go func() { done <- sched.Run(context.Background()) }()

	// both jobs must be in flight before either completes
	first := waitBegun(t, runner)
	second := waitBegun(t, runner)
	require.ElementsMatch(t, []string{"/a", "/b"}, []string{first, second})

	runner.complete(t, first, scrub.StatusClean)
	runner.complete(t, second, scrub.StatusClean)
	res := <-done
	require.Equal(t, 0, res.Code)
}

func TestSchedulerCancellation(t *testing.T) {
	t.Parallel()
	fs := topology.Map{
		"/a": topology.NewSet("sda"),
		"/b": topology.NewSet("sda"), // pending while /a runs
	}
	runner := newManualRunner()
	sched := scrub.NewScheduler(fs, runner)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan scrub.Result, 1)
	go func() { done <- sched.Run(ctx) }()

	first := waitBegun(t, runner)
	cancel()

	// the running job got a stop request, the pending one never starts
	require.Eventually(t, func() bool { return runner.stopCalls(first) == 1 },
		2*time.Second, 10*time.Millisecond)
	requireNoneBegun(t, runner)

	// the scheduler returns only once the stopped job reports completion
	select {
	case <-done:
		t.Fatal("scheduler returned before the running job completed")
	case <-time.After(100 * time.Millisecond):
	}

	runner.complete(t, first, scrub.StatusClean)
	select {
	case res := <-done:
		require.Equal(t, 0, res.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not return after cancellation")
	}
}

func TestSchedulerDoubleCancelIdempotent(t *testing.T) {
	t.Parallel()
	fs := topology.Map{
		"/a": topology.NewSet("sda"),
	}
	runner := newManualRunner()
	sched := scrub.NewScheduler(fs, runner)

	done := make(chan scrub.Result, 1)
	go func() { done <- sched.Run(context.Background()) }()

	first := waitBegun(t, runner)
	sched.Cancel()
	sched.Cancel() // second cancel has no additional effect

	require.Eventually(t, func() bool { return runner.stopCalls(first) == 1 },
		2*time.Second, 10*time.Millisecond)

	runner.complete(t, first, scrub.StatusClean)
	res := <-done
	require.Equal(t, 0, res.Code)
	require.Equal(t, 1, runner.stopCalls(first))
}
