package scrub

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/Mantanak/hava/internal/topology"
)

// Scheduler runs one scrub job per mountpoint, never running two jobs
// that share a physical disk at the same time. Jobs on disjoint disks
// run in parallel. There is no ordering guarantee beyond that.
//
// All state lives behind a single mutex/condition pair. Job goroutines
// touch it only to report completion; they block on the runner without
// holding the lock.
type Scheduler struct {
	runner Runner

	mu        sync.Mutex
	cond      *sync.Cond
	pending   topology.Map
	claimed   topology.Set                     // disks held by in-flight jobs
	active    map[uuid.UUID]context.CancelFunc // stop capabilities per job
	inflight  int
	cancelled bool

	code   int      // bitwise OR of job statuses
	unable []string // mountpoints whose job could not be started
}

// Result is the aggregate outcome of a scheduler run.
type Result struct {
	// Code is the bitwise OR of all job statuses, floor 0.
	Code int
	// Unable lists mountpoints that could not be scrubbed at all. They
	// do not contribute to Code.
	Unable []string
}

func NewScheduler(fs topology.Map, runner Runner) *Scheduler {
	s := &Scheduler{
		runner:  runner,
		pending: make(topology.Map, len(fs)),
		claimed: make(topology.Set),
		active:  make(map[uuid.UUID]context.CancelFunc),
	}
	maps.Copy(s.pending, fs)
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Run launches every mountpoint exactly once and blocks until all jobs
// have completed. Cancelling ctx stops launching, asks running jobs to
// stop and still waits for them to report completion.
func (s *Scheduler) Run(ctx context.Context) Result {
	unhook := context.AfterFunc(ctx, s.Cancel)
	defer unhook()

	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if !s.cancelled {
			s.launchRunnable(ctx)
		}
		if s.inflight == 0 && (len(s.pending) == 0 || s.cancelled) {
			break
		}
		s.cond.Wait()
	}

	code := s.code
	if code < 0 {
		code = 0
	}
	return Result{Code: code, Unable: slices.Clone(s.unable)}
}

// launchRunnable starts every pending mountpoint whose disks are all
// free. When nothing is running the first pick is unconditional; map
// iteration makes the order arbitrary. Called with s.mu held.
func (s *Scheduler) launchRunnable(ctx context.Context) {
	for mnt, devs := range s.pending {
		if len(s.claimed) > 0 && devs.Overlaps(s.claimed) {
			continue
		}
		delete(s.pending, mnt)
		for d := range devs {
			s.claimed.Add(d)
		}
		s.launch(ctx, mnt, devs)
	}
}

// launch claims a job slot and spawns its goroutine. Called with s.mu
// held.
func (s *Scheduler) launch(ctx context.Context, mnt string, devs topology.Set) {
	id := uuid.New()
	jobCtx, stop := context.WithCancel(ctx)
	s.active[id] = stop
	s.inflight++

	slog.InfoContext(ctx, "scrubbing", "mountpoint", mnt, "devices", slices.Sorted(maps.Keys(devs)))
	go s.runJob(jobCtx, stop, id, mnt, devs)
}

// runJob executes one job and reports its completion. The devices are
// released exactly once, on whatever path the job ends.
func (s *Scheduler) runJob(ctx context.Context, stop context.CancelFunc, id uuid.UUID, mnt string, devs topology.Set) {
	status, err := s.runner.Run(ctx, mnt)
	stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.active, id) // may already be gone after Cancel, that is fine
	for d := range devs {
		delete(s.claimed, d)
	}
	s.inflight--

	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		slog.InfoContext(ctx, "scrub cancelled", "mountpoint", mnt)
	case err != nil || status < 0:
		slog.ErrorContext(ctx, "unable to run scrub", "mountpoint", mnt, "error", err)
		s.unable = append(s.unable, mnt)
	default:
		slog.InfoContext(ctx, "scrub done", "mountpoint", mnt, "status", int(status))
		s.code |= int(status)
	}

	s.cond.Broadcast()
}

// Cancel stops launching new jobs and invokes the stop capability of
// every running one. Calling it again has no effect.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancelled {
		return
	}
	s.cancelled = true
	for _, stop := range s.active {
		stop()
	}
	s.cond.Broadcast()
}
