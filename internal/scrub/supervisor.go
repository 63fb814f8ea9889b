package scrub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	gocron "github.com/go-co-op/gocron/v2"
	"golang.org/x/sync/errgroup"

	"github.com/Mantanak/hava/internal/model"
	"github.com/Mantanak/hava/internal/topology"
)

// Supervisor owns a hava run: it resolves the device topology, builds
// the runner chain and executes scrub passes, once in manual mode or on
// a schedule in timer mode.
type Supervisor struct {
	cfg         model.Config
	serviceMode bool
	provider    topology.Provider
	runner      Runner
	manager     *SystemdManager
	scheduler   gocron.Scheduler // timer mode only
	trigger     chan struct{}
}

func NewSupervisor(ctx context.Context, cfg model.Config, serviceMode bool) (*Supervisor, error) {
	s := &Supervisor{
		cfg:         cfg,
		serviceMode: serviceMode,
		provider:    topology.Lsblk{Path: cfg.Scrub.Lsblk},
		trigger:     make(chan struct{}, 1),
	}
	s.buildRunner(ctx)

	if cfg.Service.Mode == model.ServiceModeTimer {
		scheduler, err := newTimer(cfg.Service.Schedule, s.Trigger)
		if err != nil {
			if s.manager != nil {
				s.manager.Close()
			}
			return nil, fmt.Errorf("timer mode failed: %w", err)
		}
		s.scheduler = scheduler
	}

	return s, nil
}

// WithProvider replaces the topology provider. This method exists for
// unit testing only.
func (s *Supervisor) WithProvider(p topology.Provider) *Supervisor {
	s.provider = p
	return s
}

// WithRunner replaces the runner chain. This method exists for unit
// testing only.
func (s *Supervisor) WithRunner(r Runner) *Supervisor {
	s.runner = r
	return s
}

// buildRunner wires the service manager strategy with a direct
// invocation fallback. Without a reachable service manager the direct
// strategy stands alone.
func (s *Supervisor) buildRunner(ctx context.Context) {
	direct := ExecRunner{
		Path: s.cfg.Scrub.Binary,
		Args: s.cfg.Scrub.Args,
		Stderr: func(ctx context.Context, line string) {
			slog.InfoContext(ctx, line, "source", "xfs_scrub")
		},
	}

	manager, err := NewSystemdManager(ctx)
	if err != nil {
		slog.WarnContext(ctx, "scrubbing via direct invocation", "error", err)
		s.runner = direct
		return
	}
	s.manager = manager
	s.runner = FallbackRunner{
		Primary: ServiceRunner{
			Manager: manager,
			Unit:    s.cfg.Scrub.Unit,
		},
		Fallback: direct,
	}
}

// Trigger requests a scrub pass. Requests arriving while a pass is
// already queued or running are coalesced.
func (s *Supervisor) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Do executes the supervisor until the work is done (manual mode) or
// ctx is cancelled (timer mode). The returned Result aggregates every
// pass.
func (s *Supervisor) Do(ctx context.Context) (Result, error) {
	defer func() {
		if s.manager != nil {
			s.manager.Close()
		}
	}()

	if s.scheduler == nil {
		return s.pass(ctx), nil
	}

	s.scheduler.Start()
	defer func() {
		if err := s.scheduler.Shutdown(); err != nil {
			slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
		}
	}()

	var total Result
	for {
		select {
		case <-ctx.Done():
			return total, nil
		case <-s.trigger:
			res := s.pass(ctx)
			total.Code |= res.Code
			total.Unable = append(total.Unable, res.Unable...)
		}
	}
}

// pass runs one full scrub pass: resolve the topology and schedule a
// job per mountpoint, with the journal follower alongside when running
// interactively.
func (s *Supervisor) pass(ctx context.Context) Result {
	fs := topology.Resolve(ctx, s.provider, s.cfg.Scrub.FSType)
	if len(fs) == 0 {
		slog.InfoContext(ctx, "no filesystems to scrub", "fstype", s.cfg.Scrub.FSType)
		return Result{}
	}

	passCtx, done := context.WithCancel(ctx)
	defer done()

	var res Result
	var g errgroup.Group
	g.Go(func() error {
		res = NewScheduler(fs, s.runner).Run(passCtx)
		done() // winds down the journal follower
		return nil
	})
	if !s.serviceMode {
		g.Go(func() error {
			followJournal(passCtx, s.cfg.Scrub.Unit)
			return nil
		})
	}
	_ = g.Wait() // goroutines do not return an error
	return res
}

func newTimer(cfgp *model.TimerSchedule, startFunc func()) (gocron.Scheduler, error) {
	if cfgp == nil {
		return nil, errors.New("service.schedule is nil")
	}
	cfg := *cfgp

	var job gocron.JobDefinition
	switch {
	case cfg.Cron != "":
		if err := model.ParseCron(cfg.Cron); err != nil {
			return nil, fmt.Errorf("parsing service.schedule.cron: %w", err)
		}
		job = gocron.CronJob(cfg.Cron, false)
	case cfg.Duration != "":
		d, err := model.ParseISODuration(cfg.Duration)
		if err != nil {
			return nil, fmt.Errorf("parsing service.schedule.duration: %w", err)
		}
		job = gocron.DurationJob(d)
	default:
		return nil, errors.New("both cron and duration are empty")
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	if _, err := scheduler.NewJob(job, gocron.NewTask(startFunc)); err != nil {
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return scheduler, nil
}
