package scrub

// Package scrub schedules and executes filesystem scrub jobs.
//
// Overview
// The Supervisor owns a run. It resolves the mountpoint to disk mapping
// through internal/topology, builds a Runner chain and hands both to a
// Scheduler, once per pass.
//
// The Scheduler is the core state machine. It holds the pending
// mountpoints, the set of claimed disks and a registry of stop
// capabilities, all behind one mutex/condition pair. A mountpoint is
// launched only when none of its disks are claimed; its disks are
// released exactly once when the job reports completion.
//
// A Runner executes one job. ServiceRunner delegates to systemd over
// D-Bus under a per-mountpoint unit name and polls the unit state when
// the start result is ambiguous. ExecRunner spawns the scrub tool
// directly. FallbackRunner chains them: direct invocation is used only
// when the service manager path could not be attempted.
//
// Data flow:
//
//   Supervisor             Scheduler                Runner
//       |                      |                       |
//   pass -> topology.Resolve   |                       |
//       |-- Run(topology) ---->| launch disjoint ----->| Run(ctx, mnt)
//       |                      |   jobs                | systemd start/poll
//       |                      |                       |  or exec + wait
//       |                      |<---- Status ----------| (job ends)
//       |<------ Result -------|                       |
//
// Cancellation is cooperative. A termination signal cancels the run
// context; the Scheduler stops launching, invokes every registered stop
// capability (stop the unit, SIGTERM the process) and keeps waiting
// until all running jobs have reported completion. Cancelling twice is
// a no-op.
//
// Invariants:
//   - One job per mountpoint, launched exactly once.
//   - Jobs sharing a disk never run concurrently.
//   - A job's disks are released exactly once, on every completion path.
//   - The aggregate code is the bitwise OR of the job statuses; jobs
//     that could not start are recorded separately and free their disks.
