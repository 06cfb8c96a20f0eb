package main

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/courtatlas/geocurator/internal/config"
	"github.com/courtatlas/geocurator/internal/repair"
	"github.com/courtatlas/geocurator/internal/scheduler"
)

// Job names as they appear in run_log.
const (
	jobImportTick = "import_tick"
	jobAudit      = "coverage_audit"
	jobBackfill   = "backfill"
	jobRepair     = "repair"
	jobCacheSweep = "cache_sweep"
	jobDedupSweep = "dedup_sweep"
	jobQueuePrune = "queue_prune"
	jobMonitor    = "monitor"
)

type jobFunc func(ctx context.Context) (map[string]any, error)

func (e *appEnv) importTick(ctx context.Context) (map[string]any, error) {
	rep, err := e.Runner.Tick(ctx)
	return rep.Metadata(), err
}

func (e *appEnv) coverageAudit(ctx context.Context) (map[string]any, error) {
	rep, err := e.Auditor.Audit(ctx)
	return rep.Metadata(), err
}

func (e *appEnv) backfillRun(ctx context.Context) (map[string]any, error) {
	rep, err := e.Backfill.Run(ctx)
	return rep.Metadata(), err
}

func (e *appEnv) repairRun(opts repair.Options) jobFunc {
	return func(ctx context.Context) (map[string]any, error) {
		rep, err := e.Repairer.Run(ctx, opts)
		return rep.Metadata(), err
	}
}

func (e *appEnv) cacheSweep(ctx context.Context) (map[string]any, error) {
	n, err := e.Cache.Sweep(ctx, cfg.Cache.SweepBatch)
	return map[string]any{"deleted": n}, err
}

func (e *appEnv) dedupSweep(ctx context.Context) (map[string]any, error) {
	res, err := e.Deduper.Sweep(ctx, cfg.Dedup.Window, cfg.Dedup.MaxFixes)
	return map[string]any{"scanned": res.Scanned, "groups": res.Groups, "fixed": res.Fixed}, err
}

// queuePrune drops stale pending submissions and finished backlog tasks.
func (e *appEnv) queuePrune(ctx context.Context) (map[string]any, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -max(cfg.Queue.StaleDays, 1))
	submissions, err := e.Submission.PruneStale(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	tasks, err := e.Coverage.PruneDone(ctx, cutoff)
	return map[string]any{"submissions": submissions, "backlog_tasks": tasks}, err
}

func (e *appEnv) monitorCheck(ctx context.Context) (map[string]any, error) {
	return e.Monitor.Check(ctx)
}

// scheduledJobs maps the schedule section onto env's jobs.
func scheduledJobs(e *appEnv, sc config.ScheduleConfig, rc config.RepairConfig) []scheduler.Job {
	repairOpts := repairDefaults(rc)
	return []scheduler.Job{
		{Name: jobImportTick, Spec: sc.ImportTick, Timeout: e.leaseBound, Run: e.importTick},
		{Name: jobAudit, Spec: sc.Audit, Timeout: 30 * time.Minute, Run: e.coverageAudit},
		{Name: jobBackfill, Spec: sc.Backfill, Timeout: e.leaseBound, Run: e.backfillRun},
		{Name: jobRepair, Spec: sc.Repair, Timeout: repairOpts.TimeBudget + time.Minute, Run: e.repairRun(repairOpts)},
		{Name: jobCacheSweep, Spec: sc.CacheSweep, Run: e.cacheSweep},
		{Name: jobDedupSweep, Spec: sc.DedupSweep, Run: e.dedupSweep},
		{Name: jobQueuePrune, Spec: sc.QueuePrune, Run: e.queuePrune},
		{Name: jobMonitor, Spec: sc.Monitor, Run: e.monitorCheck},
	}
}

// runJob opens an env for mode, runs the job under the run log and prints
// its metadata as JSON.
func runJob(cmd *cobra.Command, mode, job string, pick func(e *appEnv) jobFunc) error {
	ctx := cmd.Context()
	env, err := initEnv(ctx, mode)
	if err != nil {
		return err
	}
	defer env.Close()

	var meta map[string]any
	fn := pick(env)
	runErr := env.Runs.Track(ctx, job, func(ctx context.Context) (map[string]any, error) {
		m, err := fn(ctx)
		meta = m
		return m, err
	})
	if meta != nil {
		if err := printJSON(cmd.OutOrStdout(), meta); err != nil {
			return err
		}
	}
	if runErr != nil {
		return eris.Wrapf(runErr, "%s", job)
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
