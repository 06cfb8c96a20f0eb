package main

import (
	"github.com/spf13/cobra"

	"github.com/courtatlas/geocurator/internal/repair"
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Region rotation import",
}

var importTickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Import one region and advance the rotation",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runJob(cmd, "import", jobImportTick, func(e *appEnv) jobFunc { return e.importTick })
	},
}

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Coverage backlog consumer",
}

var backfillRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Claim and import one backlog task",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runJob(cmd, "backfill", jobBackfill, func(e *appEnv) jobFunc { return e.backfillRun })
	},
}

var coverageCmd = &cobra.Command{
	Use:   "coverage",
	Short: "Coverage auditing",
}

var coverageAuditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Compare local counts with the open map source and rebuild the backlog",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runJob(cmd, "audit", jobAudit, func(e *appEnv) jobFunc { return e.coverageAudit })
	},
}

var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Record repair batch",
}

var repairRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Fill missing city, state and names on stored facilities",
	RunE: func(cmd *cobra.Command, _ []string) error {
		opts, err := repairFlags(cmd, repairDefaults(cfg.Repair))
		if err != nil {
			return err
		}
		return runJob(cmd, "repair", jobRepair, func(e *appEnv) jobFunc { return e.repairRun(opts) })
	},
}

// repairFlags overrides base with the flags the caller set.
func repairFlags(cmd *cobra.Command, base repair.Options) (repair.Options, error) {
	f := cmd.Flags()
	if f.Changed("mode") {
		s, _ := f.GetString("mode")
		m, err := repair.ParseMode(s)
		if err != nil {
			return base, err
		}
		base.Mode = m
	}
	if f.Changed("cap") {
		base.CapPerRun, _ = f.GetInt("cap")
	}
	if f.Changed("cluster-decimals") {
		base.ClusterDecimals, _ = f.GetInt("cluster-decimals")
	}
	if f.Changed("parse-address-only") {
		base.ParseAddressOnly, _ = f.GetBool("parse-address-only")
	}
	if f.Changed("page-size") {
		base.PageSize, _ = f.GetInt("page-size")
	}
	return base, nil
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Maintenance sweeps",
}

var sweepCacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Delete expired geo cache entries",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runJob(cmd, "sweep", jobCacheSweep, func(e *appEnv) jobFunc { return e.cacheSweep })
	},
}

var sweepDedupCmd = &cobra.Command{
	Use:   "dedup",
	Short: "Demote near-duplicates among recent records",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runJob(cmd, "sweep", jobDedupSweep, func(e *appEnv) jobFunc { return e.dedupSweep })
	},
}

var sweepQueueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Prune stale submissions and finished backlog tasks",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runJob(cmd, "sweep", jobQueuePrune, func(e *appEnv) jobFunc { return e.queuePrune })
	},
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Health alerts",
}

var monitorCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Evaluate failure rate, spend and import progress and send alerts",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runJob(cmd, "sweep", jobMonitor, func(e *appEnv) jobFunc { return e.monitorCheck })
	},
}

func addRepairFlags(c *cobra.Command) {
	c.Flags().String("mode", "", "conservative, balanced or full (default from config)")
	c.Flags().Int("cap", 0, "max reverse lookups this run (default from config)")
	c.Flags().Int("cluster-decimals", 0, "coordinate rounding for balanced-mode clusters")
	c.Flags().Bool("parse-address-only", false, "never call reverse geocoding")
	c.Flags().Int("page-size", 0, "records per page (max 1000)")
}

func init() {
	addRepairFlags(repairRunCmd)

	importCmd.AddCommand(importTickCmd)
	backfillCmd.AddCommand(backfillRunCmd)
	coverageCmd.AddCommand(coverageAuditCmd)
	repairCmd.AddCommand(repairRunCmd)
	sweepCmd.AddCommand(sweepCacheCmd, sweepDedupCmd, sweepQueueCmd)
	monitorCmd.AddCommand(monitorCheckCmd)
	rootCmd.AddCommand(importCmd, backfillCmd, coverageCmd, repairCmd, sweepCmd, monitorCmd)
}
