package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/courtatlas/geocurator/internal/billing"
	"github.com/courtatlas/geocurator/internal/coverage"
	"github.com/courtatlas/geocurator/internal/importer"
	"github.com/courtatlas/geocurator/internal/regions"
	"github.com/courtatlas/geocurator/internal/runlog"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show import progress, recent runs, spend and lagging regions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "sweep")
		if err != nil {
			return err
		}
		defer env.Close()

		job, _ := cmd.Flags().GetString("job")
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		var rep statusReport
		if rep.Import, err = env.Status.Load(ctx); err != nil {
			return eris.Wrap(err, "status: import")
		}
		if rep.Runs, err = env.Runs.Recent(ctx, job, limit); err != nil {
			return eris.Wrap(err, "status: runs")
		}
		if rep.Billing, err = env.Governor.Usage(ctx); err != nil {
			return eris.Wrap(err, "status: billing")
		}
		if rep.Lagging, rep.AuditedAt, err = env.Coverage.Summary(ctx); err != nil {
			return eris.Wrap(err, "status: coverage")
		}
		if rep.Backlog, err = env.Coverage.PendingCount(ctx); err != nil {
			return eris.Wrap(err, "status: backlog")
		}
		if rep.Submissions, err = env.Submission.PendingCount(ctx); err != nil {
			return eris.Wrap(err, "status: submissions")
		}
		rep.Regions = len(env.Order)
		if n := rep.Regions; n > 0 {
			rep.CurrentRegion = env.Order[rep.Import.CurrentRegionIndex%n].Code
		}

		if asJSON {
			return printJSON(cmd.OutOrStdout(), rep)
		}
		return rep.write(cmd.OutOrStdout())
	},
}

type statusReport struct {
	Import        importer.Status `json:"import"`
	CurrentRegion string          `json:"current_region"`
	Regions       int             `json:"regions"`
	Runs          []runlog.Entry  `json:"runs"`
	Billing       billing.Usage   `json:"billing"`
	Lagging       []coverage.Stat `json:"lagging"`
	AuditedAt     *time.Time      `json:"audited_at,omitempty"`
	Backlog       int             `json:"backlog_pending"`
	Submissions   int             `json:"submissions_pending"`
}

func (r statusReport) write(out io.Writer) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)

	fmt.Fprintf(w, "Import\tregion %s (%d/%d)  phase %d  cycle %d  created %d\n",
		r.CurrentRegion, r.Import.CurrentRegionIndex+1, r.Regions, r.Import.Phase, r.Import.CycleCount, r.Import.TotalCreated)
	if r.Import.LastError != "" {
		fmt.Fprintf(w, "Last error\t%s (%s)\n", r.Import.LastError, fmtTime(r.Import.LastErrorAt))
	}
	fmt.Fprintf(w, "Billing\t%s: %d calls, %s of %s cents (commercial enabled: %t)\n",
		r.Billing.Month, r.Billing.Calls, r.Billing.SpentCents, r.Billing.CapCents, r.Billing.Enabled)
	fmt.Fprintf(w, "Backlog\t%d pending tasks, %d pending submissions\n", r.Backlog, r.Submissions)
	fmt.Fprintln(w)

	fmt.Fprintf(w, "LAGGING\tLOCAL\tPROVIDER\tCOVERAGE\n")
	for _, s := range r.Lagging {
		fmt.Fprintf(w, "%s\t%d\t%d\t%.0f%%\n", s.Region, s.Local, s.Provider, s.Coverage*100)
	}
	fmt.Fprintf(w, "audited\t%s\n", fmtTime(r.AuditedAt))
	fmt.Fprintln(w)

	fmt.Fprintf(w, "JOB\tSTATUS\tSTARTED\tERROR\n")
	for _, e := range r.Runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Job, e.Status, e.StartedAt.Format(time.RFC3339), e.Error)
	}
	return w.Flush()
}

func fmtTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.UTC().Format(time.RFC3339)
}

var regionsCmd = &cobra.Command{
	Use:   "regions",
	Short: "Print the region processing order",
	RunE: func(cmd *cobra.Command, _ []string) error {
		order, err := regions.LoadOrder(cfg.Import.RegionsFile)
		if err != nil {
			return err
		}
		return writeRegions(cmd.OutOrStdout(), order)
	},
}

func writeRegions(out io.Writer, order []regions.Region) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "#\tCODE\tISO\tNAME\n")
	for i, r := range order {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", i+1, r.Code, r.ISOCode(), r.Name)
	}
	return w.Flush()
}

func init() {
	statusCmd.Flags().String("job", "", "only list runs of this job")
	statusCmd.Flags().Int("limit", 20, "number of recent runs")
	statusCmd.Flags().Bool("json", false, "print JSON")
	rootCmd.AddCommand(statusCmd, regionsCmd)
}
