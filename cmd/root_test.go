package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/courtatlas/geocurator/internal/billing"
	"github.com/courtatlas/geocurator/internal/config"
	"github.com/courtatlas/geocurator/internal/coverage"
	"github.com/courtatlas/geocurator/internal/geocache"
	"github.com/courtatlas/geocurator/internal/importer"
	"github.com/courtatlas/geocurator/internal/regions"
	"github.com/courtatlas/geocurator/internal/repair"
	"github.com/courtatlas/geocurator/internal/runlog"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	for _, name := range []string{"serve", "schedule", "import", "backfill", "coverage", "repair", "sweep", "migrate", "status", "regions", "token", "monitor"} {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "geocurator", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestSweepCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range sweepCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"cache", "dedup", "queue"} {
		assert.True(t, names[name], "sweep should have subcommand %q", name)
	}
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag)
	assert.Equal(t, "0", flag.DefValue)

	flag = serveCmd.Flags().Lookup("with-schedule")
	require.NotNil(t, flag)
	assert.Equal(t, "false", flag.DefValue)
}

func TestStatusCommand_Flags(t *testing.T) {
	for _, name := range []string{"job", "limit", "json"} {
		assert.NotNil(t, statusCmd.Flags().Lookup(name), "status should have --%s", name)
	}
	assert.Equal(t, "20", statusCmd.Flags().Lookup("limit").DefValue)
}

func newRepairCmd(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	c := &cobra.Command{Use: "run"}
	addRepairFlags(c)
	require.NoError(t, c.ParseFlags(args))
	return c
}

func TestRepairFlags_OverrideOnlyChanged(t *testing.T) {
	base := repairDefaults(config.RepairConfig{
		Mode: "conservative", CapPerRun: 50, ClusterDecimals: 3, PageSize: 200, TimeBudgetSecs: 240,
	})

	got, err := repairFlags(newRepairCmd(t), base)
	require.NoError(t, err)
	assert.Equal(t, base, got)

	got, err = repairFlags(newRepairCmd(t, "--mode", "Balanced", "--cap", "10", "--parse-address-only", "--page-size", "500"), base)
	require.NoError(t, err)
	assert.Equal(t, repair.Balanced, got.Mode)
	assert.Equal(t, 10, got.CapPerRun)
	assert.True(t, got.ParseAddressOnly)
	assert.Equal(t, 500, got.PageSize)
	assert.Equal(t, 3, got.ClusterDecimals)
	assert.Equal(t, 240*time.Second, got.TimeBudget)

	_, err = repairFlags(newRepairCmd(t, "--mode", "aggressive"), base)
	assert.Error(t, err)
}

func TestScheduledJobs(t *testing.T) {
	sc := config.ScheduleConfig{
		ImportTick: "*/10 * * * *",
		Audit:      "0 4 * * *",
		Backfill:   "*/15 * * * *",
		CacheSweep: "30 3 * * *",
		DedupSweep: "0 5 * * *",
		QueuePrune: "0 6 * * 0",
		Monitor:    "*/30 * * * *",
	}
	jobs := scheduledJobs(&appEnv{leaseBound: 510 * time.Second}, sc, config.RepairConfig{TimeBudgetSecs: 240})

	specs := make(map[string]string, len(jobs))
	for _, j := range jobs {
		require.NotNil(t, j.Run, j.Name)
		specs[j.Name] = j.Spec
		switch j.Name {
		case jobRepair:
			assert.Equal(t, 5*time.Minute, j.Timeout)
		case jobImportTick, jobBackfill:
			assert.Equal(t, 510*time.Second, j.Timeout, j.Name)
		}
	}
	assert.Equal(t, map[string]string{
		jobImportTick: "*/10 * * * *",
		jobAudit:      "0 4 * * *",
		jobBackfill:   "*/15 * * * *",
		jobRepair:     "",
		jobCacheSweep: "30 3 * * *",
		jobDedupSweep: "0 5 * * *",
		jobQueuePrune: "0 6 * * 0",
		jobMonitor:    "*/30 * * * *",
	}, specs)
}

func TestCachePolicy(t *testing.T) {
	p := cachePolicy(config.CacheConfig{TextTTLDays: 7, ReverseTTLDays: 60})
	assert.Equal(t, 7*24*time.Hour, p.TTL(geocache.KindText))
	assert.Equal(t, 7*24*time.Hour, p.TTL(geocache.KindDetails))
	assert.Equal(t, 60*24*time.Hour, p.TTL(geocache.KindReverse))

	assert.Equal(t, geocache.DefaultPolicy(), cachePolicy(config.CacheConfig{}))
}

func TestSecondsOr(t *testing.T) {
	assert.Equal(t, 10*time.Second, secondsOr(0, 10))
	assert.Equal(t, 3*time.Second, secondsOr(3, 10))
}

func TestOperatorSubject_PrefersEnvironment(t *testing.T) {
	t.Setenv("GEOCURATOR_AUTH_OPERATOR_SUBJECT", "op-7")
	got, err := operatorSubject(config.AuthConfig{OperatorTTLSecs: 60}).Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "op-7", got)
}

func TestNewGateway_WithoutKeys(t *testing.T) {
	c := &config.Config{}
	g := newGateway(c, nil, nil)
	res, err := g.Search(context.Background(), "tennis courts", nil)
	require.NoError(t, err)
	assert.Empty(t, res.Places)
}

func TestWriteRegions(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeRegions(&buf, []regions.Region{{Code: "CA", Name: "California"}, {Code: "NV", Name: "Nevada"}}))
	out := buf.String()
	assert.Contains(t, out, "US-CA")
	assert.Contains(t, out, "Nevada")
}

func TestStatusReport(t *testing.T) {
	at := time.Date(2026, 3, 1, 4, 0, 0, 0, time.UTC)
	rep := statusReport{
		Import:        importer.Status{CurrentRegionIndex: 1, Phase: 2, CycleCount: 3, TotalCreated: 1200, LastError: "all mirrors failed", LastErrorAt: &at},
		CurrentRegion: "TX",
		Regions:       51,
		Runs:          []runlog.Entry{{Job: "import_tick", Status: runlog.StatusFailed, StartedAt: at, Error: "all mirrors failed"}},
		Billing:       billing.Usage{Month: "2026-03", Calls: 12, SpentCents: "38.40", CapCents: "2000.00"},
		Lagging:       []coverage.Stat{{Region: "NV", Local: 30, Provider: 100, Coverage: 0.3}},
		AuditedAt:     &at,
		Backlog:       4,
	}

	var buf bytes.Buffer
	require.NoError(t, rep.write(&buf))
	out := buf.String()
	assert.Contains(t, out, "region TX (2/51)")
	assert.Contains(t, out, "phase 2")
	assert.Contains(t, out, "all mirrors failed")
	assert.Contains(t, out, "38.40 of 2000.00")
	assert.Contains(t, out, "30%")
	assert.Contains(t, out, "2026-03-01T04:00:00Z")

	buf.Reset()
	require.NoError(t, printJSON(&buf, rep))
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "TX", decoded["current_region"])
	assert.EqualValues(t, 4, decoded["backlog_pending"])
}

func TestFmtTime(t *testing.T) {
	assert.Equal(t, "never", fmtTime(nil))
}
