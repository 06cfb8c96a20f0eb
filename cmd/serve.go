package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"go.uber.org/zap"

	"github.com/courtatlas/geocurator/internal/scheduler"
)

var (
	servePort         int
	serveWithSchedule bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the geo gateway and operator API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			if err := newServer(env).Serve(gctx, fmt.Sprintf(":%d", port)); err != nil {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})
		if serveWithSchedule {
			sched, err := newScheduler(env)
			if err != nil {
				return err
			}
			g.Go(func() error { return sched.Run(gctx) })
		}

		err = g.Wait()
		zap.L().Info("serve stopped")
		return err
	},
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run the scheduled jobs without the HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "schedule")
		if err != nil {
			return err
		}
		defer env.Close()

		sched, err := newScheduler(env)
		if err != nil {
			return err
		}
		return sched.Run(ctx)
	},
}

func newScheduler(env *appEnv) (*scheduler.Scheduler, error) {
	sched := scheduler.New(env.Runs)
	for _, job := range scheduledJobs(env, cfg.Schedule, cfg.Repair) {
		if err := sched.Add(job); err != nil {
			return nil, err
		}
	}
	return sched, nil
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveWithSchedule, "with-schedule", false, "also run the scheduled jobs in this process")
	rootCmd.AddCommand(serveCmd, scheduleCmd)
}
