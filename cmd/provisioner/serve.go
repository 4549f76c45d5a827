package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	provisioner "github.com/freerangeinternet/fri-provisioning"
	"github.com/freerangeinternet/fri-provisioning/internal/env"
	"github.com/freerangeinternet/fri-provisioning/internal/httpapi"
	"github.com/freerangeinternet/fri-provisioning/internal/rungroup"
	"github.com/freerangeinternet/fri-provisioning/pkg/jobrecorder"
)

func newServeCmd() *cobra.Command {
	var (
		flagAddr         string
		flagTickInterval time.Duration
		flagTickDelta    float64
		flagShutdown     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the provisioning control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagTickInterval <= 0 {
				return errors.Errorf("--tick-interval must be positive, got %s", flagTickInterval)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			addr := firstNonEmpty(flagAddr, env.String("LISTEN_ADDR", ":3000"))
			launcher, err := provisioner.NewExecLauncher(env.String("JOB_BINARY", ""))
			if err != nil {
				return err
			}
			recorders, err := jobrecorder.NewFromEnv()
			if err != nil {
				return err
			}
			defer func() {
				if err := recorders.Close(); err != nil {
					log.Warn().Err(err).Msg("close job history")
				}
			}()

			metrics := provisioner.NewMetrics()
			store := provisioner.NewStore()
			store.SetObserver(metrics.ObserveState)
			labels := provisioner.NewLabelClient(env.String("LABEL_URL", ""))
			skip := env.Int("JOB_SKIP_LINES", 0)
			sup, err := provisioner.NewSupervisor(provisioner.Config{
				Store:     store,
				Launcher:  launcher,
				Recorder:  recorders.Recorder,
				Labels:    labels,
				Metrics:   metrics,
				KillGrace: env.Duration("JOB_KILL_GRACE", 10*time.Second),
				Profiles: map[provisioner.Device]provisioner.JobProfile{
					provisioner.DeviceRouter: {SkipLines: skip, ProgressScale: 100},
					provisioner.DeviceCPE:    {SkipLines: skip, ProgressScale: 100},
				},
			})
			if err != nil {
				return err
			}

			apiCfg := httpapi.Config{
				Addr:       addr,
				APIKeys:    env.Strings("API_KEYS"),
				Supervisor: sup,
				Labels:     labels,
				Metrics:    metrics.Handler(),
			}
			if recorders.History != nil {
				apiCfg.History = recorders.History
			}
			srv, err := httpapi.New(apiCfg)
			if err != nil {
				return err
			}
			if len(apiCfg.APIKeys) == 0 {
				log.Warn().Msg("API_KEYS is empty; every /api request will be rejected")
			}

			log.Info().
				Str("addr", addr).
				Str("job_binary", launcher.Binary).
				Bool("job_history", recorders.History != nil).
				Msg("starting provisioning server")

			group := rungroup.New(ctx)
			group.Go("control-api", srv.Run)
			group.Go("progress-ticker", func(ctx context.Context) error {
				return store.RunTicker(ctx, flagTickInterval, flagTickDelta)
			})
			runErr := group.Wait(10 * time.Second)

			shutdownCtx, cancel := context.WithTimeout(context.Background(), flagShutdown)
			defer cancel()
			if err := sup.Shutdown(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("jobs still running at exit")
			}
			if runErr != nil {
				return runErr
			}
			log.Info().Msg("provisioning server stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&flagAddr, "addr", "", "Listen address (default from LISTEN_ADDR or :3000)")
	cmd.Flags().DurationVar(&flagTickInterval, "tick-interval", time.Second, "Interval of the synthetic progress tick")
	cmd.Flags().Float64Var(&flagTickDelta, "tick-delta", 0.01, "Progress added per tick while a job is silent")
	cmd.Flags().DurationVar(&flagShutdown, "shutdown-timeout", 15*time.Second, "How long to wait for jobs to exit on shutdown")

	return cmd
}
