package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	provisioner "github.com/freerangeinternet/fri-provisioning"
	"github.com/freerangeinternet/fri-provisioning/internal/env"
	"github.com/freerangeinternet/fri-provisioning/internal/ltu"
	"github.com/freerangeinternet/fri-provisioning/internal/sequencer"
	"github.com/freerangeinternet/fri-provisioning/pkg/statusproto"
	"github.com/freerangeinternet/fri-provisioning/providers/browser"
)

// errJobFailed is returned after the terminal record has been written, so
// main only has to set the exit code.
var errJobFailed = errors.New("job failed")

func newJobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Run one provisioning job, reporting status lines on stdout",
	}
	cmd.AddCommand(newRouterJobCmd(), newCPEJobCmd(), newResetJobCmd())
	return cmd
}

// runJob wires the status writer and signal handling around fn. Any error is
// reported as one terminal record.
func runJob(cmd *cobra.Command, fn func(ctx context.Context, w *statusproto.Writer) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	w := statusproto.NewWriter(os.Stdout)
	logger := log.With().Str("job_id", os.Getenv("PROVISIONER_JOB_ID")).Str("job", cmd.Name()).Logger()

	err := fn(ctx, w)
	if err == nil {
		if werr := w.Progress("Success", 100); werr != nil {
			logger.Warn().Err(werr).Msg("report success")
		}
		logger.Info().Msg("job succeeded")
		return nil
	}
	f := statusproto.Classify(err)
	logger.Error().Err(err).Str("kind", string(f.Kind)).Msg("job failed")
	if werr := w.Report(f); werr != nil {
		logger.Error().Err(werr).Msg("report failure")
	}
	return errJobFailed
}

func routerConfig() (sequencer.Config, error) {
	password := env.String("MAIN_PASSWORD", "")
	if password == "" {
		return sequencer.Config{}, errors.New("MAIN_PASSWORD must be provided")
	}
	return sequencer.Config{
		RouterURL:            env.String("ROUTER_URL", ""),
		Password:             password,
		AlternativePasswords: env.JSONStrings("ALTERNATIVE_PASSWORDS"),
		Region:               env.String("ROUTER_REGION", ""),
		Timezone:             env.String("ROUTER_TIMEZONE", ""),
		Firmware:             sequencer.Repository{Dir: env.String("FIRMWARE_DIR", "firmware")},
	}, nil
}

func runSequencer(ctx context.Context, cfg sequencer.Config, w *statusproto.Writer, tasks []sequencer.Task) error {
	page, err := browser.Launch(browser.Options{Headed: env.Bool("DEBUG", false)})
	if err != nil {
		return err
	}
	defer func() {
		if err := page.Close(); err != nil {
			log.Warn().Err(err).Msg("close browser")
		}
	}()
	return sequencer.New(page, cfg, w).Run(ctx, tasks...)
}

func newRouterJobCmd() *cobra.Command {
	var flagHostname, flagSSID, flagPSK string

	cmd := &cobra.Command{
		Use:   "router",
		Short: "Provision the customer's router through its web UI",
		RunE: func(cmd *cobra.Command, args []string) error {
			data := provisioner.ProvisioningData{Hostname: flagHostname, SSID: flagSSID, PSK: flagPSK}
			if err := data.Validate(); err != nil {
				return err
			}
			return runJob(cmd, func(ctx context.Context, w *statusproto.Writer) error {
				cfg, err := routerConfig()
				if err != nil {
					return err
				}
				cfg.Hostname = env.String("HOSTNAME_PREFIX", "") + data.Hostname
				cfg.SSID = data.SSID
				cfg.PSK = data.PSK
				if err := w.Progress("Start provisioning", 0); err != nil {
					return err
				}
				return runSequencer(ctx, cfg, w, sequencer.DefaultTasks())
			})
		},
	}
	cmd.Flags().StringVar(&flagHostname, "hostname", "", "Customer hostname")
	cmd.Flags().StringVar(&flagSSID, "ssid", "", "WiFi network name")
	cmd.Flags().StringVar(&flagPSK, "psk", "", "WiFi passphrase (at least 8 characters)")
	_ = cmd.MarkFlagRequired("hostname")
	_ = cmd.MarkFlagRequired("ssid")
	_ = cmd.MarkFlagRequired("psk")
	return cmd
}

func newResetJobCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Restore the router's factory defaults",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJob(cmd, func(ctx context.Context, w *statusproto.Writer) error {
				cfg, err := routerConfig()
				if err != nil {
					return err
				}
				return runSequencer(ctx, cfg, w, sequencer.ResetTasks())
			})
		},
	}
}

func newCPEJobCmd() *cobra.Command {
	var (
		flagHostname string
		flagLat      float64
		flagLon      float64
	)

	cmd := &cobra.Command{
		Use:   "cpe",
		Short: "Provision the customer's LTU radio over SSH",
		RunE: func(cmd *cobra.Command, args []string) error {
			hostname, err := provisioner.NormalizeHostname(flagHostname)
			if err != nil {
				return err
			}
			customer := ltu.Customer{Hostname: hostname}
			if cmd.Flags().Changed("lat") && cmd.Flags().Changed("lon") {
				customer.Location = &ltu.Point{Lat: flagLat, Lon: flagLon}
			}
			return runJob(cmd, func(ctx context.Context, w *statusproto.Writer) error {
				plan, err := ltu.LoadSectorPlan(env.String("CPE_SECTORS_FILE", ""))
				if err != nil {
					return err
				}
				job, err := ltu.NewJob(ltu.SSHDialer{}, ltu.Config{
					Address: cpeAddress(env.String("CPE_ADDRESS", "")),
					Credential: ltu.Credential{
						User:     env.String("CPE_USER", "ubnt"),
						Password: env.String("CPE_PASSWORD", ""),
					},
					UNMSURI:     env.String("CPE_UNMS_URI", ""),
					Plan:        plan,
					FirmwareDir: env.String("FIRMWARE_DIR", "firmware"),
				}, w)
				if err != nil {
					return err
				}
				return job.Run(ctx, customer)
			})
		},
	}
	cmd.Flags().StringVar(&flagHostname, "hostname", "", "Customer hostname (LTU- is prefixed)")
	cmd.Flags().Float64Var(&flagLat, "lat", 0, "Install site latitude")
	cmd.Flags().Float64Var(&flagLon, "lon", 0, "Install site longitude")
	_ = cmd.MarkFlagRequired("hostname")
	return cmd
}

// cpeAddress appends the SSH port when the address has none.
func cpeAddress(addr string) string {
	if addr == "" || strings.Contains(addr, ":") {
		return addr
	}
	return addr + ":22"
}
