package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/freerangeinternet/fri-provisioning/internal/env"
)

var rootCmd = &cobra.Command{
	Use:   "provisioner",
	Short: "Field provisioning for customer routers and LTU radios",
	Long: `provisioner runs the control API that the install crew's status page talks to,
and the per-device jobs (router, cpe, reset) that the API launches as child
processes. Jobs report progress as JSON lines on stdout and log to stderr.`,
	SilenceUsage: true,
}

var rootDebug bool

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	rootCmd.PersistentFlags().BoolVar(&rootDebug, "debug", false, "Enable debug logging")
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		path, err := env.Ensure()
		if rootDebug || env.Bool("DEBUG", false) {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		}
		if err != nil {
			log.Warn().Err(err).Str("command", cmd.Name()).Msg("settings file not loaded")
		} else if path != "" {
			log.Debug().Str("command", cmd.Name()).Str("dotenv", path).Msg("loaded settings file")
		}
	}
	rootCmd.AddCommand(
		newServeCmd(),
		newJobCmd(),
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("provisioner command failed")
	}
}
