package main

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"recon/config"
	"recon/infra/logging"
)

func Execute(ctx context.Context) error {
	var cfgPath string
	root := &cobra.Command{
		Use:           "recon",
		Short:         "Order book reconstruction from trade, snapshot and delta streams",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "recon.yaml", "path to the YAML configuration")

	load := func() (config.Config, zerolog.Logger, error) {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return config.Config{}, zerolog.Nop(), err
		}
		log, err := logging.New(cfg.Log, nil)
		if err != nil {
			return config.Config{}, zerolog.Nop(), err
		}
		return cfg, log, nil
	}
	root.AddCommand(runCmd(load), validateCmd(load), eventsCmd(load))
	return root.ExecuteContext(ctx)
}

type loader func() (config.Config, zerolog.Logger, error)

func validateCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}
			log.Info().Strs("instruments", cfg.Symbols()).Msg("configuration ok")
			return nil
		},
	}
}
