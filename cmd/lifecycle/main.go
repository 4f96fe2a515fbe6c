// Command lifecycle reconciles identity records from a source of truth into
// one or more targets, driven by a YAML configuration.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/identity-ops/lifecycle/internal/config"
	"github.com/identity-ops/lifecycle/internal/run"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		configPath  string
		configCheck bool
		configRaw   bool
		debug       bool
	)

	cmd := &cobra.Command{
		Use:           "lifecycle",
		Short:         "Synchronise user records from a source of truth into target systems",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log, err := newLogger(debug)
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck

			opts := []config.Option{}
			if configRaw {
				opts = append(opts, config.Raw())
			} else {
				resolver, err := config.NewKSMResolverFromEnv()
				if err != nil {
					return err
				}
				if resolver != nil {
					opts = append(opts, config.WithSecretResolver(resolver))
				}
			}

			cfg, err := config.Load(configPath, opts...)
			if err != nil {
				return err
			}

			if configCheck || configRaw {
				dump, err := dumpConfig(cfg, configRaw)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), dump)
				return nil
			}

			return run.Run(cmd.Context(), cfg, log)
		},
	}

	cmd.Flags().StringVarP(&configPath, "file", "f", "config/",
		"config file location, either a single file or a folder of yaml files")
	cmd.Flags().BoolVarP(&configCheck, "configcheck", "c", false,
		"parse the config files, replace environment variables, display and exit")
	cmd.Flags().BoolVarP(&configRaw, "configraw", "r", false,
		"when performing a config check, do not parse environment variables")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")

	return cmd
}

func dumpConfig(cfg *config.Config, raw bool) (string, error) {
	if raw {
		return cfg.DumpRaw()
	}
	return cfg.Dump()
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
