package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := buildRoot().ExecuteContext(ctx); err != nil {
		stop()
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags are shared by every command.
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
	APICA      string
	JSON       bool
}

func buildRoot() *cobra.Command {
	flags := &GlobalFlags{}
	root := &cobra.Command{
		Use:   "servisor",
		Short: "Single-host service lifecycle supervisor",
		Long: `Servisor starts a fixed set of services, waits for them to become ready,
stops them gracefully and keeps their state across runs. Services can be
published to a Consul agent.

Without --api-url commands act on the local configuration directly; with
--api-url they are sent to a running "servisor serve" daemon.

Examples:
  servisor start                     # start every service
  servisor start vllm                # start one service
  servisor status --json
  servisor discover --prefix vllm
  servisor serve                     # run the daemon and HTTP API
  servisor status --api-url http://127.0.0.1:9090/api`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "servisor.yaml", "path to the YAML config file")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "daemon API base URL (remote mode)")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 10*time.Minute, "remote request timeout")
	root.PersistentFlags().StringVar(&flags.APICA, "api-ca", "", "CA certificate for an https daemon (e.g. tls_ca.crt)")
	root.PersistentFlags().BoolVar(&flags.JSON, "json", false, "print JSON instead of a table")

	root.AddCommand(
		createStartCommand(flags),
		createStopCommand(flags),
		createStatusCommand(flags),
		createRegisterCommand(flags),
		createDeregisterCommand(flags),
		createDiscoverCommand(flags),
		createServeCommand(flags),
		createValidateCommand(flags),
		createConfigCommand(flags),
	)
	return root
}

func createStartCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "start [name]",
		Short: "Start every service, or one service by name",
		Long: `Start services and wait for readiness. Base services (is_base: true) are
mandatory: if one fails, the remaining starts are canceled, services started
by this call are stopped again and the command fails.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, flags, func(b backend) error {
				if len(args) == 1 {
					st, err := b.Start(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					return printStatus(cmd.OutOrStdout(), flags.JSON, st)
				}
				sts, err := b.StartAll(cmd.Context())
				if perr := printStatuses(cmd.OutOrStdout(), flags.JSON, sts); perr != nil {
					return perr
				}
				return err
			})
		},
	}
}

func createStopCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop [name]",
		Short: "Stop every running service, or one service by name",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, flags, func(b backend) error {
				if len(args) == 1 {
					st, err := b.Stop(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					return printStatus(cmd.OutOrStdout(), flags.JSON, st)
				}
				sts, err := b.StopAll(cmd.Context())
				if perr := printStatuses(cmd.OutOrStdout(), flags.JSON, sts); perr != nil {
					return perr
				}
				return err
			})
		},
	}
}

func createStatusCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the reconciled state of every service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, flags, func(b backend) error {
				sts, err := b.Status(cmd.Context())
				if err != nil {
					return err
				}
				return printStatuses(cmd.OutOrStdout(), flags.JSON, sts)
			})
		},
	}
}

func createRegisterCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "register",
		Short: "Publish every running service with register enabled",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, flags, func(b backend) error {
				res, err := b.RegisterAll(cmd.Context())
				if err != nil {
					return err
				}
				return printResults(cmd.OutOrStdout(), flags.JSON, res)
			})
		},
	}
}

func createDeregisterCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "deregister",
		Short: "Remove every registry entry published by this supervisor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, flags, func(b backend) error {
				res, err := b.DeregisterAll(cmd.Context())
				if err != nil {
					return err
				}
				return printResults(cmd.OutOrStdout(), flags.JSON, res)
			})
		},
	}
}

func createDiscoverCommand(flags *GlobalFlags) *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List registry entries and their health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, flags, func(b backend) error {
				entries, err := b.Discover(cmd.Context(), prefix)
				if err != nil {
					return err
				}
				return printEntries(cmd.OutOrStdout(), flags.JSON, entries)
			})
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "service name prefix (default: this supervisor's entries)")
	return cmd
}

func createValidateCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration without touching any service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "configuration OK: %d services\n", len(cfg.Services))
			return err
		},
	}
}

func createConfigCommand(flags *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with defaults applied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})
	return cmd
}
