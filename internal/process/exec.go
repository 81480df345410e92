// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package process bootstraps commands with configuration, logging
// and debug endpoints.
package process

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

// Error is a process error class.
var Error = errs.Class("process error")

// envAliases maps flag names onto bare environment variables, for
// deployments that configure the process through the environment alone.
var envAliases = map[string]string{}

// BindEnv associates a bare environment variable with a flag name.
// Must be called before Exec.
func BindEnv(flagName, envName string) {
	envAliases[flagName] = envName
}

// Exec runs a Cobra command. Before a subcommand runs, values from the
// config file (--config), the environment and registered aliases are
// applied to every flag the caller did not set explicitly, and logging
// and debug endpoints are brought up.
func Exec(cmd *cobra.Command) {
	cmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	cleanup(cmd)
	Must(cmd.Execute())
}

// Viper creates a viper instance for the command: flags bound, environment
// enabled and the config file, if one is set, merged in.
func Viper(cmd *cobra.Command) (*viper.Viper, error) {
	vip := viper.New()
	if err := vip.BindPFlags(cmd.Flags()); err != nil {
		return nil, err
	}
	vip.SetEnvPrefix("graphrelay")
	vip.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	vip.AutomaticEnv()

	for flagName, envName := range envAliases {
		if err := vip.BindEnv(flagName, envName); err != nil {
			return nil, err
		}
	}

	// A missing config file is fine; the setup command creates it.
	if cfgFlag := cmd.Flags().Lookup("config"); cfgFlag != nil && cfgFlag.Value.String() != "" {
		vip.SetConfigFile(cfgFlag.Value.String())
		if err := vip.ReadInConfig(); err != nil {
			if _, statErr := os.Stat(cfgFlag.Value.String()); statErr == nil {
				return nil, err
			}
		}
	}
	return vip, nil
}

func cleanup(cmd *cobra.Command) {
	for _, ccmd := range cmd.Commands() {
		cleanup(ccmd)
	}
	if cmd.Run != nil {
		panic("Run is not allowed, use RunE")
	}
	if cmd.RunE == nil {
		return
	}

	internalRun := cmd.RunE
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		vip, err := Viper(cmd)
		if err != nil {
			return Error.Wrap(err)
		}

		var applyErr error
		cmd.Flags().VisitAll(func(f *pflag.Flag) {
			if f.Changed || !vip.IsSet(f.Name) {
				return
			}
			if err := f.Value.Set(vip.GetString(f.Name)); err != nil {
				applyErr = errs.Combine(applyErr, Error.New("invalid value for %s: %v", f.Name, err))
			}
		})
		if applyErr != nil {
			return applyErr
		}

		logger, err := NewLogger()
		if err != nil {
			return Error.Wrap(err)
		}
		defer func() { _ = logger.Sync() }()
		zap.ReplaceGlobals(logger)

		if err := initDebug(logger, monkit.Default); err != nil {
			logger.Error("failed to start debug endpoints", zap.Error(err))
		}

		return internalRun(cmd, args)
	}
}

// Ctx returns the base context for the command, cancelled on SIGINT and
// SIGTERM.
func Ctx(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	base := cmd.Context()
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithCancel(base)

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-c:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(c)
	}()

	return ctx, cancel
}

// Must checks for errors.
func Must(err error) {
	if err != nil {
		log.Fatal(err)
	}
}
