package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/fabian4/devgate/internal/config"
	"github.com/fabian4/devgate/internal/env"
	"github.com/fabian4/devgate/internal/logging"
	"github.com/fabian4/devgate/internal/version"
)

type app struct {
	mode      string
	dir       string
	file      string
	listen    string
	strict    bool
	watch     bool
	logLevel  string
	logFormat string

	// ready, when set, is called with the bound address once serving starts.
	ready func(net.Addr)
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "devgate",
		Short: "Development gateway for the web UI",
		Long: `devgate serves the built web UI and forwards /ai-api to the backend
named by VITE_SERVER_URL. Variables come from .env files for the selected
mode, overridden by the process environment.`,
		Version:       version.Value,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return bindEnv(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&a.mode, "mode", "m", "development", "Mode selecting .env.<mode> files")
	pf.StringVar(&a.dir, "dir", "", "Working directory holding env files (default: current directory)")
	pf.StringVarP(&a.file, "config", "c", "", "Gateway file (default: <dir>/"+config.DefaultFile+" when present)")
	pf.StringVar(&a.listen, "listen", "", "Listen address, overrides the gateway file")
	pf.BoolVar(&a.strict, "strict", false, "Fail when a proxy target is missing or invalid")
	pf.BoolVar(&a.watch, "watch", false, "Reload when env or gateway files change")
	pf.StringVar(&a.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	pf.StringVar(&a.logFormat, "log-format", logging.FormatJSON, "Log format (json, console)")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the gateway (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd)
		},
	})
	root.AddCommand(newResolveCmd(a))
	return root
}

// envPrefix lets every flag be set as DEVGATE_<FLAG>, e.g. DEVGATE_LOG_LEVEL.
// Flags given on the command line win.
const envPrefix = "DEVGATE"

func bindEnv(cmd *cobra.Command) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var errs []error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Changed || !v.IsSet(f.Name) {
			return
		}
		if err := cmd.Flags().Set(f.Name, v.GetString(f.Name)); err != nil {
			errs = append(errs, fmt.Errorf("%s_%s: %w", envPrefix, strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_")), err))
		}
	})
	return errors.Join(errs...)
}

func (a *app) workDir() (string, error) {
	if a.dir != "" {
		return a.dir, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("working directory: %w", err)
	}
	return wd, nil
}

// resolve builds the config for the current flags. The process environment
// is snapshotted by the caller so reloads see the same values.
func (a *app) resolve(dir string, environ env.Environ) (*config.Config, error) {
	c, err := config.ResolveWithOptions(a.mode, dir, environ, config.Options{File: a.file})
	if err != nil {
		return nil, err
	}
	if a.listen != "" {
		c.Server.Listen = a.listen
	}
	return c, nil
}
