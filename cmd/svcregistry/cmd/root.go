// Package cmd implements the svcregistry command line.
package cmd

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/svcregistry/config"
)

// Version information
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// PrintVersion prints version information
func PrintVersion() string {
	return fmt.Sprintf("svcregistry v%s (commit: %s, built on: %s)", Version, Commit, Date)
}

// NewRootCommand creates the root command for the svcregistry application
func NewRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "svcregistry",
		Short: "Service registry - publish, look up and track services by contract",
		Long: `svcregistry runs an in-memory service registry with an HTTP introspection API,
publishes services declared in a YAML file, and offers tools for working with
LDAP-style metadata filters.`,
		Version:       PrintVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "configuration file (.yaml, .yml or .toml)")

	loadConfig := func(cmd *cobra.Command) (*config.Config, error) {
		return config.Load(cmd.Context(), configPath)
	}

	cmd.AddCommand(NewServeCommand(loadConfig))
	cmd.AddCommand(NewFilterCommand())
	cmd.AddCommand(NewQueryCommand(loadConfig))

	return cmd
}

type configLoader func(cmd *cobra.Command) (*config.Config, error)

// newLogger builds the slog logger described by cfg.
func newLogger(cfg config.LoggingConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}
