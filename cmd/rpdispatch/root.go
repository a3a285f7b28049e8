package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/p2p-b2b/rpdispatch"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "rpdispatch",
		Short: "Send reporting requests to a test reporting service",
		Long: `rpdispatch sends requests to the project API of a test reporting service.

Settings are read from a YAML file and RP_* environment variables:
endpoint, project, uuid, disable_ssl_verification and formatter_modes.`,
		Version:      fullVersion(),
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "rp.yaml", "settings file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "text", "log format (text, json)")

	cmd.AddCommand(newSendCmd(opts))
	cmd.AddCommand(newCheckCmd(opts))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// newLogger builds the logger for a command. Unknown levels fall back to INFO.
func newLogger(w io.Writer, level, format string) *slog.Logger {
	var l slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		l = slog.LevelDebug
	case "WARN":
		l = slog.LevelWarn
	case "ERROR":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}

	handlerOpts := &slog.HandlerOptions{Level: l}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts))
}

func (o *rootOptions) load(cmd *cobra.Command) (rpdispatch.Settings, *slog.Logger, error) {
	logger := newLogger(cmd.ErrOrStderr(), o.logLevel, o.logFormat)
	slog.SetDefault(logger)

	settings, err := rpdispatch.LoadSettings(o.configPath)
	if err != nil {
		return settings, logger, err
	}
	if err := settings.Validate(); err != nil {
		return settings, logger, fmt.Errorf("settings file %s: %w", o.configPath, err)
	}

	return settings, logger, nil
}
