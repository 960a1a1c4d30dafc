package runtime

import (
	"log/slog"

	"github.com/metertun/metertun/internal/config"
	"github.com/metertun/metertun/internal/logger"
)

// Options carries the process-wide settings shared by all subcommands.
type Options struct {
	JSONLogs bool
	LogLevel string

	logger *slog.Logger
}

func (o *Options) SetupLogger() error {
	format := logger.FormatText
	if o.JSONLogs {
		format = logger.FormatJSON
	}
	l, err := logger.New(logger.Config{
		Format:      format,
		Level:       o.LogLevel,
		ServiceName: "metertun",
		Environment: config.GetStringEnv("METERTUN_ENV", ""),
	})
	if err != nil {
		return err
	}
	o.logger = l.Logger
	return nil
}

func (o *Options) Logger() *slog.Logger {
	return o.logger
}
