package bootstrap

import (
	"funding_arb/internal/config"
	"funding_arb/internal/core"
	"funding_arb/pkg/logging"
)

// InitLogger builds the process logger from the system section
func InitLogger(cfg *config.Config) (core.ILogger, error) {
	logger, err := logging.New(logging.Options{
		Service: cfg.Telemetry.ServiceName,
		Level:   cfg.System.LogLevel,
		Format:  cfg.System.LogFormat,
	})
	if err != nil {
		return nil, err
	}
	return logger.WithField("venues", cfg.App.Venues), nil
}
