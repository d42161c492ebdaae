package config

import (
	"go.uber.org/zap"
)

// NewLogger builds the process-wide structured logger. It is created
// explicitly by the caller (normally once, at entity construction time)
// rather than through a package-level init(), so that tests may create
// as many independent instances as they need.
func NewLogger(development bool) *zap.SugaredLogger {
	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.DisableStacktrace = true

	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}

	return logger.Sugar()
}
