package main

import (
	"github.com/septivank/water-iot-poller/internal/config"
	"github.com/septivank/water-iot-poller/internal/logging"
	"go.uber.org/zap"
)

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.NewLogger(cfg.ServiceName)
}
