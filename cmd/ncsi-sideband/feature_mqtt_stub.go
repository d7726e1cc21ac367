//go:build no_mqtt

package main

import (
	"log/slog"

	"ncsi-sideband/internal/sideband"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *sideband.Runner, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
