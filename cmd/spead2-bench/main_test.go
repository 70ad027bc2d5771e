package main

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewLogger_DefaultLevel(t *testing.T) {
	logger := newLogger()
	if !logger.Core().Enabled(zapcore.InfoLevel) {
		t.Error("info messages are disabled by default")
	}
	if logger.Core().Enabled(zapcore.DebugLevel) {
		t.Error("debug messages are enabled by default")
	}
}

func TestParsePort(t *testing.T) {
	if got := parsePort("8888"); got != 8888 {
		t.Errorf("parsePort(8888) = %d", got)
	}
}
