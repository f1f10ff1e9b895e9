package logging

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLogger_Level(t *testing.T) {
	logger, err := NewLogger("power-token-tracker", "debug")
	if err != nil {
		t.Fatalf("NewLogger returned error: %v", err)
	}
	if !logger.Core().Enabled(zap.DebugLevel) {
		t.Error("Expected debug level to be enabled")
	}

	logger, err = NewLogger("power-token-tracker", "not-a-level")
	if err != nil {
		t.Fatalf("NewLogger returned error: %v", err)
	}
	if logger.Core().Enabled(zap.DebugLevel) {
		t.Error("Expected fallback to info level")
	}
}

func TestWithMeterAndCorrelationID(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	logger := WithCorrelationID(WithMeter(zap.New(core), "04212345678"), "corr-1")

	logger.Info("snapshot answered")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("Expected 1 log entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["meter_number"] != "04212345678" {
		t.Errorf("Expected meter_number field, got %v", fields["meter_number"])
	}
	if fields["correlation_id"] != "corr-1" {
		t.Errorf("Expected correlation_id field, got %v", fields["correlation_id"])
	}
}
