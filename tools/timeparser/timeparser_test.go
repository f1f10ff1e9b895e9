package timeparser_test

import (
	"testing"
	"time"

	"github.com/septivank/power-token-tracker/tools/timeparser"
)

func TestParseTransactionDate_RFC3339(t *testing.T) {
	result, err := timeparser.ParseTransactionDate("2025-12-29T10:30:45Z")
	if err != nil {
		t.Fatalf("Failed to parse timestamp: %v", err)
	}

	expected := time.Date(2025, 12, 29, 10, 30, 45, 0, time.UTC)
	if !result.Equal(expected) {
		t.Errorf("Expected %v, got %v", expected, result)
	}
}

func TestParseTransactionDate_WithOffset(t *testing.T) {
	result, err := timeparser.ParseTransactionDate("2025-12-29T13:30:45+03:00")
	if err != nil {
		t.Fatalf("Failed to parse timestamp: %v", err)
	}

	expected := time.Date(2025, 12, 29, 10, 30, 45, 0, time.UTC)
	if !result.Equal(expected) {
		t.Errorf("Expected %v, got %v", expected, result)
	}
}

func TestParseTransactionDate_NoZone(t *testing.T) {
	result, err := timeparser.ParseTransactionDate("2025-12-29T10:30:45.123")
	if err != nil {
		t.Fatalf("Failed to parse timestamp: %v", err)
	}

	expected := time.Date(2025, 12, 29, 10, 30, 45, 123000000, time.UTC)
	if !result.Equal(expected) {
		t.Errorf("Expected %v, got %v", expected, result)
	}
}

func TestParseTransactionDate_SpaceSeparated(t *testing.T) {
	result, err := timeparser.ParseTransactionDate("2025-12-29 10:30:45")
	if err != nil {
		t.Fatalf("Failed to parse timestamp: %v", err)
	}

	expected := time.Date(2025, 12, 29, 10, 30, 45, 0, time.UTC)
	if !result.Equal(expected) {
		t.Errorf("Expected %v, got %v", expected, result)
	}
}

func TestParseTransactionDate_Invalid(t *testing.T) {
	if _, err := timeparser.ParseTransactionDate("invalid-date-string"); err == nil {
		t.Error("Expected error for invalid timestamp")
	}
}

func TestFormatTimestamp_RoundTrip(t *testing.T) {
	original := time.Date(2025, 12, 29, 10, 30, 45, 987654321, time.FixedZone("EAT", 3*3600))

	parsed, err := timeparser.ParseTransactionDate(timeparser.FormatTimestamp(original))
	if err != nil {
		t.Fatalf("Failed to parse formatted timestamp: %v", err)
	}
	if !parsed.Equal(original) {
		t.Errorf("Expected %v, got %v", original, parsed)
	}
}
