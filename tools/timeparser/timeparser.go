package timeparser

import (
	"fmt"
	"strings"
	"time"
)

// ParseTransactionDate parses the purchase timestamps returned by the meter API.
// Values without a zone are taken as UTC.
func ParseTransactionDate(dateStr string) (time.Time, error) {
	formats := []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05.999999999", // ISO-8601 without zone
		"2006-01-02 15:04:05",
		"2006-01-02",
		"02/01/2006 15:04:05", // DD/MM/YYYY HH:mm:ss
	}

	dateStr = strings.TrimSpace(dateStr)

	var lastErr error
	for _, format := range formats {
		t, err := time.Parse(format, dateStr)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}

	return time.Time{}, fmt.Errorf("failed to parse timestamp '%s': %w", dateStr, lastErr)
}

// FormatTimestamp is the persisted form of a timestamp
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
