package predictor

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/septivank/power-token-tracker/tools/timeparser"
)

type transactionJSON struct {
	Date  string      `json:"date"`
	Units json.Number `json:"units"`
}

// MarshalJSON writes the wire form used by the meter API and the cache
func (t Transaction) MarshalJSON() ([]byte, error) {
	return json.Marshal(transactionJSON{
		Date:  timeparser.FormatTimestamp(t.Date),
		Units: json.Number(strconv.FormatFloat(t.Units, 'f', -1, 64)),
	})
}

// UnmarshalJSON accepts units as a number or a numeric string; missing units count as zero
func (t *Transaction) UnmarshalJSON(b []byte) error {
	var raw transactionJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("failed to decode transaction: %w", err)
	}

	date, err := timeparser.ParseTransactionDate(raw.Date)
	if err != nil {
		return err
	}

	var units float64
	if raw.Units != "" {
		units, err = raw.Units.Float64()
		if err != nil {
			return fmt.Errorf("invalid transaction units %q: %w", raw.Units, err)
		}
	}

	t.Date = date
	t.Units = units
	return nil
}
