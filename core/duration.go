package core

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration reads either a duration string ("30s", "5m") or a number of nanoseconds from JSON.
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var value interface{}
	if err := json.Unmarshal(data, &value); err != nil {
		return err
	}

	switch x := value.(type) {
	case float64:
		*d = Duration(time.Duration(x))
	case string:
		parsed, err := time.ParseDuration(x)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", x, err)
		}

		*d = Duration(parsed)
	case nil:
	default:
		return fmt.Errorf("invalid duration %s", string(data))
	}

	return nil
}
