package schedq

import (
	"fmt"
	"time"
)

// ResolveDelay turns the permissive delay value accepted by call_later and
// sleep into a concrete due time relative to now. delay may be a float64 or
// int (seconds), a time.Duration, an absolute time.Time, or nil (meaning
// "now").
func ResolveDelay(now time.Time, delay any) (time.Time, error) {
	switch d := delay.(type) {
	case nil:
		return now, nil
	case time.Time:
		return d, nil
	case time.Duration:
		return now.Add(d), nil
	case float64:
		return now.Add(time.Duration(d * float64(time.Second))), nil
	case int:
		return now.Add(time.Duration(d) * time.Second), nil
	default:
		return time.Time{}, fmt.Errorf("schedq: unsupported delay type %T", delay)
	}
}
