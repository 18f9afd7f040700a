package metrics

import (
	"time"

	"auction-engine/utils"
)

// LogClient writes metrics to the debug log when no statsd agent is configured
type LogClient struct{}

// Count tracks how many times something happened
func (lc *LogClient) Count(name string, value int64, tags []string, rate float64) error {
	utils.Debug("metric count", map[string]any{"key": name, "val": value, "tags": tags})
	return nil
}

// Timing records a duration
func (lc *LogClient) Timing(name string, value time.Duration, tags []string, rate float64) error {
	utils.Debug("metric time", map[string]any{"key": name, "time_ms": value.Milliseconds(), "tags": tags})
	return nil
}
