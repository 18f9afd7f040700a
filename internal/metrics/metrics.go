/*
Package metrics records engine counters and timers. Naming convention:
  - Internal process time: *.time
  - Error: *.err
  - Everything else is a plain counter
*/
package metrics

import (
	"fmt"
	"time"

	"github.com/DataDog/datadog-go/statsd"

	"auction-engine/utils"
)

// Ender ends a timer started by BumpTime
type Ender interface {
	End()
}

// Service provides interface for metrics. Tags are given as key/value pairs.
type Service interface {
	BumpSum(key string, val float64, tags ...string)
	BumpTime(key string, tags ...string) Ender
}

type statsClient interface {
	Count(name string, value int64, tags []string, rate float64) error
	Timing(name string, value time.Duration, tags []string, rate float64) error
}

// Metrics prefixes every key with a namespace and ships it to a statsd client
type Metrics struct {
	namespace string
	client    statsClient
}

// New creates a metrics service sending to the dogstatsd agent at addr.
// An empty addr logs metrics at debug level instead.
func New(namespace, addr string) (*Metrics, error) {
	if addr == "" {
		return &Metrics{namespace: namespace, client: &LogClient{}}, nil
	}
	client, err := statsd.New(addr)
	if err != nil {
		return nil, fmt.Errorf("metrics: connect statsd %s: %w", addr, err)
	}
	return &Metrics{namespace: namespace, client: client}, nil
}

// Nop returns a service that discards everything
func Nop() Service {
	return nopService{}
}

// BumpSum adds val to the counter key
func (m *Metrics) BumpSum(key string, val float64, tags ...string) {
	if err := m.client.Count(m.namespace+"."+key, int64(val), pairs(tags), 1); err != nil {
		utils.Debug("metrics: count failed", map[string]any{"key": key, "error": err.Error()})
	}
}

// BumpTime starts a timer; call End on the result to record it:
//
//	defer m.BumpTime("gate.submit.time").End()
func (m *Metrics) BumpTime(key string, tags ...string) Ender {
	return &timer{m: m, key: key, tags: pairs(tags), start: time.Now()}
}

type timer struct {
	m     *Metrics
	key   string
	tags  []string
	start time.Time
}

func (t *timer) End() {
	if err := t.m.client.Timing(t.m.namespace+"."+t.key, time.Since(t.start), t.tags, 1); err != nil {
		utils.Debug("metrics: timing failed", map[string]any{"key": t.key, "error": err.Error()})
	}
}

// pairs turns "k1", "v1", "k2", "v2" into dogstatsd "k1:v1", "k2:v2" tags
func pairs(kv []string) []string {
	out := make([]string, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, kv[i]+":"+kv[i+1])
	}
	return out
}

type nopService struct{}

func (nopService) BumpSum(string, float64, ...string) {}

func (nopService) BumpTime(string, ...string) Ender { return nopEnder{} }

type nopEnder struct{}

func (nopEnder) End() {}
