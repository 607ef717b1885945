package obs

import (
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// KeyedGauge is a GaugeVec that remembers every label combination it has
// written. Series are never deleted; ZeroAll resets each remembered one to 0 so
// scrapers see an explicit zero instead of a stale value.
type KeyedGauge struct {
	vec  *prometheus.GaugeVec
	mu   sync.Mutex
	seen map[string][]string
}

// NewKeyedGauge wraps vec.
func NewKeyedGauge(vec *prometheus.GaugeVec) *KeyedGauge {
	return &KeyedGauge{vec: vec, seen: make(map[string][]string)}
}

// Vec exposes the underlying collector.
func (g *KeyedGauge) Vec() *prometheus.GaugeVec { return g.vec }

// Set assigns v to the series identified by labels.
func (g *KeyedGauge) Set(v float64, labels ...string) {
	g.remember(labels)
	g.vec.WithLabelValues(labels...).Set(v)
}

// Inc adds one to the series identified by labels.
func (g *KeyedGauge) Inc(labels ...string) {
	g.remember(labels)
	g.vec.WithLabelValues(labels...).Inc()
}

// ZeroAll sets every remembered series to 0.
func (g *KeyedGauge) ZeroAll() {
	for _, labels := range g.Keys() {
		g.vec.WithLabelValues(labels...).Set(0)
	}
}

// Keys returns the remembered label combinations in a stable order.
func (g *KeyedGauge) Keys() [][]string {
	g.mu.Lock()
	out := make([][]string, 0, len(g.seen))
	for _, labels := range g.seen {
		out = append(out, labels)
	}
	g.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return labelKey(out[i]) < labelKey(out[j])
	})
	return out
}

func (g *KeyedGauge) remember(labels []string) {
	key := labelKey(labels)
	g.mu.Lock()
	if _, ok := g.seen[key]; !ok {
		g.seen[key] = append([]string(nil), labels...)
	}
	g.mu.Unlock()
}

func labelKey(labels []string) string {
	return strings.Join(labels, "\xff")
}
