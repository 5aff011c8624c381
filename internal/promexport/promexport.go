// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package promexport exports the values of an expvar.Map as Prometheus
// metrics.
package promexport

import (
	"expvar"
	"strings"

	"github.com/creachadair/mds/mapset"
	"github.com/prometheus/client_golang/prometheus"
)

// Collector is a [prometheus.Collector] that reports the numeric values of
// an expvar.Map each time it is scraped. Values of other types are skipped.
//
// The set of keys in the map may change between scrapes, so Collector is an
// unchecked collector: its Describe method sends no descriptors.
type Collector struct {
	ns     string
	m      *expvar.Map
	gauges mapset.Set[string]
}

// New returns a Collector for m. Metric names are the keys of m, with
// characters outside [a-zA-Z0-9_] replaced by "_", prefixed by namespace if
// it is not empty. The keys listed in gauges are reported as gauges; all
// others are reported as counters.
func New(namespace string, m *expvar.Map, gauges ...string) *Collector {
	return &Collector{ns: namespace, m: m, gauges: mapset.New(gauges...)}
}

// Describe implements part of the [prometheus.Collector] interface.
func (c *Collector) Describe(chan<- *prometheus.Desc) {}

// Collect implements part of the [prometheus.Collector] interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.m.Do(func(kv expvar.KeyValue) {
		var v float64
		switch t := kv.Value.(type) {
		case *expvar.Int:
			v = float64(t.Value())
		case *expvar.Float:
			v = t.Value()
		default:
			return
		}
		vtype := prometheus.CounterValue
		if c.gauges.Has(kv.Key) {
			vtype = prometheus.GaugeValue
		}
		desc := prometheus.NewDesc(prometheus.BuildFQName(c.ns, "", metricName(kv.Key)), kv.Key, nil, nil)
		ch <- prometheus.MustNewConstMetric(desc, vtype, v)
	})
}

func metricName(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		}
		return '_'
	}, key)
}
