package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every exported metric name
const Namespace = "x402"

// collector exposes a Recorder's counters as Prometheus counters without
// duplicating state: values are read from the recorder at scrape time.
type collector struct {
	recorder *Recorder
	descs    map[Counter]*prometheus.Desc
}

// Collector returns a prometheus.Collector over the recorder, exported as
// x402_<counter>_total
func (r *Recorder) Collector() prometheus.Collector {
	names := r.Names()
	c := &collector{
		recorder: r,
		descs:    make(map[Counter]*prometheus.Desc, len(names)),
	}
	for _, name := range names {
		c.descs[name] = prometheus.NewDesc(
			prometheus.BuildFQName(Namespace, "", string(name)+"_total"),
			"Count of "+string(name)+" events since process start.",
			nil, nil,
		)
	}
	return c
}

// Register registers the recorder's collector on reg
func (r *Recorder) Register(reg prometheus.Registerer) error {
	return reg.Register(r.Collector())
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d
	}
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	for name, d := range c.descs {
		v, _ := c.recorder.Get(name)
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
}
