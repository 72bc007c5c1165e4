package errcounter

import (
	"sync"

	"github.com/pg-sharding/txseq/pkg/models/txerror"
	"github.com/prometheus/client_golang/prometheus"
)

type ErrCounter interface {
	ReportError(errtype string)
	ErrorCounts() map[string]uint64
}

// Counter counts errors by txerror code and exports the counts as a
// prometheus counter vector labelled by code.
type Counter struct {
	mu     sync.Mutex
	counts map[string]uint64
	desc   *prometheus.Desc
}

var _ ErrCounter = &Counter{}
var _ prometheus.Collector = &Counter{}

// New creates a counter exported as txseq_<subsystem>_errors_total.
func New(subsystem string) *Counter {
	return &Counter{
		counts: map[string]uint64{},
		desc: prometheus.NewDesc(
			prometheus.BuildFQName("txseq", subsystem, "errors_total"),
			"Errors returned to callers by error code",
			[]string{"code"}, nil),
	}
}

func (c *Counter) ReportError(errtype string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[errtype]++
}

// Report classifies err by its code. Nil errors are ignored.
func (c *Counter) Report(err error) {
	if err == nil {
		return
	}
	c.ReportError(txerror.Code(err))
}

func (c *Counter) ErrorCounts() map[string]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	ret := make(map[string]uint64, len(c.counts))
	for k, v := range c.counts {
		ret[k] = v
	}
	return ret
}

func (c *Counter) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *Counter) Collect(ch chan<- prometheus.Metric) {
	for code, n := range c.ErrorCounts() {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.CounterValue, float64(n), code)
	}
}
