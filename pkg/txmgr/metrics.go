package txmgr

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	openConnsDesc = prometheus.NewDesc(
		"txseq_open_connections",
		"Connections currently owned by open transactions",
		nil, nil)
	connsHWMDesc = prometheus.NewDesc(
		"txseq_open_connections_high_water_mark",
		"Largest number of simultaneously open connections",
		nil, nil)
	openTxDesc = prometheus.NewDesc(
		"txseq_open_transactions",
		"Transactions in the open transaction registry",
		nil, nil)
	forcedDesc = prometheus.NewDesc(
		"txseq_forced_closes_total",
		"Transactions rolled back by the watchdog",
		nil, nil)
	poolSizeDesc = prometheus.NewDesc(
		"txseq_command_pool_size",
		"Idle command instances per command type",
		[]string{"type"}, nil)
)

var _ prometheus.Collector = &Manager{}

func (m *Manager) Describe(ch chan<- *prometheus.Desc) {
	ch <- openConnsDesc
	ch <- connsHWMDesc
	ch <- openTxDesc
	ch <- forcedDesc
	ch <- poolSizeDesc
	m.errs.Describe(ch)
}

func (m *Manager) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(openConnsDesc, prometheus.GaugeValue, float64(m.OpenConnections()))
	ch <- prometheus.MustNewConstMetric(connsHWMDesc, prometheus.GaugeValue, float64(m.HighWaterMark()))
	ch <- prometheus.MustNewConstMetric(openTxDesc, prometheus.GaugeValue, float64(m.OpenTransactions()))
	ch <- prometheus.MustNewConstMetric(forcedDesc, prometheus.CounterValue, float64(m.ForcedCloses()))
	for typ, size := range m.pools.Sizes() {
		ch <- prometheus.MustNewConstMetric(poolSizeDesc, prometheus.GaugeValue, float64(size), typ)
	}
	m.errs.Collect(ch)
}
