package server

import (
	"math/big"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metricsRegistry struct {
	registry         *prometheus.Registry
	ordersTotal      *prometheus.CounterVec
	confirmsTotal    *prometheus.CounterVec
	releasesTotal    *prometheus.CounterVec
	rewardMintsTotal *prometheus.CounterVec
	custodyWei       prometheus.Gauge
	dlqDepth         prometheus.Gauge
}

func newMetricsRegistry() *metricsRegistry {
	orders := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "harvestpay_orders_total",
		Help: "Escrow order creations by outcome",
	}, []string{"status"})

	confirms := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "harvestpay_delivery_confirmations_total",
		Help: "Delivery confirmations by outcome",
	}, []string{"status"})

	releases := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "harvestpay_releases_total",
		Help: "Order releases by outcome",
	}, []string{"status"})

	mints := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "harvestpay_reward_mints_total",
		Help: "Reward mint attempts by result",
	}, []string{"result"})

	custody := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "harvestpay_custody_wei",
		Help: "Aggregate value held for non-terminal orders, in wei",
	})

	dlq := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "harvestpay_mint_dlq_depth",
		Help: "Number of dead-lettered reward mints awaiting replay",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(orders, confirms, releases, mints, custody, dlq)

	return &metricsRegistry{
		registry:         r,
		ordersTotal:      orders,
		confirmsTotal:    confirms,
		releasesTotal:    releases,
		rewardMintsTotal: mints,
		custodyWei:       custody,
		dlqDepth:         dlq,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) incOrder(status string) {
	m.ordersTotal.WithLabelValues(status).Inc()
}

func (m *metricsRegistry) incConfirm(status string) {
	m.confirmsTotal.WithLabelValues(status).Inc()
}

func (m *metricsRegistry) incRelease(status string) {
	m.releasesTotal.WithLabelValues(status).Inc()
}

func (m *metricsRegistry) incMint(result string) {
	m.rewardMintsTotal.WithLabelValues(result).Inc()
}

func (m *metricsRegistry) setCustody(total *big.Int) {
	if total == nil {
		return
	}
	f, _ := new(big.Float).SetInt(total).Float64()
	m.custodyWei.Set(f)
}

func (m *metricsRegistry) setDLQDepth(depth int) {
	m.dlqDepth.Set(float64(depth))
}
