package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	FetchRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "terra_fetch_requests_total",
		Help: "Total remote region service calls",
	}, []string{"call"})
	FetchFailTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "terra_fetch_fail_total",
		Help: "Total remote region service failures (transport or non-success status)",
	}, []string{"call"})
	FetchDurationMs = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "terra_fetch_duration_ms",
		Help:    "Remote region service call duration in milliseconds",
		Buckets: []float64{5, 20, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
	}, []string{"call"})
	StaleResultsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "terra_stale_results_total",
		Help: "Results discarded because the selection changed before they resolved",
	}, []string{"slot"})
	CacheHitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "terra_cache_hits_total",
		Help: "Region response cache hits by layer",
	}, []string{"layer"})
	CacheMissesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "terra_cache_misses_total",
		Help: "Region response cache misses by layer",
	}, []string{"layer"})
	SelectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "terra_selections_total",
		Help: "Selection transitions by kind",
	}, []string{"kind"})
	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "terra_sessions_active",
		Help: "Number of live explorer sessions",
	})
)

func init() {
	prometheus.MustRegister(FetchRequestsTotal)
	prometheus.MustRegister(FetchFailTotal)
	prometheus.MustRegister(FetchDurationMs)
	prometheus.MustRegister(StaleResultsTotal)
	prometheus.MustRegister(CacheHitsTotal)
	prometheus.MustRegister(CacheMissesTotal)
	prometheus.MustRegister(SelectionsTotal)
	prometheus.MustRegister(SessionsActive)
}

// 文档注释：返回 Prometheus 指标监听器
// 背景：统一暴露注册指标到 /metrics 路径，供 Prometheus 抓取；在主入口挂载。
func Handler() http.Handler { return promhttp.Handler() }
