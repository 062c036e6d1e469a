package metrics

import (
	"meter/internal/billing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 请求结果
const (
	OutcomeRecorded          = "recorded"
	OutcomeUpstreamStatus    = "upstream_status"
	OutcomeUpstreamError     = "upstream_error"
	OutcomeCancelled         = "cancelled"
	OutcomeUpstreamReadError = "upstream_read_error"
	OutcomeLogFailed         = "log_failed"
	OutcomeRejectedAuth      = "rejected_auth"
	OutcomeRejectedCap       = "rejected_cap"
	OutcomeBadRequest        = "bad_request"
)

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meter_proxy_requests_total",
			Help: "Proxied chat completion requests by mode and outcome",
		},
		[]string{"mode", "outcome"},
	)
	costTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meter_cost_usd_total",
			Help: "Recorded spend in USD by pricing model prefix",
		},
		[]string{"pricing_model"},
	)
	tokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meter_tokens_total",
			Help: "Recorded tokens by direction",
		},
		[]string{"direction"},
	)
	upstreamLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meter_upstream_latency_milliseconds",
			Help:    "Upstream latency from dispatch to end of body in milliseconds",
			Buckets: []float64{50, 100, 250, 500, 1000, 2000, 5000, 10000, 30000, 120000},
		},
		[]string{"mode"},
	)
	usageLogFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meter_usage_log_failures_total",
			Help: "Usage records that could not be persisted",
		},
	)
)

func init() {
	prometheus.MustRegister(requestsTotal)
	prometheus.MustRegister(costTotal)
	prometheus.MustRegister(tokensTotal)
	prometheus.MustRegister(upstreamLatency)
	prometheus.MustRegister(usageLogFailures)
}

// ObserveRequest 记录一次请求结果
func ObserveRequest(mode, outcome string) {
	requestsTotal.WithLabelValues(mode, outcome).Inc()
}

// ObserveRecorded 记录一次成功写入的用量
func ObserveRecorded(mode, model string, cost float64, tokensIn, tokensOut, latencyMs int64) {
	requestsTotal.WithLabelValues(mode, OutcomeRecorded).Inc()
	costTotal.WithLabelValues(pricingLabel(model)).Add(cost)
	tokensTotal.WithLabelValues("in").Add(float64(tokensIn))
	tokensTotal.WithLabelValues("out").Add(float64(tokensOut))
	upstreamLatency.WithLabelValues(mode).Observe(float64(latencyMs))
}

// pricingLabel 将调用方提供的模型名收敛到价格表前缀，未匹配的归入 fallback
func pricingLabel(model string) string {
	price, _ := billing.Lookup(model)
	return price.ModelPrefix
}

// ObserveLogFailure 用量写入失败
func ObserveLogFailure(mode string) {
	usageLogFailures.Inc()
	requestsTotal.WithLabelValues(mode, OutcomeLogFailed).Inc()
}

// Handler Prometheus 抓取端点
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
