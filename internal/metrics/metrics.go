package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrderCreateTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "points_ledger_order_create_total",
		Help: "创建订单的总次数",
	}, []string{"payment_method"})

	OrderTransitionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "points_ledger_order_transition_total",
		Help: "订单状态迁移次数（lost 表示 CAS 竞争失败）",
	}, []string{"target", "result"})

	SettleTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "points_ledger_settle_total",
		Help: "结算调用结果统计",
	}, []string{"result"})

	CreditedPointsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "points_ledger_credited_points_total",
		Help: "累计入账点数",
	})

	NotifyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "points_ledger_notify_total",
		Help: "支付回调处理次数",
	}, []string{"gateway", "result"})

	GatewayCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "points_ledger_gateway_call_duration_seconds",
		Help:    "调用支付网关的耗时（秒）",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"gateway", "method"})

	ReconcileTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "points_ledger_reconcile_total",
		Help: "对账任务处理的订单数",
	}, []string{"kind", "result"})
)

func RecordSettle(result string) {
	SettleTotal.WithLabelValues(result).Inc()
}

func RecordTransition(target, result string) {
	OrderTransitionTotal.WithLabelValues(target, result).Inc()
}

func RecordNotify(gateway, result string) {
	NotifyTotal.WithLabelValues(gateway, result).Inc()
}

func RecordReconcile(kind, result string) {
	ReconcileTotal.WithLabelValues(kind, result).Inc()
}
