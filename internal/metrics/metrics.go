package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DCA Engine Metrics - 定投引擎监控指标
var (
	// PlansDue 最近一次扫描发现的到期计划数
	PlansDue = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "eidos",
			Subsystem: "dca",
			Name:      "plans_due",
			Help:      "最近一次调度扫描发现的到期计划数",
		},
	)

	// TasksEnqueued 入队任务总数
	TasksEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "eidos",
			Subsystem: "dca",
			Name:      "tasks_enqueued_total",
			Help:      "实际入队的执行任务总数 (不含幂等去重丢弃)",
		},
	)

	// TasksRecovered 恢复重投的任务总数
	TasksRecovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "eidos",
			Subsystem: "dca",
			Name:      "tasks_recovered_total",
			Help:      "超过可见性超时后恢复重投的任务总数",
		},
	)

	// QueueDepth 队列深度
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "eidos",
			Subsystem: "dca",
			Name:      "queue_depth",
			Help:      "pending 队列当前深度",
		},
	)

	// TicksTotal 执行 tick 总数
	TicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "eidos",
			Subsystem: "dca",
			Name:      "ticks_total",
			Help:      "执行 tick 总数，按结果(success/failed/skipped/reconciled/paused)分组",
		},
		[]string{"outcome"},
	)

	// TickLatency 执行 tick 延迟
	TickLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "eidos",
			Subsystem: "dca",
			Name:      "tick_latency_seconds",
			Help:      "单次执行 tick 端到端延迟(秒)",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to 160s
		},
	)

	// TickErrors tick 步骤错误数
	TickErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "eidos",
			Subsystem: "dca",
			Name:      "tick_errors_total",
			Help:      "tick 各步骤错误总数，按步骤(quote/submit/store/ledger)分组",
		},
		[]string{"step"},
	)

	// PlansCompleted 完成的计划总数
	PlansCompleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "eidos",
			Subsystem: "dca",
			Name:      "plans_completed_total",
			Help:      "执行完全部期数的计划总数 (含对账判定完成)",
		},
	)

	// Reconciliations 对账总数
	Reconciliations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "eidos",
			Subsystem: "dca",
			Name:      "reconciliations_total",
			Help:      "链上状态对账总数，按结果(completed/paused)分组",
		},
		[]string{"outcome"},
	)

	// TreasuryReserveBalance 金库储备余额
	TreasuryReserveBalance = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "eidos",
			Subsystem: "dca",
			Name:      "treasury_reserve_balance",
			Help:      "金库储备余额 (结算资产最小单位)，按资产分组",
		},
		[]string{"asset"},
	)

	// TreasuryRefills 金库补充次数
	TreasuryRefills = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "eidos",
			Subsystem: "dca",
			Name:      "treasury_refills_total",
			Help:      "储备补充触发总数，按资产分组",
		},
		[]string{"asset"},
	)

	// TreasuryBatchConverts 批量转换次数
	TreasuryBatchConverts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "eidos",
			Subsystem: "dca",
			Name:      "treasury_batch_converts_total",
			Help:      "待转换余额批量转换触发总数，按资产分组",
		},
		[]string{"asset"},
	)

	// VersionConflicts 乐观锁冲突数
	VersionConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "eidos",
			Subsystem: "dca",
			Name:      "version_conflicts_total",
			Help:      "计划进度更新的乐观锁冲突总数。持续增长说明有重复消费",
		},
	)
)

// RecordTick 记录一次 tick 结果
// outcome 取值: success, failed, skipped, reconciled, paused
func RecordTick(outcome string) {
	TicksTotal.WithLabelValues(outcome).Inc()
}

// RecordTickError 记录 tick 步骤错误
// step 取值: quote, submit, store, ledger
func RecordTickError(step string) {
	TickErrors.WithLabelValues(step).Inc()
}
