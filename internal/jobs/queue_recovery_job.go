package jobs

import (
	"context"

	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-dca/internal/metrics"
	"github.com/eidos-exchange/eidos-dca/internal/queue"
	"github.com/eidos-exchange/eidos-dca/internal/scheduler"
	"github.com/eidos-exchange/eidos-dca/pkg/logger"
)

// QueueRecoveryJob 队列恢复任务
// 把超过可见性超时仍未确认的任务移回 pending 重投，
// 覆盖消费者崩溃后任务滞留在 processing 集合的情况。
type QueueRecoveryJob struct {
	scheduler.BaseJob
	queue *queue.Queue
}

// NewQueueRecoveryJob 创建队列恢复任务
func NewQueueRecoveryJob(q *queue.Queue) *QueueRecoveryJob {
	cfg := scheduler.DefaultJobConfigs[scheduler.JobNameQueueRecovery]

	return &QueueRecoveryJob{
		BaseJob: scheduler.NewBaseJob(
			scheduler.JobNameQueueRecovery,
			cfg.Timeout,
			cfg.LockTTL,
			cfg.UseWatchdog,
		),
		queue: q,
	}
}

// Execute 执行恢复扫描
func (j *QueueRecoveryJob) Execute(ctx context.Context) (*scheduler.JobResult, error) {
	result := &scheduler.JobResult{
		Details: make(map[string]interface{}),
	}

	recovered, err := j.queue.RecoverStale(ctx)
	if err != nil {
		return nil, err
	}

	result.ProcessedCount = recovered
	result.AffectedCount = recovered
	result.Details["recovered"] = recovered

	if recovered > 0 {
		metrics.TasksRecovered.Add(float64(recovered))
		logger.Warn("recovered stale queue tasks", zap.Int("count", recovered))
	}

	depth, err := j.queue.Depth(ctx)
	if err == nil {
		metrics.QueueDepth.Set(float64(depth))
		result.Details["queue_depth"] = depth
	}

	return result, nil
}
