// Package jobs 定投引擎的定时任务
// 扫描到期计划并入队、恢复滞留任务、监控金库库存
package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-dca/internal/metrics"
	"github.com/eidos-exchange/eidos-dca/internal/model"
	"github.com/eidos-exchange/eidos-dca/internal/queue"
	"github.com/eidos-exchange/eidos-dca/internal/repository"
	"github.com/eidos-exchange/eidos-dca/internal/scheduler"
	"github.com/eidos-exchange/eidos-dca/pkg/logger"
)

// DueCheck 到期判定策略
type DueCheck string

const (
	// DueCheckStrict 严格按 next_execution 判定
	DueCheckStrict DueCheck = "strict"
	// DueCheckAlways 所有活跃计划都视为到期 (仅用于联调环境)
	DueCheckAlways DueCheck = "alwaysDue"
)

// SchedulerPolicy 调度策略，构造时注入，热路径不读环境变量
type SchedulerPolicy struct {
	DueCheck DueCheck
	// ScanInterval 扫描周期，用于 next_execution 缺失时的幂等令牌兜底分桶
	ScanInterval time.Duration
}

// DefaultSchedulerPolicy 默认策略
var DefaultSchedulerPolicy = SchedulerPolicy{
	DueCheck:     DueCheckStrict,
	ScanInterval: 30 * time.Second,
}

// PlanScanJob 计划扫描任务
// 每个周期找出到期计划并各入队一条执行任务。扫描本身不修改计划状态，
// 也不触达链上；单个计划入队失败不影响同批其他计划。
type PlanScanJob struct {
	scheduler.BaseJob
	planRepo *repository.PlanRepository
	queue    *queue.Queue
	policy   SchedulerPolicy
}

// NewPlanScanJob 创建计划扫描任务
func NewPlanScanJob(planRepo *repository.PlanRepository, q *queue.Queue, policy *SchedulerPolicy) *PlanScanJob {
	cfg := scheduler.DefaultJobConfigs[scheduler.JobNamePlanScan]

	p := DefaultSchedulerPolicy
	if policy != nil {
		p = *policy
	}
	if p.ScanInterval <= 0 {
		p.ScanInterval = DefaultSchedulerPolicy.ScanInterval
	}

	return &PlanScanJob{
		BaseJob: scheduler.NewBaseJob(
			scheduler.JobNamePlanScan,
			cfg.Timeout,
			cfg.LockTTL,
			cfg.UseWatchdog,
		),
		planRepo: planRepo,
		queue:    q,
		policy:   p,
	}
}

// Execute 执行扫描
func (j *PlanScanJob) Execute(ctx context.Context) (*scheduler.JobResult, error) {
	result := &scheduler.JobResult{
		Details: make(map[string]interface{}),
	}

	nowMs := time.Now().UnixMilli()

	var plans []*model.Plan
	var err error
	switch j.policy.DueCheck {
	case DueCheckAlways:
		plans, err = j.planRepo.ListActive(ctx)
	default:
		plans, err = j.planRepo.FindDue(ctx, nowMs)
	}
	if err != nil {
		return nil, err
	}

	metrics.PlansDue.Set(float64(len(plans)))

	if len(plans) == 0 {
		return result, nil
	}

	logger.Info("found due plans", zap.Int("count", len(plans)))

	enqueued := 0
	deduped := 0
	for _, plan := range plans {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		result.ProcessedCount++

		task := &queue.Task{
			PlanID:    plan.ID,
			OnChainID: plan.OnChainID,
			Token:     queue.IdempotencyToken(plan.ID, j.tokenBucket(plan)),
		}

		ok, err := j.queue.Enqueue(ctx, task)
		if err != nil {
			logger.Error("failed to enqueue plan",
				zap.Uint64("plan_id", plan.ID),
				zap.Error(err))
			result.ErrorCount++
			continue
		}
		if !ok {
			deduped++
			continue
		}

		enqueued++
		metrics.TasksEnqueued.Inc()
	}

	result.AffectedCount = enqueued
	result.Details["enqueued"] = enqueued
	result.Details["deduped"] = deduped

	logger.Info("plan scan completed",
		zap.Int("due", len(plans)),
		zap.Int("enqueued", enqueued),
		zap.Int("deduped", deduped),
		zap.Int("errors", result.ErrorCount))

	return result, nil
}

// tokenBucket 计算幂等令牌的时间桶。
// 取计划的到期时间点：同一到期窗口内的重复扫描得到相同令牌，
// 成功执行把 next_execution 推进后令牌自然滚动。
func (j *PlanScanJob) tokenBucket(plan *model.Plan) time.Time {
	if plan.NextExecution != nil {
		return time.UnixMilli(*plan.NextExecution)
	}
	return time.Now().Truncate(j.policy.ScanInterval)
}
