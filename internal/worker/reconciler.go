package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-dca/internal/metrics"
	"github.com/eidos-exchange/eidos-dca/internal/model"
	"github.com/eidos-exchange/eidos-dca/internal/repository"
	"github.com/eidos-exchange/eidos-dca/pkg/logger"
)

// Reconciler 链上状态对账
//
// 仅在链上拒绝携带 "计划已失效" 信号时触发。以链上状态为权威:
// 链上已执行完全部期数则本地直接对齐为完成；否则视为外部暂停。
// 两个分支都不会凭空增加本进程未确认过的执行进度。
type Reconciler struct {
	planRepo *repository.PlanRepository
	execRepo *repository.ExecutionRepository
	reader   PlanReader
}

// NewReconciler 创建对账器
func NewReconciler(planRepo *repository.PlanRepository, execRepo *repository.ExecutionRepository, reader PlanReader) *Reconciler {
	return &Reconciler{
		planRepo: planRepo,
		execRepo: execRepo,
		reader:   reader,
	}
}

// Reconcile 对账一个被链上拒绝的计划。
//
// entryID 为本次 tick 已落库的 pending 账本记录，对账结论写入其失败原因。
// 返回 error 仅代表存储层故障 (任务应重投)。
func (r *Reconciler) Reconcile(ctx context.Context, plan *model.Plan, entryID uint64) error {
	if plan.OnChainID == nil {
		// 不应该发生: 没有链上 ID 的计划在提交前已被暂停
		return fmt.Errorf("reconcile plan %d: no on-chain id", plan.ID)
	}

	onchain, err := r.reader.ReadPlan(ctx, *plan.OnChainID)
	if err != nil {
		// 读链失败就不下结论，留给下一轮重扫
		logger.Error("failed to read on-chain plan state",
			zap.Uint64("plan_id", plan.ID),
			zap.Uint64("on_chain_id", *plan.OnChainID),
			zap.Error(err))
		r.finalizeFailed(ctx, entryID, "reconciliation aborted: "+err.Error())
		metrics.RecordTick("failed")
		return nil
	}

	logger.Info("reconciling plan against on-chain state",
		zap.Uint64("plan_id", plan.ID),
		zap.Uint64("on_chain_id", *plan.OnChainID),
		zap.Int("local_executed", plan.ExecutedOperations),
		zap.Int("onchain_executed", onchain.ExecutedOperations),
		zap.Int("onchain_total", onchain.TotalOperations),
		zap.Bool("onchain_active", onchain.Active))

	if onchain.ExecutedOperations >= onchain.TotalOperations {
		// 链上已执行完，本地落后，直接对齐为完成
		if err := r.planRepo.ForceProgress(ctx, plan.ID, onchain.TotalOperations, model.PlanStatusCompleted, false); err != nil {
			metrics.RecordTickError("store")
			return fmt.Errorf("force complete plan %d: %w", plan.ID, err)
		}
		r.finalizeFailed(ctx, entryID, "already completed on-chain")
		metrics.Reconciliations.WithLabelValues("completed").Inc()
		metrics.PlansCompleted.Inc()
		metrics.RecordTick("reconciled")
		return nil
	}

	// 链上因其他原因失效 (如外部暂停)，本地暂停，进度不动
	if err := r.planRepo.SetStatus(ctx, plan.ID, model.PlanStatusPaused, false); err != nil {
		metrics.RecordTickError("store")
		return fmt.Errorf("pause plan %d: %w", plan.ID, err)
	}
	r.finalizeFailed(ctx, entryID, "plan inactive on-chain")
	metrics.Reconciliations.WithLabelValues("paused").Inc()
	metrics.RecordTick("reconciled")
	return nil
}

func (r *Reconciler) finalizeFailed(ctx context.Context, entryID uint64, reason string) {
	if err := r.execRepo.FinalizeFailed(ctx, entryID, reason); err != nil {
		logger.Error("failed to finalize execution record",
			zap.Uint64("execution_id", entryID),
			zap.Error(err))
	}
}
