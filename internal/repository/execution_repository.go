package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/eidos-exchange/eidos-dca/internal/model"
)

var (
	// ErrExecutionFinalized 执行记录已进入终态，不允许再次修改
	ErrExecutionFinalized = errors.New("execution already finalized")
)

// ExecutionRepository 定投执行账本仓储
type ExecutionRepository struct {
	db *gorm.DB
}

// NewExecutionRepository 创建执行账本仓储
func NewExecutionRepository(db *gorm.DB) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

// Record 写入一条 pending 执行记录，在任何外部调用之前落库
func (r *ExecutionRepository) Record(ctx context.Context, exec *model.Execution) error {
	now := time.Now().UnixMilli()
	exec.Status = model.ExecutionStatusPending
	exec.ExecutedAt = now
	exec.CreatedAt = now
	return r.db.WithContext(ctx).Create(exec).Error
}

// FinalizeSuccess 标记执行成功并记录交易哈希
func (r *ExecutionRepository) FinalizeSuccess(ctx context.Context, id uint64, txHash string) error {
	return r.finalize(ctx, id, model.ExecutionStatusSuccess, &txHash, nil)
}

// FinalizeFailed 标记执行失败并记录原因
func (r *ExecutionRepository) FinalizeFailed(ctx context.Context, id uint64, reason string) error {
	return r.finalize(ctx, id, model.ExecutionStatusFailed, nil, &reason)
}

// finalize 终态迁移。UPDATE 条件限定 status='pending'，
// 保证账本记录只迁移一次，之后不可变。
func (r *ExecutionRepository) finalize(ctx context.Context, id uint64, status model.ExecutionStatus, txHash, errMsg *string) error {
	result := r.db.WithContext(ctx).
		Model(&model.Execution{}).
		Where("id = ? AND status = ?", id, model.ExecutionStatusPending).
		Updates(map[string]interface{}{
			"status":        status,
			"tx_hash":       txHash,
			"error_message": errMsg,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrExecutionFinalized
	}
	return nil
}

// GetByID 根据 ID 查询执行记录
func (r *ExecutionRepository) GetByID(ctx context.Context, id uint64) (*model.Execution, error) {
	var exec model.Execution
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&exec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &exec, nil
}

// ListByPlan 查询某计划的执行历史
func (r *ExecutionRepository) ListByPlan(ctx context.Context, planID uint64, limit int) ([]*model.Execution, error) {
	var execs []*model.Execution
	err := r.db.WithContext(ctx).
		Where("plan_id = ?", planID).
		Order("executed_at DESC").
		Limit(limit).
		Find(&execs).Error
	return execs, err
}

// CountByPlanAndStatus 统计某计划各状态的执行次数
func (r *ExecutionRepository) CountByPlanAndStatus(ctx context.Context, planID uint64, status model.ExecutionStatus) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.Execution{}).
		Where("plan_id = ? AND status = ?", planID, status).
		Count(&count).Error
	return count, err
}
