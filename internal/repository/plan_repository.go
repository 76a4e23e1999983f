package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/eidos-exchange/eidos-dca/internal/model"
)

var (
	// ErrVersionConflict 乐观锁版本冲突，调用方重新加载后重试
	ErrVersionConflict = errors.New("plan version conflict")
)

// PlanRepository 定投计划仓储
type PlanRepository struct {
	db *gorm.DB
}

// NewPlanRepository 创建定投计划仓储
func NewPlanRepository(db *gorm.DB) *PlanRepository {
	return &PlanRepository{db: db}
}

// Create 创建计划
func (r *PlanRepository) Create(ctx context.Context, plan *model.Plan) error {
	now := time.Now().UnixMilli()
	plan.CreatedAt = now
	plan.UpdatedAt = now
	if plan.Version == 0 {
		plan.Version = 1
	}
	return r.db.WithContext(ctx).Create(plan).Error
}

// GetByID 根据 ID 查询计划
func (r *PlanRepository) GetByID(ctx context.Context, id uint64) (*model.Plan, error) {
	var plan model.Plan
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&plan).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &plan, nil
}

// ListActive 查询所有活跃计划
func (r *PlanRepository) ListActive(ctx context.Context) ([]*model.Plan, error) {
	var plans []*model.Plan
	err := r.db.WithContext(ctx).
		Where("status = ? AND is_active = ?", model.PlanStatusActive, true).
		Order("id ASC").
		Find(&plans).Error
	return plans, err
}

// FindDue 查询 nowMs 时刻到期的活跃计划
func (r *PlanRepository) FindDue(ctx context.Context, nowMs int64) ([]*model.Plan, error) {
	var plans []*model.Plan
	err := r.db.WithContext(ctx).
		Where("status = ? AND is_active = ? AND next_execution IS NOT NULL AND next_execution <= ?",
			model.PlanStatusActive, true, nowMs).
		Order("next_execution ASC").
		Find(&plans).Error
	return plans, err
}

// ListByWallet 查询指定钱包的计划
func (r *PlanRepository) ListByWallet(ctx context.Context, wallet string) ([]*model.Plan, error) {
	var plans []*model.Plan
	err := r.db.WithContext(ctx).
		Where("wallet_address = ?", wallet).
		Order("id ASC").
		Find(&plans).Error
	return plans, err
}

// ApplyProgress 按乐观锁版本更新执行进度
//
// version 为调用方加载计划时看到的版本；若已被其他写入者推进则返回
// ErrVersionConflict，不做任何修改。
func (r *PlanRepository) ApplyProgress(ctx context.Context, id uint64, version int64, patch *model.ProgressPatch) error {
	result := r.db.WithContext(ctx).
		Model(&model.Plan{}).
		Where("id = ? AND version = ?", id, version).
		Updates(map[string]interface{}{
			"executed_operations": patch.ExecutedOperations,
			"status":              patch.Status,
			"is_active":           patch.IsActive,
			"last_execution":      patch.LastExecution,
			"next_execution":      patch.NextExecution,
			"version":             gorm.Expr("version + 1"),
			"updated_at":          time.Now().UnixMilli(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrVersionConflict
	}
	return nil
}

// SetStatus 更新计划状态
//
// 终态 (completed/failed) 同时清空 next_execution，保证
// "next_execution 为 NULL 当且仅当计划终止" 的不变式。
func (r *PlanRepository) SetStatus(ctx context.Context, id uint64, status model.PlanStatus, isActive bool) error {
	updates := map[string]interface{}{
		"status":     status,
		"is_active":  isActive,
		"version":    gorm.Expr("version + 1"),
		"updated_at": time.Now().UnixMilli(),
	}
	if status == model.PlanStatusCompleted || status == model.PlanStatusFailed {
		updates["next_execution"] = nil
	}
	return r.db.WithContext(ctx).
		Model(&model.Plan{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// ForceProgress 对账时以链上状态覆盖本地进度 (不走版本校验)
//
// 仅供对账路径使用：链上状态是权威来源，本地无条件对齐。
func (r *PlanRepository) ForceProgress(ctx context.Context, id uint64, executed int, status model.PlanStatus, isActive bool) error {
	updates := map[string]interface{}{
		"executed_operations": executed,
		"status":              status,
		"is_active":           isActive,
		"version":             gorm.Expr("version + 1"),
		"updated_at":          time.Now().UnixMilli(),
	}
	if status == model.PlanStatusCompleted || status == model.PlanStatusFailed {
		updates["next_execution"] = nil
	}
	return r.db.WithContext(ctx).
		Model(&model.Plan{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// CountByStatus 按状态统计计划数
func (r *PlanRepository) CountByStatus(ctx context.Context, status model.PlanStatus) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.Plan{}).
		Where("status = ?", status).
		Count(&count).Error
	return count, err
}
