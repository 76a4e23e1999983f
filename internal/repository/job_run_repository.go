package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/eidos-exchange/eidos-dca/internal/model"
)

// JobRunRepository 定时任务执行记录仓储
type JobRunRepository struct {
	db *gorm.DB
}

// NewJobRunRepository 创建定时任务执行记录仓储
func NewJobRunRepository(db *gorm.DB) *JobRunRepository {
	return &JobRunRepository{db: db}
}

// Create 创建执行记录
func (r *JobRunRepository) Create(ctx context.Context, run *model.JobRun) error {
	run.CreatedAt = time.Now().UnixMilli()
	return r.db.WithContext(ctx).Create(run).Error
}

// Update 更新执行记录
func (r *JobRunRepository) Update(ctx context.Context, run *model.JobRun) error {
	return r.db.WithContext(ctx).Save(run).Error
}

// GetLatestByJobName 获取任务最新执行记录
func (r *JobRunRepository) GetLatestByJobName(ctx context.Context, jobName string) (*model.JobRun, error) {
	var run model.JobRun
	err := r.db.WithContext(ctx).
		Where("job_name = ?", jobName).
		Order("started_at DESC").
		First(&run).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &run, nil
}

// ListByJobName 查询任务执行历史
func (r *JobRunRepository) ListByJobName(ctx context.Context, jobName string, limit int) ([]*model.JobRun, error) {
	var runs []*model.JobRun
	err := r.db.WithContext(ctx).
		Where("job_name = ?", jobName).
		Order("started_at DESC").
		Limit(limit).
		Find(&runs).Error
	return runs, err
}

// CleanupOldRecords 清理旧的执行记录
func (r *JobRunRepository) CleanupOldRecords(ctx context.Context, beforeMs int64, batchSize int) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("started_at < ?", beforeMs).
		Limit(batchSize).
		Delete(&model.JobRun{})
	return result.RowsAffected, result.Error
}
