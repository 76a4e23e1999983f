package model

import (
	"github.com/shopspring/decimal"
)

// PlanStatus 定投计划状态
type PlanStatus string

const (
	PlanStatusActive    PlanStatus = "active"
	PlanStatusPaused    PlanStatus = "paused"
	PlanStatusCompleted PlanStatus = "completed"
	PlanStatusFailed    PlanStatus = "failed"
)

// Plan 定投计划
//
// 金额字段统一使用源代币最小单位 (整数, 如 USDC 的 6 位精度单位)，
// 展示层换算不在本服务范围内。
type Plan struct {
	ID uint64 `gorm:"column:id;primaryKey;autoIncrement" json:"id"`

	// OnChainID 链上计划 ID (PlanManager 合约分配)。
	// 历史数据可能没有链上 ID，这类计划无法结算，首次执行时会被暂停。
	OnChainID *uint64 `gorm:"column:on_chain_id;uniqueIndex" json:"on_chain_id"`

	WalletAddress string `gorm:"column:wallet_address;type:varchar(64);not null;index" json:"wallet_address"`
	TokenFrom     string `gorm:"column:token_from;type:varchar(64);not null" json:"token_from"`
	TokenTo       string `gorm:"column:token_to;type:varchar(64);not null" json:"token_to"`

	TotalAmount        decimal.Decimal `gorm:"column:total_amount;type:decimal(36,0);not null" json:"total_amount"`
	AmountPerOperation decimal.Decimal `gorm:"column:amount_per_operation;type:decimal(36,0);not null" json:"amount_per_operation"`
	IntervalSeconds    int64           `gorm:"column:interval_seconds;not null" json:"interval_seconds"`

	TotalOperations    int `gorm:"column:total_operations;not null" json:"total_operations"`
	ExecutedOperations int `gorm:"column:executed_operations;not null;default:0" json:"executed_operations"`

	// LastExecution / NextExecution 毫秒时间戳。
	// NextExecution 为 NULL 当且仅当计划已终止 (completed/failed)。
	LastExecution *int64 `gorm:"column:last_execution" json:"last_execution"`
	NextExecution *int64 `gorm:"column:next_execution;index" json:"next_execution"`

	Status   PlanStatus `gorm:"column:status;type:varchar(20);not null;index" json:"status"`
	IsActive bool       `gorm:"column:is_active;not null;index" json:"is_active"`

	// Version 乐观锁版本号，applyProgress 时校验
	Version int64 `gorm:"column:version;type:bigint;not null;default:1" json:"version"`

	CreatedAt int64 `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt int64 `gorm:"column:updated_at;not null" json:"updated_at"`
}

// TableName 表名
func (Plan) TableName() string {
	return "dca_plans"
}

// Completed 是否已执行完所有操作
func (p *Plan) Completed() bool {
	return p.ExecutedOperations >= p.TotalOperations
}

// Due 判断计划在 nowMs 时刻是否到期
func (p *Plan) Due(nowMs int64) bool {
	if p.Status != PlanStatusActive || !p.IsActive {
		return false
	}
	if p.NextExecution == nil {
		return false
	}
	return nowMs >= *p.NextExecution
}

// ProgressPatch 一次成功执行后的进度更新
type ProgressPatch struct {
	ExecutedOperations int
	Status             PlanStatus
	IsActive           bool
	LastExecution      *int64
	NextExecution      *int64
}
