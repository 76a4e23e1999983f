package model

import (
	"github.com/shopspring/decimal"
)

// ExecutionStatus 执行记录状态
type ExecutionStatus string

const (
	ExecutionStatusPending ExecutionStatus = "pending"
	ExecutionStatusSuccess ExecutionStatus = "success"
	ExecutionStatusFailed  ExecutionStatus = "failed"
)

// Execution 单次定投执行记录 (只追加账本)
//
// 每次尝试写入一条记录，包括重试；记录一旦进入终态不再修改。
type Execution struct {
	ID     uint64 `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	PlanID uint64 `gorm:"column:plan_id;not null;index" json:"plan_id"`

	WalletAddress string          `gorm:"column:wallet_address;type:varchar(64);not null;index" json:"wallet_address"`
	TokenFrom     string          `gorm:"column:token_from;type:varchar(64);not null" json:"token_from"`
	TokenTo       string          `gorm:"column:token_to;type:varchar(64);not null" json:"token_to"`
	Amount        decimal.Decimal `gorm:"column:amount;type:decimal(36,0);not null" json:"amount"`

	Status       ExecutionStatus `gorm:"column:status;type:varchar(20);not null;index" json:"status"`
	TxHash       *string         `gorm:"column:tx_hash;type:varchar(80)" json:"tx_hash"`
	ErrorMessage *string         `gorm:"column:error_message;type:text" json:"error_message"`

	ExecutedAt int64 `gorm:"column:executed_at;not null" json:"executed_at"`
	CreatedAt  int64 `gorm:"column:created_at;not null" json:"created_at"`
}

// TableName 表名
func (Execution) TableName() string {
	return "dca_executions"
}
