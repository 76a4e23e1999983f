package model

import (
	"github.com/shopspring/decimal"
)

// SettlementPayload 聚合器返回的结算调用数据
//
// 由报价服务构造，交易提交器签名后发送。CallData 为合约调用的原始字节。
type SettlementPayload struct {
	To           string          `json:"to"`            // 目标合约地址 (hex)
	CallData     []byte          `json:"call_data"`     // 调用数据
	Value        decimal.Decimal `json:"value"`         // 原生币金额 (wei)
	EstimatedGas uint64          `json:"estimated_gas"` // 聚合器估算的 gas
}
