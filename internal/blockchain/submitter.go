package blockchain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-dca/internal/model"
	"github.com/eidos-exchange/eidos-dca/pkg/logger"
)

// ErrorKind 提交失败分类
type ErrorKind string

const (
	// ErrKindTimeout 确认超时，按普通失败重扫重试
	ErrKindTimeout ErrorKind = "timeout"
	// ErrKindReverted 交易回滚 (非计划失效原因)
	ErrKindReverted ErrorKind = "reverted"
	// ErrKindPlanInactive 链上认为计划已失效，需要对账
	ErrKindPlanInactive ErrorKind = "plan_inactive"
	// ErrKindOther 其他失败
	ErrKindOther ErrorKind = "other"
)

// SubmitError 带分类的提交失败
type SubmitError struct {
	Kind    ErrorKind
	Message string
	TxHash  string
}

func (e *SubmitError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("submit failed (%s, tx %s): %s", e.Kind, e.TxHash, e.Message)
	}
	return fmt.Sprintf("submit failed (%s): %s", e.Kind, e.Message)
}

// IsPlanInactive 判断错误是否为 "链上计划已失效"
func IsPlanInactive(err error) bool {
	var se *SubmitError
	return errors.As(err, &se) && se.Kind == ErrKindPlanInactive
}

// IsTimeout 判断错误是否为确认超时
func IsTimeout(err error) bool {
	var se *SubmitError
	return errors.As(err, &se) && se.Kind == ErrKindTimeout
}

// planInactiveMarkers 合约回滚原因中标识计划失效的子串
// PlanManager 合约的 require 文案
var planInactiveMarkers = []string{
	"plan not active",
	"plan inactive",
	"plan already completed",
	"plan is paused",
}

// Submitter 交易提交器
// 构建、签名、发送交易并等待一次确认。确认超时和回滚都转换为
// 带分类的 SubmitError，调用方据此决定重试还是对账。
type Submitter struct {
	client       *Client
	nonceManager *NonceManager

	confirmTimeout time.Duration
	pollInterval   time.Duration
	gasLimitBump   uint64 // EstimateGas 之上的安全余量 (百分比)
}

// SubmitterConfig 提交器配置
type SubmitterConfig struct {
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	GasLimitBump   uint64
}

// NewSubmitter 创建交易提交器
func NewSubmitter(client *Client, nonceManager *NonceManager, cfg *SubmitterConfig) *Submitter {
	s := &Submitter{
		client:         client,
		nonceManager:   nonceManager,
		confirmTimeout: 90 * time.Second,
		pollInterval:   2 * time.Second,
		gasLimitBump:   20,
	}
	if cfg != nil {
		if cfg.ConfirmTimeout > 0 {
			s.confirmTimeout = cfg.ConfirmTimeout
		}
		if cfg.PollInterval > 0 {
			s.pollInterval = cfg.PollInterval
		}
		if cfg.GasLimitBump > 0 {
			s.gasLimitBump = cfg.GasLimitBump
		}
	}
	return s
}

// Submit 提交结算载荷并等待一次确认，返回交易哈希
func (s *Submitter) Submit(ctx context.Context, payload *model.SettlementPayload) (string, error) {
	to := common.HexToAddress(payload.To)
	value := payload.Value.BigInt()

	nonce, err := s.nonceManager.AcquireNonce(ctx)
	if err != nil {
		return "", &SubmitError{Kind: ErrKindOther, Message: "acquire nonce: " + err.Error()}
	}

	gasTip, err := s.client.SuggestGasTipCap(ctx)
	if err != nil {
		return "", &SubmitError{Kind: ErrKindOther, Message: "suggest gas tip: " + err.Error()}
	}
	gasPrice, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", &SubmitError{Kind: ErrKindOther, Message: "suggest gas price: " + err.Error()}
	}

	gasLimit := payload.EstimatedGas
	if gasLimit == 0 {
		msg := ethereum.CallMsg{
			From:  s.client.Address(),
			To:    &to,
			Value: value,
			Data:  payload.CallData,
		}
		gasLimit, err = s.client.EstimateGas(ctx, msg)
		if err != nil {
			// 估算失败往往就是 require 失败，先按回滚原因分类
			return "", s.classifyError(err, "")
		}
	}
	gasLimit = gasLimit * (100 + s.gasLimitBump) / 100

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   big.NewInt(s.client.ChainID()),
		Nonce:     nonce,
		GasTipCap: gasTip,
		GasFeeCap: gasPrice,
		Gas:       gasLimit,
		To:        &to,
		Value:     value,
		Data:      payload.CallData,
	})

	signedTx, err := s.client.SignTransaction(tx)
	if err != nil {
		return "", &SubmitError{Kind: ErrKindOther, Message: "sign: " + err.Error()}
	}
	txHash := signedTx.Hash().Hex()

	if err := s.client.SendTransaction(ctx, signedTx); err != nil {
		if isNonceError(err) {
			// 计数漂移，重置后按普通失败交给重扫
			if syncErr := s.nonceManager.SyncFromChain(ctx); syncErr != nil {
				logger.Error("failed to resync nonce", zap.Error(syncErr))
			}
		}
		return "", s.classifyError(err, txHash)
	}

	logger.Info("transaction sent",
		zap.String("tx_hash", txHash),
		zap.Uint64("nonce", nonce),
		zap.Uint64("gas_limit", gasLimit))

	// 等待一次确认
	waitCtx, cancel := context.WithTimeout(ctx, s.confirmTimeout)
	defer cancel()

	receipt, err := s.client.WaitForReceipt(waitCtx, signedTx.Hash(), s.pollInterval)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", &SubmitError{
				Kind:    ErrKindTimeout,
				Message: fmt.Sprintf("confirmation not received within %s", s.confirmTimeout),
				TxHash:  txHash,
			}
		}
		return "", &SubmitError{Kind: ErrKindOther, Message: err.Error(), TxHash: txHash}
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		reason := s.revertReason(ctx, signedTx, receipt)
		return "", s.classifyRevert(reason, txHash)
	}

	return txHash, nil
}

// revertReason 重放交易提取回滚原因
func (s *Submitter) revertReason(ctx context.Context, tx *types.Transaction, receipt *types.Receipt) string {
	msg := ethereum.CallMsg{
		From:  s.client.Address(),
		To:    tx.To(),
		Gas:   tx.Gas(),
		Value: tx.Value(),
		Data:  tx.Data(),
	}
	_, err := s.client.CallContract(ctx, msg, receipt.BlockNumber)
	if err == nil {
		return "reverted without reason"
	}
	return err.Error()
}

// classifyError 把发送阶段错误转换为 SubmitError
func (s *Submitter) classifyError(err error, txHash string) *SubmitError {
	msg := err.Error()
	if strings.Contains(msg, "execution reverted") {
		return s.classifyRevert(msg, txHash)
	}
	return &SubmitError{Kind: ErrKindOther, Message: msg, TxHash: txHash}
}

// classifyRevert 按回滚原因分类
func (s *Submitter) classifyRevert(reason, txHash string) *SubmitError {
	lower := strings.ToLower(reason)
	for _, marker := range planInactiveMarkers {
		if strings.Contains(lower, marker) {
			return &SubmitError{Kind: ErrKindPlanInactive, Message: reason, TxHash: txHash}
		}
	}
	return &SubmitError{Kind: ErrKindReverted, Message: reason, TxHash: txHash}
}

func isNonceError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nonce too low") || strings.Contains(msg, "nonce too high")
}
