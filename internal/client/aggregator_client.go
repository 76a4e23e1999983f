// Package client 提供外部服务客户端
package client

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-dca/internal/model"
	"github.com/eidos-exchange/eidos-dca/internal/worker"
	"github.com/eidos-exchange/eidos-dca/pkg/logger"
)

// AggregatorClient 兑换聚合器客户端
// 实现 worker.QuoteProvider 接口，向 1inch 风格的聚合器 API 询价，
// 返回可直接提交的结算载荷
type AggregatorClient struct {
	baseURL    string
	apiKey     string
	chainID    int64
	slippage   string
	httpClient *http.Client
}

// AggregatorClientConfig 客户端配置
type AggregatorClientConfig struct {
	BaseURL        string
	APIKey         string
	ChainID        int64
	Slippage       string // 百分比, 如 "1"
	RequestTimeout time.Duration
}

// NewAggregatorClient 创建聚合器客户端
func NewAggregatorClient(cfg *AggregatorClientConfig) *AggregatorClient {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	slippage := cfg.Slippage
	if slippage == "" {
		slippage = "1"
	}

	return &AggregatorClient{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:   cfg.APIKey,
		chainID:  cfg.ChainID,
		slippage: slippage,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// swapResponse 聚合器 swap 接口响应
type swapResponse struct {
	Tx struct {
		To    string `json:"to"`
		Data  string `json:"data"`
		Value string `json:"value"`
		Gas   uint64 `json:"gas"`
	} `json:"tx"`
	DstAmount string `json:"dstAmount"`
}

// errorResponse 聚合器错误响应
type errorResponse struct {
	Description string `json:"description"`
	Error       string `json:"error"`
}

// Quote 获取结算载荷
func (c *AggregatorClient) Quote(ctx context.Context, req *worker.QuoteRequest) (*model.SettlementPayload, error) {
	params := url.Values{}
	params.Set("src", req.TokenFrom)
	params.Set("dst", req.TokenTo)
	params.Set("amount", req.Amount)
	params.Set("from", req.Wallet)
	params.Set("slippage", c.slippage)
	params.Set("disableEstimate", "true")

	endpoint := fmt.Sprintf("%s/swap/v6.0/%d/swap?%s", c.baseURL, c.chainID, params.Encode())

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("aggregator request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read aggregator response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr errorResponse
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Description != "" {
			return nil, fmt.Errorf("aggregator error (%d): %s", resp.StatusCode, apiErr.Description)
		}
		return nil, fmt.Errorf("aggregator error (%d)", resp.StatusCode)
	}

	var swap swapResponse
	if err := json.Unmarshal(body, &swap); err != nil {
		return nil, fmt.Errorf("decode aggregator response: %w", err)
	}
	if swap.Tx.To == "" || swap.Tx.Data == "" {
		return nil, fmt.Errorf("aggregator returned empty transaction")
	}

	callData, err := hex.DecodeString(strings.TrimPrefix(swap.Tx.Data, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode calldata: %w", err)
	}

	value := decimal.Zero
	if swap.Tx.Value != "" {
		value, err = decimal.NewFromString(swap.Tx.Value)
		if err != nil {
			return nil, fmt.Errorf("parse tx value: %w", err)
		}
	}

	logger.Debug("aggregator quote received",
		zap.String("token_from", req.TokenFrom),
		zap.String("token_to", req.TokenTo),
		zap.String("amount", req.Amount),
		zap.String("dst_amount", swap.DstAmount))

	return &model.SettlementPayload{
		To:           swap.Tx.To,
		CallData:     callData,
		Value:        value,
		EstimatedGas: swap.Tx.Gas,
	}, nil
}

// MockQuoteProvider 模拟询价提供者 (聚合器未配置时使用)
type MockQuoteProvider struct{}

// Quote 返回固定的空载荷
func (p *MockQuoteProvider) Quote(ctx context.Context, req *worker.QuoteRequest) (*model.SettlementPayload, error) {
	return &model.SettlementPayload{
		To:       req.TokenTo,
		CallData: []byte{0x0},
		Value:    decimal.Zero,
	}, nil
}
