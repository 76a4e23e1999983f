// Package kafka 提供 Kafka 生产者功能
//
// 本服务发送的 Topic:
//
// 1. Topic: dca-plan-executed
//   - 消息内容: PlanExecutedEvent (单次执行确认)
//   - 处理逻辑: Worker 执行 tick 成功并推进进度后发送
//
// 2. Topic: dca-plan-completed
//   - 消息内容: PlanCompletedEvent (计划执行完毕)
//   - 处理逻辑: 最后一期执行成功或对账判定链上已完成后发送
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-dca/internal/model"
	"github.com/eidos-exchange/eidos-dca/pkg/logger"
)

const (
	// TopicPlanExecuted 单次执行事件 Topic
	// Partition Key: plan_id
	TopicPlanExecuted = "dca-plan-executed"

	// TopicPlanCompleted 计划完成事件 Topic
	// Partition Key: plan_id
	TopicPlanCompleted = "dca-plan-completed"
)

// PlanExecutedEvent 单次执行事件
type PlanExecutedEvent struct {
	PlanID             uint64 `json:"plan_id"`
	WalletAddress      string `json:"wallet_address"`
	TokenFrom          string `json:"token_from"`
	TokenTo            string `json:"token_to"`
	Amount             string `json:"amount"`
	ExecutedOperations int    `json:"executed_operations"`
	TotalOperations    int    `json:"total_operations"`
	TxHash             string `json:"tx_hash"`
	Timestamp          int64  `json:"timestamp"`
}

// PlanCompletedEvent 计划完成事件
type PlanCompletedEvent struct {
	PlanID          uint64 `json:"plan_id"`
	WalletAddress   string `json:"wallet_address"`
	TotalOperations int    `json:"total_operations"`
	Timestamp       int64  `json:"timestamp"`
}

// Producer Kafka 生产者
type Producer struct {
	producer sarama.SyncProducer
	mu       sync.RWMutex
	closed   bool
}

// ProducerConfig 生产者配置
type ProducerConfig struct {
	Brokers      []string
	ClientID     string
	RequiredAcks sarama.RequiredAcks
	MaxRetries   int
	RetryBackoff time.Duration
}

// NewProducer 创建生产者
func NewProducer(cfg *ProducerConfig) (*Producer, error) {
	config := sarama.NewConfig()
	config.Version = sarama.V2_8_0_0
	config.ClientID = cfg.ClientID
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true

	requiredAcks := cfg.RequiredAcks
	if requiredAcks == 0 {
		requiredAcks = sarama.WaitForAll
	}
	config.Producer.RequiredAcks = requiredAcks

	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	config.Producer.Retry.Max = maxRetries

	retryBackoff := cfg.RetryBackoff
	if retryBackoff == 0 {
		retryBackoff = 100 * time.Millisecond
	}
	config.Producer.Retry.Backoff = retryBackoff

	producer, err := sarama.NewSyncProducer(cfg.Brokers, config)
	if err != nil {
		return nil, err
	}

	return &Producer{producer: producer}, nil
}

// Close 关闭生产者
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	return p.producer.Close()
}

// send 发送消息
func (p *Producer) send(topic string, key string, value []byte) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return errors.New("producer is closed")
	}
	p.mu.RUnlock()

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		logger.Error("failed to send kafka message",
			zap.String("topic", topic),
			zap.String("key", key),
			zap.Error(err))
		return err
	}

	logger.Debug("kafka message sent",
		zap.String("topic", topic),
		zap.String("key", key),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))

	return nil
}

// PlanExecuted 发布单次执行事件 (实现 worker.EventPublisher 接口)
func (p *Producer) PlanExecuted(ctx context.Context, plan *model.Plan, txHash string) error {
	event := &PlanExecutedEvent{
		PlanID:             plan.ID,
		WalletAddress:      plan.WalletAddress,
		TokenFrom:          plan.TokenFrom,
		TokenTo:            plan.TokenTo,
		Amount:             plan.AmountPerOperation.String(),
		ExecutedOperations: plan.ExecutedOperations,
		TotalOperations:    plan.TotalOperations,
		TxHash:             txHash,
		Timestamp:          time.Now().UnixMilli(),
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.send(TopicPlanExecuted, strconv.FormatUint(plan.ID, 10), data)
}

// PlanCompleted 发布计划完成事件 (实现 worker.EventPublisher 接口)
func (p *Producer) PlanCompleted(ctx context.Context, plan *model.Plan) error {
	event := &PlanCompletedEvent{
		PlanID:          plan.ID,
		WalletAddress:   plan.WalletAddress,
		TotalOperations: plan.TotalOperations,
		Timestamp:       time.Now().UnixMilli(),
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.send(TopicPlanCompleted, strconv.FormatUint(plan.ID, 10), data)
}
