package blockchain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-dca/pkg/logger"
)

var (
	ErrNonceLockFailed = errors.New("failed to acquire nonce lock")
)

// NonceManager Nonce 管理器
//
// 热钱包在所有并发消费者和金库监控之间共享，Nonce 分配必须串行。
// 用 Redis 做分配计数和分配锁，多实例部署下也成立。
type NonceManager struct {
	client      *Client
	redis       redis.UniversalClient
	wallet      common.Address
	chainID     int64
	lockTimeout time.Duration

	mu           sync.RWMutex
	lastSyncTime time.Time
	syncInterval time.Duration
}

// NonceManagerConfig 配置
type NonceManagerConfig struct {
	LockTimeout  time.Duration
	SyncInterval time.Duration
}

// NewNonceManager 创建 Nonce 管理器
func NewNonceManager(client *Client, rdb redis.UniversalClient, cfg *NonceManagerConfig) *NonceManager {
	lockTimeout := 30 * time.Second
	syncInterval := 5 * time.Minute
	if cfg != nil {
		if cfg.LockTimeout > 0 {
			lockTimeout = cfg.LockTimeout
		}
		if cfg.SyncInterval > 0 {
			syncInterval = cfg.SyncInterval
		}
	}

	return &NonceManager{
		client:       client,
		redis:        rdb,
		wallet:       client.Address(),
		chainID:      client.ChainID(),
		lockTimeout:  lockTimeout,
		syncInterval: syncInterval,
	}
}

func (m *NonceManager) nonceKey() string {
	return fmt.Sprintf("eidos:dca:nonce:%s:%d", m.wallet.Hex(), m.chainID)
}

func (m *NonceManager) lockKey() string {
	return fmt.Sprintf("eidos:dca:nonce:lock:%s:%d", m.wallet.Hex(), m.chainID)
}

// AcquireNonce 分配下一个 Nonce
func (m *NonceManager) AcquireNonce(ctx context.Context) (uint64, error) {
	owner := uuid.New().String()
	acquired, err := m.redis.SetNX(ctx, m.lockKey(), owner, m.lockTimeout).Result()
	if err != nil {
		return 0, err
	}
	if !acquired {
		return 0, ErrNonceLockFailed
	}
	defer m.releaseLock(ctx, owner)

	if m.needsSync() {
		if err := m.syncFromChain(ctx); err != nil {
			return 0, err
		}
	}

	nonce, err := m.currentNonce(ctx)
	if err != nil {
		return 0, err
	}
	if err := m.redis.Set(ctx, m.nonceKey(), nonce+1, 0).Err(); err != nil {
		return 0, err
	}
	return nonce, nil
}

// SyncFromChain 以链上 pending nonce 为准重置计数
// nonce too low / too high 错误后调用
func (m *NonceManager) SyncFromChain(ctx context.Context) error {
	owner := uuid.New().String()
	acquired, err := m.redis.SetNX(ctx, m.lockKey(), owner, m.lockTimeout).Result()
	if err != nil {
		return err
	}
	if !acquired {
		return ErrNonceLockFailed
	}
	defer m.releaseLock(ctx, owner)

	return m.syncFromChain(ctx)
}

// releaseLock 只释放自己持有的锁。
// 持锁区间超过 lockTimeout 后锁可能已被其他实例接管，不能误删。
func (m *NonceManager) releaseLock(ctx context.Context, owner string) {
	script := `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		end
		return 0
	`
	if err := m.redis.Eval(ctx, script, []string{m.lockKey()}, owner).Err(); err != nil && err != redis.Nil {
		logger.Warn("failed to release nonce lock",
			zap.String("wallet", m.wallet.Hex()),
			zap.Error(err))
	}
}

func (m *NonceManager) syncFromChain(ctx context.Context) error {
	chainNonce, err := m.client.PendingNonceAt(ctx, m.wallet)
	if err != nil {
		return err
	}
	if err := m.redis.Set(ctx, m.nonceKey(), chainNonce, 0).Err(); err != nil {
		return err
	}

	m.mu.Lock()
	m.lastSyncTime = time.Now()
	m.mu.Unlock()
	return nil
}

func (m *NonceManager) currentNonce(ctx context.Context) (uint64, error) {
	val, err := m.redis.Get(ctx, m.nonceKey()).Uint64()
	if err == redis.Nil {
		return m.client.PendingNonceAt(ctx, m.wallet)
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

func (m *NonceManager) needsSync() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Since(m.lastSyncTime) > m.syncInterval
}
