package blockchain

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupNonceManager 组装基于 miniredis 的 Nonce 管理器。
// lastSyncTime 置为当前时间避免触发链上同步，计数从预置的 Redis 值读取。
func setupNonceManager(t *testing.T) (*NonceManager, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{
		Addr: s.Addr(),
	})

	m := &NonceManager{
		redis:        rdb,
		wallet:       common.HexToAddress("0x2222222222222222222222222222222222222222"),
		chainID:      8453,
		lockTimeout:  time.Minute,
		syncInterval: time.Hour,
		lastSyncTime: time.Now(),
	}
	return m, s
}

func TestNonceManager_AcquireNonce(t *testing.T) {
	m, s := setupNonceManager(t)
	ctx := context.Background()

	require.NoError(t, s.Set(m.nonceKey(), "5"))

	nonce, err := m.AcquireNonce(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), nonce)

	// 计数已推进
	val, err := s.Get(m.nonceKey())
	require.NoError(t, err)
	assert.Equal(t, "6", val)

	// 分配锁已释放
	assert.False(t, s.Exists(m.lockKey()))

	// 连续分配单调递增
	next, err := m.AcquireNonce(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), next)
}

func TestNonceManager_LockContention(t *testing.T) {
	m, s := setupNonceManager(t)

	// 锁被其他实例持有
	require.NoError(t, s.Set(m.lockKey(), "other-instance"))

	_, err := m.AcquireNonce(context.Background())
	assert.ErrorIs(t, err, ErrNonceLockFailed)
}

func TestNonceManager_ReleaseOnlyOwnLock(t *testing.T) {
	m, s := setupNonceManager(t)
	ctx := context.Background()

	// 锁超时后被其他实例接管，迟到的释放不能删掉它
	require.NoError(t, s.Set(m.lockKey(), "other-owner"))
	m.releaseLock(ctx, "stale-owner")

	val, err := s.Get(m.lockKey())
	require.NoError(t, err)
	assert.Equal(t, "other-owner", val)
}
