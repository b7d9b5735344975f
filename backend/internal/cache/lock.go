package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// 劝告锁是纯 UI 信号：提交管线完全不看锁，不持锁/他人持锁都不阻止提交。
// 过期靠 Redis TTL 惰性生效，没有后台清扫——读到的锁一定未过期

var ErrNotHolder = errors.New("NOT_HOLDER")

// LockHeldError 携带当前持有人和到期时间，UI 用来展示“X 正在编辑，至 Y”
type LockHeldError struct {
	HolderID  uint64
	ExpiresAt time.Time
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("LOCK_HELD: held by %d until %s", e.HolderID, e.ExpiresAt.Format(time.RFC3339))
}

type Lock struct {
	RecordID  string    `json:"recordId"`
	HolderID  uint64    `json:"holderId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type LockManager interface {
	Acquire(ctx context.Context, recordID string, holderID uint64, ttl time.Duration) (*Lock, error)
	Release(ctx context.Context, recordID string, holderID uint64) error
	Get(ctx context.Context, recordID string) (*Lock, error)
}

// 具体实现：基于 redis 的 LockManager
type redisLockManager struct {
	rdb *redis.Client
}

func NewRedisLockManager(rdb *redis.Client) LockManager {
	return &redisLockManager{rdb: rdb}
}

// Acquire：SET NX PX 一步到位。失败时读出当前持有人回报 LockHeldError；
// 如果读的瞬间锁恰好过期了，再抢一次
func (m *redisLockManager) Acquire(ctx context.Context, recordID string, holderID uint64, ttl time.Duration) (*Lock, error) {
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := m.rdb.SetNX(ctx, lockKey(recordID), strconv.FormatUint(holderID, 10), ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			return &Lock{RecordID: recordID, HolderID: holderID, ExpiresAt: time.Now().Add(ttl)}, nil
		}
		cur, err := m.Get(ctx, recordID)
		if err != nil {
			return nil, err
		}
		if cur == nil {
			// SET 失败后锁又没了：持有人刚好过期，回去重抢
			continue
		}
		return nil, &LockHeldError{HolderID: cur.HolderID, ExpiresAt: cur.ExpiresAt}
	}
	return nil, &LockHeldError{}
}

// Release：只有持有人能释放；锁已过期视作不存在，按 no-op 处理。
// GET+DEL 必须原子（Lua），否则可能删掉别人刚抢到的锁
func (m *redisLockManager) Release(ctx context.Context, recordID string, holderID uint64) error {
	luaScript := `
	-- KEYS[1] = lockKey(recordID)
	-- ARGV[1] = holderId

	local v = redis.call("GET", KEYS[1])
	if v == false then
		return 1
	end
	if v == ARGV[1] then
		redis.call("DEL", KEYS[1])
		return 1
	end
	return 0
	`
	script := redis.NewScript(luaScript)
	released, err := script.Run(ctx, m.rdb, []string{lockKey(recordID)}, strconv.FormatUint(holderID, 10)).Int()
	if err != nil && err != redis.Nil {
		return err
	}
	if released == 0 {
		return ErrNotHolder
	}
	return nil
}

// Get 返回当前未过期的锁，不存在时返回 nil, nil
func (m *redisLockManager) Get(ctx context.Context, recordID string) (*Lock, error) {
	pipe := m.rdb.Pipeline()
	getCmd := pipe.Get(ctx, lockKey(recordID))
	ttlCmd := pipe.PTTL(ctx, lockKey(recordID))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}
	holderStr, err := getCmd.Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	holderID, err := strconv.ParseUint(holderStr, 10, 64)
	if err != nil {
		return nil, err
	}
	ttl, err := ttlCmd.Result()
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		return nil, nil
	}
	return &Lock{RecordID: recordID, HolderID: holderID, ExpiresAt: time.Now().Add(ttl)}, nil
}
