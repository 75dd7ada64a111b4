package pkg

import (
	"fmt"
	"sync"

	"github.com/xiaoxuxiansheng/redis_lock"
)

const (
	network  = "tcp"
	address  = ""
	password = ""
)

var (
	redisClient *redis_lock.Client
	once        sync.Once
)

// NewRedisClient 返回自定义的 Redis 客户端对象
func NewRedisClient(network, address, password string) *redis_lock.Client {
	return redis_lock.NewClient(network, address, password)
}

// GetRedisClient 返回全局的 redisClient 对象，未初始化时通过 sync.Once 完成初始化
func GetRedisClient() *redis_lock.Client {
	once.Do(func() {
		redisClient = redis_lock.NewClient(network, address, password)
	})
	return redisClient
}

// BuildBranchKey 构造分支事务阶段状态 key，用于幂等去重
func BuildBranchKey(serviceID, xid string) string {
	return fmt.Sprintf("tyloo:branch:%s:%s", serviceID, xid)
}

// BuildFrozenKey 构造冻结金额 key
func BuildFrozenKey(serviceID, xid string) string {
	return fmt.Sprintf("tyloo:frozen:%s:%s", serviceID, xid)
}

// BuildBalanceKey 构造账户余额 key
func BuildBalanceKey(serviceID, accountID string) string {
	return fmt.Sprintf("tyloo:balance:%s:%s", serviceID, accountID)
}

// BuildBranchLockKey 构造分支事务锁 key
func BuildBranchLockKey(serviceID, xid string) string {
	return fmt.Sprintf("tyloo:branchLock:%s:%s", serviceID, xid)
}
