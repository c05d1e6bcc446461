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

func NewRedisClient(network, address, password string) *redis_lock.Client {
	return redis_lock.NewClient(network, address, password)
}

func GetRedisClient() *redis_lock.Client {
	once.Do(func() {
		redisClient = redis_lock.NewClient(network, address, password)
	})
	return redisClient
}

// 构造提交日志存储的全局锁 key，跨副本互斥监控任务
func BuildCommitLogLockKey() string {
	return "gotxn:commitLog:lock"
}

// 构造单笔事务的锁 key，用于幂等去重
func BuildTXLockKey(txID string) string {
	return fmt.Sprintf("txLockKey:%s", txID)
}
