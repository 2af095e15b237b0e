// 包 utils：外部连接工具（PostgreSQL、Redis、自签名证书），统一从配置读取参数
package utils

import (
	"terra-engine/internal/config"
	"terra-engine/internal/logger"

	"github.com/redis/go-redis/v9"
)

// OpenRedis：使用地址与密码打开 Redis 客户端
// 背景：保留直接传入参数的能力，用于测试与手工注入场景
func OpenRedis(addr, pass string, db int) *redis.Client {
	if addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{Addr: addr, Password: pass, DB: db})
}

// OpenRedisFromConfig：按配置打开共享缓存客户端
// 约束：REDIS_ENABLE 未开启时返回 nil，调用方据此跳过 Redis 缓存层
func OpenRedisFromConfig(c config.Config) *redis.Client {
	if !c.RedisEnable {
		return nil
	}
	logger.L().Debug("redis_env", "addr", c.RedisAddr(), "db", c.RedisDB)
	return OpenRedis(c.RedisAddr(), c.RedisPass, c.RedisDB)
}
