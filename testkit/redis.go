package testkit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	rediscontainer "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/ceyewan/idemgate/connector"
)

// NewRedisContainerConfig 使用 testcontainers 创建 Redis 容器并返回配置
// 生命周期由 t.Cleanup 管理
func NewRedisContainerConfig(t *testing.T) *connector.RedisConfig {
	ctx := context.Background()

	container, err := rediscontainer.Run(ctx, "redis:7-alpine")
	require.NoError(t, err, "failed to start redis container")

	t.Cleanup(func() {
		_ = container.Terminate(ctx)
	})

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	return &connector.RedisConfig{
		Name:         "testcontainer-redis",
		Addr:         endpoint,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// NewRedisContainerConnector 使用 testcontainers 创建并连接 Redis 连接器
// 生命周期由 t.Cleanup 管理
func NewRedisContainerConnector(t *testing.T) connector.RedisConnector {
	cfg := NewRedisContainerConfig(t)

	conn, err := connector.NewRedis(cfg, connector.WithLogger(NewLogger()))
	require.NoError(t, err, "failed to create redis connector")

	err = conn.Connect(context.Background())
	require.NoError(t, err, "failed to connect to redis")

	t.Cleanup(func() {
		_ = conn.Close()
	})

	return conn
}

// NewRedisContainerClient 使用 testcontainers 创建并返回原生 Redis 客户端
// 生命周期由 t.Cleanup 管理
func NewRedisContainerClient(t *testing.T) *redis.Client {
	return NewRedisContainerConnector(t).GetClient()
}

// FlushRedis 清空 Redis 数据库（慎用！）
func FlushRedis(t *testing.T, client *redis.Client) {
	if err := client.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("failed to flush redis: %v", err)
	}
}
