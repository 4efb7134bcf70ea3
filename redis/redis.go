package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ISeeYou-Fortune-Telling-App/ISU-Backend-sub000/config"
	"github.com/redis/go-redis/v9"
)

type RedisClient struct {
	Client *redis.Client
}

// NewRedisClient 初始化并返回一个新的 RedisClient 实例
func NewRedisClient(cfg *config.RedisConfig) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password, // 密码，没有则留空
		DB:       cfg.DB,       // 数据库
		PoolSize: cfg.PoolSize, // 连接池大小
		// 超时配置：撤销缓存是唯一阻塞点之一，必须有界
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	// PING 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.Ping(ctx).Result()
	if err != nil {
		return nil, fmt.Errorf("redis client connection test failed: %w", err)
	}

	return &RedisClient{
		Client: client,
	}, nil
}

// Close 关闭 Redis 连接
func (r *RedisClient) Close() error {
	return r.Client.Close()
}

// 用户信息结构（用于在线列表）
type UserInfo struct {
	UserID   uint   `json:"user_id"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

// GetOnlineUsers 获取指定会话房间的在线用户
func (r *RedisClient) GetOnlineUsers(ctx context.Context, conversationID uint) ([]UserInfo, error) {
	key := fmt.Sprintf("chat:room:%d:online_users", conversationID)
	result, err := r.Client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch online users for key %s: %w", key, err)
	}
	users := make([]UserInfo, 0, len(result))
	for _, data := range result {
		var userInfo UserInfo
		if err := json.Unmarshal([]byte(data), &userInfo); err != nil {
			continue
		}
		users = append(users, userInfo)
	}
	return users, nil
}

// UndoCache 撤销缓存：TTL 键值，仅用于可逆性，不是可见性的持久来源。
// 条目丢失只意味着放弃撤销能力，不影响底层数据正确性。
type UndoCache struct {
	client *redis.Client
}

func NewUndoCache(r *RedisClient) *UndoCache {
	return &UndoCache{client: r.Client}
}

// Put JSON 序列化后写入，带过期时间
func (c *UndoCache) Put(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, data, ttl).Err()
}

// Get 反序列化到 dest；条目不存在或已过期返回 false
func (c *UndoCache) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, err
	}
	return true, nil
}

func (c *UndoCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

// TTL 剩余存活时间；键不存在返回 0
func (c *UndoCache) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := c.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, nil
	}
	return d, nil
}
