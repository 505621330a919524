package redis

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/redis/go-redis/v9"

	"vkproxy/config"
)

// InitRedis connects to the Redis server backing the user store and verifies the connection
// with a ping.
//
// Parameters:
// - logger: Logger used to report the connection status.
// - redisConfig: Host, port, password and database index.
//
// Returns:
// - *redis.Client: The connected client.
// - error: An error if the server could not be reached.
func InitRedis(logger *slog.Logger, redisConfig config.RedisConfig) (*redis.Client, error) {
	addr := net.JoinHostPort(redisConfig.Host, redisConfig.Port)
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: redisConfig.Password,
		DB:       redisConfig.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}

	logger.Info("Successfully connected to Redis", "addr", addr, "db", redisConfig.DB)
	return client, nil
}
