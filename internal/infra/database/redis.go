package database

import (
	"github.com/redis/go-redis/v9"
)

const defaultRedisAddr = "localhost:6379"

// NewRedis builds the client shared by the action queues, the event
// pub/sub channel and the realtime feed.
func NewRedis(addr string, password string, db int) *redis.Client {
	if addr == "" {
		addr = defaultRedisAddr
	}
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}
