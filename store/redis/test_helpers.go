package redis

import (
	"context"
	"log"

	"github.com/redis/go-redis/v9"
)

// NewTestRedisClient connects to a local redis on DB 1, the same
// dedicated-test-database convention the teacher's srv/redis package uses
// to keep test data out of DB 0.
func NewTestRedisClient() *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     "localhost:6379",
		Password: "",
		DB:       1,
	})
	if _, err := client.FlushDB(context.Background()).Result(); err != nil {
		log.Panicf("failed to flush redis test database: %v", err)
	}
	return client
}
