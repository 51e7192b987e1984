// Package redis implements the Event Store, Checkpoint Store, and Cache
// Store atop github.com/redis/go-redis/v9, following the same
// prefixed-key, per-workspace-namespaced conventions the teacher's
// srv/redis package uses for its own records (workspaceId:key), adapted
// here to instanceId:key.
package redis

import (
	"os"

	"github.com/redis/go-redis/v9"
	zlog "github.com/rs/zerolog/log"
)

// Options is re-exported so callers can construct a Client without
// importing go-redis directly.
type Options = redis.Options

func NewClient(opt *Options) *redis.Client {
	return redis.NewClient(opt)
}

// ClientFromEnv builds a client from REDIS_ADDRESS, defaulting to
// localhost:6379 the same way the teacher's setupClient does.
func ClientFromEnv() *redis.Client {
	addr := os.Getenv("REDIS_ADDRESS")
	if addr == "" {
		zlog.Info().Msg("Redis address defaulting to localhost:6379")
		addr = "localhost:6379"
	}
	return redis.NewClient(&redis.Options{Addr: addr})
}
