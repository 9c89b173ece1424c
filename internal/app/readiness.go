package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Pinger is the minimal interface for a database pool capable of Ping.
type Pinger interface{ Ping(ctx context.Context) error }

// RedisClient is the minimal Redis surface needed for readiness.
type RedisClient interface {
	Ping(ctx context.Context) *redis.StatusCmd
}

// KafkaPinger is the minimal franz-go client surface needed for readiness.
type KafkaPinger interface{ Ping(ctx context.Context) error }

// Checker is a component exposing its own health probe (object storage).
type Checker interface{ Check(ctx context.Context) error }

// BuildReadinessChecks returns readiness checks for Postgres, Redis, Kafka,
// and the audio object store. Nil inputs produce a failing check so a
// misconfigured deployment never reports ready.
func BuildReadinessChecks(pool Pinger, rdb RedisClient, kafka KafkaPinger, store Checker) (
	func(ctx context.Context) error,
	func(ctx context.Context) error,
	func(ctx context.Context) error,
	func(ctx context.Context) error,
) {
	dbCheck := func(ctx context.Context) error {
		if pool == nil {
			return fmt.Errorf("db not configured")
		}
		return pool.Ping(ctx)
	}
	redisCheck := func(ctx context.Context) error {
		if rdb == nil {
			return fmt.Errorf("redis not configured")
		}
		return rdb.Ping(ctx).Err()
	}
	kafkaCheck := func(ctx context.Context) error {
		if kafka == nil {
			return fmt.Errorf("kafka not configured")
		}
		return kafka.Ping(ctx)
	}
	minioCheck := func(ctx context.Context) error {
		if store == nil {
			return fmt.Errorf("object store not configured")
		}
		return store.Check(ctx)
	}
	return dbCheck, redisCheck, kafkaCheck, minioCheck
}
