package app

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

type fakeChecker struct{ err error }

func (f fakeChecker) Check(context.Context) error { return f.err }

func TestBuildReadinessChecksNilDependenciesFail(t *testing.T) {
	t.Parallel()
	dbCheck, redisCheck, kafkaCheck, minioCheck := BuildReadinessChecks(nil, nil, nil, nil)
	ctx := context.Background()
	assert.Error(t, dbCheck(ctx))
	assert.Error(t, redisCheck(ctx))
	assert.Error(t, kafkaCheck(ctx))
	assert.Error(t, minioCheck(ctx))
}

func TestBuildReadinessChecksPropagateProbeResults(t *testing.T) {
	t.Parallel()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()

	boom := errors.New("boom")
	dbCheck, redisCheck, kafkaCheck, minioCheck := BuildReadinessChecks(
		fakePinger{}, rdb, fakePinger{err: boom}, fakeChecker{})

	ctx := context.Background()
	assert.NoError(t, dbCheck(ctx))
	assert.NoError(t, redisCheck(ctx))
	assert.ErrorIs(t, kafkaCheck(ctx), boom)
	assert.NoError(t, minioCheck(ctx))
}

func TestParseOrigins(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []string{"*"}, ParseOrigins(""))
	assert.Equal(t, []string{"*"}, ParseOrigins("*"))
	assert.Equal(t, []string{"*"}, ParseOrigins(" , "))
	assert.Equal(t,
		[]string{"https://a.example", "https://b.example"},
		ParseOrigins(" https://a.example , https://b.example "))
}
