package data

import (
	"context"
	"os"
	"testing"
	"time"

	"AgentGuard/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRedisClient_Connects(t *testing.T) {
	_, mr := setupTestRedis(t)

	c := &conf.Data{
		Redis: &conf.Redis{
			Addr:         mr.Addr(),
			ReadTimeout:  200 * time.Millisecond,
			WriteTimeout: 200 * time.Millisecond,
		},
	}

	rdb, cleanup, err := NewRedisClient(c, log.NewStdLogger(os.Stdout))
	require.NoError(t, err)
	require.NotNil(t, rdb)
	defer cleanup()

	assert.NoError(t, rdb.Ping(context.Background()).Err())
}

func TestNewRedisClient_EmptyAddrSkipsInitialization(t *testing.T) {
	c := &conf.Data{Redis: &conf.Redis{Addr: ""}}

	rdb, cleanup, err := NewRedisClient(c, log.NewStdLogger(os.Stdout))
	require.NoError(t, err)
	assert.Nil(t, rdb)
	cleanup()
}

func TestNewRedisClient_NilConfigSkipsInitialization(t *testing.T) {
	rdb, cleanup, err := NewRedisClient(nil, log.NewStdLogger(os.Stdout))
	require.NoError(t, err)
	assert.Nil(t, rdb)
	cleanup()
}

func TestNewRedisClient_UnreachableServerDegradesGracefully(t *testing.T) {
	c := &conf.Data{
		Redis: &conf.Redis{Addr: "127.0.0.1:1"},
	}

	// Startup must not fail when Redis is down; the client is handed
	// back so checkpointing can recover once the server returns.
	rdb, cleanup, err := NewRedisClient(c, log.NewStdLogger(os.Stdout))
	require.NoError(t, err)
	require.NotNil(t, rdb)
	cleanup()
}
