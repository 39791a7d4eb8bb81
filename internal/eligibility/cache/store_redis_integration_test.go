//go:build integration

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"mutuelle/pkg/requestcontext"
	"mutuelle/pkg/testutil/containers"
)

type RedisStoreSuite struct {
	storeSuite
	redis *containers.RedisContainer
}

func TestRedisStoreSuite(t *testing.T) {
	suite.Run(t, new(RedisStoreSuite))
}

func (s *RedisStoreSuite) SetupSuite() {
	s.redis = containers.GetManager().GetRedis(s.T())
}

func (s *RedisStoreSuite) SetupTest() {
	s.ctx = requestcontext.WithTime(context.Background(), time.Date(2024, 5, 2, 8, 0, 0, 0, time.UTC))
	s.Require().NoError(s.redis.FlushAll(s.ctx))
	s.store = NewRedis(s.redis.Client)
}
