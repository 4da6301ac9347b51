//go:build integration

package geo_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/suite"

	"kanver/internal/matching/models"
	"kanver/internal/matching/store/geo"
	platformredis "kanver/internal/platform/redis"
	id "kanver/pkg/domain"
	"kanver/pkg/platform/sentinel"
	"kanver/pkg/testutil/containers"
)

// Two Istanbul districts roughly 5.4 km apart.
var (
	kadikoy  = models.Point{Lat: 40.9906, Lon: 29.0271}
	besiktas = models.Point{Lat: 41.0428, Lon: 29.0075}
)

type RedisLocatorSuite struct {
	suite.Suite
	redis   *containers.RedisContainer
	locator *geo.RedisLocator
}

func TestRedisLocatorSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisLocatorSuite))
}

func (s *RedisLocatorSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.redis = mgr.GetRedis(s.T())

	locator, err := geo.NewRedisLocator(&platformredis.Client{Client: s.redis.Client})
	s.Require().NoError(err)
	s.locator = locator
}

func (s *RedisLocatorSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
}

func (s *RedisLocatorSuite) TestWithinRadius() {
	ctx := context.Background()
	hospitalID := id.NewHospitalID()
	s.Require().NoError(s.locator.RegisterHospital(ctx, hospitalID, kadikoy))

	s.Run("same point is inside", func() {
		inside, err := s.locator.WithinRadius(ctx, hospitalID, kadikoy, 100)
		s.Require().NoError(err)
		s.True(inside)
	})

	s.Run("5.4 km away is outside a 5 km fence", func() {
		inside, err := s.locator.WithinRadius(ctx, hospitalID, besiktas, 5000)
		s.Require().NoError(err)
		s.False(inside)
	})

	s.Run("5.4 km away is inside a 10 km fence", func() {
		inside, err := s.locator.WithinRadius(ctx, hospitalID, besiktas, 10000)
		s.Require().NoError(err)
		s.True(inside)
	})
}

func (s *RedisLocatorSuite) TestUnregisteredHospital() {
	ctx := context.Background()

	_, err := s.locator.WithinRadius(ctx, id.NewHospitalID(), kadikoy, 5000)
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *RedisLocatorSuite) TestReregisterMovesHospital() {
	ctx := context.Background()
	hospitalID := id.NewHospitalID()

	s.Require().NoError(s.locator.RegisterHospital(ctx, hospitalID, kadikoy))
	s.Require().NoError(s.locator.RegisterHospital(ctx, hospitalID, besiktas))

	inside, err := s.locator.WithinRadius(ctx, hospitalID, besiktas, 100)
	s.Require().NoError(err)
	s.True(inside)

	inside, err = s.locator.WithinRadius(ctx, hospitalID, kadikoy, 100)
	s.Require().NoError(err)
	s.False(inside)
}
