package membership

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/bay-reservation/internal/database/dbtest"
	"github.com/iliyamo/bay-reservation/internal/model"
	"github.com/iliyamo/bay-reservation/internal/repository"
)

type mockSource struct{ mock.Mock }

func (m *mockSource) Profile(ctx context.Context, customerID uint64) (model.MembershipProfile, error) {
	args := m.Called(ctx, customerID)
	return args.Get(0).(model.MembershipProfile), args.Error(1)
}

func TestCachedSourceMissThenStore(t *testing.T) {
	ctx := context.Background()
	rdb, rmock := redismock.NewClientMock()
	next := &mockSource{}
	profile := model.MembershipProfile{CustomerID: 5, Tier: model.TierBirdie, Status: model.MembershipActive}
	next.On("Profile", ctx, uint64(5)).Return(profile, nil).Once()

	src := NewCachedSource(next, rdb, time.Minute, nil)
	bs, err := json.Marshal(profile)
	require.NoError(t, err)
	rmock.ExpectGet("membership:profile:5").RedisNil()
	rmock.ExpectSet("membership:profile:5", bs, time.Minute).SetVal("OK")

	got, err := src.Profile(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, model.TierBirdie, got.Tier)
	assert.NoError(t, rmock.ExpectationsWereMet())
	next.AssertExpectations(t)
}

func TestCachedSourceHitSkipsDatabase(t *testing.T) {
	ctx := context.Background()
	rdb, rmock := redismock.NewClientMock()
	next := &mockSource{}
	src := NewCachedSource(next, rdb, 0, nil)

	bs, err := json.Marshal(model.MembershipProfile{CustomerID: 5, Tier: model.TierPar, Status: model.MembershipActive})
	require.NoError(t, err)
	rmock.ExpectGet("membership:profile:5").SetVal(string(bs))

	got, err := src.Profile(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, model.TierPar, got.Tier)
	assert.NoError(t, rmock.ExpectationsWereMet())
	next.AssertNotCalled(t, "Profile", mock.Anything, mock.Anything)
}

func TestCachedSourceRedisErrorFallsThrough(t *testing.T) {
	ctx := context.Background()
	rdb, rmock := redismock.NewClientMock()
	next := &mockSource{}
	next.On("Profile", ctx, uint64(9)).Return(model.DefaultProfile(9), nil).Once()
	src := NewCachedSource(next, rdb, time.Minute, nil)

	rmock.ExpectGet("membership:profile:9").SetErr(errors.New("connection refused"))
	bs, err := json.Marshal(model.DefaultProfile(9))
	require.NoError(t, err)
	rmock.ExpectSet("membership:profile:9", bs, time.Minute).SetErr(errors.New("connection refused"))

	got, err := src.Profile(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, model.TierNone, got.Tier)
	next.AssertExpectations(t)
}

func TestCachedSourceWithoutRedis(t *testing.T) {
	ctx := context.Background()
	next := &mockSource{}
	next.On("Profile", ctx, uint64(1)).Return(model.DefaultProfile(1), nil)
	src := NewCachedSource(next, nil, 0, nil)

	_, err := src.Profile(ctx, 1)
	require.NoError(t, err)
	next.AssertNumberOfCalls(t, "Profile", 1)
}

func TestRepoSource(t *testing.T) {
	db := dbtest.Open(t)
	dbtest.SeedProfile(t, db, 3, "HOLEINONE", "ACTIVE")
	src := NewRepoSource(repository.NewMembershipRepo(db))

	p, err := src.Profile(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, model.TierHoleInOne, p.Tier)

	p, err = src.Profile(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, model.TierNone, p.Tier)
}
