package auth

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/namastexlabs/automagik-forge/internal/auth/oauth"
	"github.com/namastexlabs/automagik-forge/internal/db"
	"github.com/namastexlabs/automagik-forge/internal/db/repositories"
	"github.com/namastexlabs/automagik-forge/pkg/crypto"
	"github.com/namastexlabs/automagik-forge/pkg/models"
)

func newTestService(t *testing.T) (*Service, *repositories.Repositories) {
	t.Helper()
	tdb, err := db.NewTest(t)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tdb.Close() })

	repos := repositories.New(tdb)
	key, err := crypto.GenerateRandomKey()
	require.NoError(t, err)
	svc := NewService(repos, oauth.GithubConfig{ClientID: "test-client"}, "http://localhost:8080", crypto.NewKeyManager(key))
	return svc, repos
}

func TestAuthenticateRejectsUnknownToken(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Authenticate(context.Background(), "fgt_does-not-exist")
	require.Error(t, err)
	require.Equal(t, ErrUnauthenticated, KindOf(err))
}

func TestAuthenticateSucceedsForWhitelistedUserWithMintedSession(t *testing.T) {
	svc, repos := newTestService(t)
	ctx := context.Background()

	user, err := repos.Users.UpsertByGithubID(ctx, 99, "carol", "carol@example.com", nil, nil)
	require.NoError(t, err)
	require.NoError(t, repos.Users.SetWhitelisted(ctx, user.ID, true))

	token, _, err := svc.mintSession(ctx, user.ID, models.SessionKindHuman, nil, humanSessionTTL)
	require.NoError(t, err)

	got, err := svc.Authenticate(ctx, token)
	require.NoError(t, err)
	require.Equal(t, user.ID, got.ID)
}

func TestAuthenticateRejectsRevokedWhitelist(t *testing.T) {
	svc, repos := newTestService(t)
	ctx := context.Background()

	user, err := repos.Users.UpsertByGithubID(ctx, 100, "dave", "dave@example.com", nil, nil)
	require.NoError(t, err)
	require.NoError(t, repos.Users.SetWhitelisted(ctx, user.ID, true))

	token, _, err := svc.mintSession(ctx, user.ID, models.SessionKindHuman, nil, humanSessionTTL)
	require.NoError(t, err)

	_, err = repos.Whitelist.Add(ctx, "dave", nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, svc.Revoke(ctx, "dave"))

	_, err = svc.Authenticate(ctx, token)
	require.Error(t, err)
	require.Equal(t, ErrUnauthenticated, KindOf(err), "revoke expires the session outright")
}

func TestRateLimiterAllowsBurstThenBlocks(t *testing.T) {
	rl := NewRateLimiter(2)
	userID := uuid.New()

	require.True(t, rl.Allow(userID))
	require.True(t, rl.Allow(userID))
	require.False(t, rl.Allow(userID), "third request within the same instant should exceed burst")
}
