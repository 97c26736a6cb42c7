// Package storagetest is a conformance suite for ConnectionStore
// implementations.
package storagetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dynamiq/connecthub/internal/integrations"
)

// Run exercises a fresh store returned by newStore in each subtest.
func Run(t *testing.T, newStore func(t *testing.T) integrations.ConnectionStore) {
	t.Run("FindMissing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.FindByUser(context.Background(), "nobody", integrations.ProviderGoogle)
		assert.ErrorIs(t, err, integrations.ErrConnectionNotFound)

		_, err = s.FindByProviderAccount(context.Background(), integrations.ProviderGoogle, "acct")
		assert.ErrorIs(t, err, integrations.ErrConnectionNotFound)

		_, err = s.FindByProviderAccount(context.Background(), integrations.ProviderGoogle, "")
		assert.ErrorIs(t, err, integrations.ErrConnectionNotFound)
	})

	t.Run("UpsertAndFind", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		expires := time.Now().Add(time.Hour).Truncate(time.Millisecond)

		require.NoError(t, s.Upsert(ctx, &integrations.Connection{
			UserID:            "u1",
			Provider:          integrations.ProviderJira,
			ProviderAccountID: "acct-1",
			AccessToken:       "at-1",
			RefreshToken:      "rt-1",
			TokenType:         "Bearer",
			Scopes:            []string{"read:jira-work", "offline_access"},
			ExpiresAt:         expires,
			Metadata:          integrations.JiraMetadata{CloudID: "cloud-1", URL: "https://acme.atlassian.net"},
		}))

		got, err := s.FindByUser(ctx, "u1", integrations.ProviderJira)
		require.NoError(t, err)
		assert.Equal(t, "acct-1", got.ProviderAccountID)
		assert.Equal(t, "at-1", got.AccessToken)
		assert.Equal(t, "rt-1", got.RefreshToken)
		assert.Equal(t, "Bearer", got.TokenType)
		assert.Equal(t, []string{"read:jira-work", "offline_access"}, got.Scopes)
		assert.True(t, expires.Equal(got.ExpiresAt), "expires %v != %v", got.ExpiresAt, expires)
		assert.Equal(t, integrations.JiraMetadata{CloudID: "cloud-1", URL: "https://acme.atlassian.net"}, got.Metadata)
		assert.False(t, got.ConnectedAt.IsZero())

		byAccount, err := s.FindByProviderAccount(ctx, integrations.ProviderJira, "acct-1")
		require.NoError(t, err)
		assert.Equal(t, "u1", byAccount.UserID)

		_, err = s.FindByProviderAccount(ctx, integrations.ProviderSlack, "acct-1")
		assert.ErrorIs(t, err, integrations.ErrConnectionNotFound)
	})

	t.Run("NoExpiry", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Upsert(ctx, &integrations.Connection{
			UserID: "u1", Provider: integrations.ProviderAsana, AccessToken: "at",
		}))

		got, err := s.FindByUser(ctx, "u1", integrations.ProviderAsana)
		require.NoError(t, err)
		assert.True(t, got.ExpiresAt.IsZero())
		assert.Empty(t, got.RefreshToken)
		assert.Nil(t, got.Metadata)
	})

	t.Run("UpsertReplaces", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Upsert(ctx, &integrations.Connection{
			UserID: "u1", Provider: integrations.ProviderZoho, AccessToken: "old", RefreshToken: "rt-old",
			Metadata: integrations.ZohoMetadata{APIDomain: "https://www.zohoapis.com"},
		}))
		first, err := s.FindByUser(ctx, "u1", integrations.ProviderZoho)
		require.NoError(t, err)

		require.NoError(t, s.Upsert(ctx, &integrations.Connection{
			UserID: "u1", Provider: integrations.ProviderZoho, AccessToken: "new",
			Metadata: integrations.ZohoMetadata{APIDomain: "https://www.zohoapis.eu"},
		}))

		got, err := s.FindByUser(ctx, "u1", integrations.ProviderZoho)
		require.NoError(t, err)
		assert.Equal(t, "new", got.AccessToken)
		assert.Equal(t, "rt-old", got.RefreshToken, "empty refresh token keeps the stored one")
		assert.Equal(t, integrations.ZohoMetadata{APIDomain: "https://www.zohoapis.eu"}, got.Metadata)
		assert.True(t, first.ConnectedAt.Equal(got.ConnectedAt))

		list, err := s.ListByUser(ctx, "u1")
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})

	t.Run("UpsertKeepsAccountID", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Upsert(ctx, &integrations.Connection{
			UserID: "u1", Provider: integrations.ProviderSlack, ProviderAccountID: "T1:U1", AccessToken: "at-1",
		}))
		require.NoError(t, s.Upsert(ctx, &integrations.Connection{
			UserID: "u1", Provider: integrations.ProviderSlack, AccessToken: "at-2",
		}))

		got, err := s.FindByUser(ctx, "u1", integrations.ProviderSlack)
		require.NoError(t, err)
		assert.Equal(t, "at-2", got.AccessToken)
		assert.Equal(t, "T1:U1", got.ProviderAccountID, "empty account id keeps the stored one")

		byAccount, err := s.FindByProviderAccount(ctx, integrations.ProviderSlack, "T1:U1")
		require.NoError(t, err)
		assert.Equal(t, "u1", byAccount.UserID)

		require.NoError(t, s.Upsert(ctx, &integrations.Connection{
			UserID: "u1", Provider: integrations.ProviderSlack, ProviderAccountID: "T1:U9", AccessToken: "at-3",
		}))
		got, err = s.FindByUser(ctx, "u1", integrations.ProviderSlack)
		require.NoError(t, err)
		assert.Equal(t, "T1:U9", got.ProviderAccountID)
	})

	t.Run("UpdateTokens", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Upsert(ctx, &integrations.Connection{
			UserID: "u1", Provider: integrations.ProviderMiro, AccessToken: "at-1", RefreshToken: "rt-1",
			Metadata: integrations.MiroMetadata{TeamID: "team"},
		}))

		expires := time.Now().Add(time.Hour).Truncate(time.Millisecond)
		require.NoError(t, s.UpdateTokens(ctx, "u1", integrations.ProviderMiro, "at-2", "rt-2", expires))

		got, err := s.FindByUser(ctx, "u1", integrations.ProviderMiro)
		require.NoError(t, err)
		assert.Equal(t, "at-2", got.AccessToken)
		assert.Equal(t, "rt-2", got.RefreshToken)
		assert.True(t, expires.Equal(got.ExpiresAt))
		assert.Equal(t, integrations.MiroMetadata{TeamID: "team"}, got.Metadata)

		require.NoError(t, s.UpdateTokens(ctx, "u1", integrations.ProviderMiro, "at-3", "", expires))
		got, err = s.FindByUser(ctx, "u1", integrations.ProviderMiro)
		require.NoError(t, err)
		assert.Equal(t, "at-3", got.AccessToken)
		assert.Equal(t, "rt-2", got.RefreshToken)

		err = s.UpdateTokens(ctx, "u2", integrations.ProviderMiro, "x", "", expires)
		assert.ErrorIs(t, err, integrations.ErrConnectionNotFound)
	})

	t.Run("ListByUser", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for _, p := range []integrations.Provider{integrations.ProviderZoho, integrations.ProviderAsana, integrations.ProviderGoogle} {
			require.NoError(t, s.Upsert(ctx, &integrations.Connection{UserID: "u1", Provider: p, AccessToken: "at"}))
		}
		require.NoError(t, s.Upsert(ctx, &integrations.Connection{UserID: "u2", Provider: integrations.ProviderSlack, AccessToken: "at"}))

		list, err := s.ListByUser(ctx, "u1")
		require.NoError(t, err)
		var providers []integrations.Provider
		for _, c := range list {
			providers = append(providers, c.Provider)
		}
		assert.Equal(t, []integrations.Provider{integrations.ProviderAsana, integrations.ProviderGoogle, integrations.ProviderZoho}, providers)

		list, err = s.ListByUser(ctx, "nobody")
		require.NoError(t, err)
		assert.Empty(t, list)
	})

	t.Run("ConcurrentUpdates", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.Upsert(ctx, &integrations.Connection{
			UserID: "u1", Provider: integrations.ProviderSlack, AccessToken: "at", RefreshToken: "rt",
		}))

		var wg sync.WaitGroup
		for i := range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, s.UpdateTokens(ctx, "u1", integrations.ProviderSlack,
					"at", "", time.Now().Add(time.Duration(i)*time.Minute)))
			}()
		}
		wg.Wait()

		got, err := s.FindByUser(ctx, "u1", integrations.ProviderSlack)
		require.NoError(t, err)
		assert.Equal(t, "rt", got.RefreshToken)
	})
}
