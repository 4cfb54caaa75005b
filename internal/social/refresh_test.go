package social

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/clikpost/internal/model"
)

type recordingRefresh struct{ results []string }

func (r *recordingRefresh) RecordTokenRefresh(_ string, result string) {
	r.results = append(r.results, result)
}

func newTestRefresher(t *testing.T, fp *fakeProvider, rows ...ProviderConfig) (*Refresher, *memAccountRepo, *recordingRefresh) {
	t.Helper()
	platforms := make([]model.Platform, 0, len(rows))
	for _, r := range rows {
		platforms = append(platforms, r.Platform)
	}
	accounts := &memAccountRepo{}
	rec := &recordingRefresh{}
	r := NewRefresher(ServiceConfig{
		Registry:    NewRegistry(rows...),
		Credentials: testCredentials(platforms...),
		HTTPClient:  fp.server.Client(),
	}, accounts, rec)
	return r, accounts, rec
}

func seedAccount(t *testing.T, accounts *memAccountRepo, a model.LinkedAccount) *model.LinkedAccount {
	t.Helper()
	a.UserID = testUserID
	a.Status = model.AccountStatusConnected
	a.ConnectedAt = time.Now()
	require.NoError(t, accounts.Create(context.Background(), &a))
	return &a
}

func TestRefresh_RefreshTokenGrant_RotatesToken(t *testing.T) {
	fp := newFakeProvider(t)
	fp.handle("/token", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "old-refresh", r.PostForm.Get("refresh_token"))
		writeJSON(w, http.StatusOK, map[string]interface{}{"access_token": "new-access", "refresh_token": "new-refresh", "expires_in": 7200})
	})
	r, accounts, rec := newTestRefresher(t, fp, pointAt(t, fp, model.PlatformTwitter))
	account := seedAccount(t, accounts, model.LinkedAccount{ID: "a1", Platform: model.PlatformTwitter, AccessToken: "old", RefreshToken: "old-refresh"})

	require.NoError(t, r.Refresh(context.Background(), account))

	stored, _ := accounts.FindLatest(context.Background(), testUserID, model.PlatformTwitter)
	assert.Equal(t, "new-access", stored.AccessToken)
	assert.Equal(t, "new-refresh", stored.RefreshToken)
	require.NotNil(t, stored.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(2*time.Hour), *stored.ExpiresAt, time.Minute)
	assert.Equal(t, []string{"success"}, rec.results)
}

func TestRefresh_KeepsRefreshTokenWhenNotRotated(t *testing.T) {
	fp := newFakeProvider(t)
	fp.handle("/token", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"access_token": "new-access", "expires_in": 3600})
	})
	r, accounts, _ := newTestRefresher(t, fp, pointAt(t, fp, model.PlatformYouTube))
	account := seedAccount(t, accounts, model.LinkedAccount{ID: "y1", Platform: model.PlatformYouTube, AccessToken: "old", RefreshToken: "keep-me"})

	require.NoError(t, r.Refresh(context.Background(), account))
	assert.Equal(t, "keep-me", account.RefreshToken)
	assert.Equal(t, "new-access", account.AccessToken)
}

func TestRefresh_FacebookExchangesAccessToken(t *testing.T) {
	fp := newFakeProvider(t)
	fp.handle("/token", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "fb_exchange_token", q.Get("grant_type"))
		assert.Equal(t, "short-lived", q.Get("fb_exchange_token"))
		writeJSON(w, http.StatusOK, map[string]interface{}{"access_token": "long-lived", "expires_in": 5183944})
	})
	r, accounts, _ := newTestRefresher(t, fp, pointAt(t, fp, model.PlatformFacebook))
	account := seedAccount(t, accounts, model.LinkedAccount{ID: "f1", Platform: model.PlatformFacebook, AccessToken: "short-lived"})

	require.NoError(t, r.Refresh(context.Background(), account))
	assert.Equal(t, "long-lived", account.AccessToken)
}

func TestRefresh_Unsupported(t *testing.T) {
	fp := newFakeProvider(t)
	r, accounts, rec := newTestRefresher(t, fp, pointAt(t, fp, model.PlatformInstagram), pointAt(t, fp, model.PlatformLinkedIn))

	ig := seedAccount(t, accounts, model.LinkedAccount{ID: "i1", Platform: model.PlatformInstagram, AccessToken: "ig"})
	assert.ErrorIs(t, r.Refresh(context.Background(), ig), ErrRefreshUnsupported)

	li := seedAccount(t, accounts, model.LinkedAccount{ID: "l1", Platform: model.PlatformLinkedIn, AccessToken: "li"})
	assert.ErrorIs(t, r.Refresh(context.Background(), li), ErrRefreshUnsupported)

	assert.Zero(t, fp.callCount())
	assert.Equal(t, []string{"unsupported", "unsupported"}, rec.results)
}

func TestRefresh_ExpiredWithoutRenewalMarksAccount(t *testing.T) {
	fp := newFakeProvider(t)
	r, accounts, _ := newTestRefresher(t, fp, pointAt(t, fp, model.PlatformInstagram), pointAt(t, fp, model.PlatformLinkedIn))

	expired := time.Now().Add(-time.Minute)
	ig := seedAccount(t, accounts, model.LinkedAccount{ID: "i1", Platform: model.PlatformInstagram, AccessToken: "ig", ExpiresAt: &expired})
	assert.ErrorIs(t, r.Refresh(context.Background(), ig), ErrRefreshUnsupported)
	assert.Equal(t, model.AccountStatusError, ig.Status)
	stored, _ := accounts.FindLatest(context.Background(), testUserID, model.PlatformInstagram)
	assert.Equal(t, model.AccountStatusError, stored.Status)

	// 期限前ならまだ使えるため状態は変えない
	future := time.Now().Add(30 * time.Minute)
	li := seedAccount(t, accounts, model.LinkedAccount{ID: "l1", Platform: model.PlatformLinkedIn, AccessToken: "li", ExpiresAt: &future})
	assert.ErrorIs(t, r.Refresh(context.Background(), li), ErrRefreshUnsupported)
	assert.Equal(t, model.AccountStatusConnected, li.Status)
	assert.Zero(t, fp.callCount())
}

func TestRefresh_ClientErrorMarksAccount(t *testing.T) {
	fp := newFakeProvider(t)
	fp.handle("/token", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "invalid_grant"})
	})
	r, accounts, _ := newTestRefresher(t, fp, pointAt(t, fp, model.PlatformPinterest))
	account := seedAccount(t, accounts, model.LinkedAccount{ID: "p1", Platform: model.PlatformPinterest, AccessToken: "a", RefreshToken: "revoked"})

	err := r.Refresh(context.Background(), account)

	var exErr *TokenExchangeError
	require.True(t, errors.As(err, &exErr))
	assert.Equal(t, model.AccountStatusError, account.Status)
	stored, _ := accounts.FindLatest(context.Background(), testUserID, model.PlatformPinterest)
	assert.Equal(t, model.AccountStatusError, stored.Status)
}

func TestRefresh_ServerErrorKeepsStatus(t *testing.T) {
	fp := newFakeProvider(t)
	fp.handle("/token", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	r, accounts, _ := newTestRefresher(t, fp, pointAt(t, fp, model.PlatformTikTok))
	account := seedAccount(t, accounts, model.LinkedAccount{ID: "t1", Platform: model.PlatformTikTok, AccessToken: "a", RefreshToken: "r"})

	assert.Error(t, r.Refresh(context.Background(), account))
	assert.Equal(t, model.AccountStatusConnected, account.Status)
}

func TestRefresh_RateLimitedKeepsStatus(t *testing.T) {
	fp := newFakeProvider(t)
	fp.handle("/token", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{"error": "rate_limited"})
	})
	r, accounts, _ := newTestRefresher(t, fp, pointAt(t, fp, model.PlatformLinkedIn))
	account := seedAccount(t, accounts, model.LinkedAccount{ID: "l1", Platform: model.PlatformLinkedIn, AccessToken: "a", RefreshToken: "r"})

	err := r.Refresh(context.Background(), account)

	var exErr *TokenExchangeError
	require.True(t, errors.As(err, &exErr))
	assert.True(t, exErr.IsClientError())
	assert.False(t, exErr.IsRevocation())
	assert.Equal(t, model.AccountStatusConnected, account.Status)
}

func TestTokenExchangeError_IsRevocation(t *testing.T) {
	tests := []struct {
		status int
		want   bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusUnauthorized, true},
		{http.StatusTooManyRequests, false},
		{http.StatusInternalServerError, false},
		{0, false},
	}
	for _, tt := range tests {
		e := &TokenExchangeError{Platform: model.PlatformTwitter, StatusCode: tt.status}
		assert.Equal(t, tt.want, e.IsRevocation(), "status %d", tt.status)
	}
}

func TestNeedsRefresh(t *testing.T) {
	now := time.Now()
	soon := now.Add(10 * time.Minute)
	later := now.Add(48 * time.Hour)

	assert.True(t, NeedsRefresh(&model.LinkedAccount{Status: model.AccountStatusConnected, ExpiresAt: &soon}, now, time.Hour))
	assert.False(t, NeedsRefresh(&model.LinkedAccount{Status: model.AccountStatusConnected, ExpiresAt: &later}, now, time.Hour))
	assert.False(t, NeedsRefresh(&model.LinkedAccount{Status: model.AccountStatusConnected}, now, time.Hour))
	assert.False(t, NeedsRefresh(&model.LinkedAccount{Status: model.AccountStatusRevoked, ExpiresAt: &soon}, now, time.Hour))
}
