package social

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/hitoshi/clikpost/internal/model"
)

func TestResolveAccountID_FromEndpoint_Bearer(t *testing.T) {
	fp := newFakeProvider(t)
	fp.handle("/me", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tw-token", r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, map[string]interface{}{"data": map[string]interface{}{"id": "2244994945"}})
	})
	p := pointAt(t, fp, model.PlatformTwitter)

	id, err := newTokenExchanger(fp.server.Client()).resolveAccountID(context.Background(), p, &oauth2.Token{AccessToken: "tw-token"})
	require.NoError(t, err)
	assert.Equal(t, "2244994945", id)
}

func TestResolveAccountID_FromEndpoint_QueryToken(t *testing.T) {
	fp := newFakeProvider(t)
	fp.handle("/me", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "fb-token", r.URL.Query().Get("access_token"))
		assert.Equal(t, "id", r.URL.Query().Get("fields"))
		assert.Empty(t, r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, map[string]interface{}{"id": "10001"})
	})
	p := pointAt(t, fp, model.PlatformFacebook)

	id, err := newTokenExchanger(fp.server.Client()).resolveAccountID(context.Background(), p, &oauth2.Token{AccessToken: "fb-token"})
	require.NoError(t, err)
	assert.Equal(t, "10001", id)
}

func TestResolveAccountID_ArrayPath(t *testing.T) {
	fp := newFakeProvider(t)
	fp.handle("/me", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "true", r.URL.Query().Get("mine"))
		writeJSON(w, http.StatusOK, map[string]interface{}{"items": []interface{}{map[string]interface{}{"id": "UC123"}}})
	})
	p := pointAt(t, fp, model.PlatformYouTube)

	id, err := newTokenExchanger(fp.server.Client()).resolveAccountID(context.Background(), p, &oauth2.Token{AccessToken: "yt"})
	require.NoError(t, err)
	assert.Equal(t, "UC123", id)
}

func TestResolveAccountID_FromToken(t *testing.T) {
	p, err := DefaultRegistry().Lookup("instagram")
	require.NoError(t, err)

	tok := (&oauth2.Token{AccessToken: "ig"}).WithExtra(map[string]interface{}{"user_id": float64(17841400000)})
	id, err := newTokenExchanger(nil).resolveAccountID(context.Background(), p, tok)
	require.NoError(t, err)
	assert.Equal(t, "17841400000", id)
}

func TestResolveAccountID_MissingField(t *testing.T) {
	p, err := DefaultRegistry().Lookup("tiktok")
	require.NoError(t, err)

	tok := (&oauth2.Token{AccessToken: "tt"}).WithExtra(map[string]interface{}{})
	_, err = newTokenExchanger(nil).resolveAccountID(context.Background(), p, tok)

	var idErr *AccountIdentityResolutionError
	assert.True(t, errors.As(err, &idErr))
}

func TestResolveAccountID_EndpointError(t *testing.T) {
	fp := newFakeProvider(t)
	fp.handle("/me", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"message": "Unauthorized"})
	})
	p := pointAt(t, fp, model.PlatformLinkedIn)

	_, err := newTokenExchanger(fp.server.Client()).resolveAccountID(context.Background(), p, &oauth2.Token{AccessToken: "x"})

	var idErr *AccountIdentityResolutionError
	require.True(t, errors.As(err, &idErr))
	assert.Equal(t, http.StatusUnauthorized, idErr.StatusCode)
	assert.Contains(t, idErr.Body, "Unauthorized")
}

func TestFetchPages(t *testing.T) {
	fp := newFakeProvider(t)
	fp.handle("/me/accounts", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "user-token", r.URL.Query().Get("access_token"))
		assert.Contains(t, r.URL.Query().Get("fields"), "access_token")
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"data": []interface{}{
				map[string]interface{}{"id": "p1", "name": "Page One", "access_token": "pt1", "perms": []string{"CREATE_CONTENT"}},
				map[string]interface{}{"id": "p2", "name": "Page Two", "access_token": "pt2", "tasks": []string{"MANAGE"}},
			},
		})
	})
	p := pointAt(t, fp, model.PlatformFacebook)

	pages, err := newTokenExchanger(fp.server.Client()).fetchPages(context.Background(), p, "user-token")
	require.NoError(t, err)
	require.Len(t, pages, 2)
	assert.Equal(t, model.FacebookPage{ID: "p1", Name: "Page One", AccessToken: "pt1", Perms: []string{"CREATE_CONTENT"}}, pages[0])
	assert.Equal(t, []string{"MANAGE"}, pages[1].Perms)
}

func TestLookupPath(t *testing.T) {
	doc := map[string]interface{}{
		"a": map[string]interface{}{"b": []interface{}{"x", "y"}},
	}

	v, ok := lookupPath(doc, "a.b.1")
	assert.True(t, ok)
	assert.Equal(t, "y", v)

	_, ok = lookupPath(doc, "a.b.5")
	assert.False(t, ok)
	_, ok = lookupPath(doc, "a.c")
	assert.False(t, ok)
}
