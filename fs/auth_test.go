package fs

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeAuthRecordRoundTrips(t *testing.T) {
	t.Parallel()
	buf, err := EncodeAuthRecord("access-token", "refresh-token", 1234567890)
	require.NoError(t, err)
	require.Len(t, buf, authRecordSize)

	dir := t.TempDir()
	path := filepath.Join(dir, "gdfs.auth")
	require.NoError(t, os.WriteFile(path, buf, 0600))

	store := NewCredentialStore(path, OAuthEndpoint{})
	require.NoError(t, store.LoadFromFile())
	assert.Equal(t, "access-token", store.AccessToken())
	assert.Equal(t, int64(1234567890), store.expiresAt)
	assert.Equal(t, "refresh-token", store.refreshToken)
}

func TestEncodeAuthRecordRejectsOversizedToken(t *testing.T) {
	t.Parallel()
	oversized := make([]byte, accessTokenFieldSize+1)
	for i := range oversized {
		oversized[i] = 'a'
	}
	_, err := EncodeAuthRecord(string(oversized), "refresh", 0)
	var fsErr *Error
	require.ErrorAs(t, err, &fsErr)
	assert.Equal(t, KindArgument, fsErr.Kind)
}

func TestLoadFromFileRejectsWrongSize(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "gdfs.auth")
	require.NoError(t, os.WriteFile(path, []byte("too short"), 0600))

	store := NewCredentialStore(path, OAuthEndpoint{})
	err := store.LoadFromFile()
	var fsErr *Error
	require.ErrorAs(t, err, &fsErr)
	assert.Equal(t, KindFatal, fsErr.Kind)
}

func TestCheckAccessTokenRefreshesWithinThreshold(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "new-access-token",
			"refresh_token": "new-refresh-token",
			"expires_in":    3600,
			"token_type":    "Bearer",
		})
	}))
	defer server.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "gdfs.auth")
	buf, err := EncodeAuthRecord("old-access", "old-refresh", time.Now().Unix()+10)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, buf, 0600))

	store := NewCredentialStore(path, OAuthEndpoint{ClientID: "id", TokenURL: server.URL})
	require.NoError(t, store.LoadFromFile())

	require.NoError(t, store.CheckAccessToken(context.Background()))
	assert.Equal(t, "new-access-token", store.AccessToken())

	reloaded := NewCredentialStore(path, OAuthEndpoint{})
	require.NoError(t, reloaded.LoadFromFile())
	assert.Equal(t, "new-access-token", reloaded.AccessToken())
}

func TestCheckAccessTokenSkipsRefreshWhenFresh(t *testing.T) {
	t.Parallel()
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer server.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "gdfs.auth")
	buf, err := EncodeAuthRecord("access", "refresh", time.Now().Unix()+3600)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, buf, 0600))

	store := NewCredentialStore(path, OAuthEndpoint{TokenURL: server.URL})
	require.NoError(t, store.LoadFromFile())
	require.NoError(t, store.CheckAccessToken(context.Background()))
	assert.False(t, called, "refresh should not fire when token is far from expiry")
}
