package fs

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

const (
	// accessTokenFieldSize and refreshTokenFieldSize are the fixed widths of
	// the on-disk auth record (spec.md §4.6/§6, "Auth file gdfs.auth").
	accessTokenFieldSize  = 100
	refreshTokenFieldSize = 100
	expiryFieldSize       = 8
	authRecordSize        = accessTokenFieldSize + refreshTokenFieldSize + expiryFieldSize

	// refreshThreshold is how far ahead of expiry a refresh is triggered.
	refreshThreshold = 300 * time.Second
)

// OAuthEndpoint names the token endpoint used to refresh credentials. A real
// deployment points this at Google's OAuth2 token endpoint; tests substitute
// a fake server via TokenSource.
type OAuthEndpoint struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
}

// CredentialStore is C1: holds the access token, refresh token, and expiry.
// The access token is refreshed on demand by CheckAccessToken, not by a
// background goroutine. It is grounded on the
// teacher's Auth type in fs/graph/oauth2.go, generalized to the fixed-width
// on-disk layout spec.md mandates instead of onedriver's JSON file.
type CredentialStore struct {
	mutex sync.RWMutex

	path     string
	endpoint OAuthEndpoint

	accessToken  string
	refreshToken string
	expiresAt    int64 // unix seconds

	client *oauth2.Config
}

// NewCredentialStore constructs a store backed by path, which must already
// contain a valid auth record (produced by the OAuth bootstrap helper).
func NewCredentialStore(path string, endpoint OAuthEndpoint) *CredentialStore {
	return &CredentialStore{
		path:     path,
		endpoint: endpoint,
		client: &oauth2.Config{
			ClientID:     endpoint.ClientID,
			ClientSecret: endpoint.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: endpoint.TokenURL},
		},
	}
}

// LoadFromFile reads and decodes the fixed-size binary auth record described
// in spec.md §6. A malformed or truncated file is a FatalError: the process
// cannot proceed without valid credentials.
func (c *CredentialStore) LoadFromFile() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return FatalError("cannot read auth file", err)
	}
	if len(data) != authRecordSize {
		return FatalError(fmt.Sprintf("auth file has wrong size: got %d, want %d", len(data), authRecordSize), nil)
	}
	accessField := data[:accessTokenFieldSize]
	refreshField := data[accessTokenFieldSize : accessTokenFieldSize+refreshTokenFieldSize]
	expiryField := data[accessTokenFieldSize+refreshTokenFieldSize:]

	c.mutex.Lock()
	c.accessToken = trimNulPadding(accessField)
	c.refreshToken = trimNulPadding(refreshField)
	c.expiresAt = int64(binary.LittleEndian.Uint64(expiryField))
	c.mutex.Unlock()
	return nil
}

// SaveToFile writes the in-memory credentials back to path atomically (write
// to a temp file, then rename), matching the OAuth helper's own write path
// so both agree on layout. Fields longer than their fixed width are rejected
// rather than silently truncated (see SPEC_FULL.md's resolution of the
// truncation Open Question).
func (c *CredentialStore) SaveToFile() error {
	c.mutex.RLock()
	access, refresh, expiry := c.accessToken, c.refreshToken, c.expiresAt
	c.mutex.RUnlock()

	buf, err := EncodeAuthRecord(access, refresh, expiry)
	if err != nil {
		return err
	}

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0600); err != nil {
		return FatalError("cannot write auth file", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return FatalError("cannot install auth file", err)
	}
	return nil
}

// EncodeAuthRecord builds the fixed-size binary record for the given fields,
// failing hard if either token exceeds its fixed field width instead of the
// truncate-silently behavior spec.md flags as a latent bug in the reference
// design (spec.md §8 Redesign flags).
func EncodeAuthRecord(accessToken, refreshToken string, expiresAt int64) ([]byte, error) {
	if len(accessToken) > accessTokenFieldSize {
		return nil, ArgumentError(fmt.Sprintf("access token exceeds %d bytes", accessTokenFieldSize))
	}
	if len(refreshToken) > refreshTokenFieldSize {
		return nil, ArgumentError(fmt.Sprintf("refresh token exceeds %d bytes", refreshTokenFieldSize))
	}
	buf := make([]byte, authRecordSize)
	copy(buf[:accessTokenFieldSize], accessToken)
	copy(buf[accessTokenFieldSize:accessTokenFieldSize+refreshTokenFieldSize], refreshToken)
	binary.LittleEndian.PutUint64(buf[accessTokenFieldSize+refreshTokenFieldSize:], uint64(expiresAt))
	return buf, nil
}

func trimNulPadding(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// AccessToken returns the current access token without checking expiry.
func (c *CredentialStore) AccessToken() string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.accessToken
}

// needsRefresh reports whether now is within refreshThreshold of expiry, or
// already past it.
func (c *CredentialStore) needsRefresh() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return time.Now().Unix() >= c.expiresAt-int64(refreshThreshold.Seconds())
}

// CheckAccessToken refreshes the credential if it's within the refresh
// threshold of expiry, matching spec.md §4.6's check_access_token.
func (c *CredentialStore) CheckAccessToken(ctx context.Context) error {
	if !c.needsRefresh() {
		return nil
	}
	return c.Refresh(ctx)
}

// Refresh exchanges the refresh token for a new access token via the OAuth
// endpoint, then persists the result to disk. Grounded on the teacher's
// Auth.Refresh, swapped from a hand-rolled POST to golang.org/x/oauth2's
// TokenSource so retry/backoff and response parsing follow the ecosystem
// library rather than a bespoke implementation.
func (c *CredentialStore) Refresh(ctx context.Context) error {
	c.mutex.RLock()
	refreshToken := c.refreshToken
	c.mutex.RUnlock()

	token := &oauth2.Token{RefreshToken: refreshToken}
	src := c.client.TokenSource(ctx, token)
	newToken, err := src.Token()
	if err != nil {
		log.Error().Err(err).Msg("failed to refresh access token")
		return AuthError("token refresh failed", err)
	}

	c.mutex.Lock()
	c.accessToken = newToken.AccessToken
	if newToken.RefreshToken != "" {
		c.refreshToken = newToken.RefreshToken
	}
	c.expiresAt = newToken.Expiry.Unix()
	c.mutex.Unlock()

	if err := c.SaveToFile(); err != nil {
		log.Error().Err(err).Msg("failed to persist refreshed credentials")
		return err
	}
	log.Info().Msg("refreshed access token")
	return nil
}

// HTTPClient returns an *http.Client whose transport attaches the current
// access token as a Bearer header and triggers CheckAccessToken before each
// request, modeled on the teacher's practice of calling auth.Refresh() at
// the top of graph.Request.
func (c *CredentialStore) HTTPClient(ctx context.Context) *http.Client {
	return &http.Client{Transport: &credentialTransport{store: c, ctx: ctx}}
}

// credentialTransport is an http.RoundTripper that refreshes the access
// token (if needed) before each request and attaches it as a Bearer header.
type credentialTransport struct {
	store *CredentialStore
	ctx   context.Context
	base  http.RoundTripper
}

func (t *credentialTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.store.CheckAccessToken(t.ctx); err != nil {
		return nil, err
	}
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+t.store.AccessToken())

	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(clone)
}
