// Package auth manages the bearer token attached to sync requests and
// refreshes it against the configured refresh endpoint.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/banshee-data/geotrack/internal/config"
	"github.com/banshee-data/geotrack/internal/events"
	"github.com/banshee-data/geotrack/internal/httputil"
	"github.com/banshee-data/geotrack/internal/monitoring"
	"github.com/banshee-data/geotrack/internal/timeutil"
)

// RefreshTokenTemplate is replaced by the refresh token in refresh payload
// values.
const RefreshTokenTemplate = "{refreshToken}"

var (
	// ErrNoToken means no access token is configured.
	ErrNoToken = errors.New("no access token configured")
	// ErrRefreshUnavailable means the configuration cannot refresh tokens.
	ErrRefreshUnavailable = errors.New("token refresh not configured")
	// ErrRefreshFailed wraps every failed refresh attempt.
	ErrRefreshFailed = errors.New("token refresh failed")
)

// Store holds the authorization block.
type Store interface {
	Get() *config.Config
	ReplaceAuthorization(a *config.Authorization) (*config.Config, error)
}

// Authorizer hands out the current token and refreshes it on demand. It
// implements oauth2.TokenSource.
type Authorizer struct {
	mu       sync.Mutex
	clock    timeutil.Clock
	client   httputil.HTTPClient
	store    Store
	onResult func(events.Authorization)
}

var _ oauth2.TokenSource = (*Authorizer)(nil)

// New returns an Authorizer. onResult receives every refresh outcome and may
// be nil.
func New(clock timeutil.Clock, client httputil.HTTPClient, store Store, onResult func(events.Authorization)) *Authorizer {
	if onResult == nil {
		onResult = func(events.Authorization) {}
	}
	return &Authorizer{clock: clock, client: client, store: store, onResult: onResult}
}

// tokenFrom converts the configuration block to an oauth2 token.
func tokenFrom(a *config.Authorization) *oauth2.Token {
	t := &oauth2.Token{
		AccessToken:  a.AccessToken,
		TokenType:    "Bearer",
		RefreshToken: a.RefreshToken,
	}
	if a.Expires > 0 {
		t.Expiry = time.Unix(a.Expires, 0)
	}
	return t
}

// Current returns the configured token without refreshing it.
func (a *Authorizer) Current() (*oauth2.Token, bool) {
	cfg := a.store.Get()
	if !cfg.AuthorizationEnabled() {
		return nil, false
	}
	return tokenFrom(cfg.Authorization), true
}

// CanRefresh reports whether a refresh endpoint and token are configured.
func (a *Authorizer) CanRefresh() bool {
	auth := a.store.Get().Authorization
	return auth != nil && auth.RefreshURL != "" && auth.RefreshToken != ""
}

func (a *Authorizer) expired(t *oauth2.Token) bool {
	return !t.Expiry.IsZero() && !a.clock.Now().Before(t.Expiry)
}

// Token returns the current token, refreshing it first when it has expired
// and a refresh is possible.
func (a *Authorizer) Token() (*oauth2.Token, error) {
	t, ok := a.Current()
	if !ok {
		return nil, ErrNoToken
	}
	if a.expired(t) && a.CanRefresh() {
		return a.Refresh(context.Background(), t.AccessToken)
	}
	return t, nil
}

// Apply sets the Authorization header on req when a token is configured.
func (a *Authorizer) Apply(req *http.Request) error {
	t, err := a.Token()
	if errors.Is(err, ErrNoToken) {
		return nil
	}
	if err != nil {
		return err
	}
	t.SetAuthHeader(req)
	return nil
}

// Refresh obtains a new access token. stale is the token the caller saw
// rejected; if another caller already replaced it the fresh token is
// returned without a second request.
func (a *Authorizer) Refresh(ctx context.Context, stale string) (*oauth2.Token, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	cfg := a.store.Get()
	current := cfg.Authorization
	if current == nil || current.RefreshURL == "" || current.RefreshToken == "" {
		return nil, ErrRefreshUnavailable
	}
	if stale != "" && current.AccessToken != stale {
		return tokenFrom(current), nil
	}

	resp, err := a.post(ctx, current)
	if err != nil {
		a.onResult(events.Authorization{Success: false, Error: err.Error()})
		return nil, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}

	found := Taste(resp, a.clock.Now())
	if found.AccessToken == "" {
		err := errors.New("response carries no access token")
		a.onResult(events.Authorization{Success: false, Error: err.Error(), Response: resp})
		return nil, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}

	next := *current
	next.AccessToken = found.AccessToken
	if found.RefreshToken != "" {
		next.RefreshToken = found.RefreshToken
	}
	next.Expires = 0
	if !found.Expiry.IsZero() {
		next.Expires = found.Expiry.Unix()
	}
	if _, err := a.store.ReplaceAuthorization(&next); err != nil {
		monitoring.Errorf("[auth] failed to persist refreshed token: %v", err)
	}
	monitoring.Infof("[auth] token refreshed")
	a.onResult(events.Authorization{Success: true, Response: resp})

	return tokenFrom(&next).WithExtra(resp), nil
}

func (a *Authorizer) post(ctx context.Context, auth *config.Authorization) (map[string]any, error) {
	form := url.Values{}
	for k, v := range auth.RefreshPayload {
		form.Set(k, strings.ReplaceAll(v, RefreshTokenTemplate, auth.RefreshToken))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, auth.RefreshURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	for k, v := range auth.RefreshHeaders {
		req.Header.Set(k, v)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("refresh endpoint returned %d", resp.StatusCode)
	}
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to decode refresh response: %w", err)
	}
	return out, nil
}
