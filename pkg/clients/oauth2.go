package clients

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/quasar/pkg/errors"
	"github.com/ajitpratap0/quasar/pkg/json"
	"github.com/ajitpratap0/quasar/pkg/logger"
	"github.com/ajitpratap0/quasar/pkg/metrics"
)

// OAuth2Config configures refresh-token authentication against the AAD
// v1 token endpoint.
type OAuth2Config struct {
	TokenURL     string `json:"token_url"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	RedirectURI  string `json:"redirect_uri"`
	RefreshToken string `json:"refresh_token"`

	// Resource is the organization URI; AAD v1 scopes the issued token
	// to this audience.
	Resource string `json:"resource"`

	// RefreshMargin renews tokens this long before reported expiry.
	RefreshMargin time.Duration `json:"refresh_margin"`

	// Timeout bounds a single exchange request.
	Timeout time.Duration `json:"timeout"`

	// OnRotate is invoked with the new refresh token whenever the
	// identity provider rotates it, so the credential can be persisted
	// before the old one stops working. Called outside internal locks.
	OnRotate func(refreshToken string) `json:"-"`
}

// Token is an issued access token.
type Token struct {
	AccessToken string
	TokenType   string
	ExpiresAt   time.Time

	minted time.Time
}

// Valid reports whether the token is usable for at least margin longer.
func (t *Token) Valid(margin time.Duration) bool {
	if t == nil || t.AccessToken == "" {
		return false
	}
	return time.Now().Add(margin).Before(t.ExpiresAt)
}

// TokenManager hands out valid access tokens, exchanging the refresh
// token on demand. Concurrent callers that find the token expired share
// a single exchange rather than issuing one each. A rejected credential
// latches: once the provider returns 4xx, every subsequent call fails
// immediately with the same auth error and the credential is never
// retried.
type TokenManager struct {
	cfg        OAuth2Config
	httpClient *http.Client
	logger     *zap.Logger

	mu         sync.Mutex
	cond       *sync.Cond
	token      *Token
	refreshing bool
	fatalErr   error
	refreshes  int64
}

// NewTokenManager creates a manager around the given credential set.
func NewTokenManager(cfg OAuth2Config) *TokenManager {
	if cfg.RefreshMargin <= 0 {
		cfg.RefreshMargin = 60 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	tm := &TokenManager{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.Get().With(zap.String("component", "token_manager")),
	}
	tm.cond = sync.NewCond(&tm.mu)
	return tm
}

// Token returns a valid access token, performing an exchange if the
// cached one is missing or inside the refresh margin. Callers arriving
// during an in-flight exchange block until it settles.
func (tm *TokenManager) Token(ctx context.Context) (string, error) {
	tm.mu.Lock()
	for {
		if tm.fatalErr != nil {
			err := tm.fatalErr
			tm.mu.Unlock()
			return "", err
		}
		if tm.token.Valid(tm.cfg.RefreshMargin) {
			tok := tm.token.AccessToken
			tm.mu.Unlock()
			return tok, nil
		}
		if err := ctx.Err(); err != nil {
			tm.mu.Unlock()
			return "", errors.Wrap(err, errors.ErrorTypeConnection, "waiting for token")
		}
		if !tm.refreshing {
			break
		}
		tm.cond.Wait()
	}

	rotated, err := tm.refreshLocked(ctx, "expiry")
	if err != nil {
		tm.mu.Unlock()
		return "", err
	}
	tok := tm.token.AccessToken
	tm.mu.Unlock()

	if rotated != "" && tm.cfg.OnRotate != nil {
		tm.cfg.OnRotate(rotated)
	}
	return tok, nil
}

// ForceRefresh discards the cached token and exchanges a new one. It is
// called after the API rejects a request with 401 or 403, which usually
// means the token was revoked before its reported expiry. If an exchange
// is already in flight its outcome is reused.
func (tm *TokenManager) ForceRefresh(ctx context.Context) error {
	tm.mu.Lock()
	for tm.refreshing {
		tm.cond.Wait()
	}
	if tm.fatalErr != nil {
		err := tm.fatalErr
		tm.mu.Unlock()
		return err
	}
	if tm.token.Valid(tm.cfg.RefreshMargin) && tm.token.mintedAfter(time.Now().Add(-5*time.Second)) {
		// Another caller just refreshed; that token is new enough.
		tm.mu.Unlock()
		return nil
	}

	tm.token = nil
	rotated, err := tm.refreshLocked(ctx, "forced")
	tm.mu.Unlock()

	if rotated != "" && tm.cfg.OnRotate != nil {
		tm.cfg.OnRotate(rotated)
	}
	return err
}

func (t *Token) mintedAfter(cutoff time.Time) bool {
	return t != nil && t.minted.After(cutoff)
}

// Refreshes reports how many exchanges have been attempted.
func (tm *TokenManager) Refreshes() int64 {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.refreshes
}

// refreshLocked runs one exchange. The caller must hold mu; the lock is
// released for the network round trip and reacquired before returning.
// On success the new token is installed and any rotated refresh token is
// returned for the caller to hand to OnRotate once unlocked.
func (tm *TokenManager) refreshLocked(ctx context.Context, trigger string) (rotated string, err error) {
	tm.refreshing = true
	refreshToken := tm.cfg.RefreshToken
	tm.mu.Unlock()

	token, newRefresh, err := tm.exchange(ctx, refreshToken)
	metrics.TokenRefreshes.WithLabelValues(trigger).Inc()

	tm.mu.Lock()
	tm.refreshing = false
	tm.refreshes++
	defer tm.cond.Broadcast()

	if err != nil {
		if errors.IsType(err, errors.ErrorTypeAuth) {
			tm.fatalErr = err
			tm.logger.Error("refresh token rejected, authentication latched", zap.Error(err))
		} else {
			tm.logger.Warn("token exchange failed", zap.String("trigger", trigger), zap.Error(err))
		}
		return "", err
	}

	tm.token = token
	if newRefresh != "" && newRefresh != tm.cfg.RefreshToken {
		tm.cfg.RefreshToken = newRefresh
		rotated = newRefresh
	}
	tm.logger.Debug("access token refreshed",
		zap.String("trigger", trigger),
		zap.Time("expires_at", token.ExpiresAt),
		zap.Bool("refresh_token_rotated", rotated != ""))
	return rotated, nil
}

// exchange performs the grant_type=refresh_token POST. Responses are
// classified so callers can tell a dead credential (4xx, fatal) from a
// wobbly endpoint (429, 5xx, network, retryable).
func (tm *TokenManager) exchange(ctx context.Context, refreshToken string) (*Token, string, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {tm.cfg.ClientID},
		"client_secret": {tm.cfg.ClientSecret},
		"redirect_uri":  {tm.cfg.RedirectURI},
		"refresh_token": {refreshToken},
		"resource":      {tm.cfg.Resource},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tm.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, "", errors.Wrap(err, errors.ErrorTypeInternal, "building token request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := tm.httpClient.Do(req)
	if err != nil {
		return nil, "", errors.Wrap(err, errors.ErrorTypeConnection, "requesting access token")
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, "", errors.Wrap(err, errors.ErrorTypeConnection, "reading token response")
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, "", errors.Newf(errors.ErrorTypeRateLimit, "token endpoint throttled (status %d)", resp.StatusCode)
	case resp.StatusCode >= 500:
		return nil, "", errors.Newf(errors.ErrorTypeServer, "token endpoint unavailable (status %d)", resp.StatusCode)
	default:
		var oe OAuth2Error
		if json.Unmarshal(body, &oe) == nil && oe.Code != "" {
			return nil, "", errors.Wrap(&oe, errors.ErrorTypeAuth, "refresh token rejected")
		}
		return nil, "", errors.Newf(errors.ErrorTypeAuth, "token request rejected with status %d", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, "", errors.Wrap(err, errors.ErrorTypeServer, "decoding token response")
	}
	if tr.AccessToken == "" {
		return nil, "", errors.New(errors.ErrorTypeServer, "token response missing access_token")
	}

	expiresIn := tr.expiresInSeconds()
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	tokenType := tr.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}

	now := time.Now()
	return &Token{
		AccessToken: tr.AccessToken,
		TokenType:   tokenType,
		ExpiresAt:   now.Add(time.Duration(expiresIn) * time.Second),
		minted:      now,
	}, tr.RefreshToken, nil
}

// tokenResponse is the token endpoint payload. AAD v1 serializes
// expires_in as a quoted string, so it is parsed leniently.
type tokenResponse struct {
	AccessToken  string          `json:"access_token"`
	TokenType    string          `json:"token_type"`
	RefreshToken string          `json:"refresh_token,omitempty"`
	ExpiresIn    json.RawMessage `json:"expires_in,omitempty"`
}

func (tr *tokenResponse) expiresInSeconds() int64 {
	raw := strings.Trim(strings.TrimSpace(string(tr.ExpiresIn)), `"`)
	if raw == "" {
		return 0
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// OAuth2Error is the error document returned by the token endpoint.
type OAuth2Error struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	ErrorURI    string `json:"error_uri,omitempty"`
}

func (e *OAuth2Error) Error() string {
	if e.Description != "" {
		return e.Code + ": " + e.Description
	}
	return e.Code
}
