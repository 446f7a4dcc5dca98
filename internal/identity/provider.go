// Package identity bridges the third-party identity provider's
// device-authorization sign-in flow and owns the active identity token.
package identity

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

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// RefreshThreshold is the remaining validity below which CurrentToken
// rotates the token even without forceRefresh.
const RefreshThreshold = 15 * time.Minute

const defaultPollInterval = 5 * time.Second

// Prompter presents the device-authorization prompt to the user.
type Prompter func(verificationURI, userCode string)

// ProviderOpts configures a Provider.
type ProviderOpts struct {
	// BaseURL is the identity provider's base URL.
	BaseURL string
	// ClientID identifies this application at the provider.
	ClientID string
	// Prompt is called once per sign-in with the verification URI and
	// user code. Required for SignIn.
	Prompt Prompter
	// HTTPClient overrides the default HTTP client. Optional.
	HTTPClient *http.Client
}

// Provider handles the device-authorization sign-in flow and token
// rotation against the identity provider. At most one token is current at
// a time; a successful refresh atomically supersedes the prior token.
type Provider struct {
	httpClient *http.Client
	baseURL    string
	clientID   string
	deviceID   string
	prompt     Prompter

	mu      sync.Mutex
	current *Token

	// refreshGroup collapses concurrent refresh attempts into a single
	// provider call.
	refreshGroup singleflight.Group

	// onTokenChange is invoked with the new token after sign-in or
	// refresh, and with nil when the provider-side session is lost.
	onTokenChange  func(*Token)
	onForcedLogout func(error)
}

// NewProvider creates a provider adapter.
func NewProvider(opts ProviderOpts) *Provider {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Provider{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		clientID:   opts.ClientID,
		deviceID:   uuid.NewString(),
		prompt:     opts.Prompt,
	}
}

// OnTokenChange registers the handler invoked whenever the current token
// changes (nil means signed out). Must be called during setup, before any
// sign-in or refresh.
func (p *Provider) OnTokenChange(fn func(*Token)) {
	p.onTokenChange = fn
}

// OnForcedLogout registers the handler invoked when the provider reports
// an unrecoverable credential (e.g. a stale refresh token). Must be called
// during setup.
func (p *Provider) OnForcedLogout(fn func(error)) {
	p.onForcedLogout = fn
}

// DeviceID returns the per-install device identifier sent to the provider.
func (p *Provider) DeviceID() string {
	return p.deviceID
}

type deviceCodeResponse struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
}

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresIn        int    `json:"expires_in"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// SignIn runs the device-authorization flow and resolves with a fresh
// identity token. The user-facing prompt is delivered through the
// Prompter configured at construction.
func (p *Provider) SignIn(ctx context.Context) (*Token, error) {
	dc, err := p.requestDeviceCode(ctx)
	if err != nil {
		return nil, fmt.Errorf("device code request failed: %w", err)
	}

	if p.prompt != nil {
		p.prompt(dc.VerificationURI, dc.UserCode)
	}

	interval := defaultPollInterval
	if dc.Interval > 0 {
		interval = time.Duration(dc.Interval) * time.Second
	}

	deadline := time.Now().Add(time.Duration(dc.ExpiresIn) * time.Second)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}

		if time.Now().After(deadline) {
			return nil, ErrSignInExpired
		}

		token, retry, err := p.pollDeviceToken(ctx, dc.DeviceCode, &interval)
		if err != nil {
			return nil, err
		}
		if retry {
			continue
		}

		p.setCurrent(token)
		log.Info().Time("expiresAt", token.ExpiresAt).Msg("sign-in completed")
		return token, nil
	}
}

func (p *Provider) requestDeviceCode(ctx context.Context) (*deviceCodeResponse, error) {
	endpoint := fmt.Sprintf("%s/oauth/device/code", p.baseURL)

	data := url.Values{}
	data.Set("client_id", p.clientID)
	data.Set("scope", "openid offline_access")
	data.Set("device_id", p.deviceID)

	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("device code request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var result deviceCodeResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, err
	}
	if result.DeviceCode == "" {
		return nil, fmt.Errorf("device code missing from response")
	}

	return &result, nil
}

// pollDeviceToken performs one token poll. retry=true means the
// authorization is still pending and the caller should poll again.
func (p *Provider) pollDeviceToken(ctx context.Context, deviceCode string, interval *time.Duration) (*Token, bool, error) {
	data := url.Values{}
	data.Set("grant_type", "urn:ietf:params:oauth:grant-type:device_code")
	data.Set("device_code", deviceCode)
	data.Set("client_id", p.clientID)

	result, err := p.tokenRequest(ctx, data)
	if err != nil {
		return nil, false, err
	}

	switch result.Error {
	case "":
		return p.tokenFromResponse(result), false, nil
	case "authorization_pending":
		return nil, true, nil
	case "slow_down":
		*interval += 5 * time.Second
		return nil, true, nil
	case "access_denied":
		return nil, false, ErrSignInDenied
	case "expired_token":
		return nil, false, ErrSignInExpired
	case "account_conflict":
		return nil, false, ErrAccountConflict
	default:
		return nil, false, fmt.Errorf("token request failed: %s (%s)", result.Error, result.ErrorDescription)
	}
}

func (p *Provider) tokenRequest(ctx context.Context, data url.Values) (*tokenResponse, error) {
	endpoint := fmt.Sprintf("%s/oauth/token", p.baseURL)

	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	var result tokenResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse token response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != 200 && result.Error == "" {
		return nil, fmt.Errorf("token request failed with status %d: %s", resp.StatusCode, string(body))
	}

	return &result, nil
}

func (p *Provider) tokenFromResponse(result *tokenResponse) *Token {
	token := &Token{
		Value:        result.AccessToken,
		RefreshToken: result.RefreshToken,
	}
	// Prefer the exp claim when the token is a JWT; fall back to
	// expires_in.
	if exp, err := ExpiryOf(result.AccessToken); err == nil {
		token.ExpiresAt = exp
	} else if result.ExpiresIn > 0 {
		token.ExpiresAt = time.Now().Add(time.Duration(result.ExpiresIn) * time.Second)
	}
	return token
}

// CurrentToken returns the active identity token. When forceRefresh is
// false, the token is rotated only if its remaining validity is below
// RefreshThreshold; when true, a new token is always minted. Concurrent
// refreshes collapse into a single provider call.
func (p *Provider) CurrentToken(ctx context.Context, forceRefresh bool) (*Token, error) {
	p.mu.Lock()
	current := p.current
	p.mu.Unlock()

	if current == nil {
		return nil, ErrNotSignedIn
	}

	if !forceRefresh && current.Remaining() >= RefreshThreshold {
		return current, nil
	}

	v, err, _ := p.refreshGroup.Do("refresh", func() (any, error) {
		return p.refresh(ctx, current)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Token), nil
}

// refresh exchanges the refresh credential for a new token. A rejected
// refresh credential forces logout: the session cannot be recovered
// without a new sign-in.
func (p *Provider) refresh(ctx context.Context, current *Token) (*Token, error) {
	if current.RefreshToken == "" {
		p.forceLogout(ErrRefreshCredentialStale)
		return nil, ErrRefreshCredentialStale
	}

	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", current.RefreshToken)
	data.Set("client_id", p.clientID)

	result, err := p.tokenRequest(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("token refresh failed: %w", err)
	}

	if result.Error != "" {
		if result.Error == "invalid_grant" {
			p.forceLogout(ErrRefreshCredentialStale)
			return nil, ErrRefreshCredentialStale
		}
		return nil, fmt.Errorf("token refresh failed: %s (%s)", result.Error, result.ErrorDescription)
	}

	token := p.tokenFromResponse(result)
	// Providers may omit the refresh token on rotation; keep the old one.
	if token.RefreshToken == "" {
		token.RefreshToken = current.RefreshToken
	}

	p.setCurrent(token)
	log.Debug().Time("expiresAt", token.ExpiresAt).Msg("identity token rotated")
	return token, nil
}

// SignOut drops the current token without contacting the provider.
func (p *Provider) SignOut() {
	p.mu.Lock()
	p.current = nil
	p.mu.Unlock()
}

func (p *Provider) setCurrent(token *Token) {
	p.mu.Lock()
	p.current = token
	p.mu.Unlock()
	if p.onTokenChange != nil {
		p.onTokenChange(token)
	}
}

func (p *Provider) forceLogout(err error) {
	p.mu.Lock()
	p.current = nil
	p.mu.Unlock()
	log.Warn().Err(err).Msg("identity provider forced logout")
	if p.onTokenChange != nil {
		p.onTokenChange(nil)
	}
	if p.onForcedLogout != nil {
		p.onForcedLogout(err)
	}
}

// ExpiryOf introspects the absolute expiry of a token. The token is
// parsed as a JWT without signature verification; validity is the
// server's concern, only the expiry instant is of interest here.
func ExpiryOf(raw string) (time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return time.Time{}, errors.New("empty token")
	}

	token, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse token: %w", err)
	}

	exp, err := token.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, errors.New("token has no expiry claim")
	}

	return exp.Time, nil
}
