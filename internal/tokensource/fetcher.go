package tokensource

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	defaultRequestTimeout = 30 * time.Second

	// defaultTokenLifetime is assumed when the exchange response omits an
	// expiry. The gateway's documented lifetime is one hour.
	defaultTokenLifetime = time.Hour
)

// Credentials holds everything needed to exchange client credentials for a
// bearer token. Validation of the values happens at config load time, not
// here.
type Credentials struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string

	// RequestTimeout bounds a single exchange request. Zero means the
	// default of 30 seconds.
	RequestTimeout time.Duration

	// TokenLifetime is used when the exchange response carries no expiry.
	// Zero means the default of one hour.
	TokenLifetime time.Duration
}

// Fetcher performs credential exchanges against the configured token
// endpoint. It is stateless per call and safe for concurrent use.
type Fetcher struct {
	creds    Credentials
	primary  *clientcredentials.Config
	client   *http.Client
	lifetime time.Duration
}

// NewFetcher creates a Fetcher for the given credentials.
func NewFetcher(creds Credentials) *Fetcher {
	timeout := creds.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	lifetime := creds.TokenLifetime
	if lifetime <= 0 {
		lifetime = defaultTokenLifetime
	}

	return &Fetcher{
		creds: creds,
		primary: &clientcredentials.Config{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			TokenURL:     creds.TokenURL,
			Scopes:       creds.Scopes,
		},
		client: &http.Client{
			Timeout: timeout,
		},
		lifetime: lifetime,
	}
}

// Fetch performs one credential exchange using the given method and returns
// the resulting token record. It never retries; a failed exchange surfaces
// as *AuthError and the caller decides what to do next.
func (f *Fetcher) Fetch(ctx context.Context, method Method) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, &AuthError{Method: method, Err: err}
	}

	var (
		token *oauth2.Token
		err   error
	)
	switch method {
	case MethodFallback:
		token, err = f.exchangeJSON(ctx)
	default:
		token, err = f.exchangeForm(ctx)
	}
	if err != nil {
		return nil, &AuthError{Method: method, Err: err}
	}

	if token.AccessToken == "" {
		return nil, &AuthError{Method: method, Err: errors.New("exchange returned empty access token")}
	}

	now := time.Now()
	expiry := token.Expiry
	if expiry.IsZero() {
		expiry = now.Add(f.lifetime)
	}

	return &Record{
		Token:      token.AccessToken,
		ExpiresAt:  expiry,
		AcquiredAt: now,
	}, nil
}

// exchangeForm performs the standard form-encoded client-credentials grant.
func (f *Fetcher) exchangeForm(ctx context.Context) (*oauth2.Token, error) {
	// clientcredentials reads its HTTP client from the context.
	ctx = context.WithValue(ctx, oauth2.HTTPClient, f.client)

	token, err := f.primary.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("client credentials grant: %w", err)
	}
	return token, nil
}

// exchangeRequest is the legacy endpoint's JSON request body.
type exchangeRequest struct {
	GrantType    string `json:"grant_type"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Scope        string `json:"scope,omitempty"`
}

// exchangeResponse is the legacy endpoint's JSON response body.
type exchangeResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// exchangeJSON performs the legacy JSON-encoded exchange. The legacy endpoint
// rejects form encoding, so the request is built by hand rather than through
// the oauth2 package.
func (f *Fetcher) exchangeJSON(ctx context.Context) (*oauth2.Token, error) {
	body, err := json.Marshal(exchangeRequest{
		GrantType:    "client_credentials",
		ClientID:     f.creds.ClientID,
		ClientSecret: f.creds.ClientSecret,
		Scope:        joinScopes(f.creds.Scopes),
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling exchange request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.creds.TokenURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating exchange request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	now := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("exchange request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		// Bounded read keeps a misbehaving endpoint from ballooning the error.
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("exchange failed with status %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
	}

	var payload exchangeResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decoding exchange response: %w", err)
	}

	token := &oauth2.Token{
		AccessToken: payload.AccessToken,
		TokenType:   payload.TokenType,
	}
	if payload.ExpiresIn > 0 {
		token.Expiry = now.Add(time.Duration(payload.ExpiresIn) * time.Second)
	}
	return token, nil
}

func joinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}
