package ecobee

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gridbus-dev/gridbus/pkg/observability"
	"github.com/gridbus-dev/gridbus/pkg/security"
)

const (
	apiBaseURL    = "https://api.ecobee.com"
	authorizeURL  = apiBaseURL + "/authorize"
	tokenURL      = apiBaseURL + "/token"
	ThermostatURL = apiBaseURL + "/1/thermostat"

	maxRetries     = 3
	requestTimeout = 30 * time.Second
)

// ErrStaleToken is returned by the remote when the vendor rejects the
// access token. The driver reacts by refreshing tokens and retrying.
var ErrStaleToken = errors.New("access token rejected by remote")

// Tokens is a vendor access/refresh token pair.
type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Remote is the vendor API surface the driver depends on. The production
// implementation talks HTTPS to api.ecobee.com; tests substitute a fake.
type Remote interface {
	// Authorize registers the application with the vendor and returns an
	// authorization code. Completing the flow needs a one-time human step
	// on the vendor portal, which Authorize reports via the log.
	Authorize(ctx context.Context) (string, error)

	// RequestTokens exchanges an authorization code for tokens.
	RequestTokens(ctx context.Context, authCode string) (Tokens, error)

	// RefreshTokens exchanges a refresh token for fresh tokens.
	RefreshTokens(ctx context.Context, refreshToken string) (Tokens, error)

	// GetData performs an authenticated GET and returns the raw body.
	GetData(ctx context.Context, requestURL, accessToken string, params url.Values) (json.RawMessage, error)

	// PostUpdate performs an authenticated POST with a JSON body.
	PostUpdate(ctx context.Context, requestURL, accessToken string, params url.Values, body any) error
}

type httpRemote struct {
	apiKey  string
	client  *http.Client
	limiter *security.RateLimiter
	breaker *security.CircuitBreaker
}

// newHTTPRemote builds the production vendor client. The vendor allows
// roughly one request per three seconds per application, so the limiter is
// set well inside that.
func newHTTPRemote(apiKey string) *httpRemote {
	return &httpRemote{
		apiKey:  apiKey,
		client:  &http.Client{Timeout: requestTimeout},
		limiter: security.NewRateLimiter(0.2, 1),
		breaker: security.NewCircuitBreaker(5, time.Minute),
	}
}

type authorizeResponse struct {
	EcobeePin string `json:"ecobeePin"`
	Code      string `json:"code"`
}

func (r *httpRemote) Authorize(ctx context.Context) (string, error) {
	params := url.Values{}
	params.Set("response_type", "ecobeePin")
	params.Set("client_id", r.apiKey)
	params.Set("scope", "smartWrite")

	body, err := r.do(ctx, http.MethodGet, authorizeURL, params, "", nil, "authorize")
	if err != nil {
		return "", fmt.Errorf("authorize application: %w", err)
	}

	var resp authorizeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("parse authorize response: %w", err)
	}

	log.Printf("[ecobee] authorize this application on the vendor portal with PIN %s, then restart the driver", resp.EcobeePin)
	return resp.Code, nil
}

func (r *httpRemote) RequestTokens(ctx context.Context, authCode string) (Tokens, error) {
	params := url.Values{}
	params.Set("grant_type", "ecobeePin")
	params.Set("code", authCode)
	params.Set("client_id", r.apiKey)

	tokens, err := r.tokenRequest(ctx, params)
	if err != nil {
		observability.RecordTokenRefresh("ecobee", "error")
		return Tokens{}, fmt.Errorf("request tokens: %w", err)
	}
	observability.RecordTokenRefresh("ecobee", "ok")
	return tokens, nil
}

func (r *httpRemote) RefreshTokens(ctx context.Context, refreshToken string) (Tokens, error) {
	params := url.Values{}
	params.Set("grant_type", "refresh_token")
	params.Set("refresh_token", refreshToken)
	params.Set("client_id", r.apiKey)

	tokens, err := r.tokenRequest(ctx, params)
	if err != nil {
		observability.RecordTokenRefresh("ecobee", "error")
		return Tokens{}, fmt.Errorf("refresh tokens: %w", err)
	}
	observability.RecordTokenRefresh("ecobee", "ok")
	return tokens, nil
}

func (r *httpRemote) tokenRequest(ctx context.Context, params url.Values) (Tokens, error) {
	body, err := r.do(ctx, http.MethodPost, tokenURL, params, "", nil, "token")
	if err != nil {
		return Tokens{}, err
	}

	var tokens Tokens
	if err := json.Unmarshal(body, &tokens); err != nil {
		return Tokens{}, fmt.Errorf("parse token response: %w", err)
	}
	if tokens.AccessToken == "" {
		return Tokens{}, errors.New("token response missing access token")
	}
	return tokens, nil
}

func (r *httpRemote) GetData(ctx context.Context, requestURL, accessToken string, params url.Values) (json.RawMessage, error) {
	return r.do(ctx, http.MethodGet, requestURL, params, accessToken, nil, "get_data")
}

func (r *httpRemote) PostUpdate(ctx context.Context, requestURL, accessToken string, params url.Values, body any) error {
	_, err := r.do(ctx, http.MethodPost, requestURL, params, accessToken, body, "post_update")
	return err
}

func (r *httpRemote) do(ctx context.Context, method, requestURL string, params url.Values, accessToken string, reqBody any, operation string) (json.RawMessage, error) {
	var payload []byte
	if reqBody != nil {
		var err error
		payload, err = json.Marshal(reqBody)
		if err != nil {
			return nil, err
		}
	}

	if err := r.limiter.Wait(ctx, "ecobee"); err != nil {
		return nil, err
	}

	start := time.Now()
	var result json.RawMessage
	err := r.breaker.Execute(func() error {
		var lastErr error
		for attempt := 0; attempt < maxRetries; attempt++ {
			if attempt > 0 {
				delay := time.Duration(math.Pow(2, float64(attempt))) * time.Second
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(delay):
				}
			}

			fullURL := requestURL
			if len(params) > 0 {
				fullURL += "?" + params.Encode()
			}

			req, err := http.NewRequestWithContext(ctx, method, fullURL, strings.NewReader(string(payload)))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")
			if accessToken != "" {
				req.Header.Set("Authorization", "Bearer "+accessToken)
			}

			resp, err := r.client.Do(req)
			if err != nil {
				lastErr = err
				continue
			}

			body, readErr := io.ReadAll(resp.Body)
			_ = resp.Body.Close()

			if resp.StatusCode == http.StatusUnauthorized {
				return ErrStaleToken
			}
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				lastErr = fmt.Errorf("remote returned status %d: %s", resp.StatusCode, body)
				continue
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("remote returned status %d: %s", resp.StatusCode, body)
			}
			if readErr != nil {
				lastErr = readErr
				continue
			}

			result = body
			return nil
		}
		return lastErr
	})

	status := "ok"
	if err != nil {
		status = "error"
	}
	observability.RecordVendorRequest("ecobee", operation, status, time.Since(start))

	if err != nil {
		return nil, err
	}
	return result, nil
}
