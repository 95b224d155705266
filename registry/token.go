package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Credential carries what the credential resolver produced for a registry:
// either a username/secret pair or an OAuth2 refresh token.
type Credential struct {
	Username     string
	Secret       string
	RefreshToken string
}

// IsZero reports whether no credential is present (anonymous access).
func (c Credential) IsZero() bool {
	return c.Username == "" && c.Secret == "" && c.RefreshToken == ""
}

// maxTokenRefreshes bounds how many times a client re-enters the token
// exchange after a 401 before giving up.
const maxTokenRefreshes = 5

// minTokenLifetime is assumed when the token endpoint does not declare an
// expiry.
const minTokenLifetime = 60 * time.Second

type bearerToken struct {
	token     string
	expiresAt time.Time
}

// authorizer owns the authentication state machine for one registry
// client: UNAUTH until the first challenge, then BASIC or BEARER with a
// per-scope token cache. A single lock guards token refresh so only one
// refresh runs at a time; queued requests re-read the current token on
// wake.
type authorizer struct {
	host       string
	credential Credential
	clientID   string
	client     *http.Client
	logger     *logrus.Entry

	mu        sync.Mutex
	challenge *Challenge
	tokens    map[string]bearerToken
	refreshes int
}

func newAuthorizer(host string, credential Credential, client *http.Client, logger *logrus.Entry) *authorizer {
	return &authorizer{
		host:       host,
		credential: credential,
		clientID:   "caravel",
		client:     client,
		logger:     logger,
		tokens:     map[string]bearerToken{},
	}
}

// handleChallenge records the authentication scheme advertised by a 401 or
// the initial /v2/ ping. Bearer wins over basic when both are offered.
func (a *authorizer) handleChallenge(resp *http.Response) {
	challenges := parseAuthHeader(resp.Header)
	if len(challenges) == 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	selected := challenges[0]
	for _, ch := range challenges {
		if ch.Scheme == "bearer" {
			selected = ch
			break
		}
	}
	a.challenge = &selected
}

// apply attaches credentials for the given scopes to the request,
// fetching a bearer token first when one is needed and not cached.
func (a *authorizer) apply(ctx context.Context, req *http.Request, scopes []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.challenge == nil {
		return nil
	}
	switch a.challenge.Scheme {
	case "basic":
		if a.credential.IsZero() {
			return nil
		}
		req.SetBasicAuth(a.credential.Username, a.credential.Secret)
		return nil
	case "bearer":
		key := strings.Join(scopes, " ")
		tok, ok := a.tokens[key]
		if !ok || time.Now().After(tok.expiresAt) {
			fetched, err := a.fetchToken(ctx, scopes)
			if err != nil {
				return err
			}
			a.tokens[key] = fetched
			tok = fetched
		}
		req.Header.Set("Authorization", "Bearer "+tok.token)
		return nil
	default:
		return fmt.Errorf("unsupported auth scheme %q", a.challenge.Scheme)
	}
}

// refresh reacts to a 401 received mid-operation: it re-reads the
// challenge, drops the cached token for the scopes and fetches a new one.
// Each call consumes one unit of the refresh budget.
func (a *authorizer) refresh(ctx context.Context, resp *http.Response, scopes []string) error {
	a.handleChallenge(resp)

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.refreshes >= maxTokenRefreshes {
		return &UnauthorizedError{Challenge: resp.Header.Get("WWW-Authenticate")}
	}
	a.refreshes++

	if a.challenge == nil || a.challenge.Scheme != "bearer" {
		// Basic (or no challenge at all): there is nothing to refresh;
		// the credentials were already attached and rejected.
		return &UnauthorizedError{Challenge: resp.Header.Get("WWW-Authenticate")}
	}

	key := strings.Join(scopes, " ")
	delete(a.tokens, key)
	fetched, err := a.fetchToken(ctx, scopes)
	if err != nil {
		return err
	}
	a.tokens[key] = fetched
	return nil
}

type tokenResponse struct {
	Token        string `json:"token"`
	AccessToken  string `json:"access_token"`
	ExpiresIn    int    `json:"expires_in"`
	IssuedAt     string `json:"issued_at"`
	RefreshToken string `json:"refresh_token"`
}

// fetchToken runs the token exchange against the realm from the bearer
// challenge. Callers hold a.mu, so concurrent requests queue behind one
// refresh and pick up the fresh token.
func (a *authorizer) fetchToken(ctx context.Context, scopes []string) (bearerToken, error) {
	realm, ok := a.challenge.Parameters["realm"]
	if !ok {
		return bearerToken{}, fmt.Errorf("no realm specified for token auth challenge")
	}
	service := a.challenge.Parameters["service"]
	if service == "" {
		service = a.host
	}

	var req *http.Request
	var err error
	if a.credential.RefreshToken != "" {
		form := url.Values{}
		form.Set("grant_type", "refresh_token")
		form.Set("refresh_token", a.credential.RefreshToken)
		form.Set("service", service)
		form.Set("client_id", a.clientID)
		if len(scopes) > 0 {
			form.Set("scope", strings.Join(scopes, " "))
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, realm, strings.NewReader(form.Encode()))
		if err != nil {
			return bearerToken{}, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, realm, nil)
		if err != nil {
			return bearerToken{}, err
		}
		q := req.URL.Query()
		q.Set("service", service)
		for _, scope := range scopes {
			q.Add("scope", scope)
		}
		req.URL.RawQuery = q.Encode()
		if !a.credential.IsZero() {
			req.SetBasicAuth(a.credential.Username, a.credential.Secret)
		}
	}

	a.logger.WithField("realm", realm).Debug("fetching bearer token")

	resp, err := a.client.Do(req)
	if err != nil {
		return bearerToken{}, fmt.Errorf("token exchange: %w", err)
	}
	defer resp.Body.Close()

	if !SuccessStatus(resp.StatusCode) {
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return bearerToken{}, &UnauthorizedError{Challenge: resp.Header.Get("WWW-Authenticate")}
		}
		return bearerToken{}, &UnexpectedHTTPStatusError{Status: resp.Status}
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return bearerToken{}, fmt.Errorf("decoding token response: %w", err)
	}

	token := tr.Token
	if token == "" {
		token = tr.AccessToken
	}
	if token == "" {
		return bearerToken{}, fmt.Errorf("token endpoint returned neither token nor access_token")
	}

	lifetime := time.Duration(tr.ExpiresIn) * time.Second
	if lifetime < minTokenLifetime {
		lifetime = minTokenLifetime
	}
	return bearerToken{token: token, expiresAt: time.Now().Add(lifetime - 10*time.Second)}, nil
}

// pullScope and pushScope build the repository scope strings for token
// requests.
func pullScope(repository string) string {
	return fmt.Sprintf("repository:%s:pull", repository)
}

func pushScope(repository string) string {
	return fmt.Sprintf("repository:%s:pull,push", repository)
}
