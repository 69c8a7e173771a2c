package verifier

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	githubAPIBaseURL = "https://api.github.com"
	githubTimeout    = 10 * time.Second
	maxGitHubBodyLen = 1 << 20
)

// GitHubConfig configures a GitHub token verifier.
type GitHubConfig struct {
	// RequiredScopes must all appear in the token's granted scopes as
	// reported by the X-OAuth-Scopes header.
	RequiredScopes []string

	// BaseURL overrides the GitHub API base, for GitHub Enterprise and
	// tests.
	BaseURL string

	// HTTPClient overrides the default client.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// GitHub validates opaque GitHub access tokens by calling the GitHub user
// API. GitHub tokens are not JWTs and GitHub offers no introspection
// endpoint, so a live API call is the only validation available.
type GitHub struct {
	baseURL        string
	requiredScopes []string
	client         *http.Client
	logger         *slog.Logger
}

var _ Verifier = (*GitHub)(nil)

// NewGitHub creates a GitHub verifier.
func NewGitHub(cfg GitHubConfig) *GitHub {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = githubAPIBaseURL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: githubTimeout}
	}
	return &GitHub{
		baseURL:        strings.TrimRight(baseURL, "/"),
		requiredScopes: cfg.RequiredScopes,
		client:         client,
		logger:         logger,
	}
}

// Verify calls GET /user with the token. 401 and 403 responses are
// ErrInvalidToken; transport failures and other statuses are
// infrastructure errors.
func (v *GitHub) Verify(ctx context.Context, token string) (*Principal, error) {
	ctx, cancel := ensureTimeout(ctx, githubTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+"/user", nil)
	if err != nil {
		return nil, fmt.Errorf("verifier: build github request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("verifier: github request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, ErrInvalidToken
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("verifier: github api returned status %d", resp.StatusCode)
	}

	var user struct {
		Login string `json:"login"`
		ID    int64  `json:"id"`
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxGitHubBodyLen))
	if err != nil {
		return nil, fmt.Errorf("verifier: read github response: %w", err)
	}
	if err := json.Unmarshal(body, &user); err != nil {
		return nil, fmt.Errorf("verifier: decode github response: %w", err)
	}
	if user.Login == "" && user.ID == 0 {
		return nil, ErrInvalidToken
	}

	subject := user.Login
	if subject == "" {
		subject = strconv.FormatInt(user.ID, 10)
	}

	// Granted scopes are reported out of band in a response header, not
	// in the body. Fine-grained tokens omit the header entirely.
	scopes := parseScopesHeader(resp.Header.Get("X-OAuth-Scopes"))
	if !hasRequiredScopes(scopes, v.requiredScopes) {
		v.logger.Debug("github token missing required scopes", "subject", subject)
		return nil, ErrInvalidToken
	}

	return &Principal{
		Subject: subject,
		Scopes:  scopes,
		Claims: map[string]any{
			"login": user.Login,
			"id":    user.ID,
		},
	}, nil
}

func parseScopesHeader(header string) []string {
	if header == "" {
		return nil
	}
	parts := strings.Split(header, ",")
	scopes := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			scopes = append(scopes, s)
		}
	}
	return scopes
}

// ensureTimeout bounds ctx with the given timeout when the caller has not
// already set a deadline.
func ensureTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}
