package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// APIError is a non-2xx response from a source API. Temporary errors (429,
// 5xx) are retried by the engine; 401/403 fail the run.
type APIError struct {
	Source     string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s api error %d: %s", e.Source, e.StatusCode, e.Body)
}

func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

func (e *APIError) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// apiClient is a rate-limited JSON GET client shared by every HTTP source.
// Base URL, auth header name and rate limit come from env, keyed per source,
// so a staging mock can stand in for any provider.
type apiClient struct {
	source     string
	baseURL    string
	authHeader string
	authValue  string
	http       *http.Client
	limiter    <-chan time.Time
}

func newAPIClient(source string, secretRef string) (*apiClient, error) {
	prefix := strings.ToUpper(strings.ReplaceAll(source, "-", "_"))

	baseURL := strings.TrimSpace(os.Getenv(prefix + "_API_BASE_URL"))
	if baseURL == "" {
		return nil, fmt.Errorf("%s_API_BASE_URL is required", prefix)
	}
	authHeader := strings.TrimSpace(os.Getenv(prefix + "_AUTH_HEADER"))
	if authHeader == "" {
		authHeader = "Authorization"
	}
	if strings.TrimSpace(secretRef) == "" {
		return nil, errors.New(source + " credential is empty")
	}
	authValue := secretRef
	if authHeader == "Authorization" && !strings.HasPrefix(authValue, "Bearer ") {
		authValue = "Bearer " + authValue
	}

	rateLimitPerMin := int64(60)
	if v := strings.TrimSpace(os.Getenv(prefix + "_RATE_LIMIT_PER_MIN")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			rateLimitPerMin = n
		}
	}
	interval := time.Minute / time.Duration(rateLimitPerMin)

	return &apiClient{
		source:     source,
		baseURL:    strings.TrimRight(baseURL, "/"),
		authHeader: authHeader,
		authValue:  authValue,
		http:       &http.Client{Timeout: 30 * time.Second},
		limiter:    time.Tick(interval),
	}, nil
}

func (c *apiClient) getJSON(ctx context.Context, path string, params url.Values, out interface{}) error {
	select {
	case <-c.limiter:
	case <-ctx.Done():
		return ctx.Err()
	}

	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set(c.authHeader, c.authValue)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Source: c.source, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	return json.Unmarshal(body, out)
}

func parseTimePtr(value string) *time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return &t
	}
	// epoch seconds, as some providers send
	if sec, err := strconv.ParseInt(value, 10, 64); err == nil && sec > 0 {
		t := time.Unix(sec, 0).UTC()
		return &t
	}
	return nil
}

func pageLimitParam(def int) string {
	if v := strings.TrimSpace(os.Getenv("SYNC_PAGE_LIMIT")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			return strconv.Itoa(n)
		}
	}
	return strconv.Itoa(def)
}
