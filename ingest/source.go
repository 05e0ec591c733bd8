/*
source.go - Retrying, circuit-broken client for the external records API

PURPOSE:
  Wraps the source's paginated read endpoint in the full failure-handling
  stack: bearer credential cache with single-flight refresh, exponential
  backoff for transient failures, and a three-state circuit breaker shared
  across all calls within one ingestion run — when open, calls fail fast
  without touching the network.

AUTH CONTRACT:
  A 401 triggers exactly one forced credential refresh and retry. A second
  consecutive 401 is fatal (ErrAuthFailed). Auth failures never count
  against the circuit breaker and are never backoff-retried.

TERMINATION:
  Pagination ends when a page comes back shorter than the requested limit;
  the Pager in pager.go owns that rule.
*/
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

var (
	// ErrAuthFailed means the credential was rejected even after one forced
	// refresh. Runs fail hard on it.
	ErrAuthFailed = errors.New("source authentication failed")

	// ErrSourceUnavailable means the source could not be reached after
	// retries (or the breaker is open). Prior data remains usable, so runs
	// finish as STALE_DATA rather than FAILED.
	ErrSourceUnavailable = errors.New("source unavailable")

	errUnauthorized = errors.New("unauthorized")
)

// Source is the engine's view of the external records provider.
type Source interface {
	// FetchPage returns one page of opaque records. criteria is an opaque
	// filter expression; pagination is offset/limit.
	FetchPage(ctx context.Context, criteria string, offset, limit int) ([]json.RawMessage, error)
}

// =============================================================================
// HTTP SOURCE
// =============================================================================

// BreakerConfig tunes the shared circuit breaker.
type BreakerConfig struct {
	ConsecutiveFailures int
	Cooldown            time.Duration
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{ConsecutiveFailures: 5, Cooldown: 30 * time.Second}
}

type HTTPSource struct {
	baseURL  string
	username string
	password string

	httpClient *http.Client
	tokens     *TokenCache
	breaker    *gobreaker.CircuitBreaker
	retry      RetryConfig
	logger     *zap.Logger
}

func NewHTTPSource(baseURL, username, password string, retry RetryConfig, breaker BreakerConfig, logger *zap.Logger) *HTTPSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &HTTPSource{
		baseURL:    baseURL,
		username:   username,
		password:   password,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		retry:      retry,
		logger:     logger,
	}
	s.tokens = NewTokenCache(s.authenticate)
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "records-source",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(breaker.ConsecutiveFailures)
		},
		Timeout: breaker.Cooldown,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("source circuit breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return s
}

// authenticate obtains a bearer credential from the source's token endpoint.
func (s *HTTPSource) authenticate(ctx context.Context) (Credential, error) {
	body, _ := json.Marshal(map[string]string{
		"username": s.username,
		"password": s.password,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/auth/token", bytes.NewReader(body))
	if err != nil {
		return Credential{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Credential{}, fmt.Errorf("%w: token endpoint returned %d", ErrAuthFailed, resp.StatusCode)
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Credential{}, fmt.Errorf("decoding token response: %w", err)
	}
	if payload.ExpiresIn <= 0 {
		payload.ExpiresIn = 3600
	}
	return Credential{
		Token:     payload.AccessToken,
		ExpiresAt: time.Now().Add(time.Duration(payload.ExpiresIn) * time.Second),
	}, nil
}

// FetchPage implements Source with the 401-refresh-once contract.
func (s *HTTPSource) FetchPage(ctx context.Context, criteria string, offset, limit int) ([]json.RawMessage, error) {
	records, err := s.fetchWithToken(ctx, criteria, offset, limit, false)
	if errors.Is(err, errUnauthorized) {
		s.logger.Info("credential rejected, forcing one refresh")
		records, err = s.fetchWithToken(ctx, criteria, offset, limit, true)
		if errors.Is(err, errUnauthorized) {
			return nil, ErrAuthFailed
		}
	}
	return records, err
}

func (s *HTTPSource) fetchWithToken(ctx context.Context, criteria string, offset, limit int, forceAuth bool) ([]json.RawMessage, error) {
	token, err := s.tokens.Get(ctx, forceAuth)
	if err != nil {
		return nil, err
	}

	var records []json.RawMessage
	err = withBackoff(ctx, s.retry, s.logger, "fetch page", func() error {
		result, execErr := s.breaker.Execute(func() (any, error) {
			return s.doFetch(ctx, token, criteria, offset, limit)
		})
		if execErr != nil {
			if errors.Is(execErr, gobreaker.ErrOpenState) || errors.Is(execErr, gobreaker.ErrTooManyRequests) {
				return Permanent(fmt.Errorf("%w: circuit open", ErrSourceUnavailable))
			}
			if errors.Is(execErr, errUnauthorized) {
				// Auth problems are not transient; bail out of the retry
				// loop and let FetchPage run the refresh-once path.
				return Permanent(execErr)
			}
			return execErr
		}
		records = result.([]json.RawMessage)
		return nil
	})
	if err != nil {
		if !errors.Is(err, errUnauthorized) && !errors.Is(err, ErrSourceUnavailable) {
			return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
		}
		return nil, err
	}
	return records, nil
}

// doFetch performs one HTTP call. A 401 returns errUnauthorized; the breaker
// treats it as an error, but gobreaker's consecutive-failure counter resets
// on the next success so a single auth blip never opens the circuit.
func (s *HTTPSource) doFetch(ctx context.Context, token, criteria string, offset, limit int) ([]json.RawMessage, error) {
	q := url.Values{}
	if criteria != "" {
		q.Set("criteria", criteria)
	}
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/records?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, errUnauthorized
	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("source returned %d: %s", resp.StatusCode, body)
	}

	var payload struct {
		Records []json.RawMessage `json:"records"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decoding page: %w", err)
	}
	return payload.Records, nil
}
