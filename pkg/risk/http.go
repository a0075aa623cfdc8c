package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"cleannet/pkg/logging"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

const maxResponseBytes = 1 << 20

// HTTPScorer asks a remote risk API for verdicts. Verdicts are cached for
// cacheTTL, and concurrent lookups of one domain share a single request.
type HTTPScorer struct {
	endpoint string
	client   *http.Client
	timeout  time.Duration
	cache    *cache.Cache
	group    singleflight.Group
	logger   *logging.Logger
}

// NewHTTPScorer creates a scorer for endpoint. A nil client gets a default
// one; cacheTTL <= 0 disables caching.
func NewHTTPScorer(endpoint string, client *http.Client, timeout, cacheTTL time.Duration, logger *logging.Logger) *HTTPScorer {
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	s := &HTTPScorer{
		endpoint: endpoint,
		client:   client,
		timeout:  timeout,
		logger:   logger,
	}
	if cacheTTL > 0 {
		s.cache = cache.New(cacheTTL, cacheCleanup)
	}
	return s
}

// CalculateRisk implements Scorer.
func (s *HTTPScorer) CalculateRisk(ctx context.Context, domain string) (Verdict, error) {
	if s.cache != nil {
		if v, ok := s.cache.Get(domain); ok {
			return v.(Verdict), nil
		}
	}

	ch := s.group.DoChan(domain, func() (any, error) {
		// The shared request outlives any single caller's cancellation.
		fetchCtx := context.WithoutCancel(ctx)
		if s.timeout > 0 {
			var cancel context.CancelFunc
			fetchCtx, cancel = context.WithTimeout(fetchCtx, s.timeout)
			defer cancel()
		}

		v, err := s.fetch(fetchCtx, domain)
		if err != nil {
			return Verdict{}, err
		}
		if s.cache != nil {
			s.cache.SetDefault(domain, v)
		}
		return v, nil
	})

	select {
	case <-ctx.Done():
		return Verdict{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Verdict{}, res.Err
		}
		return res.Val.(Verdict), nil
	}
}

func (s *HTTPScorer) fetch(ctx context.Context, domain string) (Verdict, error) {
	u, err := url.Parse(s.endpoint)
	if err != nil {
		return Verdict{}, fmt.Errorf("invalid risk endpoint: %w", err)
	}
	q := u.Query()
	q.Set("domain", domain)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Verdict{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return Verdict{}, fmt.Errorf("risk request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return Verdict{}, fmt.Errorf("%w: %d", ErrBadStatus, resp.StatusCode)
	}

	var v Verdict
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&v); err != nil {
		return Verdict{}, fmt.Errorf("failed to decode risk response: %w", err)
	}
	v.Score = clamp(v.Score)
	if v.Label == "" {
		v.Label = LabelFor(v.Score)
	}
	if v.Reasons == nil {
		v.Reasons = []string{}
	}

	s.logger.Debug("Risk verdict fetched",
		"domain", domain,
		"score", v.Score,
		"label", v.Label,
		"duration", time.Since(start))

	return v, nil
}

// CachedItems returns the number of cached verdicts.
func (s *HTTPScorer) CachedItems() int {
	if s.cache == nil {
		return 0
	}
	return s.cache.ItemCount()
}
