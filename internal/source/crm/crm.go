// Package crm implements the live CRM-backed research source. Fetches go
// to the CRM search API; an optional redis read-through cache sits in
// front of it. The cache is private to this plugin and never
// authoritative.
package crm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"caseflow/internal/retry"
	"caseflow/internal/source"
)

// Config declares the plugin preconditions.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	// RedisAddr enables the read-through cache when non-empty.
	RedisAddr string
	CacheTTL  time.Duration
}

// Source queries the CRM companies API.
type Source struct {
	cfg    Config
	client *http.Client
	cache  *redis.Client
	logger *slog.Logger
}

// New builds the CRM source. The redis client is created lazily-safe here:
// connection errors only surface on use and degrade to cache misses.
func New(cfg Config) *Source {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 15 * time.Minute
	}
	s := &Source{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: slog.Default().With(slog.String("component", "source.crm")),
	}
	if cfg.RedisAddr != "" {
		s.cache = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	}
	return s
}

func (s *Source) Name() string { return "crm-live" }

// Available fails with a configuration-absent error when the endpoint or
// credentials are missing, which makes the registry fall through to the
// static dataset.
func (s *Source) Available() error {
	if strings.TrimSpace(s.cfg.BaseURL) == "" {
		return fmt.Errorf("%w: crm base url not set", source.ErrNotConfigured)
	}
	if strings.TrimSpace(s.cfg.Token) == "" {
		return fmt.Errorf("%w: crm api token not set", source.ErrNotConfigured)
	}
	return nil
}

// Fetch searches the CRM by domain, falling back to company name. Rate
// limits and 5xx responses are returned as transient errors for the retry
// wrapper; other client errors are permanent.
func (s *Source) Fetch(ctx context.Context, q source.Query) (source.Raw, error) {
	key := cacheKey(q)
	if raw, ok := s.cacheGet(ctx, key); ok {
		return raw, nil
	}

	endpoint, err := s.searchURL(q)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	req.Header.Set("Accept", "application/json")

	res, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("crm search: %w", err)
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusOK:
	case res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500:
		return nil, fmt.Errorf("crm search: transient status %d", res.StatusCode)
	case res.StatusCode == http.StatusNotFound:
		return source.Raw{}, nil
	default:
		body, _ := io.ReadAll(io.LimitReader(res.Body, 2048))
		return nil, retry.Permanent(fmt.Errorf("crm search: status %d: %s", res.StatusCode, strings.TrimSpace(string(body))))
	}

	var payload struct {
		Results []map[string]any `json:"results"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return nil, retry.Permanent(fmt.Errorf("crm search: decode response: %w", err))
	}
	raw := source.Raw{}
	if len(payload.Results) > 0 {
		raw = source.Raw(payload.Results[0])
	}
	s.cachePut(ctx, key, raw)
	return raw, nil
}

// Normalize maps CRM property names onto the canonical payload fields and
// validates the result. A record that came back without the mandatory
// fields is an operator problem: the CRM data itself is incomplete.
func (s *Source) Normalize(q source.Query, raw source.Raw) (source.Payload, error) {
	merged := source.Payload{}
	for from, to := range propertyMap {
		if v, ok := raw[from]; ok {
			merged[to] = v
		}
	}
	for k, v := range raw {
		if _, mapped := propertyMap[k]; !mapped {
			merged[k] = v
		}
	}
	for k, v := range q.Fields {
		if v == nil {
			continue
		}
		if sv, ok := v.(string); ok && sv == "" {
			continue
		}
		merged[k] = v
	}
	cause := source.CauseUser
	if len(raw) > 0 {
		// the CRM knew the company but its record is incomplete
		cause = source.CauseOperator
	}
	if err := source.ValidateFields(merged, cause); err != nil {
		return nil, err
	}
	return merged, nil
}

// propertyMap translates CRM property names to canonical field names.
var propertyMap = map[string]string{
	"name":           "company_name",
	"website_domain": "domain",
	"industry":       "industry",
	"country":        "hq_country",
	"num_employees":  "employee_count",
}

func (s *Source) searchURL(q source.Query) (string, error) {
	base, err := url.Parse(s.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("crm base url: %w", err)
	}
	base.Path = strings.TrimRight(base.Path, "/") + "/companies/search"
	values := url.Values{}
	if domain, _ := q.Fields["domain"].(string); domain != "" {
		values.Set("domain", domain)
	} else if name, _ := q.Fields["company_name"].(string); name != "" {
		values.Set("name", name)
	} else {
		return "", errors.New("query has neither domain nor company name")
	}
	base.RawQuery = values.Encode()
	return base.String(), nil
}

func cacheKey(q source.Query) string {
	domain, _ := q.Fields["domain"].(string)
	name, _ := q.Fields["company_name"].(string)
	return "crm:search:" + strings.ToLower(domain) + ":" + strings.ToLower(name)
}

func (s *Source) cacheGet(ctx context.Context, key string) (source.Raw, bool) {
	if s.cache == nil {
		return nil, false
	}
	data, err := s.cache.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Warn("cache read failed", slog.String("error", err.Error()))
		}
		return nil, false
	}
	var raw source.Raw
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, false
	}
	return raw, true
}

func (s *Source) cachePut(ctx context.Context, key string, raw source.Raw) {
	if s.cache == nil {
		return
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, data, s.cfg.CacheTTL).Err(); err != nil {
		s.logger.Warn("cache write failed", slog.String("error", err.Error()))
	}
}
