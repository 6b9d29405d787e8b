// Package kg provides authenticated, retrying, rate-limit-aware, on-disk
// cached access to the knowledge graph. Every outbound KG call in the
// engine funnels through the Gateway here.
package kg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"cgot.sh/engine/internal/domain"
)

// ErrUnavailable is returned by Execute once retries are exhausted.
var ErrUnavailable = errors.New("kg gateway: unavailable after retries")

// ErrBadRequest is returned by Execute for a non-429 4xx response; the query
// itself is at fault, so retrying it would be pointless.
var ErrBadRequest = errors.New("kg gateway: bad request")

// Config configures a Gateway.
type Config struct {
	Endpoint             string
	EntitySearchEndpoint string
	UserAgent            string
	CachePath            string
	MaxRetries           int
	InitialBackoff       time.Duration
	RateLimitPerSecond   float64
}

// Binding is one result row: variable name to its bound lexical value.
type Binding map[string]string

// Gateway is the sole component that talks to the KG over the network.
type Gateway struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	cache   *cache
}

// New constructs a Gateway, loading (or creating) its on-disk cache file.
func New(cfg Config) (*Gateway, error) {
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("kg gateway: user agent is required")
	}
	c, err := openCache(cfg.CachePath)
	if err != nil {
		return nil, fmt.Errorf("kg gateway: opening cache: %w", err)
	}

	limit := cfg.RateLimitPerSecond
	if limit <= 0 {
		limit = 2
	}

	return &Gateway{
		cfg:     cfg,
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(limit), 1),
		cache:   c,
	}, nil
}

// Execute submits a graph query and returns its result bindings. Retries
// transient failures with exponential backoff; after MaxRetries it returns
// ErrUnavailable.
func (g *Gateway) Execute(ctx context.Context, query string) ([]Binding, error) {
	key := cacheKey("query", query)
	if cached, ok := g.cache.get(key); ok {
		var bindings []Binding
		if err := json.Unmarshal(cached, &bindings); err == nil {
			return bindings, nil
		}
	}

	maxRetries := g.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	initial := g.cfg.InitialBackoff
	if initial <= 0 {
		initial = time.Second
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initial
	retryPolicy := backoff.WithMaxRetries(backoff.WithContext(bo, ctx), uint64(maxRetries))

	var result []Binding
	err := backoff.Retry(func() error {
		if err := g.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		bindings, retryable, err := g.doExecute(ctx, query)
		if err != nil {
			if retryable {
				return err
			}
			return backoff.Permanent(err)
		}
		result = bindings
		return nil
	}, retryPolicy)
	if err != nil {
		if errors.Is(err, ErrBadRequest) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	if encoded, err := json.Marshal(result); err == nil {
		g.cache.set(key, encoded)
	}

	return result, nil
}

// doExecute performs one unretried attempt, reporting whether a failure is
// worth retrying (network errors, 5xx, 429) versus not (4xx other than 429).
func (g *Gateway) doExecute(ctx context.Context, query string) ([]Binding, bool, error) {
	form := url.Values{"query": {query}, "format": {"json"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.cfg.Endpoint+"?"+form.Encode(), nil)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("User-Agent", g.cfg.UserAgent)
	req.Header.Set("Accept", "application/sparql-results+json")

	resp, err := g.http.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, err
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		// Honor server-indicated back-pressure before the backoff policy's
		// own delay kicks in.
		if delay := retryAfter(resp); delay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(delay):
			}
		}
		return nil, true, fmt.Errorf("rate limited: %s", resp.Status)
	}
	if resp.StatusCode >= 500 {
		return nil, true, fmt.Errorf("server error: %s", resp.Status)
	}
	if resp.StatusCode >= 400 {
		return nil, false, fmt.Errorf("%w: %s: %s", ErrBadRequest, resp.Status, string(body))
	}

	return parseSPARQLResults(body)
}

const maxRetryAfter = 30 * time.Second

// retryAfter parses a Retry-After header, supporting both delta-seconds and
// HTTP-date forms, capped at maxRetryAfter.
func retryAfter(resp *http.Response) time.Duration {
	header := resp.Header.Get("Retry-After")
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds > 0 {
		return min(time.Duration(seconds)*time.Second, maxRetryAfter)
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return min(d, maxRetryAfter)
		}
	}
	return 0
}

type sparqlResponse struct {
	Results struct {
		Bindings []map[string]struct {
			Value string `json:"value"`
		} `json:"bindings"`
	} `json:"results"`
}

func parseSPARQLResults(body []byte) ([]Binding, bool, error) {
	var parsed sparqlResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, false, fmt.Errorf("decoding sparql response: %w", err)
	}
	bindings := make([]Binding, 0, len(parsed.Results.Bindings))
	for _, row := range parsed.Results.Bindings {
		b := make(Binding, len(row))
		for k, v := range row {
			b[k] = v.Value
		}
		bindings = append(bindings, b)
	}
	return bindings, false, nil
}

// ProbeCount runs query with an added LIMIT of limit+1 and a short wall-clock
// timeout. Returns the row count if it is <= limit; returns domain.Unbounded
// on timeout or any error, never retrying -- the point of a probe is to
// time-box, not to guarantee an answer.
func (g *Gateway) ProbeCount(ctx context.Context, query string, limit int, timeout time.Duration) int {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	probeQuery := fmt.Sprintf("%s LIMIT %d", query, limit+1)

	key := cacheKey("probe", probeQuery)
	if cached, ok := g.cache.get(key); ok {
		var count int
		if err := json.Unmarshal(cached, &count); err == nil {
			return count
		}
	}

	bindings, _, err := g.doExecute(probeCtx, probeQuery)
	if err != nil {
		return domain.Unbounded
	}
	count := len(bindings)
	if count > limit {
		return domain.Unbounded
	}

	if encoded, err := json.Marshal(count); err == nil {
		g.cache.set(key, encoded)
	}
	return count
}

// SearchEntity keyword-searches the KG's label index for an entity,
// returning its code (e.g. "Q42") and whether a match was found.
func (g *Gateway) SearchEntity(ctx context.Context, label string) (string, bool, error) {
	return g.searchByLabel(ctx, label, "item")
}

// SearchProperty keyword-searches the KG's label index for a property,
// returning its code (e.g. "P57") and whether a match was found.
func (g *Gateway) SearchProperty(ctx context.Context, label string) (string, bool, error) {
	return g.searchByLabel(ctx, label, "property")
}

type searchResponse struct {
	Search []struct {
		ID string `json:"id"`
	} `json:"search"`
}

func (g *Gateway) searchByLabel(ctx context.Context, label, entityType string) (string, bool, error) {
	key := cacheKey("search:"+entityType, label)
	if cached, ok := g.cache.get(key); ok {
		var code string
		if err := json.Unmarshal(cached, &code); err == nil {
			return code, code != "", nil
		}
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return "", false, err
	}

	q := url.Values{
		"action":   {"wbsearchentities"},
		"search":   {label},
		"language": {"en"},
		"type":     {entityType},
		"format":   {"json"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.cfg.EntitySearchEndpoint+"?"+q.Encode(), nil)
	if err != nil {
		return "", false, err
	}
	req.Header.Set("User-Agent", g.cfg.UserAgent)

	resp, err := g.http.Do(req)
	if err != nil {
		return "", false, err
	}
	defer resp.Body.Close()

	var parsed searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", false, err
	}

	code := ""
	if len(parsed.Search) > 0 {
		code = parsed.Search[0].ID
	}
	if encoded, err := json.Marshal(code); err == nil {
		g.cache.set(key, encoded)
	}
	return code, code != "", nil
}

// ResolveLabels batch-resolves entity codes to their English labels, for
// presentation purposes.
func (g *Gateway) ResolveLabels(ctx context.Context, codes []string) (map[string]string, error) {
	if len(codes) == 0 {
		return map[string]string{}, nil
	}

	var values []string
	for _, c := range codes {
		values = append(values, "wd:"+c)
	}
	query := fmt.Sprintf(`SELECT ?item ?itemLabel WHERE {
  VALUES ?item { %s }
  SERVICE wikibase:label { bd:serviceParam wikibase:language "en". }
}`, strings.Join(values, " "))

	bindings, err := g.Execute(ctx, query)
	if err != nil {
		return nil, err
	}

	out := make(map[string]string, len(bindings))
	for _, b := range bindings {
		code := lastSegment(b["item"])
		if code != "" {
			out[code] = b["itemLabel"]
		}
	}
	return out, nil
}

// Relation is one forward or reverse property edge from a given entity,
// returned by GetCandidateRelations. Exposed for LLM-driven path discovery
// beyond the narrower Anchor/Filter contract; not called by the default
// agent loop.
type Relation struct {
	PropertyCode string
	Forward      bool
}

// GetCandidateRelations fetches the distinct forward and reverse direct-claim
// properties attached to an entity, for exploratory path discovery.
func (g *Gateway) GetCandidateRelations(ctx context.Context, entityCode string) ([]Relation, error) {
	forwardQuery := fmt.Sprintf(`SELECT DISTINCT ?p WHERE { wd:%s ?p ?o . FILTER(STRSTARTS(STR(?p), STR(wdt:))) } LIMIT 50`, entityCode)
	reverseQuery := fmt.Sprintf(`SELECT DISTINCT ?p WHERE { ?s ?p wd:%s . FILTER(STRSTARTS(STR(?p), STR(wdt:))) } LIMIT 50`, entityCode)

	var relations []Relation
	forward, err := g.Execute(ctx, forwardQuery)
	if err != nil {
		return nil, err
	}
	for _, b := range forward {
		if code := lastSegment(b["p"]); code != "" {
			relations = append(relations, Relation{PropertyCode: code, Forward: true})
		}
	}

	reverse, err := g.Execute(ctx, reverseQuery)
	if err != nil {
		slog.WarnContext(ctx, "kg gateway: reverse relation probe failed", "entity", entityCode, "error", err)
		return relations, nil
	}
	for _, b := range reverse {
		if code := lastSegment(b["p"]); code != "" {
			relations = append(relations, Relation{PropertyCode: code, Forward: false})
		}
	}

	return relations, nil
}

func lastSegment(uri string) string {
	idx := strings.LastIndexAny(uri, "/#")
	if idx == -1 {
		return uri
	}
	return uri[idx+1:]
}

// Close flushes the cache to disk.
func (g *Gateway) Close() error {
	return g.cache.flush()
}
