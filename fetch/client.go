// Package fetch is the HTTP live source: an ETag-aware GET client and the
// "resource" kind that caches whatever it fetches.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"
)

const DefaultAPIKeyHeader = "api-key"

// Response is one completed GET.
type Response struct {
	Body      []byte
	ETag      string
	FetchedAt time.Time
	// Expires is taken from Cache-Control max-age or the Expires header.
	Expires time.Time
	// NotModified is set when the server answered 304 and Body is the copy
	// kept from the previous 200.
	NotModified bool
}

type validator struct {
	etag string
	body []byte
}

type Client struct {
	http      *http.Client
	baseURL   *url.URL
	apiKey    string
	keyHeader string
	tokens    oauth2.TokenSource
	limiter   *rate.Limiter

	mu         sync.Mutex
	validators map[string]validator // keyed by request URL
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			hc := *c.http
			hc.Timeout = d
			c.http = &hc
		}
	}
}

// WithAPIKey sends key in header on every request. An empty header means
// DefaultAPIKeyHeader.
func WithAPIKey(key, header string) Option {
	return func(c *Client) {
		c.apiKey = key
		if header != "" {
			c.keyHeader = header
		}
	}
}

// WithTokenSource authorizes requests with OAuth2 bearer tokens.
func WithTokenSource(ts oauth2.TokenSource) Option {
	return func(c *Client) { c.tokens = ts }
}

// WithClientCredentials fetches bearer tokens with the OAuth2 client
// credentials grant.
func WithClientCredentials(clientID, clientSecret, tokenURL string, scopes ...string) Option {
	return func(c *Client) {
		cfg := clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
			Scopes:       scopes,
		}
		c.tokens = cfg.TokenSource(context.Background())
	}
}

// WithRateLimit allows perSecond requests with the given burst. A
// non-positive rate disables limiting.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) {
		if perSecond <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// New returns a client issuing requests relative to baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("base URL required")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base URL %q must be absolute", baseURL)
	}
	c := &Client{
		http:       &http.Client{Timeout: 20 * time.Second},
		baseURL:    u,
		keyHeader:  DefaultAPIKeyHeader,
		validators: make(map[string]validator),
	}
	for _, o := range opts {
		o(c)
	}
	if c.tokens != nil {
		base := c.http.Transport
		if base == nil {
			base = http.DefaultTransport
		}
		c.http = &http.Client{
			Timeout:   c.http.Timeout,
			Transport: &oauth2.Transport{Source: oauth2.ReuseTokenSource(nil, c.tokens), Base: base},
		}
	}
	return c, nil
}

func (c *Client) newReq(ctx context.Context, p string, q url.Values) (*http.Request, string, error) {
	u := *c.baseURL
	u.Path = path.Join(u.Path, p)
	qq := u.Query()
	for k, vs := range q {
		for _, v := range vs {
			qq.Add(k, v)
		}
	}
	u.RawQuery = qq.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, "", err
	}
	if c.apiKey != "" {
		req.Header.Set(c.keyHeader, c.apiKey)
	}
	req.Header.Set("Accept", "application/json")
	return req, u.String(), nil
}

// Get fetches p with query q. It revalidates with If-None-Match when an ETag
// from an earlier response is known and serves that body on 304.
func (c *Client) Get(ctx context.Context, p string, q url.Values) (Response, error) {
	req, key, err := c.newReq(ctx, p, q)
	if err != nil {
		return Response{}, err
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return Response{}, fmt.Errorf("GET %s: rate limit: %w", p, err)
		}
	}

	c.mu.Lock()
	known, haveKnown := c.validators[key]
	c.mu.Unlock()
	if haveKnown {
		req.Header.Set("If-None-Match", known.etag)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	now := time.Now()
	switch {
	case resp.StatusCode == http.StatusNotModified:
		if !haveKnown {
			return Response{}, fmt.Errorf("304 but no cached body for %s", key)
		}
		return Response{
			Body:        known.body,
			ETag:        known.etag,
			FetchedAt:   now,
			Expires:     expiresFrom(resp.Header, now),
			NotModified: true,
		}, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return Response{}, err
		}
		etag := resp.Header.Get("ETag")
		c.mu.Lock()
		if etag != "" {
			c.validators[key] = validator{etag: etag, body: body}
		} else {
			delete(c.validators, key)
		}
		c.mu.Unlock()
		return Response{
			Body:      body,
			ETag:      etag,
			FetchedAt: now,
			Expires:   expiresFrom(resp.Header, now),
		}, nil
	default:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Response{}, &StatusError{Path: p, Status: resp.Status, Code: resp.StatusCode, Body: string(b)}
	}
}

// GetJSON fetches p and decodes the body into out. It returns the ETag.
func (c *Client) GetJSON(ctx context.Context, p string, q url.Values, out any) (string, error) {
	res, err := c.Get(ctx, p, q)
	if err != nil {
		return "", err
	}
	if err := json.Unmarshal(res.Body, out); err != nil {
		return "", fmt.Errorf("decode %s: %w", p, err)
	}
	return res.ETag, nil
}

// StatusError is a non-2xx response.
type StatusError struct {
	Path   string
	Status string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: %s: %s", e.Path, e.Status, e.Body)
}

// Temporary reports whether retrying the request later may succeed.
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

func expiresFrom(h http.Header, now time.Time) time.Time {
	for _, d := range strings.Split(h.Get("Cache-Control"), ",") {
		d = strings.TrimSpace(d)
		if v, ok := strings.CutPrefix(d, "max-age="); ok {
			if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
				return now.Add(time.Duration(secs) * time.Second)
			}
		}
	}
	if v := h.Get("Expires"); v != "" {
		if t, err := http.ParseTime(v); err == nil {
			return t
		}
	}
	return time.Time{}
}
