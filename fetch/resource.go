package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/briangreenhill/refreshcache/cache"
	"github.com/briangreenhill/refreshcache/engine"
)

// Resource is one fetched document as held by the "resource" kind.
type Resource struct {
	Path      string    `json:"path"`
	ETag      string    `json:"etag,omitempty"`
	FetchedAt time.Time `json:"fetched_at"`
	Expires   time.Time `json:"expires,omitzero"`
	Body      []byte    `json:"body"`
}

// ExpiresAt lets a server's Cache-Control override the kind's duration.
func (r *Resource) ExpiresAt() (time.Time, bool) {
	return r.Expires, !r.Expires.IsZero()
}

// JSON decodes the body into out.
func (r *Resource) JSON(out any) error {
	return json.Unmarshal(r.Body, out)
}

// ResourceID builds the identity for path and query parameters. Parameter
// order does not matter.
func ResourceID(p string, params map[string]string) string {
	return cache.KeyFor(p, params)
}

func splitID(id string) (string, url.Values, error) {
	u, err := url.Parse(id)
	if err != nil {
		return "", nil, fmt.Errorf("resource id %q: %w", id, err)
	}
	return u.Path, u.Query(), nil
}

// Fetcher adapts c to the engine. The identity is a ResourceID.
func (c *Client) Fetcher() engine.Fetcher {
	return engine.FetcherFunc(func(ctx context.Context, req engine.FetchRequest) (engine.FetchResult, error) {
		id := req.Context.UniqueKey()
		p, q, err := splitID(id)
		if err != nil {
			return engine.FetchResult{}, err
		}
		res, err := c.Get(ctx, p, q)
		if err != nil {
			return engine.FetchResult{}, err
		}
		data, err := json.Marshal(Resource{
			Path:      id,
			ETag:      res.ETag,
			FetchedAt: res.FetchedAt,
			Expires:   res.Expires,
			Body:      res.Body,
		})
		if err != nil {
			return engine.FetchResult{}, err
		}
		return engine.FetchResult{Data: data, ETag: res.ETag}, nil
	})
}

type header struct {
	Path      string    `json:"p"`
	ETag      string    `json:"e,omitempty"`
	FetchedAt time.Time `json:"f"`
	Expires   time.Time `json:"x,omitzero"`
}

// Optimizer stores a resource as a one-line JSON header followed by the raw
// body, which avoids base64 growth for large bodies.
type Optimizer struct{}

func (Optimizer) Encode(r *Resource) ([]byte, error) {
	h, err := json.Marshal(header{Path: r.Path, ETag: r.ETag, FetchedAt: r.FetchedAt, Expires: r.Expires})
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(h)+1+len(r.Body))
	out = append(out, h...)
	out = append(out, '\n')
	return append(out, r.Body...), nil
}

func (Optimizer) Decode(_ engine.LoadContext, data []byte) (*Resource, error) {
	line, body, ok := bytes.Cut(data, []byte{'\n'})
	if !ok {
		return nil, errors.New("optimized resource has no header")
	}
	var h header
	if err := json.Unmarshal(line, &h); err != nil {
		return nil, fmt.Errorf("optimized resource header: %w", err)
	}
	return &Resource{
		Path:      h.Path,
		ETag:      h.ETag,
		FetchedAt: h.FetchedAt,
		Expires:   h.Expires,
		Body:      bytes.Clone(body),
	}, nil
}
