package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	apperrors "github.com/napoleonmm83/paperless-scanner-sub008/internal/errors"
)

// page is the paginated list envelope.
type page[T any] struct {
	Count   int     `json:"count"`
	Next    *string `json:"next"`
	Results []T     `json:"results"`
}

// Resource is a standard list/get/create/update/delete endpoint.
type Resource[T any] struct {
	c    *Client
	path string
}

// NewResource creates a resource rooted at path (with trailing slash).
func NewResource[T any](c *Client, path string) *Resource[T] {
	return &Resource[T]{c: c, path: path}
}

// Path returns the collection path.
func (r *Resource[T]) Path() string {
	return r.path
}

func (r *Resource[T]) item(id int64) string {
	return r.path + strconv.FormatInt(id, 10) + "/"
}

// ListAll fetches every page of the collection.
func (r *Resource[T]) ListAll(ctx context.Context) ([]T, error) {
	return listAll[T](ctx, r.c, r.path, nil)
}

// Get fetches one entity.
func (r *Resource[T]) Get(ctx context.Context, id int64) (*T, error) {
	var out T
	if err := r.c.request(ctx, http.MethodGet, r.item(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Create posts a new entity and returns the server representation.
func (r *Resource[T]) Create(ctx context.Context, body any) (*T, error) {
	var out T
	if err := r.c.request(ctx, http.MethodPost, r.path, nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Update applies a partial update.
func (r *Resource[T]) Update(ctx context.Context, id int64, patch any) (*T, error) {
	var out T
	if err := r.c.request(ctx, http.MethodPatch, r.item(id), nil, patch, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Delete removes the entity. Documents move to the server trash.
func (r *Resource[T]) Delete(ctx context.Context, id int64) error {
	return r.c.request(ctx, http.MethodDelete, r.item(id), nil, nil, nil)
}

// listAll walks page=1..n until the server reports no next page. A
// collection endpoint that answers with a bare array is accepted as a
// single page. A last page that leaves the listing short of count is a
// parse error so callers never treat a truncated list as complete.
func listAll[T any](ctx context.Context, c *Client, path string, query url.Values) ([]T, error) {
	var all []T
	for n := 1; ; n++ {
		q := url.Values{}
		for k, v := range query {
			q[k] = v
		}
		q.Set("page", strconv.Itoa(n))
		q.Set("page_size", strconv.Itoa(c.pageSize))

		var raw json.RawMessage
		if err := c.request(ctx, http.MethodGet, path, q, nil, &raw); err != nil {
			return nil, err
		}

		trimmed := bytes.TrimSpace(raw)
		if len(trimmed) > 0 && trimmed[0] == '[' {
			var items []T
			if err := json.Unmarshal(trimmed, &items); err != nil {
				return nil, apperrors.Parse("decode list "+path, err)
			}
			return append(all, items...), nil
		}

		var p page[T]
		if err := json.Unmarshal(trimmed, &p); err != nil {
			return nil, apperrors.Parse("decode page "+path, err)
		}
		all = append(all, p.Results...)

		if p.Next == nil || *p.Next == "" {
			if len(all) < p.Count {
				return nil, apperrors.Parse("list "+path,
					fmt.Errorf("last page ended after %d of %d results", len(all), p.Count))
			}
			break
		}
		if len(p.Results) == 0 {
			break
		}
		if p.Count > 0 && len(all) >= p.Count {
			break
		}
	}
	return all, nil
}
