// Package api is the client for the remote document server's REST API.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	apperrors "github.com/napoleonmm83/paperless-scanner-sub008/internal/errors"
	"github.com/napoleonmm83/paperless-scanner-sub008/internal/models"
)

// DefaultPageSize is used when the caller does not configure one.
const DefaultPageSize = 100

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 4 << 10

// Client talks to the server. Retries, auth and TLS trust are handled by
// the *http.Client it is given.
type Client struct {
	base     *url.URL
	http     *http.Client
	pageSize int

	Documents      *Resource[models.Document]
	Tags           *Resource[models.Tag]
	Correspondents *Resource[models.Correspondent]
	DocumentTypes  *Resource[models.DocumentType]
}

// New creates a client for the server at baseURL.
func New(baseURL string, httpClient *http.Client, pageSize int) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("invalid server url %q", baseURL))
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	c := &Client{base: u, http: httpClient, pageSize: pageSize}
	c.Documents = NewResource[models.Document](c, "/api/documents/")
	c.Tags = NewResource[models.Tag](c, "/api/tags/")
	c.Correspondents = NewResource[models.Correspondent](c, "/api/correspondents/")
	c.DocumentTypes = NewResource[models.DocumentType](c, "/api/document_types/")
	return c, nil
}

// Host returns the server host, which alone receives the auth token.
func (c *Client) Host() string {
	return c.base.Host
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.base
	u.Path = strings.TrimRight(c.base.Path, "/") + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// request performs a call and decodes a JSON response into out (if non-nil).
func (c *Client) request(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrInternal, "encode request", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, query), reader)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "build request", err)
	}
	req.Header.Set("Accept", "application/json; version=5")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.Parse(fmt.Sprintf("decode %s %s", method, path), err)
	}
	return nil
}

// do sends req and maps transport failures and non-2xx statuses onto the
// error taxonomy. On success the caller owns the response body.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportError(req, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, apperrors.HTTPStatus(resp.StatusCode,
			fmt.Sprintf("%s %s: %s", req.Method, req.URL.Path, strings.TrimSpace(string(msg))))
	}
	return resp, nil
}

func transportError(req *http.Request, err error) error {
	what := req.Method + " " + req.URL.Path
	switch apperrors.KindOf(err) {
	case apperrors.KindNetwork:
		return apperrors.Network(what, err)
	case apperrors.KindClient:
		return apperrors.WithKind(apperrors.KindClient, apperrors.ErrPermission, what, err)
	default:
		return apperrors.Wrap(apperrors.ErrInternal, what, err)
	}
}

// Login exchanges credentials for an API token.
func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	err := c.request(ctx, http.MethodPost, "/api/token/", nil,
		map[string]string{"username": username, "password": password}, &out)
	if err != nil {
		if apperrors.StatusOf(err) == http.StatusBadRequest {
			return "", apperrors.WithKind(apperrors.KindClient, apperrors.ErrAuthFailed, "invalid username or password", err)
		}
		return "", err
	}
	if out.Token == "" {
		return "", apperrors.Parse("token response without token", nil)
	}
	return out.Token, nil
}

// CustomFields lists custom field definitions. Servers without the feature
// answer 404, reported as ErrFeatureUnavailable.
func (c *Client) CustomFields(ctx context.Context) ([]models.CustomField, error) {
	fields, err := listAll[models.CustomField](ctx, c, "/api/custom_fields/", nil)
	if apperrors.StatusOf(err) == http.StatusNotFound {
		return nil, fmt.Errorf("custom fields: %w", apperrors.ErrFeatureUnavailable)
	}
	return fields, err
}
