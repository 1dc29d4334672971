package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"designsync/internal/dsync"
)

// Client talks to the record API over HTTP/JSON.
//
//	POST   /records        {...design, offlineId}  -> 201 {id, version}
//	GET    /records        -> 200 {records: [...]}
//	GET    /records/{id}   -> 200 {id, version, ...design}
//	PATCH  /records/{id}   partial design, If-Match: <base version> -> 200 {id, version}
//	DELETE /records/{id}   -> 204
//	GET    /healthz        -> 200
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

type createRequest struct {
	dsync.Design
	OfflineID string `json:"offlineId"`
}

type listResponse struct {
	Records []*dsync.RemoteRecord `json:"records"`
}

type errorBody struct {
	Error         string `json:"error"`
	ServerVersion int64  `json:"server_version"`
}

// NewClient creates a Client. A nil httpClient uses one with the given timeout.
func NewClient(httpClient *http.Client, baseURL, token string, timeout time.Duration) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:      strings.TrimSpace(token),
	}
}

// Create posts a new record. The server answers 200 instead of 201 when offlineID
// was already used; the ack is then marked Replayed.
func (c *Client) Create(ctx context.Context, offlineID string, d dsync.Design) (*dsync.RemoteAck, error) {
	var out dsync.RemoteAck
	status, err := c.send(ctx, http.MethodPost, "/records", nil, createRequest{Design: d, OfflineID: offlineID}, &out)
	if err != nil {
		return nil, err
	}
	out.Replayed = status != http.StatusCreated
	return &out, nil
}

func (c *Client) Get(ctx context.Context, remoteID string) (*dsync.RemoteRecord, error) {
	var out dsync.RemoteRecord
	if err := c.do(ctx, http.MethodGet, recordPath(remoteID), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Update(ctx context.Context, remoteID string, baseVersion int64, p dsync.Patch) (*dsync.RemoteAck, error) {
	h := http.Header{}
	h.Set("If-Match", strconv.FormatInt(baseVersion, 10))

	var out dsync.RemoteAck
	if err := c.do(ctx, http.MethodPatch, recordPath(remoteID), h, p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Delete(ctx context.Context, remoteID string) error {
	return c.do(ctx, http.MethodDelete, recordPath(remoteID), nil, nil, nil)
}

func (c *Client) List(ctx context.Context) ([]*dsync.RemoteRecord, error) {
	var out listResponse
	if err := c.do(ctx, http.MethodGet, "/records", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Records, nil
}

// Ping checks that the server is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil, nil)
}

func recordPath(remoteID string) string {
	return "/records/" + url.PathEscape(remoteID)
}

func (c *Client) do(ctx context.Context, method, path string, header http.Header, body any, out any) error {
	_, err := c.send(ctx, method, path, header, body, out)
	return err
}

// send performs the request and returns the status code of a 2xx response.
func (c *Client) send(ctx context.Context, method, path string, header http.Header, body any, out any) (int, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encoding request: %w", err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return 0, err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		token := c.token
		if !strings.HasPrefix(strings.ToLower(token), "bearer ") {
			token = "Bearer " + token
		}
		req.Header.Set("Authorization", token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || resp.StatusCode == http.StatusNoContent {
			return resp.StatusCode, nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return 0, fmt.Errorf("decoding %s %s response: %w", method, path, err)
		}
		return resp.StatusCode, nil
	}

	var eb errorBody
	_ = json.NewDecoder(resp.Body).Decode(&eb)
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return 0, dsync.ErrUnauthorized
	case http.StatusNotFound:
		return 0, dsync.ErrNotFound
	case http.StatusConflict:
		return 0, &dsync.ConflictError{ServerVersion: eb.ServerVersion}
	default:
		return 0, &dsync.HTTPStatusError{Code: resp.StatusCode, Message: strings.TrimSpace(eb.Error)}
	}
}

var _ Remote = (*Client)(nil)
