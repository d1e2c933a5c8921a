// Package orthanc is a small client for the archive REST surface the poller
// and report transmitter use.
package orthanc

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
	"strings"
	"time"
)

// ErrStatus is wrapped by every non-2xx response.
var ErrStatus = errors.New("unexpected archive status")

// ChangeEvent is one entry of the change feed.
type ChangeEvent struct {
	ID           string `json:"ID"`
	ChangeType   string `json:"ChangeType"`
	ResourceType string `json:"ResourceType"`
	Path         string `json:"Path"`
	Seq          int64  `json:"Seq"`
	Date         string `json:"Date,omitempty"`
}

// ChangePage is one page of the change feed.
type ChangePage struct {
	Changes []ChangeEvent `json:"Changes"`
	Done    bool          `json:"Done"`
	Last    int64         `json:"Last"`
}

// InstanceRef is an instance listed under a study or series.
type InstanceRef struct {
	ID string `json:"ID"`
}

// Client talks to one archive.
type Client struct {
	base     string
	username string
	password string
	http     *http.Client
}

// NewClient targets baseURL (e.g. http://orthanc:8042). Empty credentials
// disable basic auth.
func NewClient(baseURL, username, password string, timeout time.Duration) *Client {
	return &Client{
		base:     strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		http:     &http.Client{Timeout: timeout},
	}
}

// BaseURL returns the archive root.
func (c *Client) BaseURL() string { return c.base }

func (c *Client) do(ctx context.Context, method, path string, body []byte, contentType string) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.username != "" || c.password != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		resp.Body.Close()
		return nil, fmt.Errorf("%s %s: status %d %s: %w", method, path, resp.StatusCode, bytes.TrimSpace(msg), ErrStatus)
	}
	return resp, nil
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// Ping checks the archive answers at all.
func (c *Client) Ping(ctx context.Context) error {
	var sys map[string]any
	if err := c.getJSON(ctx, "/system", &sys); err != nil {
		return fmt.Errorf("Ping: %w", err)
	}
	return nil
}

// Changes returns at most limit events after since.
func (c *Client) Changes(ctx context.Context, since int64, limit int) (*ChangePage, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatInt(since, 10))
	q.Set("limit", strconv.Itoa(limit))
	var page ChangePage
	if err := c.getJSON(ctx, "/changes?"+q.Encode(), &page); err != nil {
		return nil, fmt.Errorf("Changes: %w", err)
	}
	return &page, nil
}

// Instances lists the instances under a resource path such as
// "/series/<id>".
func (c *Client) Instances(ctx context.Context, resourcePath string) ([]InstanceRef, error) {
	p := "/" + strings.Trim(resourcePath, "/") + "/instances"
	var refs []InstanceRef
	if err := c.getJSON(ctx, p, &refs); err != nil {
		return nil, fmt.Errorf("Instances(%s): %w", resourcePath, err)
	}
	return refs, nil
}

// InstanceFile downloads the Part-10 bytes of one instance.
func (c *Client) InstanceFile(ctx context.Context, id string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, "/instances/"+url.PathEscape(id)+"/file", nil, "")
	if err != nil {
		return nil, fmt.Errorf("InstanceFile(%s): %w", id, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("InstanceFile(%s): read: %w", id, err)
	}
	return b, nil
}

// CreateInstance uploads a Part-10 file and returns the archive's id for it.
func (c *Client) CreateInstance(ctx context.Context, body []byte) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, "/instances", body, "application/dicom")
	if err != nil {
		return "", fmt.Errorf("CreateInstance: %w", err)
	}
	defer resp.Body.Close()
	var out struct {
		ID     string `json:"ID"`
		Status string `json:"Status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("CreateInstance: decode: %w", err)
	}
	return out.ID, nil
}

// DeleteInstance removes one instance.
func (c *Client) DeleteInstance(ctx context.Context, id string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/instances/"+url.PathEscape(id), nil, "")
	if err != nil {
		return fmt.Errorf("DeleteInstance(%s): %w", id, err)
	}
	resp.Body.Close()
	return nil
}
