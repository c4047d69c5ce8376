// Package client calls the upload API over HTTP.
package client

import (
	"Go_Upload/internal/dto"
	"Go_Upload/internal/protocol"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Name       string `json:"error"`
	Msg        string `json:"msg"`
}

func (e *APIError) Error() string {
	switch {
	case e.Msg == "":
		return fmt.Sprintf("server returned %d", e.StatusCode)
	case e.Name == "":
		return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Msg)
	}
	return fmt.Sprintf("server returned %d: %s: %s", e.StatusCode, e.Name, e.Msg)
}

// Retryable reports whether the same request may succeed later.
func (e *APIError) Retryable() bool {
	return e.StatusCode >= http.StatusInternalServerError || e.StatusCode == http.StatusTooManyRequests
}

// Client talks to one upload server.
type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a client for serverURL. A URL without a scheme gets http://.
func New(serverURL string, timeout time.Duration) *Client {
	base := strings.TrimRight(serverURL, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &Client{baseURL: base, http: &http.Client{Timeout: timeout}}
}

func (c *Client) Initiate(ctx context.Context, filename string, totalSize int64) (*dto.InitUploadResponse, error) {
	var out dto.InitUploadResponse
	err := c.postJSON(ctx, protocol.PathInit, dto.InitUploadRequest{Filename: filename, TotalSize: totalSize}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// SendChunk uploads the bytes of one chunk and returns the server's status,
// ok or already_received.
func (c *Client) SendChunk(ctx context.Context, uploadID uint64, index int, data []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+protocol.PathChunk, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(protocol.HeaderUploadID, strconv.FormatUint(uploadID, 10))
	req.Header.Set(protocol.HeaderChunkIndex, strconv.Itoa(index))

	var out dto.ChunkResponse
	if err := c.do(req, &out); err != nil {
		return "", err
	}
	return out.Status, nil
}

// Finalize asks the server to verify the upload. A not_ready status is not
// an error; Hash and ZipEntries are then empty.
func (c *Client) Finalize(ctx context.Context, uploadID uint64) (*dto.FinalizeResponse, error) {
	var out dto.FinalizeResponse
	if err := c.postJSON(ctx, protocol.PathFinalize, dto.FinalizeRequest{UploadID: uploadID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Status(ctx context.Context, uploadID uint64) (*dto.UploadStatusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/upload/"+strconv.FormatUint(uploadID, 10), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	var out dto.UploadStatusResponse
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if jsonErr := json.Unmarshal(body, apiErr); jsonErr != nil {
			apiErr.Msg = strings.TrimSpace(string(body))
		}
		return apiErr
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}
