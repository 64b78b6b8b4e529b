package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	v1 "github.com/awcp/awcp/pkg/api/v1"
)

// DaemonClient drives a remote AWCP daemon's management API.
type DaemonClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewDaemonClient creates a client for the daemon at baseURL.
func NewDaemonClient(baseURL string) *DaemonClient {
	return &DaemonClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Delegate creates a delegation and returns its id.
func (c *DaemonClient) Delegate(ctx context.Context, req *v1.DelegateRequest) (string, error) {
	var resp v1.DelegateResponse
	if err := c.do(ctx, http.MethodPost, "/delegate", req, &resp); err != nil {
		return "", err
	}
	return resp.DelegationID, nil
}

// GetDelegation fetches the full delegation record.
func (c *DaemonClient) GetDelegation(ctx context.Context, id string) (map[string]interface{}, error) {
	var record map[string]interface{}
	if err := c.do(ctx, http.MethodGet, "/delegation/"+id, nil, &record); err != nil {
		return nil, err
	}
	return record, nil
}

// ListDelegations lists the daemon's delegation records.
func (c *DaemonClient) ListDelegations(ctx context.Context) (*v1.DelegationsResponse, error) {
	var resp v1.DelegationsResponse
	if err := c.do(ctx, http.MethodGet, "/delegations", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CancelDelegation cancels a delegation.
func (c *DaemonClient) CancelDelegation(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/delegation/"+id, nil, nil)
}

// Snapshots lists a delegation's snapshots.
func (c *DaemonClient) Snapshots(ctx context.Context, id string) ([]map[string]interface{}, error) {
	var snaps []map[string]interface{}
	if err := c.do(ctx, http.MethodGet, "/delegation/"+id+"/snapshots", nil, &snaps); err != nil {
		return nil, err
	}
	return snaps, nil
}

// ApplySnapshot applies a staged snapshot.
func (c *DaemonClient) ApplySnapshot(ctx context.Context, delegationID, snapshotID string) error {
	path := fmt.Sprintf("/delegation/%s/snapshots/%s/apply", delegationID, snapshotID)
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// DiscardSnapshot discards a staged snapshot.
func (c *DaemonClient) DiscardSnapshot(ctx context.Context, delegationID, snapshotID string) error {
	path := fmt.Sprintf("/delegation/%s/snapshots/%s/discard", delegationID, snapshotID)
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// Health checks the daemon's health endpoint.
func (c *DaemonClient) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

func (c *DaemonClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8*1024*1024))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("daemon: %s", apiErr.Error)
		}
		return fmt.Errorf("daemon: %s", resp.Status)
	}
	if out != nil && len(data) > 0 {
		return json.Unmarshal(data, out)
	}
	return nil
}
