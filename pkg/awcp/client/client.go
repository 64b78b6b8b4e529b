// Package client provides the HTTP clients used between AWCP peers: the
// protocol client (message POST + SSE event stream) and the daemon client
// for the embedded management API.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/awcp/awcp/pkg/awcp/protocol"
)

// Client talks the AWCP protocol to a peer listener.
type Client struct {
	httpClient *http.Client
}

// New creates a protocol client.
func New() *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Send posts a protocol message to the peer and returns the synchronous
// reply, if the peer sent one. Protocol messages are not retried; failures
// surface to the caller.
func (c *Client) Send(ctx context.Context, peerURL string, msg protocol.Message) (protocol.Message, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", msg.Header().Type, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, peerURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("deliver %s: %w", msg.Header().Type, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 32*1024*1024))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("peer rejected %s: %s: %s", msg.Header().Type, resp.Status, string(data))
	}

	// Acknowledgements without a message payload look like {"ok":true}.
	var ack struct {
		OK *bool `json:"ok"`
	}
	if json.Unmarshal(data, &ack) == nil && ack.OK != nil {
		return nil, nil
	}
	reply, err := protocol.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("invalid reply to %s: %w", msg.Header().Type, err)
	}
	return reply, nil
}

// SubscribeTaskEvents consumes the peer's SSE stream for a delegation,
// invoking the handler per event. It returns after the terminal event,
// stream close, or context cancellation. The SSE client does not time out:
// task streams outlive the per-request timeout.
func (c *Client) SubscribeTaskEvents(ctx context.Context, peerURL, delegationID string, handler func(*protocol.TaskEvent)) error {
	url := strings.TrimSuffix(peerURL, "/") + "/tasks/" + delegationID + "/events"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	streamClient := &http.Client{}
	resp, err := streamClient.Do(req)
	if err != nil {
		return fmt.Errorf("open event stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("event stream: %s", resp.Status)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 32*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var event protocol.TaskEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			continue
		}
		handler(&event)
		if event.Terminal() {
			return nil
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("event stream closed: %w", err)
	}
	return nil
}

// Cancel asks the peer to cancel a delegation.
func (c *Client) Cancel(ctx context.Context, peerURL, delegationID string) error {
	url := strings.TrimSuffix(peerURL, "/") + "/cancel/" + delegationID
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("cancel: %s", resp.Status)
	}
	return nil
}
