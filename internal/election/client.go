package election

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// HeartbeatClient sends one heartbeat to the peer at baseURL.
type HeartbeatClient interface {
	Heartbeat(ctx context.Context, baseURL string, req HeartbeatRequest) (*HeartbeatResponse, error)
}

// RestyHeartbeatClient is the HTTP HeartbeatClient. Requests are not
// retried; the next heartbeat tick is the retry.
type RestyHeartbeatClient struct {
	client *resty.Client
}

// NewRestyHeartbeatClient creates a client whose requests time out after
// timeout.
func NewRestyHeartbeatClient(timeout time.Duration) *RestyHeartbeatClient {
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json")
	return &RestyHeartbeatClient{client: client}
}

// Heartbeat implements HeartbeatClient.
func (c *RestyHeartbeatClient) Heartbeat(ctx context.Context, baseURL string, req HeartbeatRequest) (*HeartbeatResponse, error) {
	url := strings.TrimRight(baseURL, "/") + HeartbeatPath

	var out HeartbeatResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		Post(url)
	if err != nil {
		return nil, fmt.Errorf("heartbeat to %s failed: %w", url, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("heartbeat to %s returned http code %d", url, resp.StatusCode())
	}
	return &out, nil
}
