// Package coordinator talks to the coordinator service that lists pipeline
// work and accepts mission results.
package coordinator

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/3cpo-dev/missionfleet/internal/identity"
	"github.com/3cpo-dev/missionfleet/internal/providers"
	"github.com/3cpo-dev/missionfleet/pkg/api"
)

// Client is safe for concurrent use by every worker. Submissions are posted
// once; lookups and heartbeats use the retrying client.
type Client struct {
	baseURL string
	http    *providers.RetryableHTTPClient
	submits *providers.RetryableHTTPClient
	now     func() time.Time
}

// New creates a coordinator client.
func New(baseURL string, http *providers.RetryableHTTPClient) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    http,
		submits: http.WithoutRetries(),
		now:     time.Now,
	}
}

type pendingStep struct {
	MissionID      string `json:"missionId"`
	GuildID        uint64 `json:"guildId"`
	Task           string `json:"task"`
	Budget         string `json:"budget"`
	PreviousResult string `json:"previousResult"`
	Role           string `json:"role"`
}

// PendingSteps lists pipeline steps waiting on agent.
func (c *Client) PendingSteps(ctx context.Context, agent string) ([]api.WorkItem, error) {
	var resp struct {
		Steps []pendingStep `json:"steps"`
	}
	u := c.baseURL + "/api/pipelines/pending?agent=" + url.QueryEscape(agent)
	if err := c.http.DoJSON(ctx, "GET", u, nil, &resp, nil); err != nil {
		return nil, fmt.Errorf("pending steps: %w", err)
	}
	items := make([]api.WorkItem, 0, len(resp.Steps))
	for _, s := range resp.Steps {
		items = append(items, api.WorkItem{
			ID:             s.MissionID,
			GuildID:        s.GuildID,
			Task:           s.Task,
			Budget:         s.Budget,
			PreviousResult: s.PreviousResult,
			PipelineRole:   s.Role,
			Kind:           api.KindPipelineStep,
		})
	}
	return items, nil
}

// MissionContext returns the full task text for a mission.
func (c *Client) MissionContext(ctx context.Context, missionID string) (string, error) {
	var resp struct {
		Task        string `json:"task"`
		Description string `json:"description"`
	}
	u := c.baseURL + "/api/missions/" + url.PathEscape(missionID)
	if err := c.http.DoJSON(ctx, "GET", u, nil, &resp, nil); err != nil {
		return "", fmt.Errorf("mission %s context: %w", missionID, err)
	}
	if resp.Task != "" {
		return resp.Task, nil
	}
	return resp.Description, nil
}

type submitParams struct {
	MissionID string `json:"missionId"`
	Agent     string `json:"agent"`
	Result    string `json:"result"`
}

type signedBody struct {
	Agent     string `json:"agent"`
	Result    string `json:"result,omitempty"`
	Signature string `json:"signature"`
	PublicKey string `json:"publicKey"`
	Timestamp int64  `json:"timestamp"`
}

// Submit posts the result for a mission, signed by id.
func (c *Client) Submit(ctx context.Context, id *identity.Identity, missionID, result string) error {
	ts := c.now()
	sig, err := id.SignAction("submit-result", submitParams{MissionID: missionID, Agent: id.Address, Result: result}, ts)
	if err != nil {
		return err
	}
	body := signedBody{Agent: id.Address, Result: result, Signature: sig, PublicKey: id.PublicKeyHex(), Timestamp: ts.UnixMilli()}
	u := c.baseURL + "/api/missions/" + url.PathEscape(missionID) + "/submit"
	if err := c.submits.DoJSON(ctx, "POST", u, body, nil, nil); err != nil {
		return fmt.Errorf("submit mission %s: %w", missionID, err)
	}
	return nil
}

type heartbeatParams struct {
	Agent string `json:"agent"`
}

// Heartbeat tells the coordinator that id is alive.
func (c *Client) Heartbeat(ctx context.Context, id *identity.Identity) error {
	ts := c.now()
	sig, err := id.SignAction("heartbeat", heartbeatParams{Agent: id.Address}, ts)
	if err != nil {
		return err
	}
	body := signedBody{Agent: id.Address, Signature: sig, PublicKey: id.PublicKeyHex(), Timestamp: ts.UnixMilli()}
	if err := c.http.DoJSON(ctx, "POST", c.baseURL+"/api/agents/heartbeat", body, nil, nil); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}
