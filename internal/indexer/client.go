// Package indexer queries the mission event indexer to find open missions in a guild.
package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/3cpo-dev/missionfleet/internal/providers"
	"github.com/3cpo-dev/missionfleet/pkg/api"
)

// pageSize is the number of events asked for per request. A feed is complete
// once a page comes back shorter than this.
const pageSize = 500

// maxPages bounds one feed walk so a misbehaving indexer cannot loop forever.
const maxPages = 200

const feedQuery = `query GuildFeed($guildId: BigInt!, $first: Int!, $skip: Int!) {
  %s(where: {guildId: $guildId}, orderBy: blockNumber, orderDirection: asc, first: $first, skip: $skip) { %s }
}`

// Created is a mission creation event.
type Created struct {
	MissionID string `json:"missionId"`
	GuildID   string `json:"guildId"`
	TaskHash  string `json:"taskHash"`
	Budget    string `json:"budget"`
}

type resolved struct {
	MissionID string `json:"missionId"`
}

// GuildEvents is every creation, completion and cancellation event of one guild.
type GuildEvents struct {
	Created   []Created
	Completed []string
	Cancelled []string
}

// Client is safe for concurrent use.
type Client struct {
	url  string
	http *providers.RetryableHTTPClient
}

func New(url string, http *providers.RetryableHTTPClient) *Client {
	return &Client{url: url, http: http}
}

// GuildEvents fetches every page of the guild's creation, completion and
// cancellation feeds.
func (c *Client) GuildEvents(ctx context.Context, guild uint64) (GuildEvents, error) {
	created, err := feed[Created](ctx, c, guild, "missionCreateds", "missionId guildId taskHash budget")
	if err != nil {
		return GuildEvents{}, err
	}
	ev := GuildEvents{Created: created}
	for name, dst := range map[string]*[]string{"missionCompleteds": &ev.Completed, "missionCancelleds": &ev.Cancelled} {
		rs, err := feed[resolved](ctx, c, guild, name, "missionId")
		if err != nil {
			return GuildEvents{}, err
		}
		for _, r := range rs {
			*dst = append(*dst, r.MissionID)
		}
	}
	return ev, nil
}

// feed pages through one event list in block order.
func feed[T any](ctx context.Context, c *Client, guild uint64, name, fields string) ([]T, error) {
	query := fmt.Sprintf(feedQuery, name, fields)
	var all []T
	for page := 0; page < maxPages; page++ {
		req := map[string]any{
			"query": query,
			"variables": map[string]any{
				"guildId": strconv.FormatUint(guild, 10),
				"first":   pageSize,
				"skip":    page * pageSize,
			},
		}
		var resp struct {
			Data   map[string]json.RawMessage `json:"data"`
			Errors []struct {
				Message string `json:"message"`
			} `json:"errors"`
		}
		if err := c.http.DoJSON(ctx, "POST", c.url, req, &resp, nil); err != nil {
			return nil, fmt.Errorf("indexer %s: %w", name, err)
		}
		if len(resp.Errors) > 0 {
			msgs := make([]string, len(resp.Errors))
			for i, e := range resp.Errors {
				msgs[i] = e.Message
			}
			return nil, fmt.Errorf("indexer %s: %s", name, strings.Join(msgs, "; "))
		}
		var got []T
		if raw, ok := resp.Data[name]; ok {
			if err := json.Unmarshal(raw, &got); err != nil {
				return nil, fmt.Errorf("indexer %s: decode: %w", name, err)
			}
		}
		all = append(all, got...)
		if len(got) < pageSize {
			return all, nil
		}
	}
	return nil, fmt.Errorf("indexer %s: more than %d events", name, maxPages*pageSize)
}

// OpenMissions returns the guild's missions that were created but neither
// completed nor cancelled, in creation order.
func (c *Client) OpenMissions(ctx context.Context, guild uint64) ([]api.WorkItem, error) {
	ev, err := c.GuildEvents(ctx, guild)
	if err != nil {
		return nil, err
	}
	return Unresolved(guild, ev), nil
}

// Unresolved filters created events against the completion and cancellation feeds.
func Unresolved(guild uint64, ev GuildEvents) []api.WorkItem {
	done := make(map[string]struct{}, len(ev.Completed)+len(ev.Cancelled))
	for _, id := range ev.Completed {
		done[id] = struct{}{}
	}
	for _, id := range ev.Cancelled {
		done[id] = struct{}{}
	}
	var open []api.WorkItem
	seen := map[string]struct{}{}
	for _, c := range ev.Created {
		if _, ok := done[c.MissionID]; ok {
			continue
		}
		if _, dup := seen[c.MissionID]; dup {
			continue
		}
		seen[c.MissionID] = struct{}{}
		open = append(open, api.WorkItem{
			ID:      c.MissionID,
			GuildID: guild,
			Budget:  c.Budget,
			Kind:    api.KindOpenItem,
		})
	}
	return open
}
