package identity

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrEmptyRoster is returned when the provisioning artifact is missing entries.
var ErrEmptyRoster = errors.New("roster has no entries")

// RosterEntry is one provisioned slot.
type RosterEntry struct {
	Key        string `yaml:"-"`
	Capability string `yaml:"-"`
	Slot       string `yaml:"-"`
	Index      int    `yaml:"index"`
	GuildID    uint64 `yaml:"guildId"`
}

// Roster is the ordered list of provisioned slots, read-only to the fleet.
type Roster []RosterEntry

// RemoteFetcher retrieves a roster artifact from a remote location.
type RemoteFetcher interface {
	Fetch(ctx context.Context, u *url.URL) ([]byte, error)
}

// LoadRoster reads the roster from a local path or an sftp:// URL.
func LoadRoster(ctx context.Context, location string, remote RemoteFetcher) (Roster, error) {
	if location == "" {
		return nil, errors.New("roster location not configured")
	}
	var (
		data []byte
		err  error
	)
	if strings.HasPrefix(location, "sftp://") {
		u, perr := url.Parse(location)
		if perr != nil {
			return nil, fmt.Errorf("parse roster url: %w", perr)
		}
		if remote == nil {
			return nil, fmt.Errorf("no remote fetcher for %s", u.Scheme)
		}
		data, err = remote.Fetch(ctx, u)
	} else {
		data, err = os.ReadFile(location)
	}
	if err != nil {
		return nil, fmt.Errorf("read roster: %w", err)
	}
	return ParseRoster(data)
}

// ParseRoster decodes a JSON or YAML object keyed "capability:slot" while
// keeping the order the provisioning step wrote.
func ParseRoster(data []byte) (Roster, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse roster: %w", err)
	}
	if doc.Kind == 0 || len(doc.Content) == 0 {
		return nil, ErrEmptyRoster
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("parse roster: expected an object, got %s", root.Tag)
	}
	var out Roster
	seen := map[int]string{}
	for i := 0; i+1 < len(root.Content); i += 2 {
		key := root.Content[i].Value
		var e RosterEntry
		if err := root.Content[i+1].Decode(&e); err != nil {
			return nil, fmt.Errorf("roster entry %q: %w", key, err)
		}
		if prev, dup := seen[e.Index]; dup {
			return nil, fmt.Errorf("roster entries %q and %q share index %d", prev, key, e.Index)
		}
		seen[e.Index] = key
		e.Key = key
		e.Capability, e.Slot = splitKey(key)
		out = append(out, e)
	}
	if len(out) == 0 {
		return nil, ErrEmptyRoster
	}
	return out, nil
}

func splitKey(key string) (capability, slot string) {
	if i := strings.LastIndexByte(key, ':'); i >= 0 {
		return key[:i], key[i+1:]
	}
	return key, ""
}

// Truncate keeps the first limit entries; limit <= 0 keeps all of them.
func (r Roster) Truncate(limit int) Roster {
	if limit <= 0 || limit >= len(r) {
		return r
	}
	return r[:limit]
}

// Identities derives one identity per roster entry, in roster order.
func (r Roster) Identities(seed []byte) ([]*Identity, error) {
	ids := make([]*Identity, 0, len(r))
	for _, e := range r {
		id, err := Derive(seed, e.Index, e.GuildID, e.Capability)
		if err != nil {
			return nil, fmt.Errorf("roster entry %q: %w", e.Key, err)
		}
		id.Key = e.Key
		ids = append(ids, id)
	}
	return ids, nil
}
