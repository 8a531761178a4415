package core

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/3cpo-dev/missionfleet/internal/identity"
)

// GuildLedger reads and writes guild membership.
type GuildLedger interface {
	IsMember(ctx context.Context, address string, guild uint64) (bool, error)
	JoinGuild(ctx context.Context, id *identity.Identity, guild uint64) error
}

// EnsureGuilds joins every identity to its roster guild unless it is already a
// member. Identities are independent, so up to parallel joins run at once;
// failures are logged per identity and joined into the result.
func EnsureGuilds(ctx context.Context, l GuildLedger, ids []*identity.Identity, parallel int) error {
	var (
		mu   sync.Mutex
		errs []error
	)
	g, ctx := errgroup.WithContext(ctx)
	if parallel > 0 {
		g.SetLimit(parallel)
	}
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := ensureGuild(ctx, l, id); err != nil {
				log.Warn().Err(err).Str("agent", id.Tag()).Uint64("guild", id.GuildID).Msg("Guild bootstrap failed")
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func ensureGuild(ctx context.Context, l GuildLedger, id *identity.Identity) error {
	member, err := l.IsMember(ctx, id.Address, id.GuildID)
	if err != nil {
		return fmt.Errorf("membership of %s: %w", id.Tag(), err)
	}
	if member {
		return nil
	}
	if err := l.JoinGuild(ctx, id, id.GuildID); err != nil {
		return fmt.Errorf("join guild %d as %s: %w", id.GuildID, id.Tag(), err)
	}
	log.Info().Str("agent", id.Tag()).Uint64("guild", id.GuildID).Msg("Joined guild")
	return nil
}
