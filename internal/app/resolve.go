package app

import (
	"context"
	"errors"
	"time"

	"clockline/internal/config"
	"clockline/internal/domain"
	"clockline/internal/repo"
)

// ResolveGuild returns the guild's config, seeding one from the service
// defaults when the guild has not been configured yet.
func ResolveGuild(ctx context.Context, guildID string, defaults *config.Config, r repo.Repo) (domain.GuildConfig, error) {
	cfg, err := r.GetGuildConfig(ctx, guildID)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.GuildConfig{}, err
	}
	seed := Seed(guildID, defaults)
	if err := r.UpsertGuildConfig(ctx, seed); err != nil {
		return domain.GuildConfig{}, err
	}
	return r.GetGuildConfig(ctx, guildID)
}

// Seed builds a default guild config from the service settings.
func Seed(guildID string, defaults *config.Config) domain.GuildConfig {
	mode := domain.ModeSelfService
	tz := "UTC"
	if defaults != nil {
		if defaults.GuildDefaults.Mode != "" {
			mode = defaults.GuildDefaults.Mode
		}
		if defaults.GuildDefaults.Timezone != "" {
			tz = defaults.GuildDefaults.Timezone
		}
	}
	now := time.Now().UTC()
	return domain.GuildConfig{
		GuildID:   guildID,
		Mode:      mode,
		Timezone:  tz,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
