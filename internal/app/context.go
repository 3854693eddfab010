package app

import (
	"context"
	"errors"
	"fmt"

	"caseline/internal/config"
	"caseline/internal/repo"
)

// ResolveOfficeConfig loads the office catalog from the database, seeding
// the default catalog on first use. An explicit config file, when given,
// replaces whatever the database held.
func ResolveOfficeConfig(ctx context.Context, configPath, officeID string, r repo.Repo) (*config.Config, error) {
	if configPath != "" {
		cfg, err := config.FromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", configPath, err)
		}
		if err := r.UpsertOfficeConfig(ctx, cfg); err != nil {
			return nil, fmt.Errorf("store config: %w", err)
		}
		return cfg, nil
	}
	cfg, err := r.GetOfficeConfig(ctx)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
		if officeID == "" {
			officeID = "default-office"
		}
		cfg = config.Default(officeID)
		if err := r.UpsertOfficeConfig(ctx, cfg); err != nil {
			return nil, fmt.Errorf("seed office config: %w", err)
		}
	}
	return cfg, nil
}
