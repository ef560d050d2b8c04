package cli

import (
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/mattdepillis/healthos/internal/config"
	"github.com/mattdepillis/healthos/internal/domain"
	"github.com/mattdepillis/healthos/internal/persistence"
)

func resolveDBURL() string {
	if v := strings.TrimSpace(dbURL); v != "" {
		return v
	}
	return config.Load().DatabaseURL
}

func withStore(ctx context.Context, run func(*persistence.Store) error) error {
	store, err := persistence.Open(ctx, resolveDBURL(), false)
	if err != nil {
		return err
	}
	defer store.Close()
	return run(store)
}

func withService(ctx context.Context, run func(*domain.Service) error) error {
	return withStore(ctx, func(store *persistence.Store) error {
		cfg := config.Load()
		return run(domain.NewService(store.Repository, domain.WithDefaultUserID(cfg.DefaultUserID)))
	})
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
