// Package backend picks a store implementation from DATABASE_URL.
package backend

import (
	"context"
	"fmt"
	"strings"

	"quest-bot/internal/store"
	"quest-bot/internal/store/memstore"
	"quest-bot/internal/store/postgres"
	"quest-bot/internal/store/sqlite"
)

// Open understands sqlite://<path>, postgres://... (or postgresql://) and memory://.
func Open(ctx context.Context, databaseURL string) (store.Backend, error) {
	u := strings.TrimSpace(databaseURL)
	switch {
	case strings.HasPrefix(u, "sqlite://"):
		s, err := sqlite.Open(strings.TrimPrefix(u, "sqlite://"))
		if err != nil {
			return nil, err
		}
		return s, nil
	case strings.HasPrefix(u, "postgres://"), strings.HasPrefix(u, "postgresql://"):
		s, err := postgres.Open(ctx, u)
		if err != nil {
			return nil, err
		}
		return s, nil
	case u == "memory://", u == "memory":
		return memstore.New(), nil
	default:
		return nil, fmt.Errorf("unsupported DATABASE_URL %q", databaseURL)
	}
}
