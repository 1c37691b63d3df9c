// Package store persists the run ledger and the cross-date seen-tweet
// ledger. Stage data itself stays in JSON files under the data directory.
package store

import (
	"context"
	"path/filepath"

	"github.com/rotisserie/eris"

	"github.com/sells-group/tweet-digest/internal/config"
	"github.com/sells-group/tweet-digest/internal/model"
)

// DefaultRunLimit caps ListRuns when the filter sets no limit.
const DefaultRunLimit = 50

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Stage string `json:"stage,omitempty"`
	Date  string `json:"date,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

// Store defines the persistence interface for the pipeline.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, stage, date string) (*model.Run, error)
	FinishRun(ctx context.Context, run model.Run) error
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Seen ledger. FilterSeen returns the ids already recorded under a date
	// other than date.
	MarkSeen(ctx context.Context, ids []string, date string) error
	FilterSeen(ctx context.Context, ids []string, date string) ([]string, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// Open returns the store selected by cfg, migrated and ready. The "none"
// driver returns a nil Store.
func Open(ctx context.Context, cfg config.StoreConfig, dataDir string) (Store, error) {
	var (
		st  Store
		err error
	)
	switch cfg.Driver {
	case "none":
		return nil, nil
	case "", "sqlite":
		dsn := cfg.DatabaseURL
		if dsn == "" {
			dsn = filepath.Join(dataDir, "ledger.db")
		}
		st, err = NewSQLite(dsn)
	case "postgres":
		st, err = NewPostgres(ctx, cfg.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}

func runLimit(f RunFilter) int {
	if f.Limit <= 0 {
		return DefaultRunLimit
	}
	return f.Limit
}
