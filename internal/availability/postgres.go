package availability

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/triage-ai/palisade/services/tool_runner/internal/capability"
	"go.uber.org/zap"
)

// GrantStore abstracts DB queries for testability.
type GrantStore interface {
	LookupGrant(ctx context.Context, projectID, name string) (*grantRow, error)
}

type grantRow struct {
	ProjectID      string
	CapabilityName string
	Enabled        bool
}

// sqlGrantStore is the real implementation using *sql.DB.
type sqlGrantStore struct {
	db *sql.DB
}

func (s *sqlGrantStore) LookupGrant(ctx context.Context, projectID, name string) (*grantRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT project_id, capability_name, enabled
		FROM capability_grants
		WHERE project_id = $1 AND capability_name = $2
	`, projectID, name)

	var r grantRow
	if err := row.Scan(&r.ProjectID, &r.CapabilityName, &r.Enabled); err != nil {
		return nil, err
	}
	return &r, nil
}

// PostgresChecker reads per-project grants from the capability_grants table.
// Capabilities without a grant row fall back to DefaultAllow.
type PostgresChecker struct {
	store        GrantStore
	cache        *GrantCache
	defaultAllow bool
	logger       *zap.Logger
}

// PostgresCheckerConfig configures the PostgresChecker.
type PostgresCheckerConfig struct {
	DB           *sql.DB
	CacheTTL     time.Duration // Default: 60s
	DefaultAllow bool
	Logger       *zap.Logger
}

// NewPostgresChecker creates a new PostgresChecker.
func NewPostgresChecker(cfg PostgresCheckerConfig) *PostgresChecker {
	return newPostgresCheckerWithStore(&sqlGrantStore{db: cfg.DB}, cfg.CacheTTL, cfg.DefaultAllow, cfg.Logger)
}

// newPostgresCheckerWithStore creates a checker with a custom store (for testing).
func newPostgresCheckerWithStore(store GrantStore, cacheTTL time.Duration, defaultAllow bool, logger *zap.Logger) *PostgresChecker {
	if cacheTTL == 0 {
		cacheTTL = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresChecker{
		store:        store,
		cache:        NewGrantCache(cacheTTL),
		defaultAllow: defaultAllow,
		logger:       logger,
	}
}

func (c *PostgresChecker) Available(ctx context.Context, caller *capability.CallerContext, name string) (bool, error) {
	if caller == nil || caller.ProjectID == "" {
		return c.defaultAllow, nil
	}

	cacheResult := c.cache.Get(caller.ProjectID, name)
	if cacheResult.Hit {
		if cacheResult.NeedsRefresh {
			go c.refreshInBackground(caller.ProjectID, name)
		}
		return c.decide(cacheResult.Grant), nil
	}

	grant, err := c.fetchFromDB(ctx, caller.ProjectID, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.cache.Set(caller.ProjectID, name, nil)
			return c.defaultAllow, nil
		}
		return c.defaultAllow, fmt.Errorf("Available: %w", err)
	}

	c.cache.Set(caller.ProjectID, name, grant)
	return c.decide(grant), nil
}

func (c *PostgresChecker) decide(grant *Grant) bool {
	if grant == nil {
		return c.defaultAllow
	}
	return grant.Enabled
}

func (c *PostgresChecker) fetchFromDB(ctx context.Context, projectID, name string) (*Grant, error) {
	row, err := c.store.LookupGrant(ctx, projectID, name)
	if err != nil {
		return nil, err
	}
	return &Grant{
		ProjectID:      row.ProjectID,
		CapabilityName: row.CapabilityName,
		Enabled:        row.Enabled,
	}, nil
}

func (c *PostgresChecker) refreshInBackground(projectID, name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	grant, err := c.fetchFromDB(ctx, projectID, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.cache.Set(projectID, name, nil)
			return
		}
		c.logger.Warn("background grant refresh failed",
			zap.String("project_id", projectID),
			zap.String("capability", name),
			zap.Error(err),
		)
		return
	}
	c.cache.Set(projectID, name, grant)
}
