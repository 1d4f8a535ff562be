package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// ProjectStore abstracts DB queries for testability.
type ProjectStore interface {
	LookupByPrefix(ctx context.Context, prefix string) (*projectRow, error)
}

type projectRow struct {
	ProjectID  string
	TeamID     string
	APIKeyHash string
}

// sqlProjectStore is the real implementation using *sql.DB.
type sqlProjectStore struct {
	db *sql.DB
}

func (s *sqlProjectStore) LookupByPrefix(ctx context.Context, prefix string) (*projectRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, team_id, api_key_hash
		FROM projects
		WHERE api_key_prefix = $1
	`, prefix)

	var r projectRow
	if err := row.Scan(&r.ProjectID, &r.TeamID, &r.APIKeyHash); err != nil {
		return nil, err
	}
	return &r, nil
}

// PostgresAuthenticator validates API keys against the projects table.
type PostgresAuthenticator struct {
	store    ProjectStore
	cache    *Cache
	logger   *zap.Logger
	failOpen bool
}

// PostgresAuthConfig configures the PostgresAuthenticator.
type PostgresAuthConfig struct {
	DB       *sql.DB
	CacheTTL time.Duration
	// FailOpen admits callers with a degraded principal when the key store is
	// unreachable. Unknown or mismatching keys are always rejected.
	FailOpen bool
	Logger   *zap.Logger
}

// NewPostgresAuthenticator creates a new PostgresAuthenticator.
func NewPostgresAuthenticator(cfg PostgresAuthConfig) *PostgresAuthenticator {
	return NewPostgresAuthenticatorWithStore(&sqlProjectStore{db: cfg.DB}, cfg.CacheTTL, cfg.FailOpen, cfg.Logger)
}

// NewPostgresAuthenticatorWithStore creates an authenticator with a custom store (for testing).
func NewPostgresAuthenticatorWithStore(store ProjectStore, cacheTTL time.Duration, failOpen bool, logger *zap.Logger) *PostgresAuthenticator {
	if cacheTTL == 0 {
		cacheTTL = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresAuthenticator{
		store:    store,
		cache:    NewCache(cacheTTL),
		logger:   logger,
		failOpen: failOpen,
	}
}

func (a *PostgresAuthenticator) Authenticate(ctx context.Context) (*Principal, error) {
	token, err := ExtractBearerToken(ctx)
	if err != nil {
		return nil, err
	}

	// Check cache
	cacheResult := a.cache.Get(token)
	if cacheResult.Hit {
		if cacheResult.NeedsRefresh {
			go a.refreshInBackground(token)
		}
		return cacheResult.Principal, nil
	}

	// Cache miss: authenticate synchronously
	principal, err := a.authenticateFromDB(ctx, token)
	if err != nil {
		if a.failOpen && !errors.Is(err, ErrUnauthenticated) && !errors.Is(err, sql.ErrNoRows) {
			a.logger.Warn("auth store unavailable, degrading to fail-open",
				zap.Error(err),
			)
			return &Principal{ProjectID: "unknown", Degraded: true}, nil
		}
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("Authenticate: %w", ErrUnauthenticated)
		}
		return nil, fmt.Errorf("Authenticate: %w", err)
	}

	a.cache.Set(token, principal)
	return principal, nil
}

func (a *PostgresAuthenticator) authenticateFromDB(ctx context.Context, token string) (*Principal, error) {
	if len(token) < 8 {
		return nil, ErrUnauthenticated
	}
	prefix := token[:8]

	row, err := a.store.LookupByPrefix(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("authenticateFromDB: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(row.APIKeyHash), []byte(token)); err != nil {
		return nil, ErrUnauthenticated
	}

	return &Principal{
		ProjectID: row.ProjectID,
		TeamID:    row.TeamID,
	}, nil
}

func (a *PostgresAuthenticator) refreshInBackground(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	principal, err := a.authenticateFromDB(ctx, token)
	if err != nil {
		if errors.Is(err, ErrUnauthenticated) || errors.Is(err, sql.ErrNoRows) {
			// Key was revoked or rotated.
			a.cache.Delete(token)
		}
		a.logger.Warn("background auth refresh failed", zap.Error(err))
		return
	}
	a.cache.Set(token, principal)
}
