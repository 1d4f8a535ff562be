// Package sqlquery provides the run_sql_query tool, which runs read-only SQL
// against a dedicated analytics database.
//
// Queries run in a read-only transaction with a transaction-local search_path
// and app.project_id setting, so row-level security policies keyed on
// current_setting('app.project_id') scope every read to the caller's project.
// The connection is expected to use a role that can only see the analytics
// schema; it must never be the pool that holds credentials or grants.
package sqlquery

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/triage-ai/palisade/services/tool_runner/internal/argschema"
	"github.com/triage-ai/palisade/services/tool_runner/internal/capability"
	"github.com/triage-ai/palisade/services/tool_runner/internal/registry"
	"go.uber.org/zap"
)

const (
	ToolName = "run_sql_query"

	// DefaultRowLimit caps the rows returned when no limit is configured.
	DefaultRowLimit = 200

	// DefaultSchema is the schema queries resolve unqualified names in.
	DefaultSchema = "analytics"
)

var (
	// ErrNotReadOnly is returned for statements other than a single SELECT,
	// WITH, SHOW or EXPLAIN.
	ErrNotReadOnly = errors.New("only read-only statements are allowed")

	// ErrRestricted is returned for queries that name service tables, system
	// catalogs or session-setting functions.
	ErrRestricted = errors.New("query references a restricted relation")

	// ErrNoProject is returned when a query has no project to scope it to.
	ErrNoProject = errors.New("query has no project scope")
)

// restrictedIdents are never allowed in a query, quoted or not.
var restrictedIdents = map[string]struct{}{
	"projects":            {},
	"api_key_hash":        {},
	"capability_grants":   {},
	"pg_catalog":          {},
	"information_schema":  {},
	"pg_authid":           {},
	"pg_shadow":           {},
	"pg_roles":            {},
	"pg_user":             {},
	"pg_stat_activity":    {},
	"set_config":          {},
	"dblink":              {},
	"pg_read_file":        {},
	"pg_read_binary_file": {},
	"pg_ls_dir":           {},
	"lo_import":           {},
}

var identifier = regexp.MustCompile(`[a-z_][a-z0-9_$]*`)

var querySchema = argschema.MustCompile(map[string]any{
	"type":     "object",
	"required": []any{"query"},
	"properties": map[string]any{
		"query": map[string]any{"type": "string", "minLength": 1},
	},
})

// Rows is a bounded query result.
type Rows struct {
	Columns   []string `json:"columns"`
	Rows      [][]any  `json:"rows"`
	Truncated bool     `json:"truncated,omitempty"`
}

// Querier runs a read-only query scoped to projectID and returns at most
// limit rows.
type Querier interface {
	Query(ctx context.Context, projectID, query string, limit int) (*Rows, error)
}

const scopeQuery = `SELECT set_config('search_path', $1, true), set_config('app.project_id', $2, true)`

// sqlQuerier runs queries inside a read-only, project-scoped transaction.
type sqlQuerier struct {
	db     *sql.DB
	schema string
}

func (q *sqlQuerier) Query(ctx context.Context, projectID, query string, limit int) (*Rows, error) {
	if projectID == "" {
		return nil, ErrNoProject
	}
	tx, err := q.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("Query: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, scopeQuery, q.schema, projectID); err != nil {
		return nil, fmt.Errorf("Query: scope: %w", err)
	}

	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("Query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("Query: columns: %w", err)
	}
	out := &Rows{Columns: cols, Rows: make([][]any, 0)}
	for rows.Next() {
		if len(out.Rows) == limit {
			out.Truncated = true
			break
		}
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("Query: scan: %w", err)
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		out.Rows = append(out.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("Query: rows: %w", err)
	}
	return out, nil
}

// Config configures the provider. DB should connect as a role limited to
// Schema.
type Config struct {
	DB       *sql.DB
	Schema   string
	RowLimit int
	Logger   *zap.Logger
}

// Provider returns the sqlquery provider. It reports
// registry.ErrProviderUnavailable when no database is configured.
func Provider(cfg Config) registry.ProviderFunc {
	return func(context.Context) (registry.Provider, error) {
		if cfg.DB == nil {
			return nil, fmt.Errorf("sqlquery: no database configured: %w", registry.ErrProviderUnavailable)
		}
		schema := cfg.Schema
		if schema == "" {
			schema = DefaultSchema
		}
		return NewProviderWithQuerier(&sqlQuerier{db: cfg.DB, schema: schema}, cfg.RowLimit, cfg.Logger), nil
	}
}

// NewProviderWithQuerier creates the provider over a custom querier (for testing).
func NewProviderWithQuerier(q Querier, rowLimit int, logger *zap.Logger) registry.Provider {
	if rowLimit <= 0 {
		rowLimit = DefaultRowLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return registry.NewStaticProvider("sqlquery", capability.Descriptor{
		Name:           ToolName,
		DisplayName:    "Run SQL query",
		Description:    fmt.Sprintf("Runs a read-only SQL query and returns up to %d rows.", rowLimit),
		ArgumentSchema: querySchema,
		// Callers without a project do not get the tool.
		Factory: func(_ context.Context, caller *capability.CallerContext) (capability.Tool, error) {
			if caller == nil || caller.ProjectID == "" {
				return nil, nil
			}
			return &queryTool{querier: q, rowLimit: rowLimit, projectID: caller.ProjectID, logger: logger}, nil
		},
	})
}

type queryTool struct {
	querier   Querier
	rowLimit  int
	projectID string
	logger    *zap.Logger
}

func (t *queryTool) Name() string                      { return ToolName }
func (t *queryTool) ArgumentSchema() *argschema.Schema { return querySchema }

func (t *queryTool) Execute(ctx context.Context, id string, args map[string]any, progress capability.ProgressFunc) (*capability.Result, error) {
	query, _ := args["query"].(string)
	query, err := normalizeQuery(query)
	if err == nil {
		err = checkRestricted(query)
	}
	if err == nil && t.projectID == "" {
		err = ErrNoProject
	}
	if err != nil {
		t.logger.Info("query refused",
			zap.String("project_id", t.projectID),
			zap.String("invocation_id", id),
			zap.Error(err),
		)
		return capability.FailedResult(id, ToolName, err.Error()), nil
	}

	progress("Running query", []string{query})
	rows, err := t.querier.Query(ctx, t.projectID, query, t.rowLimit)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		t.logger.Info("query failed",
			zap.String("project_id", t.projectID),
			zap.String("invocation_id", id),
			zap.Error(err),
		)
		// Database errors are the model's to correct, not a tool crash.
		return capability.FailedResult(id, ToolName, err.Error()), nil
	}
	progress(fmt.Sprintf("Fetched %d rows", len(rows.Rows)), nil)

	content, err := json.Marshal(rows)
	if err != nil {
		return nil, fmt.Errorf("run_sql_query: encode rows: %w", err)
	}
	return &capability.Result{
		ID:      id,
		Content: string(content),
		Status:  capability.StatusCompleted,
		Artifacts: []capability.Artifact{{
			Kind: "sql_query",
			Payload: map[string]any{
				"query":     query,
				"row_count": len(rows.Rows),
				"truncated": rows.Truncated,
			},
		}},
	}, nil
}

// normalizeQuery trims a trailing semicolon and rejects anything that is not
// a single read-only statement.
func normalizeQuery(query string) (string, error) {
	q := strings.TrimSpace(query)
	q = strings.TrimSpace(strings.TrimSuffix(q, ";"))
	if q == "" {
		return "", fmt.Errorf("%w: empty query", ErrNotReadOnly)
	}
	if strings.Contains(q, ";") {
		return "", fmt.Errorf("%w: multiple statements", ErrNotReadOnly)
	}
	first := strings.ToLower(strings.Fields(q)[0])
	switch first {
	case "select", "with", "show", "explain":
		return q, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrNotReadOnly, first)
	}
}

// checkRestricted rejects queries naming any restricted identifier anywhere
// in the text. Literals and comments are scanned too, since functions such
// as query_to_xml execute SQL passed as a string.
func checkRestricted(query string) error {
	for _, tok := range identifier.FindAllString(strings.ToLower(query), -1) {
		if _, ok := restrictedIdents[tok]; ok {
			return fmt.Errorf("%w: %s", ErrRestricted, tok)
		}
	}
	return nil
}
