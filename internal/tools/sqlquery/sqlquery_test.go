package sqlquery

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/triage-ai/palisade/services/tool_runner/internal/capability"
	"github.com/triage-ai/palisade/services/tool_runner/internal/registry"
	"go.uber.org/zap"
)

type fakeQuerier struct {
	rows      *Rows
	err       error
	projectID string
	query     string
	limit     int
}

func (f *fakeQuerier) Query(_ context.Context, projectID, query string, limit int) (*Rows, error) {
	f.projectID = projectID
	f.query = query
	f.limit = limit
	return f.rows, f.err
}

func newTool(t *testing.T, q Querier, limit int) capability.Tool {
	t.Helper()
	caps, err := NewProviderWithQuerier(q, limit, zap.NewNop()).Capabilities(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	tool, err := caps[0].Factory(context.Background(), &capability.CallerContext{ProjectID: "p1"})
	if err != nil {
		t.Fatal(err)
	}
	return tool
}

func TestProvider_UnavailableWithoutDB(t *testing.T) {
	_, err := Provider(Config{})(context.Background())
	if !errors.Is(err, registry.ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}

	reg := registry.New(zap.NewNop(), Provider(Config{}))
	if err := reg.EnsureLoaded(context.Background()); err != nil {
		t.Fatal(err)
	}
	if reg.Len() != 0 {
		t.Fatal("expected no capabilities from an unavailable provider")
	}
}

func TestQueryTool_Success(t *testing.T) {
	q := &fakeQuerier{rows: &Rows{Columns: []string{"n"}, Rows: [][]any{{int64(1)}}}}
	tool := newTool(t, q, 0)

	var steps []string
	res, err := tool.Execute(context.Background(), "i1", map[string]any{"query": " select 1 as n; "}, func(text string, _ []string) {
		steps = append(steps, text)
	})
	if err != nil {
		t.Fatal(err)
	}
	if q.projectID != "p1" {
		t.Fatalf("expected query scoped to p1, got %q", q.projectID)
	}
	if q.query != "select 1 as n" || q.limit != DefaultRowLimit {
		t.Fatalf("unexpected query %q limit %d", q.query, q.limit)
	}
	if res.Status != capability.StatusCompleted || res.Content != `{"columns":["n"],"rows":[[1]]}` {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(steps) != 2 || steps[1] != "Fetched 1 rows" {
		t.Fatalf("unexpected progress %v", steps)
	}
	if res.Artifacts[0].Payload["query"] != "select 1 as n" {
		t.Fatalf("unexpected artifact %+v", res.Artifacts)
	}
}

func TestQueryTool_RejectsWrites(t *testing.T) {
	q := &fakeQuerier{}
	tool := newTool(t, q, 10)

	for _, stmt := range []string{"DELETE FROM events", "select 1; drop table x", "   "} {
		res, err := tool.Execute(context.Background(), "i", map[string]any{"query": stmt}, func(string, []string) {})
		if err != nil {
			t.Fatal(err)
		}
		if res.Status != capability.StatusFailed || !strings.Contains(res.Content, ErrNotReadOnly.Error()) {
			t.Fatalf("%q: expected read-only failure, got %+v", stmt, res)
		}
	}
	if q.query != "" {
		t.Fatal("rejected statements must not reach the database")
	}
}

func TestQueryTool_RefusesServiceTables(t *testing.T) {
	q := &fakeQuerier{rows: &Rows{}}
	tool := newTool(t, q, 10)

	for _, stmt := range []string{
		"SELECT id, api_key_hash FROM projects",
		`select * from public."projects"`,
		"select project_id, capability, enabled from capability_grants",
		"with p as (select * from Projects) select count(*) from p",
		"select query_to_xml('select * from projects', true, false, '')",
		"select '--', x from projects",
		"select relname from pg_catalog.pg_class",
		"select table_name from information_schema.tables",
		"select set_config('app.project_id', 'other', true)",
	} {
		res, err := tool.Execute(context.Background(), "i", map[string]any{"query": stmt}, func(string, []string) {})
		if err != nil {
			t.Fatal(err)
		}
		if res.Status != capability.StatusFailed || !strings.Contains(res.Content, ErrRestricted.Error()) {
			t.Fatalf("%q: expected restricted failure, got %+v", stmt, res)
		}
	}
	if q.query != "" {
		t.Fatal("refused queries must not reach the database")
	}
}

func TestCheckRestricted_AllowsAnalyticsQueries(t *testing.T) {
	for _, stmt := range []string{
		"select tool_name, count(*) from tool_batch_events group by 1",
		"select project_name from sessions",
		"select * from projects_archive_view",
	} {
		if err := checkRestricted(stmt); err != nil {
			t.Fatalf("%q: unexpected refusal %v", stmt, err)
		}
	}
}

func TestProvider_NoToolWithoutProject(t *testing.T) {
	caps, err := NewProviderWithQuerier(&fakeQuerier{}, 0, nil).Capabilities(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	for _, caller := range []*capability.CallerContext{nil, {TeamID: "t1"}} {
		tool, err := caps[0].Factory(context.Background(), caller)
		if err != nil {
			t.Fatal(err)
		}
		if tool != nil {
			t.Fatalf("expected no tool for caller %+v", caller)
		}
	}
}

func TestQueryTool_RequiresProjectScope(t *testing.T) {
	q := &fakeQuerier{rows: &Rows{}}
	tool := &queryTool{querier: q, rowLimit: 10, logger: zap.NewNop()}

	res, err := tool.Execute(context.Background(), "i", map[string]any{"query": "select 1"}, func(string, []string) {})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != capability.StatusFailed || !strings.Contains(res.Content, ErrNoProject.Error()) {
		t.Fatalf("expected no-project failure, got %+v", res)
	}
	if q.query != "" {
		t.Fatal("unscoped query must not reach the database")
	}
}

func TestSQLQuerier_RequiresProject(t *testing.T) {
	q := &sqlQuerier{schema: DefaultSchema}
	if _, err := q.Query(context.Background(), "", "select 1", 10); !errors.Is(err, ErrNoProject) {
		t.Fatalf("expected ErrNoProject, got %v", err)
	}
}

func TestQueryTool_DatabaseErrorIsAResult(t *testing.T) {
	tool := newTool(t, &fakeQuerier{err: errors.New(`relation "evnts" does not exist`)}, 10)

	res, err := tool.Execute(context.Background(), "i", map[string]any{"query": "select * from evnts"}, func(string, []string) {})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != capability.StatusFailed || !strings.Contains(res.Content, "evnts") {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestQueryTool_CancelledIsToolError(t *testing.T) {
	tool := newTool(t, &fakeQuerier{err: context.Canceled}, 10)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := tool.Execute(ctx, "i", map[string]any{"query": "select 1"}, func(string, []string) {}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestNormalizeQuery(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"SELECT 1", "SELECT 1", false},
		{"with t as (select 1) select * from t;", "with t as (select 1) select * from t", false},
		{"EXPLAIN select 1", "EXPLAIN select 1", false},
		{"insert into t values (1)", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := normalizeQuery(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Fatalf("normalizeQuery(%q) = %q, %v", tt.in, got, err)
		}
	}
}
