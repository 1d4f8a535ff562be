package availability

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/triage-ai/palisade/services/tool_runner/internal/capability"
	"go.uber.org/zap"
)

// mockGrantStore is a test helper that counts lookups.
type mockGrantStore struct {
	rows  map[string]*grantRow
	err   error
	calls int
}

func (m *mockGrantStore) LookupGrant(_ context.Context, projectID, name string) (*grantRow, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	if row, ok := m.rows[projectID+":"+name]; ok {
		return row, nil
	}
	return nil, sql.ErrNoRows
}

func caller(projectID string) *capability.CallerContext {
	return &capability.CallerContext{ProjectID: projectID}
}

func TestPostgresChecker_GrantDisables(t *testing.T) {
	store := &mockGrantStore{rows: map[string]*grantRow{
		"proj-1:run_sql_query": {ProjectID: "proj-1", CapabilityName: "run_sql_query", Enabled: false},
	}}
	checker := newPostgresCheckerWithStore(store, 30*time.Second, true, zap.NewNop())

	ok, err := checker.Available(context.Background(), caller("proj-1"), "run_sql_query")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected disabled grant to hide the capability")
	}
}

func TestPostgresChecker_NoRowUsesDefault(t *testing.T) {
	store := &mockGrantStore{}
	allow := newPostgresCheckerWithStore(store, 30*time.Second, true, zap.NewNop())
	deny := newPostgresCheckerWithStore(store, 30*time.Second, false, zap.NewNop())

	if ok, _ := allow.Available(context.Background(), caller("proj-1"), "echo"); !ok {
		t.Fatal("expected default allow")
	}
	if ok, _ := deny.Available(context.Background(), caller("proj-1"), "echo"); ok {
		t.Fatal("expected default deny")
	}
}

func TestPostgresChecker_CachesLookups(t *testing.T) {
	store := &mockGrantStore{rows: map[string]*grantRow{
		"proj-1:echo": {ProjectID: "proj-1", CapabilityName: "echo", Enabled: true},
	}}
	checker := newPostgresCheckerWithStore(store, 30*time.Second, false, zap.NewNop())

	for i := 0; i < 3; i++ {
		ok, err := checker.Available(context.Background(), caller("proj-1"), "echo")
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Fatal("expected enabled")
		}
	}
	if store.calls != 1 {
		t.Fatalf("expected 1 DB call, got %d", store.calls)
	}

	// Negative results are cached too.
	_, _ = checker.Available(context.Background(), caller("proj-1"), "missing")
	_, _ = checker.Available(context.Background(), caller("proj-1"), "missing")
	if store.calls != 2 {
		t.Fatalf("expected negative result cached, got %d DB calls", store.calls)
	}
}

func TestPostgresChecker_DBErrorReturnsDefaultWithError(t *testing.T) {
	store := &mockGrantStore{err: errors.New("connection refused")}
	checker := newPostgresCheckerWithStore(store, 30*time.Second, true, zap.NewNop())

	ok, err := checker.Available(context.Background(), caller("proj-1"), "echo")
	if err == nil {
		t.Fatal("expected error")
	}
	if !ok {
		t.Fatal("expected default value alongside the error")
	}
}

func TestPostgresChecker_AnonymousCallerUsesDefault(t *testing.T) {
	store := &mockGrantStore{}
	checker := newPostgresCheckerWithStore(store, 30*time.Second, true, nil)

	ok, err := checker.Available(context.Background(), nil, "echo")
	if err != nil || !ok {
		t.Fatalf("expected default allow, got %v %v", ok, err)
	}
	if store.calls != 0 {
		t.Fatal("expected no lookup without a project")
	}
}
