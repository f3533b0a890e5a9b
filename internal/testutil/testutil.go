package testutil

import (
	"context"
	"database/sql"
	"testing"

	"courier/internal/migration"
	"courier/internal/model"
	"courier/internal/repository"

	_ "modernc.org/sqlite"
)

// SetupTestDB returns Queries over a migrated in-memory sqlite database that
// is closed when the test ends.
func SetupTestDB(t *testing.T) *repository.Queries {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:?_pragma=foreign_keys(1)")
	if err != nil {
		t.Fatalf("failed to open in-memory db: %v", err)
	}
	// Every pooled connection would get its own empty in-memory database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	if err := migration.Run(db, nil); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
	return repository.New(db)
}

// CreateEnvironment stores an environment named name with vars.
func CreateEnvironment(t *testing.T, q *repository.Queries, name string, vars ...model.Variable) repository.Environment {
	t.Helper()
	env, err := q.CreateEnvironment(context.Background(), repository.CreateEnvironmentParams{Name: name, Variables: vars})
	if err != nil {
		t.Fatalf("CreateEnvironment: %v", err)
	}
	return env
}
