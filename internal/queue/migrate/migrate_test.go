package migrate

import (
	"context"
	"database/sql"
	"testing"
	"testing/fstest"

	_ "github.com/duckdb/duckdb-go/v2"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("duckdb", "")
	if err != nil {
		t.Fatalf("open duckdb: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testFS() fstest.MapFS {
	return fstest.MapFS{
		"m/0001_widgets.sql": {Data: []byte("CREATE TABLE widgets (id BIGINT PRIMARY KEY);")},
		"m/0002_gadgets.sql": {Data: []byte("CREATE TABLE gadgets (id BIGINT PRIMARY KEY);")},
		"m/README.md":        {Data: []byte("ignored")},
	}
}

func TestRunAppliesAllMigrations(t *testing.T) {
	db := openTestDB(t)
	r := NewRunner(db, testFS(), "m")

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, table := range []string{"widgets", "gadgets", "schema_migrations"} {
		var name string
		err := db.QueryRow("SELECT table_name FROM information_schema.tables WHERE table_name = ?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s not found: %v", table, err)
		}
	}
}

func TestRunIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	r := NewRunner(db, testFS(), "m")
	ctx := context.Background()

	if err := r.Run(ctx); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if err := r.Run(ctx); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	cur, pending, err := r.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if cur != 2 || pending != 0 {
		t.Errorf("expected version=2 pending=0, got version=%d pending=%d", cur, pending)
	}
}

func TestStatusBeforeRun(t *testing.T) {
	db := openTestDB(t)
	cur, pending, err := NewRunner(db, testFS(), "m").Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if cur != 0 || pending != 2 {
		t.Errorf("expected version=0 pending=2, got version=%d pending=%d", cur, pending)
	}
}

func TestFailedMigrationRollsBack(t *testing.T) {
	db := openTestDB(t)
	fsys := testFS()
	fsys["m/0003_broken.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE nope (")}
	r := NewRunner(db, fsys, "m")

	if err := r.Run(context.Background()); err == nil {
		t.Fatal("expected error from broken migration")
	}
	cur, pending, err := r.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if cur != 2 || pending != 1 {
		t.Errorf("expected version=2 pending=1, got version=%d pending=%d", cur, pending)
	}
}

func TestDuplicateVersionRejected(t *testing.T) {
	fsys := testFS()
	fsys["m/0002_again.sql"] = &fstest.MapFile{Data: []byte("SELECT 1;")}
	if _, err := NewRunner(nil, fsys, "m").Load(); err == nil {
		t.Fatal("expected duplicate version error")
	}
}
