package registry

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func setupMockCache(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *SQLCache) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("create mock db: %v", err)
	}
	cache := &SQLCache{db: db, driver: "sqlite"}
	return db, mock, cache
}

func descriptionRows(id string, usage int) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "provider_model", "tool_name", "description", "parameters_info",
		"generation_time_ms", "quality_score", "usage_count", "created_at", "last_used_at",
	}).AddRow(id, "m1", "browse", "desc", "{}", 1500, 5, usage, now, now)
}

func TestSQLCacheGetMiss(t *testing.T) {
	db, mock, cache := setupMockCache(t)
	defer db.Close()

	mock.ExpectQuery("SELECT (.+) FROM tool_descriptions WHERE provider_model = \\? AND tool_name = \\?").
		WithArgs("m1", "missing").
		WillReturnError(sql.ErrNoRows)

	d, err := cache.Get(context.Background(), "m1", "missing")
	if err != nil || d != nil {
		t.Fatalf("miss = %v, %v, want nil, nil", d, err)
	}
}

func TestSQLCacheGetHit(t *testing.T) {
	db, mock, cache := setupMockCache(t)
	defer db.Close()

	mock.ExpectQuery("SELECT (.+) FROM tool_descriptions").
		WithArgs("m1", "browse").
		WillReturnRows(descriptionRows("desc-1", 7))

	d, err := cache.Get(context.Background(), "m1", "browse")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if d.ID != "desc-1" || d.UsageCount != 7 || d.GenerationTimeMS != 1500 {
		t.Fatalf("description = %+v", d)
	}
}

func TestSQLCachePutInsertsOnFirstWrite(t *testing.T) {
	db, mock, cache := setupMockCache(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE tool_descriptions SET").
		WithArgs("desc", "{}", int64(1500), "m1", "browse").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO tool_descriptions").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("SELECT (.+) FROM tool_descriptions").
		WithArgs("m1", "browse").
		WillReturnRows(descriptionRows("desc-1", 0))
	mock.ExpectCommit()

	d, err := cache.Put(context.Background(), "m1", "browse", "desc", "{}", 1500*time.Millisecond)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if d.ID != "desc-1" {
		t.Fatalf("description = %+v", d)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestSQLCachePutOverwrites(t *testing.T) {
	db, mock, cache := setupMockCache(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE tool_descriptions SET").
		WithArgs("desc v2", "{}", int64(900), "m1", "browse").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT (.+) FROM tool_descriptions").
		WithArgs("m1", "browse").
		WillReturnRows(descriptionRows("desc-1", 3))
	mock.ExpectCommit()

	d, err := cache.Put(context.Background(), "m1", "browse", "desc v2", "{}", 900*time.Millisecond)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if d.UsageCount != 3 {
		t.Fatalf("usage stats lost on overwrite: %+v", d)
	}
}

func TestSQLCacheTouch(t *testing.T) {
	db, mock, cache := setupMockCache(t)
	defer db.Close()

	mock.ExpectExec("UPDATE tool_descriptions SET usage_count = usage_count \\+ 1").
		WithArgs(sqlmock.AnyArg(), "desc-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := cache.Touch(context.Background(), "desc-1"); err != nil {
		t.Fatalf("touch: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
