package lock

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestHashToInt64(t *testing.T) {
	a := hashToInt64("migrun:app:schema_changelog")
	if a != hashToInt64("migrun:app:schema_changelog") {
		t.Fatal("hash must be stable")
	}
	if a < 0 {
		t.Fatal("hash must be non-negative")
	}
	if a == hashToInt64("migrun:app:other") {
		t.Fatal("different keys produced the same hash")
	}
}

func TestPostgresAcquireRelease(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	ctx := context.Background()
	l := NewPostgres(db, "k")

	mock.ExpectQuery(regexp.QuoteMeta("SELECT pg_try_advisory_lock($1)")).WithArgs(l.id).
		WillReturnRows(sqlmock.NewRows([]string{"ok"}).AddRow(false))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT pg_try_advisory_lock($1)")).WithArgs(l.id).
		WillReturnRows(sqlmock.NewRows([]string{"ok"}).AddRow(true))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT pg_advisory_unlock($1)")).WithArgs(l.id).
		WillReturnRows(sqlmock.NewRows([]string{"ok"}).AddRow(true))
	mock.ExpectQuery("FROM pg_locks").WithArgs(l.id).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	if ok, err := l.TryAcquire(ctx); err != nil || ok {
		t.Fatalf("expected busy, ok=%v err=%v", ok, err)
	}
	if ok, err := l.TryAcquire(ctx); err != nil || !ok {
		t.Fatalf("expected acquired, ok=%v err=%v", ok, err)
	}
	if released, err := l.Release(ctx); err != nil || !released {
		t.Fatalf("release: %v %v", released, err)
	}
	if held, err := l.IsHeld(ctx); err != nil || held {
		t.Fatalf("is held: %v %v", held, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
