package postgres_test

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/alek-niko/aggregator/internal/store"
	"github.com/alek-niko/aggregator/internal/store/postgres"
)

func TestBulkUpsertIgnoringDuplicates(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	rows := []store.ItemRow{
		{Title: "a", URL: "https://ex.test/a", Category: 1, Website: 7},
		{Title: "b", URL: "https://ex.test/b", Category: 1, Website: 7},
	}

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO items (title, url, category, website) VALUES ($1, $2, $3, $4),($5, $6, $7, $8) ON CONFLICT (website, url) DO NOTHING`)).
		WithArgs("a", "https://ex.test/a", int64(1), int64(7), "b", "https://ex.test/b", int64(1), int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 2))

	pg := postgres.New(db)
	if err := pg.BulkUpsertIgnoringDuplicates(context.Background(), rows); err != nil {
		t.Fatalf("BulkUpsertIgnoringDuplicates: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestBulkUpsertIgnoringDuplicatesEmpty(t *testing.T) {
	db, mock, _ := sqlmock.New()
	defer db.Close()

	pg := postgres.New(db)
	if err := pg.BulkUpsertIgnoringDuplicates(context.Background(), nil); err != nil {
		t.Fatalf("expected nil error for empty input, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestFindInsertedSince(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	urls := []string{"https://ex.test/a", "https://ex.test/b"}

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, url FROM items WHERE website = $1 AND date >= $2 AND url IN ($3,$4)`)).
		WithArgs(int64(7), since, urls[0], urls[1]).
		WillReturnRows(sqlmock.NewRows([]string{"id", "url"}).
			AddRow(int64(1), urls[0]))

	pg := postgres.New(db)
	got, err := pg.FindInsertedSince(context.Background(), 7, urls, since)
	if err != nil {
		t.Fatalf("FindInsertedSince: %v", err)
	}
	if len(got) != 1 || got[0].URL != urls[0] {
		t.Fatalf("unexpected result: %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestRemoveByURLIdempotent(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM feeds WHERE url = $1`)).
		WithArgs("https://unknown.test/feed.xml").
		WillReturnResult(sqlmock.NewResult(0, 0))

	pg := postgres.New(db)
	affected, err := pg.RemoveByURL(context.Background(), "https://unknown.test/feed.xml")
	if err != nil {
		t.Fatalf("RemoveByURL: %v", err)
	}
	if affected != 0 {
		t.Fatalf("expected 0 affected rows for unknown url, got %d", affected)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
