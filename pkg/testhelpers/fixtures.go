package testhelpers

import (
	"context"
	"fmt"
	"testing"
	"time"
)

const fixtureDDL = `
CREATE TABLE IF NOT EXISTS taitur_data (
    id           BIGSERIAL PRIMARY KEY,
    debtor_name  TEXT NOT NULL,
    kennitala    VARCHAR(20),
    amount       NUMERIC(12,2),
    status       TEXT,
    opened_at    TIMESTAMPTZ NOT NULL,
    is_active    BOOLEAN NOT NULL DEFAULT TRUE,
    notes        TEXT,
    metadata     JSONB
)`

var fixtureNames = []string{
	"Jón Jónsson",
	"Guðrún Sigurðardóttir",
	"Anna Björk",
	"Pétur Ólafsson",
	"John Smith",
}

var fixtureStatuses = []string{"open", "pending", "closed"}

// FixtureOpenedAt returns the opened_at value seeded for row i (1-based).
func FixtureOpenedAt(i int) time.Time {
	return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Hour)
}

// ResetFixture truncates the fixture and ancillary tables and inserts n rows.
// Row i (1-based) has id=i, debtor_name=fixtureNames[(i-1)%5], amount=i*10.50,
// status=fixtureStatuses[(i-1)%3], is_active=(i%2==0) and notes containing
// "Reykjavík" for every fourth row. Rows with i%10==0 have a NULL kennitala.
func ResetFixture(t *testing.T, tdb *TestDB, n int) {
	t.Helper()
	ctx := context.Background()

	_, err := tdb.DB.Exec(ctx, `
		TRUNCATE taitur_data RESTART IDENTITY;
		TRUNCATE column_settings, data_changes, change_logs, saved_filters;
	`)
	if err != nil {
		t.Fatalf("failed to truncate fixture tables: %v", err)
	}

	for i := 1; i <= n; i++ {
		var kennitala any = fmt.Sprintf("%06d-%04d", 10100+i, i)
		if i%10 == 0 {
			kennitala = nil
		}
		notes := fmt.Sprintf("case %d", i)
		if i%4 == 0 {
			notes = fmt.Sprintf("case %d Reykjavík office", i)
		}
		_, err := tdb.DB.Exec(ctx, `
			INSERT INTO taitur_data (debtor_name, kennitala, amount, status, opened_at, is_active, notes, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			fixtureNames[(i-1)%len(fixtureNames)],
			kennitala,
			float64(i)*10.5,
			fixtureStatuses[(i-1)%len(fixtureStatuses)],
			FixtureOpenedAt(i),
			i%2 == 0,
			notes,
			fmt.Sprintf(`{"seq": %d}`, i),
		)
		if err != nil {
			t.Fatalf("failed to insert fixture row %d: %v", i, err)
		}
	}
}

// SetEditable marks columns editable in column_settings.
func SetEditable(t *testing.T, tdb *TestDB, columns ...string) {
	t.Helper()
	for _, col := range columns {
		_, err := tdb.DB.Exec(context.Background(), `
			INSERT INTO column_settings (column_name, is_editable) VALUES ($1, TRUE)
			ON CONFLICT (column_name) DO UPDATE SET is_editable = TRUE, updated_at = now()`, col)
		if err != nil {
			t.Fatalf("failed to mark %s editable: %v", col, err)
		}
	}
}
