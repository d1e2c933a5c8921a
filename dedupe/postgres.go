package dedupe

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	_ "github.com/lib/pq"
)

// Postgres stores keys in the report_dedupe table.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects with the lib/pq driver and ensures the table.
func OpenPostgres(ctx context.Context, url string) (*Postgres, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open dedupe database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach dedupe database: %w", err)
	}
	return NewPostgres(ctx, db)
}

// NewPostgres uses an open database.
func NewPostgres(ctx context.Context, db *sql.DB) (*Postgres, error) {
	p := &Postgres{db: db}
	if err := p.ensureTable(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure dedupe table: %w", err)
	}
	return p, nil
}

func (p *Postgres) ensureTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS report_dedupe (
			idem_key TEXT PRIMARY KEY,
			study_uid TEXT,
			series_uid TEXT,
			report_uid TEXT,
			first_seen_at TIMESTAMPTZ DEFAULT NOW(),
			seen_count INTEGER DEFAULT 1
		)
	`
	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create report_dedupe table: %w", err)
	}
	log.Printf("dedupe: report_dedupe table ready")
	return nil
}

func (p *Postgres) Seen(ctx context.Context, key string) (bool, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT seen_count FROM report_dedupe WHERE idem_key = $1`, key).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up dedupe key: %w", err)
	}
	return true, nil
}

func (p *Postgres) Mark(ctx context.Context, key string, e Entry) error {
	query := `
		INSERT INTO report_dedupe (idem_key, study_uid, series_uid, report_uid)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (idem_key) DO UPDATE
		SET seen_count = report_dedupe.seen_count + 1,
		    report_uid = EXCLUDED.report_uid
	`
	if _, err := p.db.ExecContext(ctx, query, key, e.StudyInstanceUID, e.SeriesInstanceUID, e.ReportUID); err != nil {
		return fmt.Errorf("failed to record dedupe key: %w", err)
	}
	return nil
}

// Close closes the database.
func (p *Postgres) Close() error {
	return p.db.Close()
}
