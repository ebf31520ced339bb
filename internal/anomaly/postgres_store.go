package anomaly

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dkalu/fraudmark/internal/pagination"
)

// PostgresStore is a PostgreSQL-backed anomaly store.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates an anomaly store on an existing connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the anomalies table if needed.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS anomalies (
			id VARCHAR(64) PRIMARY KEY,
			user_id VARCHAR(128) NOT NULL,
			alert_type VARCHAR(128) NOT NULL,
			source_account_number VARCHAR(32) NOT NULL DEFAULT '',
			timestamp TIMESTAMPTZ NOT NULL,
			risk_score NUMERIC NOT NULL,
			date_inserted TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_anomalies_timestamp ON anomalies(timestamp DESC);
		CREATE INDEX IF NOT EXISTS idx_anomalies_source ON anomalies(source_account_number);
	`)
	if err != nil {
		return fmt.Errorf("migrating anomalies: %w", err)
	}
	return nil
}

func (s *PostgresStore) Insert(ctx context.Context, rec *Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO anomalies (id, user_id, alert_type, source_account_number, timestamp, risk_score)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ID, rec.UserID, rec.AlertType, rec.SourceAccount, rec.Timestamp, rec.RiskScore)
	return err
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]*Record, error) {
	return s.ListAfter(ctx, nil, limit)
}

func (s *PostgresStore) ListAfter(ctx context.Context, after *pagination.Cursor, limit int) ([]*Record, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if after != nil {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, user_id, alert_type, source_account_number, timestamp, risk_score
			FROM anomalies
			WHERE (timestamp, id) < ($1, $2)
			ORDER BY timestamp DESC, id DESC LIMIT $3`,
			after.CreatedAt, after.ID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, user_id, alert_type, source_account_number, timestamp, risk_score
			FROM anomalies ORDER BY timestamp DESC, id DESC LIMIT $1`, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec := &Record{}
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.AlertType, &rec.SourceAccount, &rec.Timestamp, &rec.RiskScore); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
