// Package anomaly stores out-of-band fraud alerts raised by upstream scoring
// systems. Records are ingested over HTTP and surfaced read-only through the
// rule engine's report aggregator.
package anomaly

import (
	"context"
	"errors"
	"time"

	"github.com/dkalu/fraudmark/internal/pagination"
)

// ErrNotFound is returned when an anomaly record does not exist.
var ErrNotFound = errors.New("anomaly: record not found")

// Record is one flagged event from an external scorer. SourceAccount scopes
// the record to a transaction account so expression rules can aggregate over
// anomaly history; scorers that don't attribute an account leave it empty.
type Record struct {
	ID            string    `json:"id"`
	UserID        string    `json:"userId"`
	AlertType     string    `json:"alertType"`
	SourceAccount string    `json:"sourceAccountNumber,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	RiskScore     float64   `json:"riskScore"`
}

// Store persists anomaly records. Listing is newest first, with ties broken
// by id so cursor pages never skip or repeat a record.
type Store interface {
	Insert(ctx context.Context, rec *Record) error
	List(ctx context.Context, limit int) ([]*Record, error)
	ListAfter(ctx context.Context, after *pagination.Cursor, limit int) ([]*Record, error)
}
