package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dkalu/fraudmark/internal/idgen"
	"github.com/dkalu/fraudmark/internal/logging"
	"github.com/dkalu/fraudmark/internal/metrics"
	"github.com/dkalu/fraudmark/internal/traces"
)

// transactionTable is the table inbound payloads are checked against and
// persisted into.
const transactionTable = "transactions"

// reportLimit caps the violation history returned by the report aggregator.
const reportLimit = 200

// EventEmitter receives rule violations as they are recorded. Implementations
// must not block.
type EventEmitter interface {
	RuleFaulted(ruleID, ruleName, account string, payload map[string]any)
}

// AnomalyEntry is one out-of-band flagged event as shown by the report
// aggregator.
type AnomalyEntry struct {
	Seq           int       `json:"seq"`
	UserID        string    `json:"userId"`
	AlertType     string    `json:"alertType"`
	SourceAccount string    `json:"sourceAccountNumber,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	RiskScore     float64   `json:"riskScore"`
}

// AnomalyLister exposes anomaly history to the report aggregator. The records
// come from a separate ingestion path; the engine only reads them.
type AnomalyLister interface {
	ListAnomalies(ctx context.Context, limit int) ([]AnomalyEntry, error)
}

// ReportBundle is the report aggregator's read-side composition: violation
// history and anomaly history, each newest first.
type ReportBundle struct {
	Rules     []*ReportEntry `json:"rules"`
	Anomalies []AnomalyEntry `json:"anomalies"`
}

// Engine orchestrates rule definition and per-transaction evaluation. Every
// check reloads active rules and aggregates from the store; nothing is cached
// in-process, so a check always sees the database's current state.
type Engine struct {
	store     Store
	anomalies AnomalyLister
	events    EventEmitter
	logger    *slog.Logger
}

// NewEngine creates a rule engine backed by the given store.
func NewEngine(store Store) *Engine {
	return &Engine{store: store, logger: slog.Default()}
}

// WithLogger overrides the default logger.
func (e *Engine) WithLogger(logger *slog.Logger) *Engine {
	e.logger = logger
	return e
}

// WithAnomalies wires anomaly history into the report aggregator.
func (e *Engine) WithAnomalies(lister AnomalyLister) *Engine {
	e.anomalies = lister
	return e
}

// WithEvents wires a violation event emitter.
func (e *Engine) WithEvents(emitter EventEmitter) *Engine {
	e.events = emitter
	return e
}

// DataPoints lists the transaction columns a rule may reference, in column
// order, with their logical types.
func (e *Engine) DataPoints(ctx context.Context) ([]Column, error) {
	cols, err := e.store.Columns(ctx, transactionTable)
	if err != nil {
		return nil, fmt.Errorf("introspecting %s: %w", transactionTable, err)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("no columns found for %s", transactionTable)
	}
	return cols, nil
}

// ListRules returns every stored rule, newest first, tagged with its kind.
func (e *Engine) ListRules(ctx context.Context) ([]*Rule, error) {
	return e.store.ListRules(ctx)
}

// DisableRule excludes a rule from evaluation without deleting it.
func (e *Engine) DisableRule(ctx context.Context, id string) error {
	if id == "" {
		return validationf("ruleId is required")
	}
	return e.store.SetRuleActive(ctx, id, false)
}

// EnableRule restores a disabled rule to the active set.
func (e *Engine) EnableRule(ctx context.Context, id string) error {
	if id == "" {
		return validationf("ruleId is required")
	}
	return e.store.SetRuleActive(ctx, id, true)
}

// CheckTransaction evaluates the payload against every active rule, records
// a report per faulting rule, persists the transaction regardless of the
// verdict, and returns the aggregate verdict. Evaluation never
// short-circuits: each faulting rule produces its own report row.
//
// Aggregate reads happen before the transaction insert, so an expression
// rule sees the account's history excluding this transaction; the insert is
// what refreshes the aggregate for the next check.
func (e *Engine) CheckTransaction(ctx context.Context, payload map[string]any) (*Verdict, error) {
	ctx, span := traces.StartSpan(ctx, "rules.check_transaction")
	defer span.End()

	payload = NormalizePayload(payload)
	account, _ := payload[AccountColumn].(string)
	span.SetAttributes(traces.Account(account))

	active, err := e.store.ActiveRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading active rules: %w", err)
	}

	if len(active) == 0 {
		if err := e.store.InsertTransaction(ctx, payload); err != nil {
			return nil, fmt.Errorf("persisting transaction: %w", err)
		}
		metrics.ChecksTotal.WithLabelValues("no_rules").Inc()
		return &Verdict{Flagged: false, Message: MsgNoActiveRules}, nil
	}

	var faulted []string
	for _, r := range active {
		if !e.evaluateRule(ctx, r, payload) {
			continue
		}
		faulted = append(faulted, r.ID)
		if err := e.recordFault(ctx, r, payload, account); err != nil {
			// The verdict stands even if the audit write fails.
			logging.L(ctx).Error("failed to record violation report",
				"rule_id", r.ID, "error", err)
		}
	}

	if err := e.store.InsertTransaction(ctx, payload); err != nil {
		return nil, fmt.Errorf("persisting transaction: %w", err)
	}

	verdict := &Verdict{
		Flagged:        len(faulted) > 0,
		Message:        MsgNotSuspicious,
		RulesEvaluated: len(active),
		FaultedRules:   faulted,
	}
	if verdict.Flagged {
		verdict.Message = MsgSuspicious
		metrics.ChecksTotal.WithLabelValues("suspicious").Inc()
	} else {
		metrics.ChecksTotal.WithLabelValues("clear").Inc()
	}
	return verdict, nil
}

func (e *Engine) recordFault(ctx context.Context, r *Rule, payload map[string]any, account string) error {
	snapshot, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	rep := &Report{
		ID:          idgen.WithPrefix("rep_"),
		RuleID:      r.ID,
		PayloadType: "transaction",
		Payload:     snapshot,
		CreatedAt:   time.Now().UTC(),
	}
	if err := e.store.InsertReport(ctx, rep); err != nil {
		return err
	}
	metrics.ReportsTotal.Inc()
	if e.events != nil {
		e.events.RuleFaulted(r.ID, r.Name, account, payload)
	}
	return nil
}

// Report composes violation history (joined with rule metadata) and anomaly
// history for display, both newest first. Read-only.
func (e *Engine) Report(ctx context.Context) (*ReportBundle, error) {
	entries, err := e.store.ListReports(ctx, reportLimit)
	if err != nil {
		return nil, fmt.Errorf("loading reports: %w", err)
	}

	bundle := &ReportBundle{Rules: entries}
	if bundle.Rules == nil {
		bundle.Rules = []*ReportEntry{}
	}
	bundle.Anomalies = []AnomalyEntry{}
	if e.anomalies != nil {
		anomalies, err := e.anomalies.ListAnomalies(ctx, reportLimit)
		if err != nil {
			return nil, fmt.Errorf("loading anomalies: %w", err)
		}
		bundle.Anomalies = anomalies
	}
	return bundle, nil
}
