package rules

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists rules, aggregates, reports and transactions in
// PostgreSQL and installs the plpgsql triggers that maintain expression
// results. Connection acquisition and release are handled by database/sql's
// pool; every statement runs on a pooled connection that is returned on all
// exit paths.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed rule store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Columns(ctx context.Context, table string) ([]Column, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT column_name, data_type
		FROM information_schema.columns
		WHERE table_name = $1
		ORDER BY ordinal_position`, table)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var cols []Column
	for rows.Next() {
		var c Column
		if err := rows.Scan(&c.Name, &c.SQLType); err != nil {
			return nil, err
		}
		c.Type = TypeOfSQL(c.SQLType)
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

func (p *PostgresStore) CreateRule(ctx context.Context, r *Rule) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO rules (id, rule_name, description, data_point, is_expression, conditional,
			check_value, expression, check_value_data_type, data_point_data_type,
			trigger_name, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		r.ID, r.Name, r.Description, r.DataPoint, r.IsExpression(), string(r.Conditional),
		nullString(r.CheckValue), nullString(r.Expression), string(r.CheckType), string(r.DataPointType),
		nullString(r.TriggerName), r.Active, r.CreatedAt, r.UpdatedAt,
	)
	return err
}

const ruleColumns = `id, rule_name, description, data_point, is_expression, conditional,
	check_value, expression, check_value_data_type, data_point_data_type,
	trigger_name, is_active, created_at, updated_at`

func (p *PostgresStore) ListRules(ctx context.Context) ([]*Rule, error) {
	return p.queryRules(ctx, `SELECT `+ruleColumns+` FROM rules ORDER BY created_at DESC`)
}

func (p *PostgresStore) ActiveRules(ctx context.Context) ([]*Rule, error) {
	return p.queryRules(ctx, `SELECT `+ruleColumns+` FROM rules WHERE is_active = TRUE ORDER BY created_at`)
}

func (p *PostgresStore) queryRules(ctx context.Context, query string, args ...any) ([]*Rule, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func scanRule(rows *sql.Rows) (*Rule, error) {
	r := &Rule{}
	var (
		isExpression                      bool
		conditional, checkType, dpType    string
		checkValue, expression, triggerNm sql.NullString
	)
	if err := rows.Scan(&r.ID, &r.Name, &r.Description, &r.DataPoint, &isExpression,
		&conditional, &checkValue, &expression, &checkType, &dpType,
		&triggerNm, &r.Active, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Kind = KindValue
	if isExpression {
		r.Kind = KindExpression
	}
	var err error
	if r.Conditional, err = ParseConditional(conditional); err != nil {
		return nil, fmt.Errorf("corrupt conditional for rule %s: %w", r.ID, err)
	}
	if r.CheckType, err = ParseDataType(checkType); err != nil {
		return nil, fmt.Errorf("corrupt data type for rule %s: %w", r.ID, err)
	}
	if r.DataPointType, err = ParseDataType(dpType); err != nil {
		return nil, fmt.Errorf("corrupt data type for rule %s: %w", r.ID, err)
	}
	r.CheckValue = checkValue.String
	r.Expression = expression.String
	r.TriggerName = triggerNm.String
	return r, nil
}

func (p *PostgresStore) SetRuleActive(ctx context.Context, id string, active bool) error {
	result, err := p.db.ExecContext(ctx,
		`UPDATE rules SET is_active = $1, updated_at = NOW() WHERE id = $2`, active, id)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRuleNotFound
	}
	return nil
}

func (p *PostgresStore) ExpressionResult(ctx context.Context, ruleID, account string) (*ExpressionResult, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT rule_id, source_account_number, result_value, result_data_type, date_time_updated
		FROM expression_results
		WHERE rule_id = $1 AND source_account_number = $2`, ruleID, account)

	er := &ExpressionResult{}
	var dtype string
	err := row.Scan(&er.RuleID, &er.SourceAccount, &er.Value, &dtype, &er.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNoExpressionResult
	}
	if err != nil {
		return nil, err
	}
	if er.Type, err = ParseDataType(dtype); err != nil {
		return nil, fmt.Errorf("corrupt result type for rule %s: %w", ruleID, err)
	}
	return er, nil
}

func (p *PostgresStore) SeedExpressionResults(ctx context.Context, r *Rule, expr *CompiledExpression) (int, error) {
	accounts, err := p.distinctAccounts(ctx, expr.Table)
	if err != nil {
		return 0, err
	}

	query, args := expr.ParamSQL()
	seeded := 0
	now := time.Now().UTC()
	for _, account := range accounts {
		var value sql.NullString
		scoped := append(append([]any{}, args...), account)
		if err := p.db.QueryRowContext(ctx, `SELECT (`+wrapScalar(query)+`)::text`, scoped...).Scan(&value); err != nil {
			return seeded, fmt.Errorf("seeding account %s: %w", account, err)
		}
		if !value.Valid {
			continue // no matching history for this account
		}
		_, err := p.db.ExecContext(ctx, `
			INSERT INTO expression_results (rule_id, source_account_number, result_value, result_data_type, date_time_updated)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (rule_id, source_account_number) DO NOTHING`,
			r.ID, account, value.String, string(expr.ResultType), now)
		if err != nil {
			if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
				continue // concurrent trigger fire beat the seed pass
			}
			return seeded, err
		}
		seeded++
	}
	return seeded, nil
}

func (p *PostgresStore) distinctAccounts(ctx context.Context, table string) ([]string, error) {
	if !identPattern.MatchString(table) {
		return nil, fmt.Errorf("rules: invalid table identifier %q", table)
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT DISTINCT `+AccountColumn+` FROM `+table+` WHERE `+AccountColumn+` IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var accounts []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// testProbeAccount never matches a real account; the probe only verifies the
// expression executes.
const testProbeAccount = "__fraudmark_probe__"

func (p *PostgresStore) TestExpression(ctx context.Context, expr *CompiledExpression) error {
	query, args := expr.ParamSQL()
	args = append(args, testProbeAccount)
	var probe sql.NullString
	if err := p.db.QueryRowContext(ctx, `SELECT (`+wrapScalar(query)+`)::text`, args...).Scan(&probe); err != nil {
		return fmt.Errorf("expression failed test execution: %w", err)
	}
	return nil
}

// wrapScalar embeds the aggregate query as a scalar subquery so the outer
// SELECT always yields exactly one row, NULL included.
func wrapScalar(query string) string {
	return "(" + query + ")"
}

func (p *PostgresStore) InstallTrigger(ctx context.Context, r *Rule, expr *CompiledExpression) error {
	installed, err := p.TriggerInstalled(ctx, r.TriggerName)
	if err != nil {
		return err
	}
	if installed {
		return ErrTriggerNameTaken
	}
	_, err = p.db.ExecContext(ctx, renderTriggerDDL(r, expr))
	return err
}

// renderTriggerDDL builds the function + trigger pair that refreshes the
// rule's expression result for each newly inserted transaction's account.
// The trigger always fires on the transaction table, whichever table the
// aggregate ranges over; a check reads the aggregate before the insert that
// refreshes it, so the one-insert lag holds for every category. Identifiers
// come from the compile-time allow-list and the rule id and result type are
// engine-generated, so embedding them is safe.
func renderTriggerDDL(r *Rule, expr *CompiledExpression) string {
	fn := "fn_" + r.TriggerName
	aggregate := expr.ScopedSQL("NEW." + AccountColumn)
	return fmt.Sprintf(`
CREATE FUNCTION %[1]s() RETURNS trigger AS $body$
BEGIN
	INSERT INTO expression_results (rule_id, source_account_number, result_value, result_data_type, date_time_updated)
	VALUES (%[2]s, NEW.%[3]s, COALESCE((%[4]s)::text, '0'), %[5]s, NOW())
	ON CONFLICT (rule_id, source_account_number)
	DO UPDATE SET result_value = EXCLUDED.result_value, date_time_updated = EXCLUDED.date_time_updated;
	RETURN NEW;
END
$body$ LANGUAGE plpgsql;
CREATE TRIGGER %[6]s AFTER INSERT ON %[7]s FOR EACH ROW EXECUTE FUNCTION %[1]s();`,
		fn, quoteLiteral(r.ID), AccountColumn, aggregate, quoteLiteral(string(expr.ResultType)),
		r.TriggerName, transactionTable)
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func (p *PostgresStore) TriggerInstalled(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = $1)`, name).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) InsertReport(ctx context.Context, rep *Report) error {
	// lib/pq hex-encodes []byte as bytea, which jsonb rejects; bind as text.
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO reports (id, rule_id, payload_type, payload_details, date_inserted)
		VALUES ($1, $2, $3, $4, $5)`,
		rep.ID, rep.RuleID, rep.PayloadType, string(rep.Payload), rep.CreatedAt)
	return err
}

func (p *PostgresStore) ListReports(ctx context.Context, limit int) ([]*ReportEntry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT rep.rule_id, r.rule_name, r.description, rep.payload_type, rep.payload_details, rep.date_inserted
		FROM reports rep
		JOIN rules r ON r.id = rep.rule_id
		ORDER BY rep.date_inserted DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*ReportEntry
	for rows.Next() {
		e := &ReportEntry{}
		var payload []byte
		if err := rows.Scan(&e.RuleID, &e.RuleName, &e.Description, &e.PayloadType, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &e.Payload); err != nil {
				return nil, fmt.Errorf("corrupt payload for report on rule %s: %w", e.RuleID, err)
			}
		}
		e.Seq = len(entries) + 1
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (p *PostgresStore) InsertTransaction(ctx context.Context, payload map[string]any) error {
	cols, err := p.Columns(ctx, "transactions")
	if err != nil {
		return err
	}

	var (
		names        []string
		placeholders []string
		args         []any
	)
	for _, c := range cols {
		v, ok := payload[c.Name]
		if !ok {
			continue
		}
		names = append(names, c.Name)
		placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)+1))
		args = append(args, v)
	}
	if len(names) == 0 {
		return fmt.Errorf("rules: payload has no transaction columns")
	}

	query := fmt.Sprintf("INSERT INTO transactions (%s) VALUES (%s)",
		strings.Join(names, ", "), strings.Join(placeholders, ", "))
	_, err = p.db.ExecContext(ctx, query, args...)
	return err
}

// Migrate creates the engine's tables if they do not exist. The goose
// migrations under migrations/ are the canonical schema; this covers fresh
// test databases.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS transactions (
			id                          BIGSERIAL PRIMARY KEY,
			source_account_number       VARCHAR(32) NOT NULL,
			destination_account_number  VARCHAR(32) NOT NULL DEFAULT '',
			amount                      NUMERIC(18,2) NOT NULL DEFAULT 0,
			destination_bank_code       VARCHAR(12) NOT NULL DEFAULT '',
			narration                   TEXT NOT NULL DEFAULT '',
			date_inserted               TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_transactions_source ON transactions(source_account_number);

		CREATE TABLE IF NOT EXISTS rules (
			id                    TEXT PRIMARY KEY,
			rule_name             TEXT NOT NULL DEFAULT '',
			description           TEXT NOT NULL DEFAULT '',
			data_point            TEXT NOT NULL,
			is_expression         BOOLEAN NOT NULL DEFAULT FALSE,
			conditional           TEXT NOT NULL,
			check_value           TEXT,
			expression            TEXT,
			check_value_data_type TEXT NOT NULL,
			data_point_data_type  TEXT NOT NULL,
			trigger_name          TEXT,
			is_active             BOOLEAN NOT NULL DEFAULT TRUE,
			created_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at            TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS expression_results (
			rule_id                TEXT NOT NULL REFERENCES rules(id),
			source_account_number  VARCHAR(32) NOT NULL,
			result_value           TEXT NOT NULL,
			result_data_type       TEXT NOT NULL,
			date_time_updated      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (rule_id, source_account_number)
		);

		CREATE TABLE IF NOT EXISTS reports (
			id              TEXT PRIMARY KEY,
			rule_id         TEXT NOT NULL REFERENCES rules(id),
			payload_type    TEXT NOT NULL DEFAULT 'transaction',
			payload_details JSONB NOT NULL DEFAULT '{}',
			date_inserted   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_reports_date ON reports(date_inserted DESC);

		CREATE TABLE IF NOT EXISTS anomalies (
			id                    VARCHAR(64) PRIMARY KEY,
			user_id               VARCHAR(128) NOT NULL,
			alert_type            VARCHAR(128) NOT NULL,
			source_account_number VARCHAR(32) NOT NULL DEFAULT '',
			timestamp             TIMESTAMPTZ NOT NULL,
			risk_score            NUMERIC NOT NULL,
			date_inserted         TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_anomalies_timestamp ON anomalies(timestamp DESC);
		CREATE INDEX IF NOT EXISTS idx_anomalies_source ON anomalies(source_account_number);
	`)
	return err
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
