package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"
)

// MemoryStore is an in-memory rule store for tests and demo mode. Installed
// triggers are modeled as refresh hooks that recompute a rule's aggregate for
// an account whenever a transaction for that account is inserted, the same
// one-insert lag the database trigger produces, since a check reads the
// aggregate before the transaction insert that refreshes it.
type MemoryStore struct {
	mu           sync.RWMutex
	rules        map[string]*Rule
	ruleOrder    []string
	results      map[string]*ExpressionResult // keyed ruleID + "\x00" + account
	triggers     map[string]string            // trigger name -> rule id
	compiled     map[string]*CompiledExpression
	reports      []*Report
	transactions []map[string]any
	anomalies    []map[string]any
	schema       map[string][]Column
}

// NewMemoryStore creates an empty in-memory rule store with the default
// transaction schema.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rules:    make(map[string]*Rule),
		results:  make(map[string]*ExpressionResult),
		triggers: make(map[string]string),
		compiled: make(map[string]*CompiledExpression),
		schema: map[string][]Column{
			"transactions": {
				{Name: "id", SQLType: "bigint", Type: TypeInt},
				{Name: "source_account_number", SQLType: "character varying", Type: TypeText},
				{Name: "destination_account_number", SQLType: "character varying", Type: TypeText},
				{Name: "amount", SQLType: "numeric", Type: TypeFloat},
				{Name: "destination_bank_code", SQLType: "character varying", Type: TypeText},
				{Name: "narration", SQLType: "text", Type: TypeText},
				{Name: "date_inserted", SQLType: "timestamp with time zone", Type: TypeDateTime},
			},
			"anomalies": {
				{Name: "id", SQLType: "character varying", Type: TypeText},
				{Name: "user_id", SQLType: "character varying", Type: TypeText},
				{Name: "alert_type", SQLType: "character varying", Type: TypeText},
				{Name: "source_account_number", SQLType: "character varying", Type: TypeText},
				{Name: "timestamp", SQLType: "timestamp with time zone", Type: TypeDateTime},
				{Name: "risk_score", SQLType: "numeric", Type: TypeFloat},
			},
		},
	}
}

func resultKey(ruleID, account string) string { return ruleID + "\x00" + account }

func (m *MemoryStore) Columns(_ context.Context, table string) ([]Column, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cols, ok := m.schema[table]
	if !ok {
		return nil, nil
	}
	out := make([]Column, len(cols))
	copy(out, cols)
	return out, nil
}

func (m *MemoryStore) CreateRule(_ context.Context, r *Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.rules[r.ID] = &cp
	m.ruleOrder = append(m.ruleOrder, r.ID)
	return nil
}

func (m *MemoryStore) ListRules(_ context.Context) ([]*Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Rule, 0, len(m.ruleOrder))
	for i := len(m.ruleOrder) - 1; i >= 0; i-- {
		cp := *m.rules[m.ruleOrder[i]]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) ActiveRules(_ context.Context) ([]*Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Rule
	for _, id := range m.ruleOrder {
		if r := m.rules[id]; r.Active {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) SetRuleActive(_ context.Context, id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[id]
	if !ok {
		return ErrRuleNotFound
	}
	r.Active = active
	r.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ExpressionResult(_ context.Context, ruleID, account string) (*ExpressionResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	er, ok := m.results[resultKey(ruleID, account)]
	if !ok {
		return nil, ErrNoExpressionResult
	}
	cp := *er
	return &cp, nil
}

func (m *MemoryStore) SeedExpressionResults(_ context.Context, r *Rule, expr *CompiledExpression) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows, err := m.rowsOf(expr.Table)
	if err != nil {
		return 0, err
	}
	seen := make(map[string]bool)
	seeded := 0
	for _, row := range rows {
		account, _ := row[AccountColumn].(string)
		if account == "" || seen[account] {
			continue
		}
		seen[account] = true
		value, ok, err := m.aggregate(expr, account)
		if err != nil {
			return seeded, err
		}
		if !ok {
			continue
		}
		key := resultKey(r.ID, account)
		if _, exists := m.results[key]; exists {
			continue
		}
		m.results[key] = &ExpressionResult{
			RuleID:        r.ID,
			SourceAccount: account,
			Value:         value,
			Type:          expr.ResultType,
			UpdatedAt:     time.Now().UTC(),
		}
		seeded++
	}
	return seeded, nil
}

func (m *MemoryStore) TestExpression(_ context.Context, expr *CompiledExpression) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, _, err := m.aggregate(expr, testProbeAccount)
	return err
}

func (m *MemoryStore) InstallTrigger(_ context.Context, r *Rule, expr *CompiledExpression) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.triggers[r.TriggerName]; taken {
		return ErrTriggerNameTaken
	}
	m.triggers[r.TriggerName] = r.ID
	m.compiled[r.ID] = expr
	return nil
}

func (m *MemoryStore) TriggerInstalled(_ context.Context, name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.triggers[name]
	return ok, nil
}

func (m *MemoryStore) InsertReport(_ context.Context, rep *Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rep
	m.reports = append(m.reports, &cp)
	return nil
}

func (m *MemoryStore) ListReports(_ context.Context, limit int) ([]*ReportEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sorted := make([]*Report, len(m.reports))
	copy(sorted, m.reports)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
	})

	var entries []*ReportEntry
	for _, rep := range sorted {
		if limit > 0 && len(entries) >= limit {
			break
		}
		e := &ReportEntry{
			Seq:         len(entries) + 1,
			RuleID:      rep.RuleID,
			PayloadType: rep.PayloadType,
			CreatedAt:   rep.CreatedAt,
		}
		if r, ok := m.rules[rep.RuleID]; ok {
			e.RuleName = r.Name
			e.Description = r.Description
		}
		if len(rep.Payload) > 0 {
			_ = json.Unmarshal(rep.Payload, &e.Payload)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (m *MemoryStore) InsertTransaction(_ context.Context, payload map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	row := make(map[string]any)
	for _, c := range m.schema["transactions"] {
		if v, ok := payload[c.Name]; ok {
			row[c.Name] = v
		}
	}
	if len(row) == 0 {
		return fmt.Errorf("rules: payload has no transaction columns")
	}
	if _, ok := row["date_inserted"]; !ok {
		row["date_inserted"] = time.Now().UTC()
	}
	m.transactions = append(m.transactions, row)

	// Fire registered refresh hooks, the in-memory stand-in for the
	// database triggers.
	account, _ := row[AccountColumn].(string)
	if account == "" {
		return nil
	}
	for ruleID, expr := range m.compiled {
		value, ok, err := m.aggregate(expr, account)
		if err != nil || !ok {
			continue
		}
		m.results[resultKey(ruleID, account)] = &ExpressionResult{
			RuleID:        ruleID,
			SourceAccount: account,
			Value:         value,
			Type:          expr.ResultType,
			UpdatedAt:     time.Now().UTC(),
		}
	}
	return nil
}

// rowsOf resolves a category table to its stored rows. Caller holds the lock.
func (m *MemoryStore) rowsOf(table string) ([]map[string]any, error) {
	switch table {
	case "transactions":
		return m.transactions, nil
	case "anomalies":
		return m.anomalies, nil
	}
	return nil, fmt.Errorf("rules: memory store cannot aggregate over %s", table)
}

// InsertAnomaly stores an anomaly row for aggregation. Refresh hooks do not
// fire here: like the database trigger, aggregates refresh only on
// transaction inserts, so new anomaly rows surface with the same lag.
func (m *MemoryStore) InsertAnomaly(_ context.Context, row map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := make(map[string]any)
	for _, c := range m.schema["anomalies"] {
		if v, ok := row[c.Name]; ok {
			cp[c.Name] = v
		}
	}
	if len(cp) == 0 {
		return fmt.Errorf("rules: row has no anomaly columns")
	}
	m.anomalies = append(m.anomalies, cp)
	return nil
}

// aggregate evaluates the compiled expression over one account's rows of the
// expression's table. ok is false when the aggregate is NULL-equivalent (no
// matching rows, except COUNT which yields zero). Caller holds the lock.
func (m *MemoryStore) aggregate(expr *CompiledExpression, account string) (string, bool, error) {
	rows, err := m.rowsOf(expr.Table)
	if err != nil {
		return "", false, err
	}

	var matched []map[string]any
	for _, row := range rows {
		if row[AccountColumn] != account {
			continue
		}
		ok, err := m.rowMatches(expr, row)
		if err != nil {
			return "", false, err
		}
		if ok {
			matched = append(matched, row)
		}
	}

	if expr.Func == AggCount {
		return strconv.Itoa(len(matched)), true, nil
	}
	if len(matched) == 0 {
		return "", false, nil
	}

	colType := m.columnType(expr.Table, expr.Column)
	var nums []float64
	for _, row := range matched {
		f, err := toFloat64(row[expr.Column])
		if err != nil {
			return "", false, err
		}
		nums = append(nums, f)
	}

	var out float64
	switch expr.Func {
	case AggSum:
		for _, f := range nums {
			out += f
		}
	case AggAvg:
		for _, f := range nums {
			out += f
		}
		out /= float64(len(nums))
	case AggMin:
		out = nums[0]
		for _, f := range nums[1:] {
			if f < out {
				out = f
			}
		}
	case AggMax:
		out = nums[0]
		for _, f := range nums[1:] {
			if f > out {
				out = f
			}
		}
	default:
		return "", false, fmt.Errorf("rules: unsupported aggregate %s", expr.Func)
	}

	if expr.ResultType == TypeInt && colType == TypeInt {
		return strconv.FormatInt(int64(out), 10), true, nil
	}
	return strconv.FormatFloat(out, 'f', -1, 64), true, nil
}

func (m *MemoryStore) rowMatches(expr *CompiledExpression, row map[string]any) (bool, error) {
	for _, f := range expr.Filters {
		raw, ok := row[f.Column]
		if !ok {
			return false, nil
		}
		colType := m.columnType(expr.Table, f.Column)
		left, err := colType.Convert(raw)
		if err != nil {
			return false, err
		}
		right, err := colType.Convert(f.Value)
		if err != nil {
			return false, err
		}
		holds, err := f.Op.Compare(left, right)
		if err != nil {
			return false, err
		}
		if !holds {
			return false, nil
		}
	}
	return true, nil
}

func (m *MemoryStore) columnType(table, column string) DataType {
	for _, c := range m.schema[table] {
		if c.Name == column {
			return c.Type
		}
	}
	return TypeText
}

var _ Store = (*MemoryStore)(nil)
