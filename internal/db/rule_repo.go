package db

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"

	"signaldesk/internal/types"
)

// RuleRepository persists rule-set snapshots. Every rule edit produces a new
// version; rows are append-only so any historical snapshot stays loadable.
type RuleRepository struct {
	db DBTX
}

// NewRuleRepository creates a RuleRepository backed by the given database
// connection (pool or transaction).
func NewRuleRepository(db DBTX) *RuleRepository {
	return &RuleRepository{db: db}
}

// SaveRuleSet appends one rule-set version. The version column carries a
// unique constraint; two processes racing to persist the same version
// surface as a version conflict so the loser can reload and retry.
func (r *RuleRepository) SaveRuleSet(ctx context.Context, version int, rules []types.PriorityRule) error {
	body, err := json.Marshal(rules)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to marshal rule set", err)
	}

	_, err = r.db.Exec(ctx,
		`INSERT INTO rule_sets (version, rules, created_at) VALUES ($1, $2, NOW())`,
		version,
		body,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return types.NewAppError(types.ErrCodeConflictRuleVersion, "rule set version already exists", err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to save rule set", err)
	}
	return nil
}

// LoadCurrent returns the highest persisted rule-set version and its rules.
// With no rows yet it returns version 0 and no rules; the caller seeds the
// store with its defaults.
func (r *RuleRepository) LoadCurrent(ctx context.Context) (int, []types.PriorityRule, error) {
	row := r.db.QueryRow(ctx,
		`SELECT version, rules FROM rule_sets ORDER BY version DESC LIMIT 1`,
	)

	var version int
	var body []byte
	if err := row.Scan(&version, &body); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil, nil
		}
		return 0, nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load rule set", err)
	}

	var rules []types.PriorityRule
	if err := json.Unmarshal(body, &rules); err != nil {
		return 0, nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to decode rule set", err)
	}
	return version, rules, nil
}
