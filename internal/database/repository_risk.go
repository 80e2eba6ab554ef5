package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"trading-core/internal/risk"
)

// RiskRepository persists risk audit records to PostgreSQL.
type RiskRepository struct {
	db *DB
}

// NewRiskRepository creates a new risk repository
func NewRiskRepository(db *DB) *RiskRepository {
	return &RiskRepository{db: db}
}

// SaveViolation appends a violation to the audit trail.
func (r *RiskRepository) SaveViolation(ctx context.Context, v risk.Violation) error {
	var detailsJSON []byte
	if v.Details != nil {
		var err error
		detailsJSON, err = json.Marshal(v.Details)
		if err != nil {
			return fmt.Errorf("failed to marshal violation details: %w", err)
		}
	}

	query := `
		INSERT INTO risk_violations (id, timestamp, level, message, details, rule_type, recommendation)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := r.db.Pool.Exec(ctx, query,
		v.ID, v.Timestamp, string(v.Level), v.Message, detailsJSON, v.RuleType, v.Recommendation)
	if err != nil {
		return fmt.Errorf("failed to save violation: %w", err)
	}
	return nil
}

// RecentViolations returns the most recent violations, newest first.
func (r *RiskRepository) RecentViolations(ctx context.Context, limit int) ([]risk.Violation, error) {
	query := `
		SELECT id, timestamp, level, message, details, rule_type, recommendation
		FROM risk_violations
		ORDER BY timestamp DESC
		LIMIT $1`

	rows, err := r.db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query violations: %w", err)
	}
	defer rows.Close()

	var violations []risk.Violation
	for rows.Next() {
		var v risk.Violation
		var level string
		var detailsJSON []byte
		if err := rows.Scan(&v.ID, &v.Timestamp, &level, &v.Message, &detailsJSON,
			&v.RuleType, &v.Recommendation); err != nil {
			return nil, fmt.Errorf("failed to scan violation: %w", err)
		}
		v.Level = risk.Level(level)
		if len(detailsJSON) > 0 {
			if err := json.Unmarshal(detailsJSON, &v.Details); err != nil {
				return nil, fmt.Errorf("failed to unmarshal violation details: %w", err)
			}
		}
		violations = append(violations, v)
	}
	return violations, rows.Err()
}

// SaveTradeValidation appends a validation record, approved or rejected.
func (r *RiskRepository) SaveTradeValidation(ctx context.Context, tv risk.TradeValidation) error {
	var reasonsJSON []byte
	if len(tv.RejectionReasons) > 0 {
		var err error
		reasonsJSON, err = json.Marshal(tv.RejectionReasons)
		if err != nil {
			return fmt.Errorf("failed to marshal rejection reasons: %w", err)
		}
	}

	query := `
		INSERT INTO trade_validations (timestamp, symbol, side, quantity, price, approved, rejection_reasons, risk_score)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := r.db.Pool.Exec(ctx, query,
		tv.Timestamp, tv.Symbol, tv.Side, tv.Quantity, tv.Price, tv.Approved, reasonsJSON, tv.RiskScore)
	if err != nil {
		return fmt.Errorf("failed to save trade validation: %w", err)
	}
	return nil
}

// SaveDailySummary upserts the summary row for one trading day.
func (r *RiskRepository) SaveDailySummary(ctx context.Context, s risk.DailySummary) error {
	query := `
		INSERT INTO daily_risk_summary (date, max_exposure, max_drawdown, total_violations, trades_blocked, risk_score, summary)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (date) DO UPDATE SET
			max_exposure = EXCLUDED.max_exposure,
			max_drawdown = EXCLUDED.max_drawdown,
			total_violations = EXCLUDED.total_violations,
			trades_blocked = EXCLUDED.trades_blocked,
			risk_score = EXCLUDED.risk_score,
			summary = EXCLUDED.summary`

	_, err := r.db.Pool.Exec(ctx, query,
		s.Date, s.MaxExposure, s.MaxDrawdown, s.TotalViolations, s.TradesBlocked, s.RiskScore, []byte(s.Summary))
	if err != nil {
		return fmt.Errorf("failed to save daily summary: %w", err)
	}
	return nil
}

// DailySummaries returns summaries for the most recent days, newest first.
func (r *RiskRepository) DailySummaries(ctx context.Context, days int) ([]risk.DailySummary, error) {
	query := `
		SELECT date, max_exposure, max_drawdown, total_violations, trades_blocked, risk_score, summary
		FROM daily_risk_summary
		ORDER BY date DESC
		LIMIT $1`

	rows, err := r.db.Pool.Query(ctx, query, days)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily summaries: %w", err)
	}
	defer rows.Close()

	var summaries []risk.DailySummary
	for rows.Next() {
		var s risk.DailySummary
		var summaryJSON []byte
		if err := rows.Scan(&s.Date, &s.MaxExposure, &s.MaxDrawdown, &s.TotalViolations,
			&s.TradesBlocked, &s.RiskScore, &summaryJSON); err != nil {
			return nil, fmt.Errorf("failed to scan daily summary: %w", err)
		}
		s.Summary = string(summaryJSON)
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// ViolationCountSince returns how many violations were recorded after the
// given time, grouped by level.
func (r *RiskRepository) ViolationCountSince(ctx context.Context, since time.Time) (map[risk.Level]int, error) {
	query := `
		SELECT level, COUNT(*)
		FROM risk_violations
		WHERE timestamp > $1
		GROUP BY level`

	rows, err := r.db.Pool.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to count violations: %w", err)
	}
	defer rows.Close()

	counts := make(map[risk.Level]int)
	for rows.Next() {
		var level string
		var count int
		if err := rows.Scan(&level, &count); err != nil {
			return nil, fmt.Errorf("failed to scan violation count: %w", err)
		}
		counts[risk.Level(level)] = count
	}
	return counts, rows.Err()
}

// CleanupViolationsBefore deletes violations older than the cutoff.
func (r *RiskRepository) CleanupViolationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM risk_violations WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up violations: %w", err)
	}
	return tag.RowsAffected(), nil
}
