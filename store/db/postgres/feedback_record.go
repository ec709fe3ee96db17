package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hrygo/divinesense-router/store"
)

// CreateFeedbackRecord appends a feedback record.
func (d *DB) CreateFeedbackRecord(ctx context.Context, create *store.FeedbackRecord) (*store.FeedbackRecord, error) {
	if create.CreatedTs == 0 {
		create.CreatedTs = time.Now().Unix()
	}
	signals, err := store.EncodeSignals(create.Signals)
	if err != nil {
		return nil, err
	}

	values := make([]string, 12)
	for i := range values {
		values[i] = placeholder(i + 1)
	}
	stmt := `INSERT INTO feedback_record (request_id, session_id, kind, tier, path, domain, intent_name, status, outcome, latency_ms, signals, created_ts)
		VALUES (` + strings.Join(values, ", ") + `) RETURNING id`
	if err := d.db.QueryRowContext(ctx, stmt,
		create.RequestID, create.SessionID, string(create.Kind), create.Tier, create.Path, create.Domain,
		create.IntentName, create.Status, string(create.Outcome), create.LatencyMs, signals, create.CreatedTs,
	).Scan(&create.ID); err != nil {
		return nil, fmt.Errorf("failed to create feedback record: %w", err)
	}
	return create, nil
}

// ListFeedbackRecords retrieves feedback records, newest first.
func (d *DB) ListFeedbackRecords(ctx context.Context, find *store.FindFeedbackRecord) ([]*store.FeedbackRecord, error) {
	query := `SELECT id, request_id, session_id, kind, tier, path, domain, intent_name, status, outcome, latency_ms, signals::TEXT, created_ts
		FROM feedback_record WHERE 1=1`
	args := []any{}
	argIdx := 1

	if find.SessionID != nil {
		query += fmt.Sprintf(" AND session_id = %s", placeholder(argIdx))
		args = append(args, *find.SessionID)
		argIdx++
	}
	if find.RequestID != nil {
		query += fmt.Sprintf(" AND request_id = %s", placeholder(argIdx))
		args = append(args, *find.RequestID)
		argIdx++
	}
	if find.Kind != nil {
		query += fmt.Sprintf(" AND kind = %s", placeholder(argIdx))
		args = append(args, string(*find.Kind))
		argIdx++
	}
	if find.Outcome != nil {
		query += fmt.Sprintf(" AND outcome = %s", placeholder(argIdx))
		args = append(args, string(*find.Outcome))
		argIdx++
	}
	if find.StartTs != nil {
		query += fmt.Sprintf(" AND created_ts >= %s", placeholder(argIdx))
		args = append(args, *find.StartTs)
	}

	query += " ORDER BY created_ts DESC, id DESC"
	if find.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", find.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list feedback records: %w", err)
	}
	defer rows.Close()

	list := []*store.FeedbackRecord{}
	for rows.Next() {
		var (
			rec           store.FeedbackRecord
			kind, outcome string
			signals       string
		)
		if err := rows.Scan(&rec.ID, &rec.RequestID, &rec.SessionID, &kind, &rec.Tier, &rec.Path, &rec.Domain,
			&rec.IntentName, &rec.Status, &outcome, &rec.LatencyMs, &signals, &rec.CreatedTs); err != nil {
			return nil, fmt.Errorf("failed to scan feedback record: %w", err)
		}
		rec.Kind = store.FeedbackKind(kind)
		rec.Outcome = store.FeedbackOutcome(outcome)
		if rec.Signals, err = store.DecodeSignals(signals); err != nil {
			return nil, err
		}
		list = append(list, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate feedback records: %w", err)
	}
	return list, nil
}

// GetFeedbackStats aggregates route records within the time range.
func (d *DB) GetFeedbackStats(ctx context.Context, get *store.GetFeedbackStats) (*store.FeedbackStats, error) {
	since := int64(0)
	if get != nil && get.TimeRange > 0 {
		since = time.Now().Add(-get.TimeRange).Unix()
	}
	stats := &store.FeedbackStats{ByOutcome: map[string]int64{}, ByPath: map[string]int64{}}

	query := `SELECT
			COUNT(*) FILTER (WHERE kind = ` + placeholder(1) + `),
			COALESCE(AVG(latency_ms) FILTER (WHERE kind = ` + placeholder(1) + `), 0),
			COUNT(*) FILTER (WHERE kind = ` + placeholder(2) + `)
		FROM feedback_record WHERE created_ts >= ` + placeholder(3)
	if err := d.db.QueryRowContext(ctx, query,
		string(store.FeedbackKindRoute), string(store.FeedbackKindSignal), since,
	).Scan(&stats.Total, &stats.AvgLatencyMs, &stats.Signals); err != nil {
		return nil, fmt.Errorf("failed to aggregate feedback records: %w", err)
	}

	for column, target := range map[string]map[string]int64{"outcome": stats.ByOutcome, "path": stats.ByPath} {
		rows, err := d.db.QueryContext(ctx,
			`SELECT `+column+`, COUNT(*) FROM feedback_record WHERE kind = `+placeholder(1)+
				` AND created_ts >= `+placeholder(2)+` GROUP BY `+column,
			string(store.FeedbackKindRoute), since)
		if err != nil {
			return nil, fmt.Errorf("failed to group feedback records by %s: %w", column, err)
		}
		for rows.Next() {
			var (
				key   string
				count int64
			)
			if err := rows.Scan(&key, &count); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan feedback group: %w", err)
			}
			target[key] = count
		}
		rows.Close()
	}
	return stats, nil
}
